package dicom

import (
	"maps"
	"slices"

	"github.com/jmgilman/go/errors"
)

// DataType is the JSON type a tag is converted to.
type DataType int

const (
	String DataType = iota
	Integer
	Float
	ListOfFloats
	ListOfStrings
	Unsupported
)

// String implements fmt.Stringer.
func (d DataType) String() string {
	switch d {
	case String:
		return "string"
	case Integer:
		return "integer"
	case Float:
		return "float"
	case ListOfFloats:
		return "list-of-floats"
	case ListOfStrings:
		return "list-of-strings"
	case Unsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// TagInfo describes how a tag is converted and the field name it is
// published under.
type TagInfo struct {
	Type DataType
	Name string
}

// Entry pairs a tag with its description.
type Entry struct {
	Tag  Tag
	Info TagInfo
}

// Schema is the immutable table of tags extracted for the viewer, split into
// study, series and instance levels. It is safe for concurrent use.
type Schema struct {
	study    []Entry
	series   []Entry
	instance []Entry
	all      []Entry
	lookup   map[Tag]TagInfo
}

// NewSchema builds a schema from the three level tables. A tag listed at
// several levels must carry the same TagInfo everywhere, otherwise an
// errors.CodeInvalidConfig error is returned.
func NewSchema(study, series, instance []Entry) (*Schema, error) {
	s := &Schema{
		study:    sortEntries(study),
		series:   sortEntries(series),
		instance: sortEntries(instance),
		lookup:   make(map[Tag]TagInfo, len(study)+len(series)+len(instance)),
	}

	for _, level := range [][]Entry{s.study, s.series, s.instance} {
		for _, e := range level {
			if existing, ok := s.lookup[e.Tag]; ok {
				if existing != e.Info {
					return nil, errors.Newf(errors.CodeInvalidConfig,
						"tag %s mapped to both %s/%s and %s/%s",
						e.Tag, existing.Name, existing.Type, e.Info.Name, e.Info.Type)
				}
				continue
			}
			s.lookup[e.Tag] = e.Info
		}
	}

	for _, tag := range slices.SortedFunc(maps.Keys(s.lookup), Tag.Compare) {
		s.all = append(s.all, Entry{Tag: tag, Info: s.lookup[tag]})
	}

	return s, nil
}

func sortEntries(entries []Entry) []Entry {
	out := slices.Clone(entries)
	slices.SortStableFunc(out, func(a, b Entry) int { return a.Tag.Compare(b.Tag) })
	return out
}

// Lookup returns the description of a tag.
func (s *Schema) Lookup(tag Tag) (TagInfo, bool) {
	info, ok := s.lookup[tag]
	return info, ok
}

// StudyTags returns the study-level entries ordered by tag.
func (s *Schema) StudyTags() []Entry { return s.study }

// SeriesTags returns the series-level entries ordered by tag.
func (s *Schema) SeriesTags() []Entry { return s.series }

// InstanceTags returns the instance-level entries ordered by tag.
func (s *Schema) InstanceTags() []Entry { return s.instance }

// AllTags returns the union of all levels ordered by tag.
func (s *Schema) AllTags() []Entry { return s.all }

// Len returns the number of distinct tags.
func (s *Schema) Len() int { return len(s.all) }

func e(group, element uint16, t DataType, name string) Entry {
	return Entry{Tag: Tag{Group: group, Element: element}, Info: TagInfo{Type: t, Name: name}}
}

var (
	defaultStudyTags = []Entry{
		e(0x0020, 0x000d, String, "StudyInstanceUID"),
		e(0x0008, 0x0020, String, "StudyDate"),
		e(0x0008, 0x0030, String, "StudyTime"),
		e(0x0008, 0x1030, String, "StudyDescription"),
		e(0x0010, 0x0010, String, "PatientName"),
		e(0x0010, 0x0020, String, "PatientID"),
		e(0x0008, 0x0050, String, "AccessionNumber"),
		e(0x0010, 0x1010, String, "PatientAge"),
		e(0x0010, 0x0040, String, "PatientSex"),
	}

	defaultSeriesTags = []Entry{
		e(0x0020, 0x000e, String, "SeriesInstanceUID"),
		e(0x0020, 0x0011, Integer, "SeriesNumber"),
		e(0x0008, 0x103e, String, "SeriesDescription"),
		e(0x0008, 0x0060, String, "Modality"),
		e(0x0018, 0x0050, Float, "SliceThickness"),
	}

	defaultInstanceTags = []Entry{
		e(0x0028, 0x0011, Integer, "Columns"),
		e(0x0028, 0x0010, Integer, "Rows"),
		e(0x0020, 0x0013, Integer, "InstanceNumber"),
		e(0x0008, 0x0016, String, "SOPClassUID"),
		e(0x0028, 0x0004, String, "PhotometricInterpretation"),
		e(0x0028, 0x0100, Integer, "BitsAllocated"),
		e(0x0028, 0x0101, Integer, "BitsStored"),
		e(0x0028, 0x0103, Integer, "PixelRepresentation"),
		e(0x0028, 0x0002, Integer, "SamplesPerPixel"),
		e(0x0028, 0x0030, ListOfFloats, "PixelSpacing"),
		e(0x0028, 0x0102, Integer, "HighBit"),
		e(0x0020, 0x0037, ListOfFloats, "ImageOrientationPatient"),
		e(0x0020, 0x0032, ListOfFloats, "ImagePositionPatient"),
		e(0x0020, 0x0052, String, "FrameOfReferenceUID"),
		e(0x0008, 0x0008, ListOfStrings, "ImageType"),
		e(0x0008, 0x0060, String, "Modality"),
		e(0x0008, 0x0018, String, "SOPInstanceUID"),
		e(0x0020, 0x000e, String, "SeriesInstanceUID"),
		e(0x0020, 0x000d, String, "StudyInstanceUID"),
		e(0x0028, 0x1050, Float, "WindowCenter"),
		e(0x0028, 0x1051, Float, "WindowWidth"),
		e(0x0008, 0x0021, String, "SeriesDate"),

		// PET
		e(0x0008, 0x0022, String, "AcquisitionDate"),
		e(0x0008, 0x0032, String, "AcquisitionTime"),
		e(0x0008, 0x0031, String, "SeriesTime"),
		e(0x0010, 0x1020, Float, "PatientSize"),
		e(0x0010, 0x1030, Float, "PatientWeight"),
		e(0x0018, 0x1242, Integer, "ActualFrameDuration"),
		e(0x0028, 0x0051, ListOfStrings, "CorrectedImage"),
		e(0x0054, 0x1001, String, "Units"),
		e(0x0054, 0x1102, String, "DecayCorrection"),
		e(0x0054, 0x1300, Float, "FrameReferenceTime"),
		e(0x0054, 0x0016, Unsupported, "RadiopharmaceuticalInformationSequence"),

		// Vendor private tags, published under their raw tag number.
		e(0x7053, 0x1000, Float, "70531000"), // Philips SUVScaleFactor
		e(0x7053, 0x1009, Float, "70531009"), // Philips ActivityConcentrationScaleFactor
		e(0x0009, 0x100d, String, "0009100d"), // GE PrivatePostInjectionDateTime
	}
)

// DefaultSchema returns the tag table expected by the OHIF viewer.
func DefaultSchema() (*Schema, error) {
	return NewSchema(defaultStudyTags, defaultSeriesTags, defaultInstanceTags)
}

// MustDefaultSchema is like DefaultSchema but panics on a conflicting table.
func MustDefaultSchema() *Schema {
	s, err := DefaultSchema()
	if err != nil {
		panic(err)
	}
	return s
}
