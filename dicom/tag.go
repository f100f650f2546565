// Package dicom converts the short-format tag dump of an instance into the
// typed JSON values expected by the OHIF "dicom-json" data source.
package dicom

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// Tag identifies a DICOM attribute by its group and element numbers.
type Tag struct {
	Group   uint16
	Element uint16
}

// NewTag creates a new Tag.
func NewTag(group, element uint16) Tag {
	return Tag{Group: group, Element: element}
}

// Format renders the tag as "gggg,eeee" in lower-case hex, the key used by
// the short tag format and by cached instance metadata.
func (t Tag) Format() string {
	return fmt.Sprintf("%04x,%04x", t.Group, t.Element)
}

// String implements fmt.Stringer.
func (t Tag) String() string {
	return t.Format()
}

// Compare orders tags by group, then element.
func (t Tag) Compare(other Tag) int {
	if c := cmp.Compare(t.Group, other.Group); c != 0 {
		return c
	}
	return cmp.Compare(t.Element, other.Element)
}

// IsPrivate returns true if this is a private tag (odd group number).
func (t Tag) IsPrivate() bool {
	return t.Group%2 == 1
}

// ParseTag parses a "gggg,eeee" tag key. Case is ignored.
func ParseTag(s string) (Tag, error) {
	group, element, ok := strings.Cut(s, ",")
	if !ok || len(group) != 4 || len(element) != 4 {
		return Tag{}, fmt.Errorf("invalid tag %q: expected gggg,eeee", s)
	}
	g, err := strconv.ParseUint(group, 16, 16)
	if err != nil {
		return Tag{}, fmt.Errorf("invalid tag group in %q: %w", s, err)
	}
	e, err := strconv.ParseUint(element, 16, 16)
	if err != nil {
		return Tag{}, fmt.Errorf("invalid tag element in %q: %w", s, err)
	}
	return Tag{Group: uint16(g), Element: uint16(e)}, nil
}

// Tags referenced by the aggregation and injection logic.
var (
	PatientID         = Tag{0x0010, 0x0020}
	StudyInstanceUID  = Tag{0x0020, 0x000d}
	SeriesInstanceUID = Tag{0x0020, 0x000e}
	SOPInstanceUID    = Tag{0x0008, 0x0018}

	RadiopharmaceuticalInformationSequence = Tag{0x0054, 0x0016}
	RadionuclideHalfLife                   = Tag{0x0018, 0x1075}
	RadionuclideTotalDose                  = Tag{0x0018, 0x1074}
	RadiopharmaceuticalStartDateTime       = Tag{0x0018, 0x1078}
	RadiopharmaceuticalStartTime           = Tag{0x0018, 0x1072}
)
