package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/wolfeidau/ohif-cache/dicom"
)

const (
	// FormatVersion is the version stamped on every cache entry. Entries
	// carrying another version are recomputed.
	FormatVersion = 1

	// MetadataSlot is the Orthanc user-defined metadata index holding the
	// cache entry of an instance.
	MetadataSlot = 4202

	versionField = "Version"
)

// ErrCorrupt is returned when a stored entry cannot be decoded.
var ErrCorrupt = errors.New("corrupt cache entry")

// Key returns the store key of the cache entry for an instance.
func Key(instanceID string) string {
	return "instances/" + instanceID + "/metadata/" + strconv.Itoa(MetadataSlot)
}

// Metadata is the cached, typed tag set of one instance.
type Metadata struct {
	Version int
	Tags    dicom.InstanceTags
}

// MarshalJSON writes a single flat object: the version followed by the tags
// in key order.
func (m Metadata) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(m.Tags))
	for k := range m.Tags {
		if k == versionField {
			return nil, fmt.Errorf("tag key %q is reserved", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString(`{"` + versionField + `":`)
	buf.WriteString(strconv.Itoa(m.Version))
	for _, k := range keys {
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(m.Tags[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the flat object written by MarshalJSON. Tag values are
// compacted so they compare equal to freshly converted ones.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if fields == nil {
		return fmt.Errorf("%w: not an object", ErrCorrupt)
	}

	rawVersion, ok := fields[versionField]
	if !ok {
		return fmt.Errorf("%w: missing %s", ErrCorrupt, versionField)
	}
	var version int
	if err := json.Unmarshal(rawVersion, &version); err != nil {
		return fmt.Errorf("%w: bad %s: %v", ErrCorrupt, versionField, err)
	}
	delete(fields, versionField)

	tags := make(dicom.InstanceTags, len(fields))
	for k, v := range fields {
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return fmt.Errorf("%w: tag %s: %v", ErrCorrupt, k, err)
		}
		tags[k] = json.RawMessage(buf.Bytes())
	}

	m.Version = version
	m.Tags = tags
	return nil
}

// Current reports whether the entry was written by this format version.
func (m *Metadata) Current() bool {
	return m.Version == FormatVersion
}
