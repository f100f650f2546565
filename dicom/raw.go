package dicom

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ValueKind classifies an entry of a short-format tag dump.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindSequence
	KindOther
)

// String implements fmt.Stringer.
func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindSequence:
		return "sequence"
	default:
		return "other"
	}
}

// RawValue is one value of a short-format tag dump: a string, null, or a
// sequence of nested items. Anything else is kept as KindOther and never
// converted.
type RawValue struct {
	Kind  ValueKind
	Str   string
	Items []RawTags
}

// RawTags maps "gggg,eeee" keys to raw values, as returned by Orthanc's
// /instances/{id}/tags?short.
type RawTags map[string]RawValue

// StringValue creates a string RawValue.
func StringValue(s string) RawValue {
	return RawValue{Kind: KindString, Str: s}
}

// SequenceValue creates a sequence RawValue.
func SequenceValue(items ...RawTags) RawValue {
	return RawValue{Kind: KindSequence, Items: items}
}

// Get returns the raw value stored for tag.
func (r RawTags) Get(tag Tag) (RawValue, bool) {
	v, ok := r[tag.Format()]
	return v, ok
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *RawValue) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty raw value")
	}

	switch trimmed[0] {
	case 'n':
		*v = RawValue{Kind: KindNull}
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("decoding string value: %w", err)
		}
		*v = StringValue(s)
		return nil
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return fmt.Errorf("decoding sequence: %w", err)
		}
		seq := RawValue{Kind: KindSequence}
		for _, elem := range elems {
			var item RawTags
			// Non-object items are kept as empty placeholders so the item
			// count stays accurate; they never satisfy a lookup.
			if err := json.Unmarshal(elem, &item); err != nil {
				item = nil
			}
			seq.Items = append(seq.Items, item)
		}
		*v = seq
		return nil
	default:
		*v = RawValue{Kind: KindOther}
		return nil
	}
}

// MarshalJSON implements json.Marshaler.
func (v RawValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.Str)
	case KindSequence:
		items := v.Items
		if items == nil {
			items = []RawTags{}
		}
		return json.Marshal(items)
	default:
		return []byte("null"), nil
	}
}
