package dicom

import (
	"encoding/json"
	"fmt"
)

// InstanceTags holds the converted tags of one instance keyed by
// "gggg,eeee". Values are compact JSON so that freshly converted tags and
// tags read back from the cache compare equal.
type InstanceTags map[string]json.RawMessage

// Get returns the JSON value stored for tag.
func (t InstanceTags) Get(tag Tag) (json.RawMessage, bool) {
	v, ok := t[tag.Format()]
	return v, ok
}

// Text returns the string value of tag. present is false when the tag is
// missing; err is set when it is present but not a JSON string.
func (t InstanceTags) Text(tag Tag) (value string, present bool, err error) {
	raw, ok := t.Get(tag)
	if !ok {
		return "", false, nil
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", true, fmt.Errorf("tag %s is not a string: %w", tag, err)
	}
	return value, true, nil
}

// EncodeInstance converts every schema tag found in raw and adds the reduced
// radiopharmaceutical information sequence used by the PET viewer.
func EncodeInstance(schema *Schema, raw RawTags) InstanceTags {
	out := make(InstanceTags, schema.Len())

	for _, entry := range schema.AllTags() {
		v, ok := raw.Get(entry.Tag)
		if !ok {
			continue
		}
		if msg, ok := convertJSON(v, entry.Info.Type); ok {
			out[entry.Tag.Format()] = msg
		}
	}

	if seq, ok := radiopharmaceuticalSequence(raw); ok {
		out[RadiopharmaceuticalInformationSequence.Format()] = seq
	}

	return out
}

func convertJSON(v RawValue, t DataType) (json.RawMessage, bool) {
	value, ok := Convert(v, t)
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, false
	}
	return data, true
}

// radiopharmaceuticalSequence reduces the first item of the
// RadiopharmaceuticalInformationSequence to half-life, total dose and start
// (date)time. All three must be present as strings, otherwise nothing is
// injected. A present value that fails to parse is left out of the item.
func radiopharmaceuticalSequence(raw RawTags) (json.RawMessage, bool) {
	seq, ok := raw.Get(RadiopharmaceuticalInformationSequence)
	if !ok || seq.Kind != KindSequence || len(seq.Items) == 0 || seq.Items[0] == nil {
		return nil, false
	}
	first := seq.Items[0]

	info := make(map[string]json.RawMessage, 3)
	if !pick(info, first, RadionuclideHalfLife, "RadionuclideHalfLife", Float) ||
		!pick(info, first, RadionuclideTotalDose, "RadionuclideTotalDose", Float) {
		return nil, false
	}
	if !pick(info, first, RadiopharmaceuticalStartDateTime, "RadiopharmaceuticalStartDateTime", String) &&
		!pick(info, first, RadiopharmaceuticalStartTime, "RadiopharmaceuticalStartTime", String) {
		return nil, false
	}

	data, err := json.Marshal([]map[string]json.RawMessage{info})
	if err != nil {
		return nil, false
	}
	return data, true
}

// pick copies tag from item into target under name. It reports whether the
// tag is present as a string, whether or not the conversion succeeded.
func pick(target map[string]json.RawMessage, item RawTags, tag Tag, name string, t DataType) bool {
	v, ok := item.Get(tag)
	if !ok || v.Kind != KindString {
		return false
	}
	if msg, ok := convertJSON(v, t); ok {
		target[name] = msg
	}
	return true
}
