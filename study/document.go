package study

import (
	"encoding/json"
	"fmt"
)

// Document is the study description consumed by the OHIF "dicom-json" data
// source.
type Document struct {
	Studies []*Study `json:"studies"`
}

// Study holds study-level tags keyed by their external name.
type Study struct {
	Tags   map[string]json.RawMessage
	Series []*Series
}

// Series holds series-level tags keyed by their external name.
type Series struct {
	Tags      map[string]json.RawMessage
	Instances []*Instance
}

// Instance holds instance-level tags and the url the viewer loads the
// instance from.
type Instance struct {
	Metadata map[string]json.RawMessage `json:"metadata"`
	URL      string                     `json:"url"`
}

// MarshalJSON writes the tags and the series list as one object.
func (s *Study) MarshalJSON() ([]byte, error) {
	return flatten(s.Tags, "series", s.Series)
}

// MarshalJSON writes the tags and the instance list as one object.
func (s *Series) MarshalJSON() ([]byte, error) {
	return flatten(s.Tags, "instances", s.Instances)
}

// MarshalJSON always writes metadata as an object.
func (i *Instance) MarshalJSON() ([]byte, error) {
	type plain Instance
	out := plain(*i)
	if out.Metadata == nil {
		out.Metadata = map[string]json.RawMessage{}
	}
	return json.Marshal(out)
}

func flatten[T any](tags map[string]json.RawMessage, key string, children []T) ([]byte, error) {
	if _, ok := tags[key]; ok {
		return nil, fmt.Errorf("tag name %q collides with %q list", key, key)
	}
	if children == nil {
		children = []T{}
	}

	obj := make(map[string]any, len(tags)+1)
	for k, v := range tags {
		obj[k] = v
	}
	obj[key] = children
	return json.Marshal(obj)
}

// InstanceCount returns the number of instances in the document.
func (d *Document) InstanceCount() int {
	n := 0
	for _, st := range d.Studies {
		for _, se := range st.Series {
			n += len(se.Instances)
		}
	}
	return n
}
