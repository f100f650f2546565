package cache

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/ohif-cache/dicom"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "instances/3271f451-959238d6-d671ef1c-9310b1de-008c733b/metadata/4202",
		Key("3271f451-959238d6-d671ef1c-9310b1de-008c733b"))
}

func TestMetadata_MarshalFlat(t *testing.T) {
	m := Metadata{
		Version: FormatVersion,
		Tags: dicom.InstanceTags{
			"0028,0011": json.RawMessage(`512`),
			"0008,0018": json.RawMessage(`"I1"`),
		},
	}

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `{"Version":1,"0008,0018":"I1","0028,0011":512}`, string(data))
}

func TestMetadata_MarshalReservedKey(t *testing.T) {
	m := Metadata{Version: 1, Tags: dicom.InstanceTags{"Version": json.RawMessage(`2`)}}

	_, err := json.Marshal(m)
	require.Error(t, err)
}

func TestMetadata_UnmarshalCompacts(t *testing.T) {
	var m Metadata
	require.NoError(t, json.Unmarshal([]byte(`{"0028,0030": [ 1, 2.5 ], "Version": 1}`), &m))

	assert.Equal(t, 1, m.Version)
	assert.True(t, m.Current())
	assert.Equal(t, dicom.InstanceTags{"0028,0030": json.RawMessage(`[1,2.5]`)}, m.Tags)
}

func TestMetadata_UnmarshalCorrupt(t *testing.T) {
	tests := map[string]string{
		"not an object":  `[1, 2]`,
		"null":           `null`,
		"no version":     `{"0008,0018": "I1"}`,
		"string version": `{"Version": "1"}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			var m Metadata
			err := json.Unmarshal([]byte(payload), &m)
			require.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestMetadata_OtherVersionIsNotCurrent(t *testing.T) {
	var m Metadata
	require.NoError(t, json.Unmarshal([]byte(`{"Version": 0}`), &m))
	assert.False(t, m.Current())
	assert.Empty(t, m.Tags)
}
