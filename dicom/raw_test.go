package dicom

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawTagsUnmarshal(t *testing.T) {
	payload := `{
		"0010,0020": "P1",
		"0028,0011": "512",
		"0008,1030": null,
		"0054,0016": [
			{"0018,1075": "6586.2", "0018,1074": "370000000"},
			"garbage"
		],
		"0020,0013": 42
	}`

	var raw RawTags
	require.NoError(t, json.Unmarshal([]byte(payload), &raw))

	v, ok := raw.Get(PatientID)
	require.True(t, ok)
	assert.Equal(t, StringValue("P1"), v)

	assert.Equal(t, KindNull, raw["0008,1030"].Kind)
	assert.Equal(t, KindOther, raw["0020,0013"].Kind)

	seq := raw["0054,0016"]
	require.Equal(t, KindSequence, seq.Kind)
	require.Len(t, seq.Items, 2)
	assert.Equal(t, StringValue("6586.2"), seq.Items[0]["0018,1075"])
	assert.Nil(t, seq.Items[1])
}

func TestRawValueMarshal(t *testing.T) {
	raw := RawTags{
		"0010,0020": StringValue("P1"),
		"0054,0016": SequenceValue(RawTags{"0018,1072": StringValue("101500")}),
		"0008,1030": {Kind: KindNull},
	}

	data, err := json.Marshal(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"0010,0020": "P1",
		"0054,0016": [{"0018,1072": "101500"}],
		"0008,1030": null
	}`, string(data))

	var decoded RawTags
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, raw, decoded)
}

func TestValueKindString(t *testing.T) {
	assert.Equal(t, "null", KindNull.String())
	assert.Equal(t, "string", KindString.String())
	assert.Equal(t, "sequence", KindSequence.String())
	assert.Equal(t, "other", KindOther.String())
}
