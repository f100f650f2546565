package dicom

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagFormat(t *testing.T) {
	assert.Equal(t, "0020,000d", StudyInstanceUID.Format())
	assert.Equal(t, "7053,1000", NewTag(0x7053, 0x1000).String())
	assert.Equal(t, "0009,100d", NewTag(0x0009, 0x100d).Format())
}

func TestParseTag(t *testing.T) {
	tag, err := ParseTag("0020,000D")
	require.NoError(t, err)
	assert.Equal(t, StudyInstanceUID, tag)

	roundTrip, err := ParseTag(SOPInstanceUID.Format())
	require.NoError(t, err)
	assert.Equal(t, SOPInstanceUID, roundTrip)
}

func TestParseTagInvalid(t *testing.T) {
	tests := []string{"", "0020000d", "020,000d", "0020,000", "zzzz,0000", "0020,xxxx"}
	for _, s := range tests {
		t.Run(s, func(t *testing.T) {
			_, err := ParseTag(s)
			assert.Error(t, err)
		})
	}
}

func TestTagCompare(t *testing.T) {
	tags := []Tag{
		{0x0020, 0x000e},
		{0x0008, 0x0018},
		{0x0020, 0x000d},
		{0x0008, 0x0008},
	}
	slices.SortFunc(tags, Tag.Compare)

	assert.Equal(t, []Tag{
		{0x0008, 0x0008},
		{0x0008, 0x0018},
		{0x0020, 0x000d},
		{0x0020, 0x000e},
	}, tags)
	assert.Equal(t, 0, PatientID.Compare(NewTag(0x0010, 0x0020)))
}

func TestTagIsPrivate(t *testing.T) {
	assert.True(t, NewTag(0x7053, 0x1000).IsPrivate())
	assert.True(t, NewTag(0x0009, 0x100d).IsPrivate())
	assert.False(t, PatientID.IsPrivate())
}
