package study

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/ohif-cache/backend"
	"github.com/wolfeidau/ohif-cache/cache"
	"github.com/wolfeidau/ohif-cache/dicom"
)

// fakeOrthanc serves study listings and raw instance tags from memory.
type fakeOrthanc struct {
	mu        sync.Mutex
	studies   map[string][]string
	instances map[string]dicom.RawTags
}

func (f *fakeOrthanc) ListStudyInstances(_ context.Context, studyID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids, ok := f.studies[studyID]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "study %s not found", studyID)
	}
	return ids, nil
}

func (f *fakeOrthanc) FetchRawTags(_ context.Context, instanceID string) (dicom.RawTags, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.instances[instanceID]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "instance %s not found", instanceID)
	}
	return raw, nil
}

func rawInstance(patient, study, series, sop string, extra map[string]string) dicom.RawTags {
	raw := dicom.RawTags{
		"0010,0020": dicom.StringValue(patient),
		"0020,000d": dicom.StringValue(study),
		"0020,000e": dicom.StringValue(series),
		"0008,0018": dicom.StringValue(sop),
	}
	for k, v := range extra {
		raw[k] = dicom.StringValue(v)
	}
	return raw
}

func newTestAggregator(t *testing.T, fake *fakeOrthanc) *Aggregator {
	t.Helper()
	c, err := cache.New(fake, backend.NewMemory())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return New(fake, c, WithConcurrency(2))
}

func TestBuildDocument_SingleInstance(t *testing.T) {
	fake := &fakeOrthanc{
		studies: map[string][]string{"study-1": {"i-1"}},
		instances: map[string]dicom.RawTags{
			"i-1": rawInstance("P1", "S1", "SE1", "I1", map[string]string{"0028,0011": "512"}),
		},
	}

	doc, err := newTestAggregator(t, fake).BuildDocument(context.Background(), "study-1")
	require.NoError(t, err)

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"studies": [{
			"StudyInstanceUID": "S1",
			"PatientID": "P1",
			"series": [{
				"SeriesInstanceUID": "SE1",
				"instances": [{
					"metadata": {
						"Columns": 512,
						"SOPInstanceUID": "I1",
						"SeriesInstanceUID": "SE1",
						"StudyInstanceUID": "S1"
					},
					"url": "dicomweb:../instances/3271f451-959238d6-d671ef1c-9310b1de-008c733b/file"
				}]
			}]
		}]
	}`, string(data))
	assert.Equal(t, 1, doc.InstanceCount())
}

func TestBuildDocument_GroupsFirstWins(t *testing.T) {
	fake := &fakeOrthanc{
		studies: map[string][]string{"study-1": {"a", "b", "c", "d"}},
		instances: map[string]dicom.RawTags{
			"a": rawInstance("P1", "S1", "SE2", "I1", map[string]string{"0008,103e": "first", "0008,1030": "study first"}),
			"b": rawInstance("P1", "S1", "SE1", "I2", map[string]string{"0008,103e": "other"}),
			"c": rawInstance("P1", "S1", "SE2", "I3", map[string]string{"0008,103e": "second", "0008,1030": "study second"}),
			"d": rawInstance("P1", "S1", "SE1", "I4", nil),
		},
	}

	doc, err := newTestAggregator(t, fake).BuildDocument(context.Background(), "study-1")
	require.NoError(t, err)

	require.Len(t, doc.Studies, 1)
	st := doc.Studies[0]
	assert.JSONEq(t, `"study first"`, string(st.Tags["StudyDescription"]))

	require.Len(t, st.Series, 2)
	assert.JSONEq(t, `"SE2"`, string(st.Series[0].Tags["SeriesInstanceUID"]), "series keep first-seen order")
	assert.JSONEq(t, `"first"`, string(st.Series[0].Tags["SeriesDescription"]))
	assert.JSONEq(t, `"SE1"`, string(st.Series[1].Tags["SeriesInstanceUID"]))

	sops := func(se *Series) []string {
		var out []string
		for _, inst := range se.Instances {
			var s string
			require.NoError(t, json.Unmarshal(inst.Metadata["SOPInstanceUID"], &s))
			out = append(out, s)
		}
		return out
	}
	assert.Equal(t, []string{"I1", "I3"}, sops(st.Series[0]))
	assert.Equal(t, []string{"I2", "I4"}, sops(st.Series[1]))
	assert.Equal(t, 4, doc.InstanceCount())
}

func TestBuildDocument_SkipsFailedInstances(t *testing.T) {
	fake := &fakeOrthanc{
		studies: map[string][]string{"study-1": {"gone", "i-1"}},
		instances: map[string]dicom.RawTags{
			"i-1": rawInstance("P1", "S1", "SE1", "I1", nil),
		},
	}

	doc, err := newTestAggregator(t, fake).BuildDocument(context.Background(), "study-1")
	require.NoError(t, err)
	assert.Equal(t, 1, doc.InstanceCount())
}

func TestBuildDocument_NotFound(t *testing.T) {
	fake := &fakeOrthanc{studies: map[string][]string{"empty": {}}}
	a := newTestAggregator(t, fake)

	_, err := a.BuildDocument(context.Background(), "unknown")
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotFound, errors.GetCode(err))

	_, err = a.BuildDocument(context.Background(), "empty")
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotFound, errors.GetCode(err))
}

func TestBuildDocument_MalformedIdentifiers(t *testing.T) {
	tests := map[string]dicom.RawTags{
		"missing study uid": {
			"0020,000e": dicom.StringValue("SE1"),
			"0008,0018": dicom.StringValue("I1"),
		},
		"missing sop uid": {
			"0020,000d": dicom.StringValue("S1"),
			"0020,000e": dicom.StringValue("SE1"),
		},
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			fake := &fakeOrthanc{
				studies:   map[string][]string{"study-1": {"i-1"}},
				instances: map[string]dicom.RawTags{"i-1": raw},
			}

			_, err := newTestAggregator(t, fake).BuildDocument(context.Background(), "study-1")
			require.Error(t, err)
			assert.Equal(t, errors.CodeInternal, errors.GetCode(err))
		})
	}
}

// staticSource returns prepared metadata, bypassing the codec, so that
// identifiers of the wrong JSON type can be injected.
type staticSource map[string]*cache.Metadata

func (s staticSource) Get(_ context.Context, id string) (*cache.Metadata, error) {
	m, ok := s[id]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "not found")
	}
	return m, nil
}

func TestBuildDocument_NonStringIdentifier(t *testing.T) {
	fake := &fakeOrthanc{studies: map[string][]string{"study-1": {"i-1"}}}
	source := staticSource{"i-1": {
		Version: cache.FormatVersion,
		Tags: dicom.InstanceTags{
			"0010,0020": json.RawMessage(`42`),
			"0020,000d": json.RawMessage(`"S1"`),
			"0020,000e": json.RawMessage(`"SE1"`),
			"0008,0018": json.RawMessage(`"I1"`),
		},
	}}

	_, err := New(fake, source).BuildDocument(context.Background(), "study-1")
	require.Error(t, err)
	assert.Equal(t, errors.CodeInternal, errors.GetCode(err))
}

func TestBuildDocument_MissingPatientID(t *testing.T) {
	fake := &fakeOrthanc{studies: map[string][]string{"study-1": {"i-1"}}}
	source := staticSource{"i-1": {
		Version: cache.FormatVersion,
		Tags: dicom.InstanceTags{
			"0020,000d": json.RawMessage(`"1.2.3"`),
			"0020,000e": json.RawMessage(`"1.2.3.4"`),
			"0008,0018": json.RawMessage(`"1.2.3.4.5"`),
		},
	}}

	doc, err := New(fake, source).BuildDocument(context.Background(), "study-1")
	require.NoError(t, err)
	assert.Equal(t, "dicomweb:../instances/dd51cd62-bdd8a6a9-ec1c1445-89fcc437-f860fde7/file",
		doc.Studies[0].Series[0].Instances[0].URL)
}

func TestBuildDocument_Cancelled(t *testing.T) {
	fake := &fakeOrthanc{
		studies:   map[string][]string{"study-1": {"i-1"}},
		instances: map[string]dicom.RawTags{"i-1": rawInstance("P1", "S1", "SE1", "I1", nil)},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(fake, cancelledSource{}).BuildDocument(ctx, "study-1")
	require.ErrorIs(t, err, context.Canceled)
}

type cancelledSource struct{}

func (cancelledSource) Get(ctx context.Context, _ string) (*cache.Metadata, error) {
	return nil, ctx.Err()
}
