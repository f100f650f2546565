// Package study assembles the OHIF study document from the cached metadata
// of every instance of an Orthanc study.
package study

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmgilman/go/errors"
	ohifcache "github.com/wolfeidau/ohif-cache"
	"github.com/wolfeidau/ohif-cache/cache"
	"github.com/wolfeidau/ohif-cache/dicom"
	"github.com/wolfeidau/ohif-cache/telemetry"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds parallel metadata lookups per document.
const DefaultConcurrency = 8

// InstanceLister lists the Orthanc identifiers of the instances of a study.
type InstanceLister interface {
	ListStudyInstances(ctx context.Context, studyID string) ([]string, error)
}

// MetadataSource returns the cached metadata of an instance.
type MetadataSource interface {
	Get(ctx context.Context, instanceID string) (*cache.Metadata, error)
}

// Aggregator builds study documents.
type Aggregator struct {
	lister      InstanceLister
	source      MetadataSource
	schema      *dicom.Schema
	concurrency int
	logger      *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithConcurrency sets how many instances are looked up in parallel.
func WithConcurrency(n int) Option {
	return func(a *Aggregator) {
		a.concurrency = n
	}
}

// WithSchema sets the tag schema. Defaults to dicom.MustDefaultSchema.
func WithSchema(schema *dicom.Schema) Option {
	return func(a *Aggregator) {
		a.schema = schema
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// New creates an aggregator.
func New(lister InstanceLister, source MetadataSource, opts ...Option) *Aggregator {
	a := &Aggregator{
		lister:      lister,
		source:      source,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.schema == nil {
		a.schema = dicom.MustDefaultSchema()
	}
	if a.concurrency <= 0 {
		a.concurrency = DefaultConcurrency
	}
	a.logger = a.logger.With("component", "study")
	return a
}

// BuildDocument returns the document of an Orthanc study. Instances whose
// metadata cannot be obtained are left out.
func (a *Aggregator) BuildDocument(ctx context.Context, studyID string) (*Document, error) {
	start := time.Now()

	doc, err := a.build(ctx, studyID)
	if err != nil {
		outcome := "error"
		if errors.GetCode(err) == errors.CodeNotFound {
			outcome = "not_found"
		}
		telemetry.RecordStudyBuild(ctx, outcome, 0, time.Since(start))
		return nil, err
	}

	count := doc.InstanceCount()
	telemetry.RecordStudyBuild(ctx, "success", count, time.Since(start))
	a.logger.DebugContext(ctx, "built study document",
		"study", studyID,
		"instances", count,
		"duration", time.Since(start),
	)
	return doc, nil
}

func (a *Aggregator) build(ctx context.Context, studyID string) (*Document, error) {
	ids, err := a.lister.ListStudyInstances(ctx, studyID)
	if err != nil {
		return nil, fmt.Errorf("listing instances of study %s: %w", studyID, err)
	}
	if len(ids) == 0 {
		return nil, errors.Newf(errors.CodeNotFound, "study %s has no instances", studyID)
	}

	tags, err := a.fetchAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	return a.assemble(tags)
}

// fetchAll looks up every instance with bounded concurrency. Results keep
// the order of ids; failed lookups leave a nil entry.
func (a *Aggregator) fetchAll(ctx context.Context, ids []string) ([]dicom.InstanceTags, error) {
	results := make([]dicom.InstanceTags, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	for i, id := range ids {
		g.Go(func() error {
			m, err := a.source.Get(gctx, id)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				a.logger.WarnContext(ctx, "skipping instance", "instance", id, "error", err)
				return nil
			}
			results[i] = m.Tags
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetching instance metadata: %w", err)
	}
	return results, nil
}

type studyGroup struct {
	study  *Study
	series map[string]*Series
}

// assemble groups instances by study then series, in first-seen order. The
// study and series tags come from the first instance of each group.
func (a *Aggregator) assemble(instances []dicom.InstanceTags) (*Document, error) {
	doc := &Document{Studies: []*Study{}}
	studies := make(map[string]*studyGroup)

	for _, tags := range instances {
		if tags == nil {
			continue
		}

		id, err := identify(tags)
		if err != nil {
			return nil, err
		}

		sg, ok := studies[id.study]
		if !ok {
			sg = &studyGroup{
				study:  &Study{Tags: pick(tags, a.schema.StudyTags()), Series: []*Series{}},
				series: make(map[string]*Series),
			}
			studies[id.study] = sg
			doc.Studies = append(doc.Studies, sg.study)
		}

		se, ok := sg.series[id.series]
		if !ok {
			se = &Series{Tags: pick(tags, a.schema.SeriesTags()), Instances: []*Instance{}}
			sg.series[id.series] = se
			sg.study.Series = append(sg.study.Series, se)
		}

		se.Instances = append(se.Instances, &Instance{
			Metadata: pick(tags, a.schema.InstanceTags()),
			URL:      ohifcache.InstanceLocator(ohifcache.InstanceHash(id.patient, id.study, id.series, id.sop)),
		})
	}

	return doc, nil
}

type identity struct {
	patient string
	study   string
	series  string
	sop     string
}

// identify reads the identifiers of an instance. The UIDs are required; a
// missing PatientID hashes as the empty string.
func identify(tags dicom.InstanceTags) (identity, error) {
	var id identity

	required := []struct {
		tag  dicom.Tag
		dest *string
	}{
		{dicom.StudyInstanceUID, &id.study},
		{dicom.SeriesInstanceUID, &id.series},
		{dicom.SOPInstanceUID, &id.sop},
	}
	for _, r := range required {
		v, present, err := tags.Text(r.tag)
		if err != nil {
			return id, errors.Wrap(err, errors.CodeInternal, "malformed instance identifier")
		}
		if !present {
			return id, errors.Newf(errors.CodeInternal, "instance without %s", r.tag)
		}
		*r.dest = v
	}

	patient, _, err := tags.Text(dicom.PatientID)
	if err != nil {
		return id, errors.Wrap(err, errors.CodeInternal, "malformed patient identifier")
	}
	id.patient = patient
	return id, nil
}

func pick(tags dicom.InstanceTags, entries []dicom.Entry) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(entries))
	for _, e := range entries {
		if v, ok := tags.Get(e.Tag); ok {
			out[e.Info.Name] = v
		}
	}
	return out
}
