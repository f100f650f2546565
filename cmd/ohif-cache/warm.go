package main

import (
	"context"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"
)

// warmer is the subset of the cache used to backfill entries.
type warmer interface {
	Warm(ctx context.Context, instanceID string) (bool, error)
}

// instanceLister lists the instances of a study.
type instanceLister interface {
	ListStudyInstances(ctx context.Context, studyID string) ([]string, error)
}

// WarmCmd backfills the cache for existing studies.
type WarmCmd struct {
	Studies     []string `arg:"" name:"study" help:"Orthanc study identifiers."`
	Concurrency int      `help:"Instances warmed in parallel." default:"8"`
}

func (c *WarmCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	var failedStudies int
	for _, studyID := range c.Studies {
		res, err := warmStudy(ctx, a.client, a.cache, studyID, c.Concurrency)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Error("warming study failed", "study", studyID, "error", err)
			failedStudies++
			continue
		}
		a.logger.Info("study warmed",
			"study", studyID,
			"instances", res.instances,
			"computed", res.computed,
			"failed", res.failed,
		)
		if res.failed > 0 {
			failedStudies++
		}
	}

	if failedStudies > 0 {
		return errors.Newf(errors.CodeInternal, "%d of %d studies were not fully warmed", failedStudies, len(c.Studies))
	}
	return nil
}

type warmResult struct {
	instances int
	computed  int64
	failed    int64
}

// warmStudy warms every instance of a study. Instance failures are counted,
// not returned.
func warmStudy(ctx context.Context, lister instanceLister, w warmer, studyID string, concurrency int) (warmResult, error) {
	ids, err := lister.ListStudyInstances(ctx, studyID)
	if err != nil {
		return warmResult{}, err
	}

	var computed, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for _, id := range ids {
		g.Go(func() error {
			ok, err := w.Warm(gctx, id)
			switch {
			case err != nil:
				failed.Add(1)
			case ok:
				computed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return warmResult{}, err
	}

	return warmResult{
		instances: len(ids),
		computed:  computed.Load(),
		failed:    failed.Load(),
	}, nil
}
