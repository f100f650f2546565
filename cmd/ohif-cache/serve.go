package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/ohif-cache/backend"
	"github.com/wolfeidau/ohif-cache/cache"
	"github.com/wolfeidau/ohif-cache/orthanc"
	"github.com/wolfeidau/ohif-cache/preload"
	"github.com/wolfeidau/ohif-cache/server"
	"github.com/wolfeidau/ohif-cache/study"
)

// ServeCmd runs the HTTP service.
type ServeCmd struct {
	Address   string `help:"Address to listen on." default:":8080"`
	AuthToken string `help:"Bearer token required from clients, overridden by the credentials file."`

	DataSource  string `help:"OHIF data source mode (${enum}); preloading only runs for dicom-json." enum:"dicom-json,dicom-web" default:"dicom-json"`
	Concurrency int    `help:"Instances fetched in parallel when building a study document." default:"8"`

	Preload        bool          `help:"Populate the cache in the background as instances arrive." default:"true" negatable:""`
	QueueSize      int           `help:"Maximum number of pending preload requests." default:"10000"`
	DequeueTimeout time.Duration `help:"How long the preload worker waits for work before checking for shutdown." default:"100ms"`

	WatchChanges bool          `help:"Follow the Orthanc change log and preload new instances." default:"true" negatable:""`
	PollInterval time.Duration `help:"How often to poll the Orthanc change log." default:"1s"`

	SweepInterval   time.Duration `help:"How often to delete corrupt or outdated cache entries, 0 disables. Requires a listable store." default:"1h"`
	ShutdownTimeout time.Duration `help:"Grace period for in-flight requests on shutdown." default:"10s"`
}

func (c *ServeCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	logger := a.logger

	aggregator := study.New(a.client, a.cache,
		study.WithConcurrency(c.Concurrency),
		study.WithLogger(logger),
	)

	opts := []server.Option{server.WithHealthChecker(a.client)}

	if c.Preload && c.DataSource == "dicom-json" {
		worker := preload.NewWorker(a.cache,
			preload.WithQueue(preload.NewQueue(c.QueueSize)),
			preload.WithDequeueTimeout(c.DequeueTimeout),
			preload.WithLogger(logger),
		)
		opts = append(opts, server.WithPreloader(worker))

		if c.WatchChanges {
			watcher := orthanc.NewChangeWatcher(a.client, func(instanceID string) {
				worker.Notify(ctx, instanceID)
			},
				orthanc.WithPollInterval(c.PollInterval),
				orthanc.WithWatcherLogger(logger),
			)
			opts = append(opts, server.WithChangeFeed(watcher))
		}
	} else {
		logger.Info("preload disabled", "data_source", c.DataSource, "preload", c.Preload)
	}

	if c.SweepInterval > 0 {
		sweeper, err := cache.NewSweeper(a.cache,
			cache.WithSweepInterval(c.SweepInterval),
			cache.WithSweeperLogger(logger),
		)
		switch {
		case errors.Is(err, backend.ErrNotListable):
			logger.Info("sweeper disabled, store cannot list keys", "store", g.Store)
		case err != nil:
			return fmt.Errorf("creating sweeper: %w", err)
		default:
			opts = append(opts, server.WithRunner("sweeper", sweeper))
		}
	}

	authToken := c.AuthToken
	if a.creds.AuthToken != "" {
		authToken = a.creds.AuthToken
	}

	srv, err := server.New(server.Config{
		Address:     c.Address,
		AuthToken:   authToken,
		DataSource:  c.DataSource,
		StoreDriver: g.Store,
		Logger:      logger,
	}, a.cache, aggregator, opts...)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(context.Background())
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"study_url", fmt.Sprintf("http://localhost%s/studies/{id}/ohif-dicom-json", srv.Address()),
		"auth", authToken != "",
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return err
	}
}
