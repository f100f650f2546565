package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/ohif-cache/backend"
	"github.com/wolfeidau/ohif-cache/cache"
	"github.com/wolfeidau/ohif-cache/credentials"
	"github.com/wolfeidau/ohif-cache/credentials/opprovider"
	"github.com/wolfeidau/ohif-cache/orthanc"
	"github.com/wolfeidau/ohif-cache/telemetry"
)

// app holds the components shared by the serve and warm commands.
type app struct {
	logger    *slog.Logger
	creds     *credentials.Credentials
	client    *orthanc.Client
	store     backend.Backend
	cache     *cache.Cache
	closeFunc []func(context.Context) error
}

// open wires logging, metrics, credentials, the Orthanc client, the store
// and the cache from the global flags.
func (g *Globals) open(ctx context.Context) (_ *app, err error) {
	logger, err := newLogger(os.Stderr, g.LogLevel, g.LogFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "ohif-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     g.OTLPEndpoint,
		EnablePrometheus: g.Prometheus,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	a.onClose(shutdownMetrics)

	a.creds = &credentials.Credentials{}
	if g.Credentials != "" {
		resolver := credentials.NewResolver(
			credentials.WithLogger(logger),
			opprovider.WithOnePassword(g.OPCLI),
		)
		a.creds, err = resolver.ResolveFile(ctx, g.Credentials)
		if err != nil {
			return nil, fmt.Errorf("resolving credentials: %w", err)
		}
	}

	clientOpts := []orthanc.Option{
		orthanc.WithURL(g.OrthancURL),
		orthanc.WithHTTPClient(&http.Client{
			Transport: telemetry.NewInstrumentedTransport(http.DefaultTransport, "orthanc"),
			Timeout:   g.OrthancTimeout,
		}),
		orthanc.WithLogger(logger),
	}
	switch auth := a.creds.Orthanc; auth.Method() {
	case "bearer":
		clientOpts = append(clientOpts, orthanc.WithBearerToken(auth.Token))
	case "basic":
		clientOpts = append(clientOpts, orthanc.WithBasicAuth(auth.Username, auth.Password))
	}
	a.client = orthanc.NewClient(clientOpts...)

	store, closeStore, err := openStore(ctx, g.storeConfig(a.creds), a.client, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(closeStore)
	a.store = backend.NewInstrumentedBackend(store, g.Store)

	compression, err := cache.ParseCompression(g.Compression)
	if err != nil {
		return nil, err
	}
	codec, err := cache.NewCodec(compression)
	if err != nil {
		return nil, fmt.Errorf("creating payload codec: %w", err)
	}
	a.cache, err = cache.New(a.client, a.store, cache.WithCodec(codec), cache.WithLogger(logger))
	if err != nil {
		codec.Close()
		return nil, fmt.Errorf("creating cache: %w", err)
	}
	a.onClose(func(context.Context) error {
		a.cache.Close()
		codec.Close()
		return nil
	})

	logger.Info("cache configured",
		"orthanc", a.client.BaseURL(),
		"orthanc_auth", a.creds.Orthanc.Method(),
		"store", g.Store,
		"compression", compression,
		"version", cache.FormatVersion,
	)

	return a, nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closeFunc = append(a.closeFunc, fn)
}

// Close releases everything open acquired, in reverse order.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closeFunc) - 1; i >= 0; i-- {
		if err := a.closeFunc[i](ctx); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closeFunc = nil
}

// storeConfig selects and configures the cache store.
type storeConfig struct {
	Driver      string
	Path        string
	PostgresDSN string
	S3          backend.S3Config
}

// storeConfig merges the store flags with secrets from the credentials file.
func (g *Globals) storeConfig(creds *credentials.Credentials) storeConfig {
	cfg := storeConfig{
		Driver:      g.Store,
		Path:        g.StorePath,
		PostgresDSN: g.PostgresDSN,
		S3: backend.S3Config{
			Bucket:    g.S3Bucket,
			Prefix:    g.S3Prefix,
			Region:    g.S3Region,
			Endpoint:  g.S3Endpoint,
			PathStyle: g.S3PathStyle,
		},
	}
	if s := creds.Store; s != nil {
		if s.PostgresDSN != "" {
			cfg.PostgresDSN = s.PostgresDSN
		}
		cfg.S3.AccessKeyID = s.S3AccessKeyID
		cfg.S3.SecretAccessKey = s.S3SecretAccessKey
		cfg.S3.SessionToken = s.S3SessionToken
	}
	return cfg
}

// openStore opens the cache store named by cfg.Driver.
func openStore(ctx context.Context, cfg storeConfig, client *orthanc.Client, logger *slog.Logger) (backend.Backend, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	switch cfg.Driver {
	case "orthanc":
		return orthanc.NewMetadataStore(client), noop, nil
	case "memory":
		return backend.NewMemory(), noop, nil
	case "filesystem":
		fs, err := backend.NewFilesystem(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening filesystem store: %w", err)
		}
		return fs, noop, nil
	case "bolt":
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, nil, fmt.Errorf("creating store directory: %w", err)
		}
		db, err := backend.OpenBolt(filepath.Join(cfg.Path, "cache.db"), backend.WithBoltLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("opening bolt store: %w", err)
		}
		return db, func(context.Context) error { return db.Close() }, nil
	case "sqlite":
		db, err := backend.OpenSQLite(ctx, filepath.Join(cfg.Path, "cache.sqlite"))
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return db, func(context.Context) error { return db.Close() }, nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, nil, errors.New(errors.CodeInvalidConfig, "the postgres store needs --postgres-dsn or store.postgres_dsn in the credentials file")
		}
		db, err := backend.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.CodeUnavailable, "opening postgres store")
		}
		return db, func(context.Context) error { return db.Close() }, nil
	case "s3":
		if cfg.S3.Bucket == "" {
			return nil, nil, errors.New(errors.CodeInvalidConfig, "the s3 store needs --s3-bucket")
		}
		bucket, err := backend.OpenS3(ctx, cfg.S3)
		if err != nil {
			return nil, nil, fmt.Errorf("opening s3 store: %w", err)
		}
		return bucket, noop, nil
	default:
		return nil, nil, errors.Newf(errors.CodeInvalidConfig, "unknown store driver %q", cfg.Driver)
	}
}

// newLogger builds the process logger. The console format writes coloured
// output for terminals.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Newf(errors.CodeInvalidConfig, "invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "console":
		handler = tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	case "text":
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, errors.Newf(errors.CodeInvalidConfig, "invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
