// Package credentials renders a JSON credentials template and parses the
// secrets used to talk to Orthanc and to authenticate inbound requests.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"github.com/jmgilman/go/errors"
)

const (
	// maxInputSize is the maximum size of a credentials template file (1MB).
	maxInputSize = 1 << 20
	// maxOutputSize is the maximum size of rendered template output (1MB).
	maxOutputSize = 1 << 20
)

// Credentials holds all resolved credential values.
type Credentials struct {
	// AuthToken is the bearer token required from clients of this service.
	AuthToken string       `json:"auth_token,omitempty"`
	Orthanc   *OrthancAuth `json:"orthanc,omitempty"`
	Store     *StoreAuth   `json:"store,omitempty"`
}

// StoreAuth holds secrets for the shared cache stores.
type StoreAuth struct {
	PostgresDSN       string `json:"postgres_dsn,omitempty"`
	S3AccessKeyID     string `json:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `json:"s3_secret_access_key,omitempty"`
	S3SessionToken    string `json:"s3_session_token,omitempty"`
}

// OrthancAuth holds the credentials used against the Orthanc REST API.
type OrthancAuth struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// Method names the authentication scheme in use: "bearer", "basic" or
// "none".
func (a *OrthancAuth) Method() string {
	switch {
	case a == nil:
		return "none"
	case a.Token != "":
		return "bearer"
	case a.Username != "":
		return "basic"
	default:
		return "none"
	}
}

// Validate checks the resolved values are usable.
func (c *Credentials) Validate() error {
	if s := c.Store; s != nil && (s.S3AccessKeyID == "") != (s.S3SecretAccessKey == "") {
		return errors.New(errors.CodeInvalidConfig, "s3 access key id and secret access key must be set together")
	}
	if c.Orthanc == nil {
		return nil
	}
	if c.Orthanc.Password != "" && c.Orthanc.Username == "" {
		return errors.New(errors.CodeInvalidConfig, "orthanc password set without a username")
	}
	if c.Orthanc.Token != "" && c.Orthanc.Username != "" {
		return errors.New(errors.CodeInvalidConfig, "orthanc token and username are mutually exclusive")
	}
	return nil
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver executes a template file and parses the result into Credentials.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a named secret provider as a template function.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a new credential resolver with the given options.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile reads and resolves a credentials template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "opening credentials file")
	}
	defer func() { _ = f.Close() }()

	return r.ResolveReader(ctx, f)
}

// ResolveReader resolves a credentials template from a reader. The result is
// validated before it is returned.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, errors.Newf(errors.CodeInvalidConfig, "credentials template exceeds maximum size of %d bytes", maxInputSize)
	}

	rendered, err := r.render(ctx, string(data))
	if err != nil {
		return nil, err
	}

	var creds Credentials
	if err := json.Unmarshal(rendered, &creds); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "invalid credentials JSON after template execution")
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	r.logger.Debug("resolved credentials",
		"inbound_auth", creds.AuthToken != "",
		"orthanc_auth", creds.Orthanc.Method(),
		"store_secrets", creds.Store != nil,
	)
	return &creds, nil
}

func (r *Resolver) render(ctx context.Context, text string) ([]byte, error) {
	// Provider lookups are memoized for the duration of one render.
	memo := make(map[string]string)

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcMap(ctx, memo)).
		Parse(text)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "parsing credentials template")
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "executing credentials template")
	}
	if buf.Len() > maxOutputSize {
		return nil, errors.Newf(errors.CodeInvalidConfig, "rendered credentials exceed maximum size of %d bytes", maxOutputSize)
	}
	return buf.Bytes(), nil
}

func (r *Resolver) funcMap(ctx context.Context, memo map[string]string) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			val, ok := os.LookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return val, nil
		},
		"envDefault": func(key, fallback string) string {
			if val, ok := os.LookupEnv(key); ok {
				return val
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading file %q: %w", path, err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("JSON encoding value: %w", err)
			}
			return string(b), nil
		},
	}

	for name, provider := range r.providers {
		fm[name] = func(ref string) (string, error) {
			key := name + ":" + ref
			if val, ok := memo[key]; ok {
				return val, nil
			}
			val, err := provider(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
			}
			memo[key] = val
			return val, nil
		}
	}
	return fm
}
