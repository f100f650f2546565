// Package orthanc talks to the REST API of an Orthanc DICOM server: it reads
// instance tags and study contents, stores cache entries as instance
// metadata and follows the change log.
package orthanc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/wolfeidau/ohif-cache/dicom"
	"github.com/wolfeidau/ohif-cache/telemetry"
)

const (
	// DefaultURL is the default Orthanc REST endpoint.
	DefaultURL = "http://localhost:8042"

	// DefaultTimeout is the default timeout for Orthanc requests.
	DefaultTimeout = 30 * time.Second

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 1024
)

// ErrNotFound is returned when Orthanc does not know a resource.
var ErrNotFound = errors.New(errors.CodeNotFound, "not found")

// Client calls the Orthanc REST API.
type Client struct {
	baseURL  string
	username string
	password string
	token    string
	client   *http.Client
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithURL sets the Orthanc base URL.
func WithURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithBasicAuth authenticates with an Orthanc registered user.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithBearerToken authenticates with a token, as used by the Orthanc
// authorization plugin. It takes precedence over basic auth.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new Orthanc client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultURL,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "orthanc"),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "orthanc")
	return c
}

// BaseURL returns the configured Orthanc URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// setAuth sets the Authorization header if credentials are configured.
func (c *Client) setAuth(req *http.Request) {
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}
}

// do performs a request against path, which must already be escaped. The
// caller owns the response body when err is nil.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	target := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeNetwork, "%s %s", method, path)
	}
	return resp, nil
}

// statusError converts a non-2xx response into a coded error.
func statusError(resp *http.Response, method, path string) error {
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := fmt.Sprintf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errors.New(errors.CodeUnauthorized, msg)
	case resp.StatusCode == http.StatusForbidden:
		return errors.New(errors.CodeForbidden, msg)
	case resp.StatusCode >= 500:
		return errors.New(errors.CodeUnavailable, msg)
	default:
		return errors.New(errors.CodeInternal, msg)
	}
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp, http.MethodGet, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "decoding %s", path)
	}
	return nil
}

// FetchRawTags returns the short-format tags of an instance
// (GET /instances/{id}/tags?short).
func (c *Client) FetchRawTags(ctx context.Context, instanceID string) (dicom.RawTags, error) {
	var tags dicom.RawTags
	if err := c.getJSON(ctx, "/instances/"+url.PathEscape(instanceID)+"/tags?short", &tags); err != nil {
		return nil, err
	}
	if tags == nil {
		return nil, errors.Newf(errors.CodeInternal, "instance %s: tags are not an object", instanceID)
	}
	return tags, nil
}

// ListStudyInstances returns the Orthanc identifiers of every instance of a
// study (GET /studies/{id}/instances).
func (c *Client) ListStudyInstances(ctx context.Context, studyID string) ([]string, error) {
	var items []json.RawMessage
	if err := c.getJSON(ctx, "/studies/"+url.PathEscape(studyID)+"/instances", &items); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(items))
	for i, item := range items {
		var instance struct {
			ID *string `json:"ID"`
		}
		if err := json.Unmarshal(item, &instance); err != nil || instance.ID == nil {
			return nil, errors.Newf(errors.CodeInternal, "study %s: instance %d has no string ID", studyID, i)
		}
		ids = append(ids, *instance.ID)
	}

	c.logger.DebugContext(ctx, "listed study instances", "study", studyID, "count", len(ids))
	return ids, nil
}

// SystemInfo is the subset of GET /system used for health checks.
type SystemInfo struct {
	Name       string `json:"Name"`
	Version    string `json:"Version"`
	APIVersion int    `json:"ApiVersion"`
	DicomAet   string `json:"DicomAet"`
}

// System returns information about the Orthanc server.
func (c *Client) System(ctx context.Context) (*SystemInfo, error) {
	var info SystemInfo
	if err := c.getJSON(ctx, "/system", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Change is one entry of the Orthanc change log.
type Change struct {
	Seq          int64  `json:"Seq"`
	ChangeType   string `json:"ChangeType"`
	ResourceType string `json:"ResourceType"`
	ID           string `json:"ID"`
	Path         string `json:"Path"`
	Date         string `json:"Date"`
}

// Change types acted upon.
const (
	ChangeNewInstance = "NewInstance"
	ChangeStableStudy = "StableStudy"
)

// ChangeList is a page of the change log.
type ChangeList struct {
	Changes []Change `json:"Changes"`
	Done    bool     `json:"Done"`
	Last    int64    `json:"Last"`
}

// Changes returns up to limit changes with a sequence number above since
// (GET /changes?since=&limit=).
func (c *Client) Changes(ctx context.Context, since int64, limit int) (*ChangeList, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("limit", strconv.Itoa(limit))

	var list ChangeList
	if err := c.getJSON(ctx, "/changes?"+q.Encode(), &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// LastChange returns the sequence number of the most recent change.
func (c *Client) LastChange(ctx context.Context) (int64, error) {
	var list ChangeList
	if err := c.getJSON(ctx, "/changes?last", &list); err != nil {
		return 0, err
	}
	return list.Last, nil
}
