package telemetry

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"
)

// InstrumentedTransport is an http.RoundTripper that records one upstream
// fetch per request: outcome, duration until the body is closed, and body
// bytes read.
type InstrumentedTransport struct {
	base     http.RoundTripper
	upstream string
}

// NewInstrumentedTransport wraps base for the named upstream, e.g. "orthanc".
// A nil base means http.DefaultTransport.
func NewInstrumentedTransport(base http.RoundTripper, upstream string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, upstream: upstream}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f := &fetch{ctx: req.Context(), upstream: t.upstream, start: time.Now()}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		f.outcome = "error"
		if f.ctx.Err() != nil {
			f.outcome = "canceled"
		}
		f.record()
		return nil, err
	}

	f.outcome = fetchOutcome(resp.StatusCode)
	resp.Body = &countingBody{ReadCloser: resp.Body, fetch: f}
	return resp, nil
}

// fetch accumulates one upstream request until it is recorded.
type fetch struct {
	ctx      context.Context
	upstream string
	start    time.Time
	outcome  string
	bytes    int64
	once     sync.Once
}

func (f *fetch) record() {
	f.once.Do(func() {
		RecordUpstreamFetch(f.ctx, f.upstream, time.Since(f.start), f.bytes, f.outcome)
	})
}

// countingBody records the fetch on the first Close.
type countingBody struct {
	io.ReadCloser
	fetch *fetch
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.fetch.bytes += int64(n)
	return n, err
}

func (b *countingBody) Close() error {
	b.fetch.record()
	return b.ReadCloser.Close()
}

// fetchOutcome classifies an upstream status. Orthanc answers 404 for
// unknown resources, which is kept apart from other client errors.
func fetchOutcome(status int) string {
	switch {
	case status == http.StatusNotFound:
		return "not_found"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "success"
	}
}
