package orthanc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jmgilman/go/errors"
	"github.com/wolfeidau/ohif-cache/backend"
)

// MetadataStore keeps cache entries as Orthanc instance metadata, so the
// entry lives and dies with the instance. Keys are REST paths such as
// "instances/{id}/metadata/4202".
type MetadataStore struct {
	client *Client
}

// NewMetadataStore creates a store backed by the given client.
func NewMetadataStore(client *Client) *MetadataStore {
	return &MetadataStore{client: client}
}

func metadataPath(key string) (string, error) {
	if !strings.HasPrefix(key, "instances/") || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid metadata key %q", key)
	}
	return "/" + key, nil
}

// Get reads the metadata value.
func (s *MetadataStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := metadataPath(key)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, backend.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, http.MethodGet, path)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeNetwork, "reading %s", path)
	}
	return data, nil
}

// Put writes the metadata value.
func (s *MetadataStore) Put(ctx context.Context, key string, value []byte) error {
	path, err := metadataPath(key)
	if err != nil {
		return err
	}

	resp, err := s.client.do(ctx, http.MethodPut, path, bytes.NewReader(value))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return statusError(resp, http.MethodPut, path)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Delete removes the metadata value. A missing value is not an error.
func (s *MetadataStore) Delete(ctx context.Context, key string) error {
	path, err := metadataPath(key)
	if err != nil {
		return err
	}

	resp, err := s.client.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode/100 != 2 {
		return statusError(resp, http.MethodDelete, path)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Exists checks whether the metadata value is set.
func (s *MetadataStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, backend.ErrNotFound) {
		return false, nil
	}
	return false, err
}

var _ backend.Backend = (*MetadataStore)(nil)
