package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		path   string
		header string
		want   int
	}{
		{"disabled", "", "/studies/abc/ohif-dicom-json", "", http.StatusOK},
		{"valid token", "s3cret", "/studies/abc/ohif-dicom-json", "Bearer s3cret", http.StatusOK},
		{"wrong token", "s3cret", "/instances/abc/ohif-metadata", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "s3cret", "/instances/abc/preload", "", http.StatusUnauthorized},
		{"basic scheme", "s3cret", "/stats", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"lowercase scheme", "s3cret", "/stats", "bearer s3cret", http.StatusUnauthorized},
		{"health exempt", "s3cret", "/health", "", http.StatusOK},
		{"metrics exempt", "s3cret", "/metrics", "", http.StatusOK},
		{"health prefix not exempt", "s3cret", "/health/deep", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{
				config: Config{AuthToken: tt.token},
				logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
			}

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			s.authMiddleware(okHandler()).ServeHTTP(rec, req)

			require.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, `Bearer realm="ohif-cache"`, rec.Header().Get("WWW-Authenticate"))

				var body map[string]string
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
				assert.Equal(t, "unauthorized", body["error"])
			}
		})
	}
}
