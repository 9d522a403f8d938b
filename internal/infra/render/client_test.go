package render

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compliscan/compliscan/internal/domain/scanning"
	"github.com/compliscan/compliscan/internal/infra/storage"
)

func TestClient_Screenshot(t *testing.T) {
	t.Parallel()

	png := []byte{0x89, 'P', 'N', 'G'}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/render", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req renderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://www.example.com/", req.URL)

		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.Client(), Config{
		BaseURL:           srv.URL,
		Token:             "tok",
		RequestsPerSecond: 1000,
		Burst:             1000,
	}, storage.NoOpTracer())

	got, err := client.Screenshot(context.Background(), "https://www.example.com/")
	require.NoError(t, err)
	assert.Equal(t, png, got)
}

func TestClient_Screenshot_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{name: "renderer overloaded", status: http.StatusServiceUnavailable, retryable: true},
		{name: "renderer throttled", status: http.StatusTooManyRequests, retryable: true},
		{name: "unrenderable url", status: http.StatusUnprocessableEntity, retryable: false},
		{name: "unauthorized", status: http.StatusUnauthorized, retryable: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "render failed", tt.status)
			}))
			t.Cleanup(srv.Close)

			client := NewClient(srv.Client(), Config{
				BaseURL:           srv.URL,
				RequestsPerSecond: 1000,
				Burst:             1000,
			}, storage.NoOpTracer())

			_, err := client.Screenshot(context.Background(), "https://www.example.com/")
			require.Error(t, err)

			var serr *scanning.StageError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, scanning.StageCapture, serr.Stage())
			assert.Equal(t, tt.retryable, scanning.IsRetryable(err))
		})
	}
}
