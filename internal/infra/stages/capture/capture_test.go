package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/compliscan/compliscan/internal/domain/scanning"
	"github.com/compliscan/compliscan/internal/infra/blob"
	"github.com/compliscan/compliscan/pkg/common/logger"
)

// stubTransport serves canned bodies keyed by full URL. URLs without an
// entry fail as if the connection was refused.
type stubTransport struct {
	mu     sync.Mutex
	bodies map[string]string
	status map[string]int
}

func (t *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rawURL := req.URL.String()
	t.mu.Lock()
	body, ok := t.bodies[rawURL]
	status := t.status[rawURL]
	t.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("dial tcp %s: connection refused", req.URL.Host)
	}
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

type stubRenderer struct {
	mu    sync.Mutex
	png   []byte
	err   error
	calls int
}

func (r *stubRenderer) Screenshot(context.Context, string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.png, r.err
}

// failingBlobStore errors on every operation.
type failingBlobStore struct{}

func (failingBlobStore) Put(context.Context, string, []byte) error { return errors.New("disk full") }
func (failingBlobStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("disk full")
}
func (failingBlobStore) Exists(context.Context, string) (bool, error) {
	return false, errors.New("disk full")
}

func captureRequest(pages []scanning.Page, mutate func(*scanning.PipelineConfig)) *scanning.StageRequest {
	cfg := scanning.DefaultPipelineConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	input := scanning.NewPipelineInput("example.com")
	input.Absorb(&scanning.StageResult{Stage: scanning.StageCrawl, Pages: pages})
	return scanning.NewStageRequest(uuid.New(), "example.com", cfg, input)
}

func artifactsByKind(artifacts []scanning.CaptureArtifact, kind scanning.ArtifactKind) []scanning.CaptureArtifact {
	var out []scanning.CaptureArtifact
	for _, a := range artifacts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

func TestCapture_StoresContentBlobs(t *testing.T) {
	t.Parallel()

	transport := &stubTransport{bodies: map[string]string{
		"https://example.com/": "<html><body>home</body></html>",
	}}
	store := blob.NewMemoryStore()
	exec := NewExecutor(&http.Client{Transport: transport}, store, nil,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	req := captureRequest([]scanning.Page{{URL: "https://example.com/", ContentHash: "sha256:aa"}}, nil)

	res, err := exec.Run(context.Background(), req)
	require.NoError(t, err)

	content := artifactsByKind(res.Artifacts, scanning.ArtifactKindContent)
	require.Len(t, content, 1)
	assert.Equal(t, "https://example.com/", content[0].PageURL)
	assert.Equal(t, int64(len("<html><body>home</body></html>")), content[0].Size)
	assert.True(t, strings.HasPrefix(content[0].ContentHash, "sha256:"))

	stored, err := store.Get(context.Background(), content[0].ContentHash)
	require.NoError(t, err)
	assert.Equal(t, "<html><body>home</body></html>", string(stored))
}

func TestCapture_RerunWritesEachBlobOnce(t *testing.T) {
	t.Parallel()

	transport := &stubTransport{bodies: map[string]string{
		"https://example.com/": "<html><body>stable</body></html>",
	}}
	store := blob.NewMemoryStore()
	exec := NewExecutor(&http.Client{Transport: transport}, store, nil,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	pages := []scanning.Page{{URL: "https://example.com/", ContentHash: "sha256:aa"}}

	first, err := exec.Run(context.Background(), captureRequest(pages, nil))
	require.NoError(t, err)
	second, err := exec.Run(context.Background(), captureRequest(pages, nil))
	require.NoError(t, err)

	assert.Equal(t, 1, store.Len())

	// Absorbing both results counts the artifact once.
	input := scanning.NewPipelineInput("example.com")
	input.Absorb(first)
	input.Absorb(second)
	assert.Len(t, input.Artifacts, 1)
}

func TestCapture_ScreenshotsWhenEnabled(t *testing.T) {
	t.Parallel()

	transport := &stubTransport{bodies: map[string]string{
		"https://example.com/": "<html><body>home</body></html>",
	}}
	store := blob.NewMemoryStore()
	renderer := &stubRenderer{png: []byte("\x89PNG fake")}
	exec := NewExecutor(&http.Client{Transport: transport}, store, renderer,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	req := captureRequest([]scanning.Page{{URL: "https://example.com/", ContentHash: "sha256:aa"}},
		func(cfg *scanning.PipelineConfig) { cfg.Capture.Screenshots = true })

	res, err := exec.Run(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, res.Artifacts, 2)
	shots := artifactsByKind(res.Artifacts, scanning.ArtifactKindScreenshot)
	require.Len(t, shots, 1)
	assert.Equal(t, int64(len(renderer.png)), shots[0].Size)
	assert.Equal(t, 2, store.Len())
}

func TestCapture_RendererFailureDegradesToContentOnly(t *testing.T) {
	t.Parallel()

	transport := &stubTransport{bodies: map[string]string{
		"https://example.com/": "<html><body>home</body></html>",
	}}
	store := blob.NewMemoryStore()
	renderer := &stubRenderer{err: errors.New("renderer overloaded")}
	exec := NewExecutor(&http.Client{Transport: transport}, store, renderer,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	req := captureRequest([]scanning.Page{{URL: "https://example.com/", ContentHash: "sha256:aa"}},
		func(cfg *scanning.PipelineConfig) { cfg.Capture.Screenshots = true })

	res, err := exec.Run(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, scanning.ArtifactKindContent, res.Artifacts[0].Kind)
	require.Len(t, res.Faults, 1)
	assert.Contains(t, res.Faults[0].Msg, "screenshot")
}

func TestCapture_ScreenshotsDisabledByConfig(t *testing.T) {
	t.Parallel()

	transport := &stubTransport{bodies: map[string]string{
		"https://example.com/": "<html><body>home</body></html>",
	}}
	renderer := &stubRenderer{png: []byte("png")}
	exec := NewExecutor(&http.Client{Transport: transport}, blob.NewMemoryStore(), renderer,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	req := captureRequest([]scanning.Page{{URL: "https://example.com/", ContentHash: "sha256:aa"}},
		func(cfg *scanning.PipelineConfig) { cfg.Capture.Screenshots = false })

	res, err := exec.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, res.Artifacts, 1)
	assert.Zero(t, renderer.calls)
}

func TestCapture_BlobStoreFailureIsRetryable(t *testing.T) {
	t.Parallel()

	transport := &stubTransport{bodies: map[string]string{
		"https://example.com/": "<html><body>home</body></html>",
	}}
	exec := NewExecutor(&http.Client{Transport: transport}, failingBlobStore{}, nil,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	req := captureRequest([]scanning.Page{{URL: "https://example.com/", ContentHash: "sha256:aa"}}, nil)

	_, err := exec.Run(context.Background(), req)
	require.Error(t, err)
	assert.True(t, scanning.IsRetryable(err))
}

func TestCapture_FetchFailuresBecomeFaults(t *testing.T) {
	t.Parallel()

	transport := &stubTransport{
		bodies: map[string]string{
			"https://example.com/":     "<html><body>home</body></html>",
			"https://example.com/gone": "denied",
		},
		status: map[string]int{"https://example.com/gone": http.StatusForbidden},
	}
	exec := NewExecutor(&http.Client{Transport: transport}, blob.NewMemoryStore(), nil,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	req := captureRequest([]scanning.Page{
		{URL: "https://example.com/", ContentHash: "sha256:aa"},
		{URL: "https://example.com/gone", ContentHash: "sha256:bb"},
	}, nil)

	res, err := exec.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, res.Artifacts, 1)
	require.Len(t, res.Faults, 1)
	assert.Equal(t, "https://example.com/gone", res.Faults[0].Ref)
}

func TestCapture_WholesaleTransportFailureIsRetryable(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(&http.Client{Transport: &stubTransport{}}, blob.NewMemoryStore(), nil,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	req := captureRequest([]scanning.Page{
		{URL: "https://example.com/", ContentHash: "sha256:aa"},
		{URL: "https://example.com/about", ContentHash: "sha256:bb"},
	}, nil)

	_, err := exec.Run(context.Background(), req)
	require.Error(t, err)
	assert.True(t, scanning.IsRetryable(err))
}

func TestCapture_CheckpointAbortsRun(t *testing.T) {
	t.Parallel()

	transport := &stubTransport{bodies: map[string]string{
		"https://example.com/": "<html><body>home</body></html>",
	}}
	exec := NewExecutor(&http.Client{Transport: transport}, blob.NewMemoryStore(), nil,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	abort := scanning.NewOrphanedTaskError(uuid.New())
	req := captureRequest([]scanning.Page{{URL: "https://example.com/", ContentHash: "sha256:aa"}}, nil)
	req.Checkpoint = func(context.Context) error { return abort }

	_, err := exec.Run(context.Background(), req)
	require.Error(t, err)

	var orphaned *scanning.OrphanedTaskError
	assert.ErrorAs(t, err, &orphaned)
}
