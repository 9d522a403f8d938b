package crawl

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
	"github.com/compliscan/compliscan/pkg/common/logger"
)

// stubPage is one canned response served by the stub transport.
type stubPage struct {
	status int
	html   string
}

// stubTransport serves canned pages keyed by full URL. URLs without an
// entry fail as if the connection was refused.
type stubTransport struct {
	mu    sync.Mutex
	pages map[string]stubPage
	calls []string
}

func (t *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rawURL := req.URL.String()
	t.mu.Lock()
	t.calls = append(t.calls, rawURL)
	page, ok := t.pages[rawURL]
	t.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("dial tcp %s: connection refused", req.URL.Host)
	}
	return &http.Response{
		StatusCode: page.status,
		Status:     http.StatusText(page.status),
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       io.NopCloser(strings.NewReader(page.html)),
		Request:    req,
	}, nil
}

func newTestExecutor(pages map[string]stubPage) (*Executor, *stubTransport) {
	transport := &stubTransport{pages: pages}
	client := &http.Client{Transport: transport}
	return NewExecutor(client, logger.Noop(), noop.NewTracerProvider().Tracer("test")), transport
}

func crawlRequest(target string, subdomains []string, mutate func(*scanning.PipelineConfig)) *scanning.StageRequest {
	cfg := scanning.DefaultPipelineConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	input := scanning.NewPipelineInput(target)
	res := &scanning.StageResult{Stage: scanning.StageDiscovery}
	for _, name := range subdomains {
		res.Subdomains = append(res.Subdomains, scanning.Subdomain{
			Name:   name,
			Source: scanning.SubdomainSourceWordlist,
		})
	}
	input.Absorb(res)
	return scanning.NewStageRequest(uuid.New(), target, cfg, input)
}

func pageByURL(pages []scanning.Page, rawURL string) (scanning.Page, bool) {
	for _, p := range pages {
		if p.URL == rawURL {
			return p, true
		}
	}
	return scanning.Page{}, false
}

func TestCrawl_FollowsLinksBreadthFirst(t *testing.T) {
	t.Parallel()

	exec, _ := newTestExecutor(map[string]stubPage{
		"https://example.com/": {200, `<html><head><title>Home</title></head>
			<body><a href="/about">About</a><a href="/contact">Contact</a></body></html>`},
		"https://example.com/about":   {200, `<html><head><title>About</title></head><body><a href="/deep">Deep</a></body></html>`},
		"https://example.com/contact": {200, `<html><head><title>Contact</title></head><body>write us</body></html>`},
		"https://example.com/deep":    {200, `<html><head><title>Deep</title></head><body>too far</body></html>`},
	})

	req := crawlRequest("example.com", []string{"example.com"}, func(cfg *scanning.PipelineConfig) {
		cfg.Crawl.MaxDepth = 2
		cfg.Crawl.MaxPages = 50
		cfg.Crawl.PerHostDelay = 0
	})

	res, err := exec.Run(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Pages, 3)

	home, ok := pageByURL(res.Pages, "https://example.com/")
	require.True(t, ok)
	assert.Equal(t, "Home", home.Title)
	assert.Equal(t, 0, home.Depth)
	assert.Equal(t, "example.com", home.Subdomain)
	assert.True(t, strings.HasPrefix(home.ContentHash, "sha256:"))
	assert.Contains(t, home.Links, "https://example.com/about")

	about, ok := pageByURL(res.Pages, "https://example.com/about")
	require.True(t, ok)
	assert.Equal(t, 1, about.Depth)

	// MaxDepth 2 crawls depths 0 and 1 only.
	_, ok = pageByURL(res.Pages, "https://example.com/deep")
	assert.False(t, ok)
}

func TestCrawl_MaxPagesCapsTheBudget(t *testing.T) {
	t.Parallel()

	pages := map[string]stubPage{
		"https://example.com/": {200, `<html><body>
			<a href="/p1">1</a><a href="/p2">2</a><a href="/p3">3</a></body></html>`},
	}
	for i := 1; i <= 3; i++ {
		pages[fmt.Sprintf("https://example.com/p%d", i)] = stubPage{200, "<html><body>page</body></html>"}
	}
	exec, _ := newTestExecutor(pages)

	req := crawlRequest("example.com", []string{"example.com"}, func(cfg *scanning.PipelineConfig) {
		cfg.Crawl.MaxDepth = 3
		cfg.Crawl.MaxPages = 2
		cfg.Crawl.PerHostDelay = 0
	})

	res, err := exec.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, res.Pages, 2)
}

func TestCrawl_ScopeFilterSkipsForeignHosts(t *testing.T) {
	t.Parallel()

	exec, transport := newTestExecutor(map[string]stubPage{
		"https://example.com/": {200, `<html><body>
			<a href="https://evil.org/lure">out</a>
			<a href="https://docs.example.com/">in</a></body></html>`},
		"https://docs.example.com/": {200, "<html><body>docs</body></html>"},
	})

	req := crawlRequest("example.com", []string{"example.com"}, func(cfg *scanning.PipelineConfig) {
		cfg.Crawl.MaxDepth = 2
		cfg.Crawl.MaxPages = 50
		cfg.Crawl.PerHostDelay = 0
	})

	res, err := exec.Run(context.Background(), req)
	require.NoError(t, err)

	_, ok := pageByURL(res.Pages, "https://docs.example.com/")
	assert.True(t, ok)
	for _, call := range transport.calls {
		assert.NotContains(t, call, "evil.org")
	}
}

func TestCrawl_ExtractsAssetRefs(t *testing.T) {
	t.Parallel()

	exec, _ := newTestExecutor(map[string]stubPage{
		"https://example.com/": {200, `<html><head>
			<link rel="stylesheet" href="https://cdn.styles.net/main.css">
			</head><body>
			<script src="https://tracker.ads.net/t.js"></script>
			<iframe src="https://video.embed.tv/player"></iframe>
			<img src="/logo.png">
			</body></html>`},
	})

	req := crawlRequest("example.com", []string{"example.com"}, func(cfg *scanning.PipelineConfig) {
		cfg.Crawl.MaxDepth = 1
		cfg.Crawl.PerHostDelay = 0
	})

	res, err := exec.Run(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Pages, 1)

	kinds := make(map[scanning.ResourceKind]string)
	for _, a := range res.Pages[0].Assets {
		kinds[a.Kind] = a.URL
	}
	assert.Equal(t, "https://tracker.ads.net/t.js", kinds[scanning.ResourceKindScript])
	assert.Equal(t, "https://video.embed.tv/player", kinds[scanning.ResourceKindIframe])
	assert.Equal(t, "https://cdn.styles.net/main.css", kinds[scanning.ResourceKindStylesheet])
	assert.Equal(t, "https://example.com/logo.png", kinds[scanning.ResourceKindImage])
}

func TestCrawl_ClientErrorBecomesFault(t *testing.T) {
	t.Parallel()

	exec, _ := newTestExecutor(map[string]stubPage{
		"https://example.com/":     {200, `<html><body><a href="/gone">gone</a></body></html>`},
		"https://example.com/gone": {404, "not found"},
	})

	req := crawlRequest("example.com", []string{"example.com"}, func(cfg *scanning.PipelineConfig) {
		cfg.Crawl.MaxDepth = 2
		cfg.Crawl.PerHostDelay = 0
	})

	res, err := exec.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Len(t, res.Pages, 1)
	require.Len(t, res.Faults, 1)
	assert.Equal(t, "https://example.com/gone", res.Faults[0].Ref)
}

func TestCrawl_WholesaleTransportFailureIsRetryable(t *testing.T) {
	t.Parallel()

	// No entries at all: every fetch is refused.
	exec, _ := newTestExecutor(map[string]stubPage{})

	req := crawlRequest("example.com", []string{"example.com", "www.example.com"}, func(cfg *scanning.PipelineConfig) {
		cfg.Crawl.MaxDepth = 1
		cfg.Crawl.PerHostDelay = 0
	})

	_, err := exec.Run(context.Background(), req)
	require.Error(t, err)
	assert.True(t, scanning.IsRetryable(err))
}

func TestCrawl_PartialTransportFailureStaysSoft(t *testing.T) {
	t.Parallel()

	exec, _ := newTestExecutor(map[string]stubPage{
		"https://example.com/": {200, "<html><body>up</body></html>"},
		// www.example.com has no entry and is refused.
	})

	req := crawlRequest("example.com", []string{"example.com", "www.example.com"}, func(cfg *scanning.PipelineConfig) {
		cfg.Crawl.MaxDepth = 1
		cfg.Crawl.PerHostDelay = 0
	})

	res, err := exec.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, res.Pages, 1)
	assert.Len(t, res.Faults, 1)
}

func TestCrawl_CheckpointAbortsRun(t *testing.T) {
	t.Parallel()

	exec, transport := newTestExecutor(map[string]stubPage{
		"https://example.com/": {200, "<html><body>home</body></html>"},
	})

	abort := errors.New("claim lost")
	req := crawlRequest("example.com", []string{"example.com"}, func(cfg *scanning.PipelineConfig) {
		cfg.Crawl.MaxDepth = 2
		cfg.Crawl.PerHostDelay = 0
	})
	req.Checkpoint = func(context.Context) error { return abort }

	_, err := exec.Run(context.Background(), req)
	require.ErrorIs(t, err, abort)
	assert.Empty(t, transport.calls)
}

func TestCrawl_RerunProducesSamePages(t *testing.T) {
	t.Parallel()

	pages := map[string]stubPage{
		"https://example.com/":      {200, `<html><head><title>Home</title></head><body><a href="/about">a</a></body></html>`},
		"https://example.com/about": {200, `<html><head><title>About</title></head><body>b</body></html>`},
	}

	run := func() []scanning.Page {
		exec, _ := newTestExecutor(pages)
		req := crawlRequest("example.com", []string{"example.com"}, func(cfg *scanning.PipelineConfig) {
			cfg.Crawl.MaxDepth = 2
			cfg.Crawl.PerHostDelay = 0
		})
		res, err := exec.Run(context.Background(), req)
		require.NoError(t, err)
		return res.Pages
	}

	first := run()
	second := run()
	assert.Equal(t, first, second)

	// Absorbing the same result twice counts pages once.
	input := scanning.NewPipelineInput("example.com")
	d1 := input.Absorb(&scanning.StageResult{Stage: scanning.StageCrawl, Pages: first})
	d2 := input.Absorb(&scanning.StageResult{Stage: scanning.StageCrawl, Pages: second})
	assert.Equal(t, len(first), d1.PagesCrawled)
	assert.Zero(t, d2.PagesCrawled)
}
