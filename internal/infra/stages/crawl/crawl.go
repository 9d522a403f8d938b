// Package crawl implements the page-crawling stage. It walks each
// discovered subdomain breadth-first, extracts links and asset references
// from the HTML, and stays polite with a per-host delay between fetches.
package crawl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/compliscan/compliscan/internal/domain/scanning"
	"github.com/compliscan/compliscan/pkg/common/logger"
)

const (
	// maxBodyBytes caps how much of a response body is read and hashed.
	maxBodyBytes = 2 * 1024 * 1024

	// excerptLimit caps the plain-text excerpt stored per page.
	excerptLimit = 512

	userAgent = "compliscan-crawler/1.0"
)

// Executor crawls pages from the subdomains found by discovery. One
// instance serves all tasks; per-task state lives in each Run call.
type Executor struct {
	httpClient *http.Client

	logger *logger.Logger
	tracer trace.Tracer
}

var _ scanning.StageExecutor = (*Executor)(nil)

// NewExecutor creates the crawl stage executor. A nil client falls back to
// a default with a conservative timeout.
func NewExecutor(httpClient *http.Client, logger *logger.Logger, tracer trace.Tracer) *Executor {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Executor{
		httpClient: httpClient,
		logger:     logger.With("component", "crawl_stage"),
		tracer:     tracer,
	}
}

// Stage identifies which pipeline stage this executor implements.
func (e *Executor) Stage() scanning.Stage { return scanning.StageCrawl }

// crawlRun holds the per-task state of one crawl: the visited set, the
// per-host limiters and the accumulating result. All fields are guarded by
// mu; workers only touch them through the merge helpers.
type crawlRun struct {
	mu       sync.Mutex
	visited  map[string]struct{}
	limiters map[string]*rate.Limiter
	delay    time.Duration

	pages          []scanning.Page
	faults         []scanning.Fault
	fetched        int
	attempted      int
	transportFails int
}

func (r *crawlRun) limiter(host string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[host]; ok {
		return l
	}
	limit := rate.Inf
	if r.delay > 0 {
		limit = rate.Every(r.delay)
	}
	l := rate.NewLimiter(limit, 1)
	r.limiters[host] = l
	return l
}

// claim marks a URL visited and reports whether the caller owns it. The
// page budget is enforced here so no worker can overshoot MaxPages.
func (r *crawlRun) claim(rawURL string, maxPages int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.visited) >= maxPages {
		return false
	}
	if _, ok := r.visited[rawURL]; ok {
		return false
	}
	r.visited[rawURL] = struct{}{}
	return true
}

// Run crawls breadth-first from every discovered subdomain until the depth
// or page budget is exhausted. Individual fetch failures become Faults; the
// stage only errors when every single fetch failed in transport.
func (e *Executor) Run(ctx context.Context, req *scanning.StageRequest) (*scanning.StageResult, error) {
	ctx, span := e.tracer.Start(ctx, "crawl_stage.scanning.run",
		trace.WithAttributes(
			attribute.String("task_id", req.TaskID.String()),
			attribute.String("target_domain", req.TargetDomain),
			attribute.Int("workers", req.Config.Crawl.Workers),
			attribute.Int("max_depth", req.Config.Crawl.MaxDepth),
			attribute.Int("max_pages", req.Config.Crawl.MaxPages),
		))
	defer span.End()

	cfg := req.Config.Crawl
	run := &crawlRun{
		visited:  make(map[string]struct{}),
		limiters: make(map[string]*rate.Limiter),
		delay:    cfg.PerHostDelay,
	}

	frontier := e.seeds(req, run)
	span.SetAttributes(attribute.Int("seeds", len(frontier)))

	for depth := 0; depth < cfg.MaxDepth && len(frontier) > 0; depth++ {
		next, err := e.crawlLevel(ctx, req, run, frontier, depth)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "crawl aborted")
			return nil, err
		}
		frontier = next
	}

	if run.attempted > 0 && run.transportFails >= run.attempted {
		err := fmt.Errorf("all %d fetches failed in transport", run.attempted)
		span.RecordError(err)
		span.SetStatus(codes.Error, "crawl target unreachable")
		return nil, scanning.NewRetryableStageError(scanning.StageCrawl, err)
	}

	sort.Slice(run.pages, func(i, j int) bool { return run.pages[i].URL < run.pages[j].URL })

	result := &scanning.StageResult{
		Stage:  scanning.StageCrawl,
		Pages:  run.pages,
		Faults: run.faults,
	}

	span.SetAttributes(
		attribute.Int("pages_crawled", len(result.Pages)),
		attribute.Int("faults", len(result.Faults)),
	)
	span.SetStatus(codes.Ok, "crawl completed")
	e.logger.Info(ctx, "Crawl completed",
		"task_id", req.TaskID,
		"pages_crawled", len(result.Pages),
		"faults", len(result.Faults),
	)

	return result, nil
}

// seeds builds the depth-0 frontier: the root of every discovered subdomain.
func (e *Executor) seeds(req *scanning.StageRequest, run *crawlRun) []string {
	var out []string
	for _, sd := range req.Input.Subdomains {
		seed := "https://" + sd.Name + "/"
		if run.claim(seed, req.Config.Crawl.MaxPages) {
			out = append(out, seed)
		}
	}
	return out
}

// crawlLevel fetches one BFS level under the stage worker pool and returns
// the next level's frontier.
func (e *Executor) crawlLevel(ctx context.Context, req *scanning.StageRequest, run *crawlRun, frontier []string, depth int) ([]string, error) {
	var (
		nextMu sync.Mutex
		next   []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(req.Config.Crawl.Workers)

	for _, pageURL := range frontier {
		g.Go(func() error {
			if err := req.Checkpoint(gctx); err != nil {
				return err
			}

			page, links, err := e.fetch(gctx, run, pageURL, depth)
			if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
				return err
			}

			run.mu.Lock()
			run.fetched++
			req.Report(gctx, run.fetched, req.Config.Crawl.MaxPages, fmt.Sprintf("crawled %s", pageURL))
			if err == nil {
				run.pages = append(run.pages, *page)
			} else {
				run.faults = append(run.faults, scanning.Fault{Ref: pageURL, Msg: err.Error()})
			}
			run.mu.Unlock()

			if depth+1 >= req.Config.Crawl.MaxDepth {
				return nil
			}
			var claimed []string
			for _, link := range links {
				if !e.inScope(link, req.TargetDomain) {
					continue
				}
				if run.claim(link, req.Config.Crawl.MaxPages) {
					claimed = append(claimed, link)
				}
			}
			if len(claimed) > 0 {
				nextMu.Lock()
				next = append(next, claimed...)
				nextMu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(next)
	return next, nil
}

// fetch retrieves and parses one page. A non-2xx status or transport error
// is returned for the caller to record as a Fault; links are still returned
// empty in that case.
func (e *Executor) fetch(ctx context.Context, run *crawlRun, pageURL string, depth int) (*scanning.Page, []string, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing url: %w", err)
	}

	if err := run.limiter(parsed.Hostname()).Wait(ctx); err != nil {
		return nil, nil, err
	}

	run.mu.Lock()
	run.attempted++
	run.mu.Unlock()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		run.mu.Lock()
		run.transportFails++
		run.mu.Unlock()
		return nil, nil, fmt.Errorf("fetching %s: %w", pageURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		run.mu.Lock()
		run.transportFails++
		run.mu.Unlock()
		return nil, nil, fmt.Errorf("fetching %s: status %d", pageURL, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, nil, fmt.Errorf("fetching %s: status %d", pageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		run.mu.Lock()
		run.transportFails++
		run.mu.Unlock()
		return nil, nil, fmt.Errorf("reading %s: %w", pageURL, err)
	}

	sum := sha256.Sum256(body)
	page := &scanning.Page{
		URL:         pageURL,
		Subdomain:   parsed.Hostname(),
		Depth:       depth,
		StatusCode:  resp.StatusCode,
		ContentHash: "sha256:" + hex.EncodeToString(sum[:]),
	}

	// The final URL after redirects is the base for resolving relative
	// links; the record keeps the requested URL as its identity.
	base := parsed
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL
	}
	links := e.extract(page, base, body)
	return page, links, nil
}

// extract pulls the title, text excerpt, outgoing links and asset
// references out of the HTML. Parse failures leave the page record with
// hash and status only.
func (e *Executor) extract(page *scanning.Page, base *url.URL, body []byte) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}

	page.Title = strings.TrimSpace(doc.Find("title").First().Text())

	var links []string
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		resolved, ok := resolveRef(base, href)
		if !ok {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		links = append(links, resolved)
	})
	page.Links = links

	assetSelectors := []struct {
		selector string
		attr     string
		kind     scanning.ResourceKind
	}{
		{"script[src]", "src", scanning.ResourceKindScript},
		{"iframe[src]", "src", scanning.ResourceKindIframe},
		{"img[src]", "src", scanning.ResourceKindImage},
		{"link[rel='stylesheet'][href]", "href", scanning.ResourceKindStylesheet},
		{"video[src], audio[src], source[src]", "src", scanning.ResourceKindMedia},
	}
	seenAssets := make(map[string]struct{})
	for _, sel := range assetSelectors {
		doc.Find(sel.selector).Each(func(_ int, s *goquery.Selection) {
			ref, _ := s.Attr(sel.attr)
			resolved, ok := resolveRef(base, ref)
			if !ok {
				return
			}
			key := resolved + "/" + string(sel.kind)
			if _, dup := seenAssets[key]; dup {
				return
			}
			seenAssets[key] = struct{}{}
			page.Assets = append(page.Assets, scanning.AssetRef{URL: resolved, Kind: sel.kind})
		})
	}

	doc.Find("script, style, noscript").Remove()
	page.TextExcerpt = excerpt(doc.Text())

	return links
}

// inScope reports whether a URL's host belongs to the target domain.
func (e *Executor) inScope(rawURL, targetDomain string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	return host == targetDomain || strings.HasSuffix(host, "."+targetDomain)
}

// resolveRef resolves a reference against the page base URL and normalizes
// it for the visited set. Only http and https references survive.
func resolveRef(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	parsed, err := base.Parse(ref)
	if err != nil {
		return "", false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", false
	}
	parsed.Fragment = ""
	if parsed.Path == "" {
		parsed.Path = "/"
	}
	return parsed.String(), true
}

// excerpt collapses whitespace runs and truncates to the excerpt limit.
func excerpt(text string) string {
	fields := strings.Fields(text)
	joined := strings.Join(fields, " ")
	if len(joined) > excerptLimit {
		joined = joined[:excerptLimit]
	}
	return joined
}
