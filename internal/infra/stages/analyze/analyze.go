// Package analyze implements the classification stage. Each crawled page's
// captured content is classified for compliance violations, with verdicts
// cached by content hash so a retried stage or a page served under two URLs
// never hits the remote service twice.
package analyze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/compliscan/compliscan/internal/domain/scanning"
	"github.com/compliscan/compliscan/internal/infra/blob"
	"github.com/compliscan/compliscan/pkg/common/logger"
)

// verdictKeyPrefix namespaces verdict cache entries inside the blob store.
const verdictKeyPrefix = "verdict:"

// Executor classifies captured pages. A verdict is looked up in the blob
// store by content hash first; only misses go to the classification
// service. Classification errors abort the run and carry their own
// retryable or fatal marking from the client.
type Executor struct {
	client scanning.ClassificationClient
	cache  scanning.BlobStore

	logger *logger.Logger
	tracer trace.Tracer
}

var _ scanning.StageExecutor = (*Executor)(nil)

// NewExecutor creates the analyze stage executor.
func NewExecutor(client scanning.ClassificationClient, cache scanning.BlobStore, logger *logger.Logger, tracer trace.Tracer) *Executor {
	return &Executor{
		client: client,
		cache:  cache,
		logger: logger.With("component", "analyze_stage"),
		tracer: tracer,
	}
}

// Stage identifies which pipeline stage this executor implements.
func (e *Executor) Stage() scanning.Stage { return scanning.StageAnalyze }

// Run classifies every page that has a content hash. Flagged verdicts
// become Violation records. The verdict cache is best-effort: cache
// failures degrade to remote calls, never fail the stage.
func (e *Executor) Run(ctx context.Context, req *scanning.StageRequest) (*scanning.StageResult, error) {
	ctx, span := e.tracer.Start(ctx, "analyze_stage.scanning.run",
		trace.WithAttributes(
			attribute.String("task_id", req.TaskID.String()),
			attribute.String("target_domain", req.TargetDomain),
			attribute.Int("pages", len(req.Input.Pages)),
		))
	defer span.End()

	pages := make([]scanning.Page, 0, len(req.Input.Pages))
	for _, p := range req.Input.Pages {
		if p.ContentHash != "" {
			pages = append(pages, p)
		}
	}
	total := len(pages)
	screenshotKeys := screenshotIndex(req.Input.Artifacts)

	var (
		mu         sync.Mutex
		done       int
		cacheHits  int
		violations []scanning.Violation
		flight     singleflight.Group
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(req.Config.Analyze.Workers)

	for _, page := range pages {
		g.Go(func() error {
			if err := req.Checkpoint(gctx); err != nil {
				return err
			}

			verdict, cached, err := e.verdictFor(gctx, &flight, scanning.ClassifyRequest{
				ContentHash: page.ContentHash,
				Text:        page.TextExcerpt,
				ImageKey:    screenshotKeys[page.URL],
			})
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			done++
			if cached {
				cacheHits++
			}
			req.Report(gctx, done, total, fmt.Sprintf("analyzed %s", page.URL))

			if verdict.Flagged {
				violations = append(violations, scanning.Violation{
					PageURL:     page.URL,
					ContentHash: page.ContentHash,
					Category:    verdict.Category,
					Score:       verdict.Score,
				})
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "analyze aborted")
		return nil, err
	}

	sort.Slice(violations, func(i, j int) bool { return violations[i].Key() < violations[j].Key() })

	result := &scanning.StageResult{
		Stage:      scanning.StageAnalyze,
		Violations: violations,
	}

	span.SetAttributes(
		attribute.Int("violations", len(violations)),
		attribute.Int("verdict_cache_hits", cacheHits),
	)
	span.SetStatus(codes.Ok, "analyze completed")
	e.logger.Info(ctx, "Analyze completed",
		"task_id", req.TaskID,
		"pages", total,
		"violations", len(violations),
		"verdict_cache_hits", cacheHits,
	)

	return result, nil
}

// cachedVerdict pairs a verdict with whether it came from the cache.
type cachedVerdict struct {
	verdict scanning.Verdict
	cached  bool
}

// verdictFor returns the verdict for one piece of content, collapsing
// concurrent lookups for the same hash into a single cache read or remote
// call.
func (e *Executor) verdictFor(ctx context.Context, flight *singleflight.Group, req scanning.ClassifyRequest) (scanning.Verdict, bool, error) {
	v, err, _ := flight.Do(req.ContentHash, func() (any, error) {
		if verdict, ok := e.lookup(ctx, req.ContentHash); ok {
			return cachedVerdict{verdict: verdict, cached: true}, nil
		}

		verdict, err := e.client.Classify(ctx, req)
		if err != nil {
			return nil, err
		}
		e.remember(ctx, req.ContentHash, verdict)
		return cachedVerdict{verdict: verdict}, nil
	})
	if err != nil {
		return scanning.Verdict{}, false, err
	}
	cv := v.(cachedVerdict)
	return cv.verdict, cv.cached, nil
}

// lookup reads a cached verdict. Any failure, including a corrupt entry,
// reads as a miss.
func (e *Executor) lookup(ctx context.Context, contentHash string) (scanning.Verdict, bool) {
	data, err := e.cache.Get(ctx, verdictKeyPrefix+contentHash)
	if err != nil {
		if !errors.Is(err, blob.ErrBlobNotFound) {
			e.logger.Warn(ctx, "Verdict cache read failed; classifying remotely",
				"content_hash", contentHash, "error", err)
		}
		return scanning.Verdict{}, false
	}

	var verdict scanning.Verdict
	if err := json.Unmarshal(data, &verdict); err != nil {
		e.logger.Warn(ctx, "Verdict cache entry corrupt; classifying remotely",
			"content_hash", contentHash, "error", err)
		return scanning.Verdict{}, false
	}
	return verdict, true
}

// remember stores a verdict in the cache. Failures are logged and dropped;
// the verdict is already in hand.
func (e *Executor) remember(ctx context.Context, contentHash string, verdict scanning.Verdict) {
	data, err := json.Marshal(verdict)
	if err != nil {
		return
	}
	if err := e.cache.Put(ctx, verdictKeyPrefix+contentHash, data); err != nil {
		e.logger.Warn(ctx, "Verdict cache write failed",
			"content_hash", contentHash, "error", err)
	}
}

// screenshotIndex maps page URLs to their screenshot blob keys.
func screenshotIndex(artifacts []scanning.CaptureArtifact) map[string]string {
	out := make(map[string]string)
	for _, a := range artifacts {
		if a.Kind == scanning.ArtifactKindScreenshot {
			out[a.PageURL] = a.ContentHash
		}
	}
	return out
}
