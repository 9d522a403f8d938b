// Package capture implements the content-capture stage. It re-fetches each
// crawled page, writes the body into the content-addressed blob store and,
// when enabled, asks the renderer service for a screenshot. Crawl discards
// page bodies to keep task state small, so capture owns the second fetch.
package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/compliscan/compliscan/internal/domain/scanning"
	"github.com/compliscan/compliscan/pkg/common/logger"
)

const (
	// maxBodyBytes caps how much of a page body is stored.
	maxBodyBytes = 2 * 1024 * 1024

	userAgent = "compliscan-capture/1.0"
)

// Renderer produces a screenshot for a page URL. The render service client
// satisfies it; a nil Renderer disables screenshots regardless of task
// configuration.
type Renderer interface {
	Screenshot(ctx context.Context, pageURL string) ([]byte, error)
}

// Executor stores page content and screenshots for later analysis. Blobs
// are keyed by the hash of the bytes actually stored, and every write is
// preceded by an existence check so retried captures never write a blob
// twice.
type Executor struct {
	httpClient *http.Client
	blobs      scanning.BlobStore
	renderer   Renderer

	logger *logger.Logger
	tracer trace.Tracer
}

var _ scanning.StageExecutor = (*Executor)(nil)

// NewExecutor creates the capture stage executor.
func NewExecutor(httpClient *http.Client, blobs scanning.BlobStore, renderer Renderer, logger *logger.Logger, tracer trace.Tracer) *Executor {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Executor{
		httpClient: httpClient,
		blobs:      blobs,
		renderer:   renderer,
		logger:     logger.With("component", "capture_stage"),
		tracer:     tracer,
	}
}

// Stage identifies which pipeline stage this executor implements.
func (e *Executor) Stage() scanning.Stage { return scanning.StageCapture }

// Run captures every crawled page. Page fetch failures are Faults; blob
// store failures abort the stage as retryable because nothing can be
// captured without it. Renderer failures degrade a page to content-only.
func (e *Executor) Run(ctx context.Context, req *scanning.StageRequest) (*scanning.StageResult, error) {
	screenshots := req.Config.Capture.Screenshots && e.renderer != nil

	ctx, span := e.tracer.Start(ctx, "capture_stage.scanning.run",
		trace.WithAttributes(
			attribute.String("task_id", req.TaskID.String()),
			attribute.String("target_domain", req.TargetDomain),
			attribute.Int("pages", len(req.Input.Pages)),
			attribute.Bool("screenshots", screenshots),
		))
	defer span.End()

	total := len(req.Input.Pages)

	var (
		mu             sync.Mutex
		done           int
		artifacts      []scanning.CaptureArtifact
		faults         []scanning.Fault
		attempted      int
		transportFails int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(req.Config.Capture.Workers)

	for _, page := range req.Input.Pages {
		g.Go(func() error {
			if err := req.Checkpoint(gctx); err != nil {
				return err
			}

			mu.Lock()
			attempted++
			mu.Unlock()

			pageArtifacts, renderFault, err := e.capturePage(gctx, page, screenshots)

			mu.Lock()
			defer mu.Unlock()
			done++
			req.Report(gctx, done, total, fmt.Sprintf("captured %s", page.URL))

			switch {
			case err == nil:
				artifacts = append(artifacts, pageArtifacts...)
				if renderFault != nil {
					faults = append(faults, *renderFault)
				}
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				return err
			default:
				var be *blobError
				if errors.As(err, &be) {
					// The blob store failing is an infrastructure outage,
					// not a page problem: abort and let the retry policy
					// decide.
					return scanning.NewRetryableStageError(scanning.StageCapture, be.err)
				}
				if isTransport(err) {
					transportFails++
				}
				faults = append(faults, scanning.Fault{Ref: page.URL, Msg: err.Error()})
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture aborted")
		return nil, err
	}

	if attempted > 0 && transportFails >= attempted {
		err := fmt.Errorf("all %d captures failed in transport", attempted)
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture target unreachable")
		return nil, scanning.NewRetryableStageError(scanning.StageCapture, err)
	}

	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Key() < artifacts[j].Key() })

	result := &scanning.StageResult{
		Stage:     scanning.StageCapture,
		Artifacts: artifacts,
		Faults:    faults,
	}

	span.SetAttributes(
		attribute.Int("artifacts_stored", len(artifacts)),
		attribute.Int("faults", len(faults)),
	)
	span.SetStatus(codes.Ok, "capture completed")
	e.logger.Info(ctx, "Capture completed",
		"task_id", req.TaskID,
		"artifacts_stored", len(artifacts),
		"faults", len(faults),
	)

	return result, nil
}

// blobError marks a blob store failure so the merge path can tell an
// infrastructure outage apart from a bad page.
type blobError struct{ err error }

func (e *blobError) Error() string { return e.err.Error() }
func (e *blobError) Unwrap() error { return e.err }

// capturePage fetches one page and stores its content blob, plus a
// screenshot blob when enabled. The returned artifacts reference blobs
// that are guaranteed stored. A renderer failure comes back as a Fault
// next to the content artifact, never as an error.
func (e *Executor) capturePage(ctx context.Context, page scanning.Page, screenshots bool) ([]scanning.CaptureArtifact, *scanning.Fault, error) {
	body, err := e.fetch(ctx, page.URL)
	if err != nil {
		return nil, nil, err
	}

	contentKey := hashKey(body)
	if err := e.store(ctx, contentKey, body); err != nil {
		return nil, nil, err
	}

	artifacts := []scanning.CaptureArtifact{{
		ContentHash: contentKey,
		Kind:        scanning.ArtifactKindContent,
		PageURL:     page.URL,
		Size:        int64(len(body)),
		StoredAt:    time.Now().UTC(),
	}}

	if !screenshots {
		return artifacts, nil, nil
	}

	png, err := e.renderer.Screenshot(ctx, page.URL)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, err
		}
		e.logger.Warn(ctx, "Screenshot failed; keeping content-only capture",
			"page_url", page.URL, "error", err)
		fault := &scanning.Fault{Ref: page.URL, Msg: fmt.Sprintf("screenshot: %v", err)}
		return artifacts, fault, nil
	}

	shotKey := hashKey(png)
	if err := e.store(ctx, shotKey, png); err != nil {
		return nil, nil, err
	}
	artifacts = append(artifacts, scanning.CaptureArtifact{
		ContentHash: shotKey,
		Kind:        scanning.ArtifactKindScreenshot,
		PageURL:     page.URL,
		Size:        int64(len(png)),
		StoredAt:    time.Now().UTC(),
	})

	return artifacts, nil, nil
}

// store writes a blob unless it already exists. Both the existence check
// and the write surface as blobError so the caller aborts the stage.
func (e *Executor) store(ctx context.Context, key string, data []byte) error {
	exists, err := e.blobs.Exists(ctx, key)
	if err != nil {
		return &blobError{err: fmt.Errorf("checking blob %s: %w", key, err)}
	}
	if exists {
		return nil
	}
	if err := e.blobs.Put(ctx, key, data); err != nil {
		return &blobError{err: fmt.Errorf("storing blob %s: %w", key, err)}
	}
	return nil
}

// fetch retrieves the page body for storage.
func (e *Executor) fetch(ctx context.Context, pageURL string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, &transportError{err: fmt.Errorf("fetching %s: %w", pageURL, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &transportError{err: fmt.Errorf("fetching %s: status %d", pageURL, resp.StatusCode)}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("fetching %s: status %d", pageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &transportError{err: fmt.Errorf("reading %s: %w", pageURL, err)}
	}
	return body, nil
}

// transportError marks fetch failures that count toward the wholesale
// failure threshold.
type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func isTransport(err error) bool {
	var te *transportError
	return errors.As(err, &te)
}

// hashKey returns the blob key for the given bytes.
func hashKey(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
