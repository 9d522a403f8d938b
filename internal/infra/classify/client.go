// Package classify provides the HTTP client for the external content
// classification service used by the analyze stage.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/compliscan/compliscan/internal/domain/scanning"
	"github.com/compliscan/compliscan/pkg/common"
)

const classifyPath = "/v1/classify"

// Config configures the classification client.
type Config struct {
	// BaseURL is the service root, e.g. "https://classify.internal:8443".
	BaseURL string
	// Token authenticates requests; sent as a bearer token.
	Token string
	// RequestsPerSecond caps the sustained call rate. Zero means 5 rps.
	RequestsPerSecond float64
	// Burst is the rate limiter burst size. Zero means 10.
	Burst int
}

// Client calls the classification service with rate limiting and tracing.
// Callers cache verdicts by content hash, so the client itself stays
// stateless.
type Client struct {
	httpClient  *http.Client
	rateLimiter *common.RateLimiter
	baseURL     string
	token       string
	tracer      trace.Tracer
}

// Ensure Client implements scanning.ClassificationClient at compile time.
var _ scanning.ClassificationClient = (*Client)(nil)

// NewClient creates a classification client.
func NewClient(httpClient *http.Client, cfg Config, tracer trace.Tracer) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	return &Client{
		httpClient:  httpClient,
		rateLimiter: common.NewRateLimiter(rps, burst),
		baseURL:     cfg.BaseURL,
		token:       cfg.Token,
		tracer:      tracer,
	}
}

// Classify requests a verdict for one piece of content. Transport failures
// and throttling map to retryable stage errors; rejected requests map to
// fatal ones.
func (c *Client) Classify(ctx context.Context, req scanning.ClassifyRequest) (scanning.Verdict, error) {
	ctx, span := c.tracer.Start(ctx, "classify.request",
		trace.WithAttributes(
			attribute.String("content_hash", req.ContentHash),
			attribute.Bool("has_image", req.ImageKey != ""),
		))
	defer span.End()

	if err := c.rateLimiter.Wait(ctx); err != nil {
		span.RecordError(err)
		return scanning.Verdict{}, scanning.NewRetryableStageError(scanning.StageAnalyze,
			fmt.Errorf("rate limiter wait: %w", err))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return scanning.Verdict{}, scanning.NewFatalStageError(scanning.StageAnalyze,
			fmt.Errorf("marshal classify request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+classifyPath, bytes.NewReader(body))
	if err != nil {
		return scanning.Verdict{}, scanning.NewFatalStageError(scanning.StageAnalyze,
			fmt.Errorf("create classify request: %w", err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return scanning.Verdict{}, scanning.NewRetryableStageError(scanning.StageAnalyze,
			fmt.Errorf("classify request: %w", err))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("status_code", resp.StatusCode))
	c.updateRateLimits(resp.Header)

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		err := fmt.Errorf("classify service returned %d: %s", resp.StatusCode, string(data))
		span.RecordError(err)
		return scanning.Verdict{}, classifyStatusError(resp.StatusCode, err)
	}

	var verdict scanning.Verdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		span.RecordError(err)
		return scanning.Verdict{}, scanning.NewRetryableStageError(scanning.StageAnalyze,
			fmt.Errorf("decode classify response: %w", err))
	}

	span.SetAttributes(
		attribute.Bool("flagged", verdict.Flagged),
		attribute.Float64("score", verdict.Score),
	)
	return verdict, nil
}

// classifyStatusError maps an HTTP status to the stage error taxonomy.
// Timeouts, throttling and server faults are worth retrying; anything the
// service rejected outright will not improve on a second attempt.
func classifyStatusError(status int, err error) error {
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return scanning.NewRetryableStageError(scanning.StageAnalyze, err)
	case status >= 500:
		return scanning.NewRetryableStageError(scanning.StageAnalyze, err)
	default:
		return scanning.NewFatalStageError(scanning.StageAnalyze, err)
	}
}

// updateRateLimits adjusts the limiter from the service's X-RateLimit
// headers when present, targeting 90% of the remaining quota.
func (c *Client) updateRateLimits(headers http.Header) {
	remaining, _ := strconv.ParseInt(headers.Get("X-RateLimit-Remaining"), 10, 64)
	reset, _ := strconv.ParseInt(headers.Get("X-RateLimit-Reset"), 10, 64)
	limit, _ := strconv.ParseInt(headers.Get("X-RateLimit-Limit"), 10, 64)

	if remaining <= 0 || reset <= 0 || limit <= 0 {
		return
	}
	duration := time.Until(time.Unix(reset, 0))
	if duration <= 0 {
		return
	}
	rps := float64(remaining) / duration.Seconds()
	burst := int(remaining / 10)
	if burst < 1 {
		burst = 1
	}
	c.rateLimiter.UpdateLimits(rps*0.9, burst)
}
