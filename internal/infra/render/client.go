// Package render provides the HTTP client for the headless renderer service
// the capture stage uses to take page screenshots.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/compliscan/compliscan/internal/domain/scanning"
	"github.com/compliscan/compliscan/pkg/common"
)

const renderPath = "/v1/render"

// maxScreenshotBytes bounds a single screenshot download.
const maxScreenshotBytes = 8 << 20

// Config configures the renderer client.
type Config struct {
	// BaseURL is the renderer service root.
	BaseURL string
	// Token authenticates requests; sent as a bearer token.
	Token string
	// RequestsPerSecond caps the sustained call rate. Zero means 2 rps.
	RequestsPerSecond float64
	// Burst is the rate limiter burst size. Zero means 4.
	Burst int
}

// Client requests rendered screenshots from the renderer service.
type Client struct {
	httpClient  *http.Client
	rateLimiter *common.RateLimiter
	baseURL     string
	token       string
	tracer      trace.Tracer
}

// NewClient creates a renderer client.
func NewClient(httpClient *http.Client, cfg Config, tracer trace.Tracer) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 4
	}
	return &Client{
		httpClient:  httpClient,
		rateLimiter: common.NewRateLimiter(rps, burst),
		baseURL:     cfg.BaseURL,
		token:       cfg.Token,
		tracer:      tracer,
	}
}

// renderRequest is the renderer service's request body.
type renderRequest struct {
	URL string `json:"url"`
}

// Screenshot renders the page at the given URL and returns PNG bytes.
// Renderer faults and throttling are retryable; a rejected URL is fatal.
func (c *Client) Screenshot(ctx context.Context, pageURL string) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "render.screenshot",
		trace.WithAttributes(attribute.String("page_url", pageURL)))
	defer span.End()

	if err := c.rateLimiter.Wait(ctx); err != nil {
		span.RecordError(err)
		return nil, scanning.NewRetryableStageError(scanning.StageCapture,
			fmt.Errorf("rate limiter wait: %w", err))
	}

	body, err := json.Marshal(renderRequest{URL: pageURL})
	if err != nil {
		return nil, scanning.NewFatalStageError(scanning.StageCapture,
			fmt.Errorf("marshal render request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+renderPath, bytes.NewReader(body))
	if err != nil {
		return nil, scanning.NewFatalStageError(scanning.StageCapture,
			fmt.Errorf("create render request: %w", err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "image/png")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return nil, scanning.NewRetryableStageError(scanning.StageCapture,
			fmt.Errorf("render request: %w", err))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		err := fmt.Errorf("renderer returned %d: %s", resp.StatusCode, string(data))
		span.RecordError(err)
		if resp.StatusCode == http.StatusRequestTimeout ||
			resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode >= 500 {
			return nil, scanning.NewRetryableStageError(scanning.StageCapture, err)
		}
		return nil, scanning.NewFatalStageError(scanning.StageCapture, err)
	}

	png, err := io.ReadAll(io.LimitReader(resp.Body, maxScreenshotBytes))
	if err != nil {
		span.RecordError(err)
		return nil, scanning.NewRetryableStageError(scanning.StageCapture,
			fmt.Errorf("read screenshot: %w", err))
	}
	span.SetAttributes(attribute.Int("screenshot_bytes", len(png)))
	return png, nil
}
