package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CTSource yields hostnames under a domain from a certificate-transparency
// index. Implementations return raw names; the executor filters and
// resolves them.
type CTSource interface {
	Names(ctx context.Context, domain string) ([]string, error)
}

// ctEntry is one row of a crt.sh-style JSON response. NameValue may hold
// several newline-separated hostnames from a single certificate.
type ctEntry struct {
	NameValue string `json:"name_value"`
}

// CTLogClient queries a crt.sh-compatible certificate-transparency index
// over HTTP for hostnames observed under a domain.
type CTLogClient struct {
	httpClient *http.Client
	baseURL    string
	tracer     trace.Tracer
}

// Ensure CTLogClient implements CTSource at compile time.
var _ CTSource = (*CTLogClient)(nil)

// NewCTLogClient creates a CT log client against the given index root.
func NewCTLogClient(httpClient *http.Client, baseURL string, tracer trace.Tracer) *CTLogClient {
	return &CTLogClient{httpClient: httpClient, baseURL: baseURL, tracer: tracer}
}

// Names returns the distinct hostnames the index has seen for the domain.
// Wildcard entries are collapsed to their base name; names outside the
// domain are dropped.
func (c *CTLogClient) Names(ctx context.Context, domain string) ([]string, error) {
	ctx, span := c.tracer.Start(ctx, "ctlog.scanning.names",
		trace.WithAttributes(attribute.String("domain", domain)))
	defer span.End()

	query := url.Values{}
	query.Set("q", "%."+domain)
	query.Set("output", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create ct log request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query ct log: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("ct log returned %d", resp.StatusCode)
		span.RecordError(err)
		return nil, err
	}

	var entries []ctEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decode ct log response: %w", err)
	}

	suffix := "." + strings.ToLower(domain)
	seen := make(map[string]struct{})
	var names []string
	for _, entry := range entries {
		for _, raw := range strings.Split(entry.NameValue, "\n") {
			name := strings.ToLower(strings.TrimSpace(raw))
			name = strings.TrimPrefix(name, "*.")
			if name == "" || !strings.HasSuffix(name, suffix) {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}

	span.SetAttributes(attribute.Int("names_found", len(names)))
	return names, nil
}
