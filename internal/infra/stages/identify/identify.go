// Package identify implements the third-party extraction stage. It walks
// the asset references and links collected during the crawl and reduces the
// external ones to registrable domains.
package identify

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/errgroup"

	"github.com/compliscan/compliscan/internal/domain/scanning"
	"github.com/compliscan/compliscan/pkg/common/logger"
)

// Executor extracts third-party registrable domains from crawled pages. The
// work is pure CPU over records already in memory, so every unit either
// succeeds or reveals a bug; there is no retryable failure mode here.
type Executor struct {
	logger *logger.Logger
	tracer trace.Tracer
}

var _ scanning.StageExecutor = (*Executor)(nil)

// NewExecutor creates the identify stage executor.
func NewExecutor(logger *logger.Logger, tracer trace.Tracer) *Executor {
	return &Executor{
		logger: logger.With("component", "identify_stage"),
		tracer: tracer,
	}
}

// Stage identifies which pipeline stage this executor implements.
func (e *Executor) Stage() scanning.Stage { return scanning.StageIdentify }

// Run reduces every page's external references to registrable third-party
// domains, unioning resource kinds per domain. One page is one unit of
// work.
func (e *Executor) Run(ctx context.Context, req *scanning.StageRequest) (*scanning.StageResult, error) {
	ctx, span := e.tracer.Start(ctx, "identify_stage.scanning.run",
		trace.WithAttributes(
			attribute.String("task_id", req.TaskID.String()),
			attribute.String("target_domain", req.TargetDomain),
			attribute.Int("pages", len(req.Input.Pages)),
		))
	defer span.End()

	total := len(req.Input.Pages)

	var (
		mu      sync.Mutex
		done    int
		byIndex = make(map[string]int)
		domains []scanning.ThirdPartyDomain
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(req.Config.Identify.Workers)

	for _, page := range req.Input.Pages {
		g.Go(func() error {
			if err := req.Checkpoint(gctx); err != nil {
				return err
			}

			found := e.extract(page, req.TargetDomain)

			mu.Lock()
			defer mu.Unlock()
			done++
			req.Report(gctx, done, total, fmt.Sprintf("identified refs on %s", page.URL))

			for _, tp := range found {
				if idx, ok := byIndex[tp.Key()]; ok {
					domains[idx].Kinds = unionKinds(domains[idx].Kinds, tp.Kinds)
					continue
				}
				byIndex[tp.Key()] = len(domains)
				domains = append(domains, tp)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "identify aborted")
		return nil, err
	}

	sort.Slice(domains, func(i, j int) bool { return domains[i].Domain < domains[j].Domain })

	result := &scanning.StageResult{
		Stage:      scanning.StageIdentify,
		ThirdParty: domains,
	}

	span.SetAttributes(attribute.Int("third_party_domains", len(domains)))
	span.SetStatus(codes.Ok, "identify completed")
	e.logger.Info(ctx, "Identify completed",
		"task_id", req.TaskID,
		"pages", total,
		"third_party_domains", len(domains),
	)

	return result, nil
}

// extract returns the third-party domains one page references, deduplicated
// within the page with kinds unioned.
func (e *Executor) extract(page scanning.Page, targetDomain string) []scanning.ThirdPartyDomain {
	byIndex := make(map[string]int)
	var out []scanning.ThirdPartyDomain

	add := func(rawURL string, kind scanning.ResourceKind) {
		domain, ok := thirdPartyDomain(rawURL, targetDomain)
		if !ok {
			return
		}
		if idx, seen := byIndex[domain]; seen {
			out[idx].Kinds = unionKinds(out[idx].Kinds, []scanning.ResourceKind{kind})
			return
		}
		byIndex[domain] = len(out)
		out = append(out, scanning.ThirdPartyDomain{
			Domain:       domain,
			FirstSeenURL: page.URL,
			Kinds:        []scanning.ResourceKind{kind},
		})
	}

	for _, asset := range page.Assets {
		add(asset.URL, asset.Kind)
	}
	for _, link := range page.Links {
		add(link, scanning.ResourceKindLink)
	}

	return out
}

// thirdPartyDomain reduces a URL to its registrable domain and reports
// whether that domain is external to the target. Unparseable hosts and
// bare IPs are not third parties.
func thirdPartyDomain(rawURL, targetDomain string) (string, bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" || net.ParseIP(host) != nil {
		return "", false
	}
	if host == targetDomain || strings.HasSuffix(host, "."+targetDomain) {
		return "", false
	}

	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// Bare TLDs and malformed names land here.
		return "", false
	}
	if domain == targetDomain {
		return "", false
	}
	return domain, true
}

func unionKinds(existing, incoming []scanning.ResourceKind) []scanning.ResourceKind {
	seen := make(map[scanning.ResourceKind]struct{}, len(existing))
	for _, k := range existing {
		seen[k] = struct{}{}
	}
	for _, k := range incoming {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		existing = append(existing, k)
	}
	return existing
}
