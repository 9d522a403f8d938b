// Package discovery implements the subdomain enumeration stage. Candidate
// names come from a wordlist probe and, when enabled, a certificate
// transparency index; only names that resolve become results.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
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

// lookupTimeout bounds a single DNS probe so one dead resolver cannot stall
// the whole pool.
const lookupTimeout = 5 * time.Second

// Resolver resolves hostnames to addresses. The standard library resolver
// satisfies it; tests substitute their own.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Executor enumerates subdomains of the target domain. It owns a bounded
// worker pool sized per task and reports every probe as one unit of work.
type Executor struct {
	resolver Resolver
	ctSource CTSource
	wordlist []string

	logger *logger.Logger
	tracer trace.Tracer
}

// Ensure Executor implements scanning.StageExecutor at compile time.
var _ scanning.StageExecutor = (*Executor)(nil)

// NewExecutor creates the discovery stage executor. A nil resolver falls
// back to the system resolver; a nil ctSource disables CT lookups even when
// a task asks for them.
func NewExecutor(resolver Resolver, ctSource CTSource, logger *logger.Logger, tracer trace.Tracer) *Executor {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Executor{
		resolver: resolver,
		ctSource: ctSource,
		wordlist: defaultWordlist,
		logger:   logger.With("component", "discovery_stage"),
		tracer:   tracer,
	}
}

// Stage identifies which pipeline stage this executor implements.
func (e *Executor) Stage() scanning.Stage { return scanning.StageDiscovery }

// Run probes candidate subdomains concurrently and returns the ones that
// resolve. The apex is always part of the result, resolved or not, so the
// crawl stage has at least one host to work with.
func (e *Executor) Run(ctx context.Context, req *scanning.StageRequest) (*scanning.StageResult, error) {
	ctx, span := e.tracer.Start(ctx, "discovery_stage.scanning.run",
		trace.WithAttributes(
			attribute.String("task_id", req.TaskID.String()),
			attribute.String("target_domain", req.TargetDomain),
			attribute.Int("workers", req.Config.Discovery.Workers),
		))
	defer span.End()

	candidates := e.candidates(ctx, req, span)
	total := len(candidates)
	span.SetAttributes(attribute.Int("candidates", total))

	result := &scanning.StageResult{Stage: scanning.StageDiscovery}

	var (
		mu             sync.Mutex
		done           int
		transportFails int
	)

	apexIPs, apexErr := e.lookup(ctx, req.TargetDomain)
	if apexErr != nil && !isNotFound(apexErr) {
		transportFails++
	}
	result.Subdomains = append(result.Subdomains, scanning.Subdomain{
		Name:        req.TargetDomain,
		Source:      scanning.SubdomainSourceApex,
		ResolvedIPs: apexIPs,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(req.Config.Discovery.Workers)

	for _, cand := range candidates {
		g.Go(func() error {
			if err := req.Checkpoint(gctx); err != nil {
				return err
			}

			ips, err := e.lookup(gctx, cand.name)

			mu.Lock()
			defer mu.Unlock()
			done++
			req.Report(gctx, done, total, fmt.Sprintf("probed %s", cand.name))

			switch {
			case err == nil:
				result.Subdomains = append(result.Subdomains, scanning.Subdomain{
					Name:        cand.name,
					Source:      cand.source,
					ResolvedIPs: ips,
				})
			case isNotFound(err):
				// A name that does not exist is an answer, not a failure.
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				return err
			default:
				transportFails++
				result.Faults = append(result.Faults, scanning.Fault{
					Ref: cand.name,
					Msg: err.Error(),
				})
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "discovery aborted")
		return nil, err
	}

	// Every probe failing in transport means the resolver path itself is
	// down, which a retry may fix. Partial failures stay soft.
	if total > 0 && transportFails >= total {
		err := fmt.Errorf("all %d probes failed in transport", total)
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolver unreachable")
		return nil, scanning.NewRetryableStageError(scanning.StageDiscovery, err)
	}

	sort.Slice(result.Subdomains, func(i, j int) bool {
		return result.Subdomains[i].Name < result.Subdomains[j].Name
	})

	span.SetAttributes(
		attribute.Int("subdomains_found", len(result.Subdomains)),
		attribute.Int("faults", len(result.Faults)),
	)
	span.SetStatus(codes.Ok, "discovery completed")
	e.logger.Info(ctx, "Discovery completed",
		"task_id", req.TaskID,
		"candidates", total,
		"subdomains_found", len(result.Subdomains),
	)

	return result, nil
}

// candidate pairs a hostname with where it came from.
type candidate struct {
	name   string
	source scanning.SubdomainSource
}

// candidates assembles the probe set: wordlist labels under the target plus
// CT log names when enabled. The CT source failing degrades discovery to
// wordlist-only rather than failing the stage.
func (e *Executor) candidates(ctx context.Context, req *scanning.StageRequest, span trace.Span) []candidate {
	seen := map[string]struct{}{req.TargetDomain: {}}
	var out []candidate

	limit := req.Config.Discovery.WordlistLimit
	if limit > len(e.wordlist) {
		limit = len(e.wordlist)
	}
	for _, label := range e.wordlist[:limit] {
		name := label + "." + req.TargetDomain
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, candidate{name: name, source: scanning.SubdomainSourceWordlist})
	}

	if req.Config.Discovery.UseCTLog && e.ctSource != nil {
		names, err := e.ctSource.Names(ctx, req.TargetDomain)
		if err != nil {
			span.AddEvent("ct_log_unavailable")
			e.logger.Warn(ctx, "CT log lookup failed; continuing with wordlist only",
				"task_id", req.TaskID, "error", err)
		}
		for _, name := range names {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, candidate{name: name, source: scanning.SubdomainSourceCTLog})
		}
	}

	return out
}

// lookup resolves one hostname under its own timeout.
func (e *Executor) lookup(ctx context.Context, host string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	return e.resolver.LookupHost(ctx, host)
}

// isNotFound reports whether a lookup error means the name does not exist,
// as opposed to the resolver being unreachable.
func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
