// Package policy parses operator-supplied scan policy files into pipeline
// configurations. A policy only has to spell out its deviations: omitted
// sections and fields keep the platform defaults, and stages stay enabled
// unless a section disables them.
package policy

import (
	"fmt"
	"time"

	"github.com/compliscan/compliscan/internal/domain/scanning"
)

// File is the on-disk scan policy schema. Durations are strings in Go
// syntax ("90s", "2m").
type File struct {
	Discovery *DiscoverySection `yaml:"discovery"`
	Crawl     *CrawlSection     `yaml:"crawl"`
	Identify  *StageSection     `yaml:"identify"`
	Capture   *CaptureSection   `yaml:"capture"`
	Analyze   *StageSection     `yaml:"analyze"`
}

// StageSection carries the knobs shared by every stage.
type StageSection struct {
	Enabled     *bool  `yaml:"enabled"`
	Workers     int    `yaml:"workers"`
	Timeout     string `yaml:"timeout"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// DiscoverySection extends StageSection with subdomain enumeration knobs.
type DiscoverySection struct {
	StageSection  `yaml:",inline"`
	WordlistLimit int   `yaml:"wordlist_limit"`
	UseCTLog      *bool `yaml:"use_ct_log"`
}

// CrawlSection extends StageSection with crawl depth and politeness knobs.
type CrawlSection struct {
	StageSection `yaml:",inline"`
	MaxDepth     int    `yaml:"max_depth"`
	MaxPages     int    `yaml:"max_pages"`
	PerHostDelay string `yaml:"per_host_delay"`
}

// CaptureSection extends StageSection with the screenshot toggle.
type CaptureSection struct {
	StageSection `yaml:",inline"`
	Screenshots  *bool `yaml:"screenshots"`
}

// Resolve lays the policy over the default pipeline configuration.
// Structural validation happens later, at task construction.
func (f *File) Resolve() (scanning.PipelineConfig, error) {
	cfg := scanning.DefaultPipelineConfig()

	if f.Discovery != nil {
		if err := f.Discovery.apply("discovery", &cfg.Discovery.StageSettings); err != nil {
			return cfg, err
		}
		if f.Discovery.WordlistLimit != 0 {
			cfg.Discovery.WordlistLimit = f.Discovery.WordlistLimit
		}
		if f.Discovery.UseCTLog != nil {
			cfg.Discovery.UseCTLog = *f.Discovery.UseCTLog
		}
	}
	if f.Crawl != nil {
		if err := f.Crawl.apply("crawl", &cfg.Crawl.StageSettings); err != nil {
			return cfg, err
		}
		if f.Crawl.MaxDepth != 0 {
			cfg.Crawl.MaxDepth = f.Crawl.MaxDepth
		}
		if f.Crawl.MaxPages != 0 {
			cfg.Crawl.MaxPages = f.Crawl.MaxPages
		}
		delay, err := parseDuration("crawl.per_host_delay", f.Crawl.PerHostDelay)
		if err != nil {
			return cfg, err
		}
		if delay != 0 {
			cfg.Crawl.PerHostDelay = delay
		}
	}
	if f.Identify != nil {
		if err := f.Identify.apply("identify", &cfg.Identify.StageSettings); err != nil {
			return cfg, err
		}
	}
	if f.Capture != nil {
		if err := f.Capture.apply("capture", &cfg.Capture.StageSettings); err != nil {
			return cfg, err
		}
		if f.Capture.Screenshots != nil {
			cfg.Capture.Screenshots = *f.Capture.Screenshots
		}
	}
	if f.Analyze != nil {
		if err := f.Analyze.apply("analyze", &cfg.Analyze.StageSettings); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// apply copies the section's explicit values onto the stage settings, leaving
// omitted fields at their defaults.
func (s *StageSection) apply(section string, out *scanning.StageSettings) error {
	if s.Enabled != nil {
		out.Enabled = *s.Enabled
	}
	if s.Workers != 0 {
		out.Workers = s.Workers
	}
	timeout, err := parseDuration(section+".timeout", s.Timeout)
	if err != nil {
		return err
	}
	if timeout != 0 {
		out.Timeout = timeout
	}
	if s.MaxAttempts != 0 {
		out.MaxAttempts = s.MaxAttempts
	}
	return nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", field, raw)
	}
	return d, nil
}
