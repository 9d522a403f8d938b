package scanning

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default stage settings applied by Normalize when a submission leaves a
// field zero.
const (
	defaultMaxAttempts = 3

	defaultDiscoveryWorkers = 8
	defaultCrawlWorkers     = 8
	defaultIdentifyWorkers  = 4
	defaultCaptureWorkers   = 4
	defaultAnalyzeWorkers   = 4

	defaultDiscoveryTimeout = 2 * time.Minute
	defaultCrawlTimeout     = 5 * time.Minute
	defaultIdentifyTimeout  = 1 * time.Minute
	defaultCaptureTimeout   = 3 * time.Minute
	defaultAnalyzeTimeout   = 3 * time.Minute

	defaultWordlistLimit = 50
	defaultCrawlDepth    = 2
	defaultCrawlPages    = 50
	defaultPerHostDelay  = 200 * time.Millisecond

	maxStageTimeout = time.Hour
)

// StageSettings carries the execution knobs every stage shares.
type StageSettings struct {
	Enabled     bool          `json:"enabled"`
	Workers     int           `json:"workers" validate:"min=1,max=64"`
	Timeout     time.Duration `json:"timeout"`
	MaxAttempts int           `json:"max_attempts" validate:"min=1,max=10"`
}

// DiscoveryConfig configures subdomain enumeration.
type DiscoveryConfig struct {
	StageSettings
	WordlistLimit int  `json:"wordlist_limit" validate:"min=0,max=500"`
	UseCTLog      bool `json:"use_ct_log"`
}

// CrawlConfig configures page crawling.
type CrawlConfig struct {
	StageSettings
	MaxDepth     int           `json:"max_depth" validate:"min=1,max=5"`
	MaxPages     int           `json:"max_pages" validate:"min=1,max=500"`
	PerHostDelay time.Duration `json:"per_host_delay"`
}

// IdentifyConfig configures third-party domain extraction.
type IdentifyConfig struct {
	StageSettings
}

// CaptureConfig configures content and screenshot capture.
type CaptureConfig struct {
	StageSettings
	Screenshots bool `json:"screenshots"`
}

// AnalyzeConfig configures content classification.
type AnalyzeConfig struct {
	StageSettings
}

// PipelineConfig is the per-task pipeline configuration supplied at
// submission time. Stages may be disabled individually; the execution order
// of the enabled subset is always the global stage order.
type PipelineConfig struct {
	Discovery DiscoveryConfig `json:"discovery"`
	Crawl     CrawlConfig     `json:"crawl"`
	Identify  IdentifyConfig  `json:"identify"`
	Capture   CaptureConfig   `json:"capture"`
	Analyze   AnalyzeConfig   `json:"analyze"`
}

// DefaultPipelineConfig returns a configuration with every stage enabled and
// all knobs at their defaults.
func DefaultPipelineConfig() PipelineConfig {
	cfg := PipelineConfig{}
	cfg.Discovery.Enabled = true
	cfg.Crawl.Enabled = true
	cfg.Identify.Enabled = true
	cfg.Capture.Enabled = true
	cfg.Analyze.Enabled = true
	cfg.Normalize()
	return cfg
}

// Normalize fills zero-valued settings with defaults. It fills every stage
// section, enabled or not, so validation never trips over a stage the task
// will skip anyway.
func (c *PipelineConfig) Normalize() {
	fill := func(s *StageSettings, workers int, timeout time.Duration) {
		if s.Workers == 0 {
			s.Workers = workers
		}
		if s.Timeout == 0 {
			s.Timeout = timeout
		}
		if s.MaxAttempts == 0 {
			s.MaxAttempts = defaultMaxAttempts
		}
	}

	fill(&c.Discovery.StageSettings, defaultDiscoveryWorkers, defaultDiscoveryTimeout)
	fill(&c.Crawl.StageSettings, defaultCrawlWorkers, defaultCrawlTimeout)
	fill(&c.Identify.StageSettings, defaultIdentifyWorkers, defaultIdentifyTimeout)
	fill(&c.Capture.StageSettings, defaultCaptureWorkers, defaultCaptureTimeout)
	fill(&c.Analyze.StageSettings, defaultAnalyzeWorkers, defaultAnalyzeTimeout)

	if c.Discovery.WordlistLimit == 0 {
		c.Discovery.WordlistLimit = defaultWordlistLimit
	}
	if c.Crawl.MaxDepth == 0 {
		c.Crawl.MaxDepth = defaultCrawlDepth
	}
	if c.Crawl.MaxPages == 0 {
		c.Crawl.MaxPages = defaultCrawlPages
	}
	if c.Crawl.PerHostDelay == 0 {
		c.Crawl.PerHostDelay = defaultPerHostDelay
	}
}

// Validate checks the configuration against its structural constraints.
// Callers should Normalize first; a zero-valued config fails here.
func (c *PipelineConfig) Validate() error {
	if len(c.EnabledStages()) == 0 {
		return NewValidationError("stages", "at least one stage must be enabled")
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return NewValidationError(f.Namespace(), fmt.Sprintf("failed %q constraint", f.Tag()))
		}
		return NewValidationError("config", err.Error())
	}

	for _, stage := range StageOrder() {
		s := c.Settings(stage)
		if s.Timeout <= 0 || s.Timeout > maxStageTimeout {
			return NewValidationError(
				fmt.Sprintf("%s.timeout", stage),
				fmt.Sprintf("must be within (0, %s]", maxStageTimeout),
			)
		}
	}
	if c.Crawl.PerHostDelay < 0 || c.Crawl.PerHostDelay > 10*time.Second {
		return NewValidationError("crawl.per_host_delay", "must be within [0, 10s]")
	}

	return nil
}

// Settings returns the shared settings for the given stage.
func (c PipelineConfig) Settings(stage Stage) StageSettings {
	switch stage {
	case StageDiscovery:
		return c.Discovery.StageSettings
	case StageCrawl:
		return c.Crawl.StageSettings
	case StageIdentify:
		return c.Identify.StageSettings
	case StageCapture:
		return c.Capture.StageSettings
	case StageAnalyze:
		return c.Analyze.StageSettings
	default:
		return StageSettings{}
	}
}

// EnabledStages returns the enabled stages in global pipeline order.
func (c PipelineConfig) EnabledStages() []Stage {
	var out []Stage
	for _, stage := range StageOrder() {
		if c.Settings(stage).Enabled {
			out = append(out, stage)
		}
	}
	return out
}

// hostnameRe matches a bare DNS name: lowercase labels separated by dots,
// at least two labels, no scheme, port or path.
var hostnameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`)

// ValidateTargetDomain checks that the submission target is a plain
// registrable domain name.
func ValidateTargetDomain(domain string) error {
	if domain == "" {
		return NewValidationError("target_domain", "must not be empty")
	}
	if len(domain) > 253 {
		return NewValidationError("target_domain", "exceeds 253 characters")
	}
	if !hostnameRe.MatchString(domain) {
		return NewValidationError("target_domain", "must be a bare lowercase DNS name")
	}
	return nil
}
