package scanning

// Stage identifies one phase of the compliance scan pipeline. Stages always
// execute in the order returned by StageOrder; a task's configuration may
// skip a stage but never reorder them.
type Stage string

const (
	// StageDiscovery enumerates subdomains of the target domain.
	StageDiscovery Stage = "DISCOVERY"

	// StageCrawl fetches pages from the discovered hosts.
	StageCrawl Stage = "CRAWL"

	// StageIdentify extracts third-party domains referenced by crawled pages.
	StageIdentify Stage = "IDENTIFY"

	// StageCapture stores page content and screenshots keyed by content hash.
	StageCapture Stage = "CAPTURE"

	// StageAnalyze classifies captured content for compliance violations.
	StageAnalyze Stage = "ANALYZE"

	// StageUnspecified is used when a stage is unknown.
	StageUnspecified Stage = "UNSPECIFIED"
)

// stageOrder is the immutable pipeline order. Execution, percent bands and
// persistence all derive from this slice; nothing else defines ordering.
var stageOrder = []Stage{StageDiscovery, StageCrawl, StageIdentify, StageCapture, StageAnalyze}

// StageOrder returns the fixed execution order of all pipeline stages.
func StageOrder() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// String returns the string representation of the Stage.
func (s Stage) String() string { return string(s) }

// Index returns the position of the stage in the pipeline order, or -1 for
// unknown stages.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// ParseStage converts a string to a Stage.
func ParseStage(s string) Stage {
	switch s {
	case "DISCOVERY":
		return StageDiscovery
	case "CRAWL":
		return StageCrawl
	case "IDENTIFY":
		return StageIdentify
	case "CAPTURE":
		return StageCapture
	case "ANALYZE":
		return StageAnalyze
	default:
		return StageUnspecified
	}
}

// stageWeights apportions overall task progress across stages. Weights are
// relative; percent bands are computed over the enabled subset only.
var stageWeights = map[Stage]int{
	StageDiscovery: 15,
	StageCrawl:     35,
	StageIdentify:  15,
	StageCapture:   15,
	StageAnalyze:   20,
}

// StageWeight returns the relative progress weight of a stage.
func StageWeight(s Stage) int { return stageWeights[s] }
