package scanning

// Fault records a per-item soft failure inside a stage, such as a single
// page that would not fetch. Faults do not fail the stage.
type Fault struct {
	Ref string `json:"ref"`
	Msg string `json:"msg"`
}

// StageResult is the typed output of one stage execution. Executors return
// only the records they produced; the orchestrator owns merging them into
// the pipeline state.
type StageResult struct {
	Stage      Stage
	Subdomains []Subdomain
	Pages      []Page
	ThirdParty []ThirdPartyDomain
	Artifacts  []CaptureArtifact
	Violations []Violation
	Faults     []Fault
}

// PipelineInput is the accumulated, deduplicated union of all prior stage
// outputs for a task. Each stage reads the slices it needs and ignores the
// rest, which is what lets disabled stages drop out without breaking the
// chain.
type PipelineInput struct {
	TargetDomain string
	Subdomains   []Subdomain
	Pages        []Page
	ThirdParty   []ThirdPartyDomain
	Artifacts    []CaptureArtifact
	Violations   []Violation

	seenSubdomains map[string]struct{}
	seenPages      map[string]struct{}
	seenThirdParty map[string]int
	seenArtifacts  map[string]struct{}
	seenViolations map[string]struct{}
}

// NewPipelineInput constructs an empty pipeline state for the given target.
func NewPipelineInput(targetDomain string) *PipelineInput {
	return &PipelineInput{
		TargetDomain:   targetDomain,
		seenSubdomains: make(map[string]struct{}),
		seenPages:      make(map[string]struct{}),
		seenThirdParty: make(map[string]int),
		seenArtifacts:  make(map[string]struct{}),
		seenViolations: make(map[string]struct{}),
	}
}

// Absorb folds a stage result into the pipeline state, dropping records
// whose natural key was already seen, and returns the counter delta for the
// records that were actually new. Re-absorbing the same result yields a zero
// delta, which is what makes stage retries counter-safe.
func (in *PipelineInput) Absorb(res *StageResult) Counters {
	var delta Counters
	if res == nil {
		return delta
	}

	for _, sd := range res.Subdomains {
		key := sd.Key()
		if _, ok := in.seenSubdomains[key]; ok {
			continue
		}
		in.seenSubdomains[key] = struct{}{}
		in.Subdomains = append(in.Subdomains, sd)
		delta.Subdomains++
	}

	for _, p := range res.Pages {
		key := p.Key()
		if _, ok := in.seenPages[key]; ok {
			continue
		}
		in.seenPages[key] = struct{}{}
		in.Pages = append(in.Pages, p)
		delta.PagesCrawled++
	}

	for _, tp := range res.ThirdParty {
		key := tp.Key()
		if idx, ok := in.seenThirdParty[key]; ok {
			// Same domain seen again: union the resource kinds, count nothing.
			in.ThirdParty[idx].Kinds = unionKinds(in.ThirdParty[idx].Kinds, tp.Kinds)
			continue
		}
		in.seenThirdParty[key] = len(in.ThirdParty)
		in.ThirdParty = append(in.ThirdParty, tp)
		delta.ThirdPartyDomains++
	}

	for _, a := range res.Artifacts {
		key := a.Key()
		if _, ok := in.seenArtifacts[key]; ok {
			continue
		}
		in.seenArtifacts[key] = struct{}{}
		in.Artifacts = append(in.Artifacts, a)
	}

	for _, v := range res.Violations {
		key := v.Key()
		if _, ok := in.seenViolations[key]; ok {
			continue
		}
		in.seenViolations[key] = struct{}{}
		in.Violations = append(in.Violations, v)
		delta.Violations++
	}

	return delta
}

func unionKinds(existing, incoming []ResourceKind) []ResourceKind {
	seen := make(map[ResourceKind]struct{}, len(existing))
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
