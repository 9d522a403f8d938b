package scanning

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageOrder(t *testing.T) {
	t.Parallel()

	want := []Stage{StageDiscovery, StageCrawl, StageIdentify, StageCapture, StageAnalyze}
	assert.Equal(t, want, StageOrder())

	// Returned slice is a copy; mutating it must not change the canonical order.
	order := StageOrder()
	order[0] = StageAnalyze
	assert.Equal(t, want, StageOrder())
}

func TestStage_Index(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, StageDiscovery.Index())
	assert.Equal(t, 1, StageCrawl.Index())
	assert.Equal(t, 2, StageIdentify.Index())
	assert.Equal(t, 3, StageCapture.Index())
	assert.Equal(t, 4, StageAnalyze.Index())
	assert.Equal(t, -1, StageUnspecified.Index())
}

func TestParseStage(t *testing.T) {
	t.Parallel()

	for _, s := range StageOrder() {
		assert.Equal(t, s, ParseStage(s.String()))
	}

	assert.Equal(t, StageUnspecified, ParseStage("render"))
}

func TestStageWeight(t *testing.T) {
	t.Parallel()

	total := 0
	for _, s := range StageOrder() {
		w := StageWeight(s)
		assert.Positive(t, w)
		total += w
	}
	assert.Equal(t, 100, total)
}
