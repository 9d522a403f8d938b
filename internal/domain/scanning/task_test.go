package scanning

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTimeProvider implements TimeProvider for testing.
type mockTimeProvider struct{ currentTime time.Time }

func (m *mockTimeProvider) Now() time.Time { return m.currentTime }

func TestNewScanTask(t *testing.T) {
	t.Parallel()

	mockTime := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	mockProvider := &mockTimeProvider{currentTime: mockTime}

	task, err := NewScanTask("example.com", DefaultPipelineConfig(), WithTimeProvider(mockProvider))
	require.NoError(t, err)

	assert.NotNil(t, task)
	assert.NotEqual(t, uuid.Nil, task.TaskID())
	assert.Equal(t, "example.com", task.TargetDomain())
	assert.Equal(t, TaskStatusPending, task.Status())
	assert.Equal(t, StageUnspecified, task.CurrentStage())
	assert.Equal(t, 0, task.ProgressPercent())
	assert.True(t, task.Counters().IsZero())

	assert.Equal(t, mockTime, task.CreatedAt())
	assert.True(t, task.StartedAt().IsZero())
	assert.True(t, task.CompletedAt().IsZero())
}

func TestNewScanTask_WithTaskID(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	task, err := NewScanTask("example.com", DefaultPipelineConfig(), WithTaskID(id))
	require.NoError(t, err)
	assert.Equal(t, id, task.TaskID())
}

func TestNewScanTask_RejectsInvalidSubmissions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		target string
		config func() PipelineConfig
	}{
		{
			name:   "empty target domain",
			target: "",
			config: DefaultPipelineConfig,
		},
		{
			name:   "target with scheme",
			target: "https://example.com",
			config: DefaultPipelineConfig,
		},
		{
			name:   "target with path",
			target: "example.com/path",
			config: DefaultPipelineConfig,
		},
		{
			name:   "single label target",
			target: "localhost",
			config: DefaultPipelineConfig,
		},
		{
			name:   "no stages enabled",
			target: "example.com",
			config: func() PipelineConfig { return PipelineConfig{} },
		},
		{
			name:   "crawl depth beyond cap",
			target: "example.com",
			config: func() PipelineConfig {
				cfg := DefaultPipelineConfig()
				cfg.Crawl.MaxDepth = 12
				return cfg
			},
		},
		{
			name:   "too many workers",
			target: "example.com",
			config: func() PipelineConfig {
				cfg := DefaultPipelineConfig()
				cfg.Analyze.Workers = 1000
				return cfg
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			task, err := NewScanTask(tt.target, tt.config())
			require.Error(t, err)
			assert.Nil(t, task)

			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestTask_Lifecycle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		setupTask func(t *testing.T) *Task
		operate   func(task *Task) error
		wantErr   bool
		verify    func(t *testing.T, task *Task)
	}{
		{
			name: "start pending task",
			setupTask: func(t *testing.T) *Task {
				return mustNewTask(t)
			},
			operate: func(task *Task) error { return task.Start() },
			verify: func(t *testing.T, task *Task) {
				assert.Equal(t, TaskStatusRunning, task.Status())
				assert.False(t, task.StartedAt().IsZero())
			},
		},
		{
			name: "complete running task",
			setupTask: func(t *testing.T) *Task {
				task := mustNewTask(t)
				require.NoError(t, task.Start())
				return task
			},
			operate: func(task *Task) error { return task.Complete() },
			verify: func(t *testing.T, task *Task) {
				assert.Equal(t, TaskStatusCompleted, task.Status())
				assert.Equal(t, 100, task.ProgressPercent())
				assert.False(t, task.CompletedAt().IsZero())
			},
		},
		{
			name: "complete twice is a no-op",
			setupTask: func(t *testing.T) *Task {
				task := mustNewTask(t)
				require.NoError(t, task.Start())
				require.NoError(t, task.Complete())
				return task
			},
			operate: func(task *Task) error { return task.Complete() },
			verify: func(t *testing.T, task *Task) {
				assert.Equal(t, TaskStatusCompleted, task.Status())
			},
		},
		{
			name: "complete pending task is invalid",
			setupTask: func(t *testing.T) *Task {
				return mustNewTask(t)
			},
			operate: func(task *Task) error { return task.Complete() },
			wantErr: true,
		},
		{
			name: "fail running task records failure info",
			setupTask: func(t *testing.T) *Task {
				task := mustNewTask(t)
				require.NoError(t, task.Start())
				return task
			},
			operate: func(task *Task) error {
				return task.Fail(StageAnalyze, ErrorKindFatal, "classification timed out")
			},
			verify: func(t *testing.T, task *Task) {
				assert.Equal(t, TaskStatusFailed, task.Status())
				require.NotNil(t, task.Failure())
				assert.Equal(t, StageAnalyze, task.Failure().Stage)
				assert.Equal(t, ErrorKindFatal, task.Failure().Kind)
				assert.Equal(t, "classification timed out", task.Failure().Message)
			},
		},
		{
			name: "fail pending task is invalid",
			setupTask: func(t *testing.T) *Task {
				return mustNewTask(t)
			},
			operate: func(task *Task) error {
				return task.Fail(StageDiscovery, ErrorKindFatal, "boom")
			},
			wantErr: true,
		},
		{
			name: "cancel pending task",
			setupTask: func(t *testing.T) *Task {
				return mustNewTask(t)
			},
			operate: func(task *Task) error { return task.Cancel(TerminalReasonUserRequested) },
			verify: func(t *testing.T, task *Task) {
				assert.Equal(t, TaskStatusCancelled, task.Status())
				assert.Equal(t, TerminalReasonUserRequested, task.TerminalReason())
			},
		},
		{
			name: "cancel running task with orphaned reason",
			setupTask: func(t *testing.T) *Task {
				task := mustNewTask(t)
				require.NoError(t, task.Start())
				return task
			},
			operate: func(task *Task) error { return task.Cancel(TerminalReasonOrphaned) },
			verify: func(t *testing.T, task *Task) {
				assert.Equal(t, TaskStatusCancelled, task.Status())
				assert.Equal(t, TerminalReasonOrphaned, task.TerminalReason())
			},
		},
		{
			name: "cancel completed task is invalid",
			setupTask: func(t *testing.T) *Task {
				task := mustNewTask(t)
				require.NoError(t, task.Start())
				require.NoError(t, task.Complete())
				return task
			},
			operate: func(task *Task) error { return task.Cancel(TerminalReasonUserRequested) },
			wantErr: true,
		},
		{
			name: "advance stage while pending is invalid",
			setupTask: func(t *testing.T) *Task {
				return mustNewTask(t)
			},
			operate: func(task *Task) error { return task.AdvanceStage(StageDiscovery) },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			task := tt.setupTask(t)
			err := tt.operate(task)

			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.verify != nil {
				tt.verify(t, task)
			}
		})
	}
}

func TestTask_MergeCounters(t *testing.T) {
	t.Parallel()

	task := mustNewTask(t)
	require.NoError(t, task.Start())

	task.MergeCounters(Counters{Subdomains: 3})
	task.MergeCounters(Counters{PagesCrawled: 10, ThirdPartyDomains: 2})
	task.MergeCounters(Counters{Violations: 1})

	want := Counters{Subdomains: 3, PagesCrawled: 10, ThirdPartyDomains: 2, Violations: 1}
	assert.Equal(t, want, task.Counters())
}

func TestTask_RecordProgress_NeverDecreases(t *testing.T) {
	t.Parallel()

	task := mustNewTask(t)
	require.NoError(t, task.Start())

	task.RecordProgress(40)
	assert.Equal(t, 40, task.ProgressPercent())

	// A late lower report is ignored.
	task.RecordProgress(25)
	assert.Equal(t, 40, task.ProgressPercent())

	task.RecordProgress(70)
	assert.Equal(t, 70, task.ProgressPercent())

	task.RecordProgress(170)
	assert.Equal(t, 100, task.ProgressPercent())
}

func TestTask_Snapshot(t *testing.T) {
	t.Parallel()

	task := mustNewTask(t)
	require.NoError(t, task.Start())
	require.NoError(t, task.AdvanceStage(StageCrawl))
	task.MergeCounters(Counters{Subdomains: 3, PagesCrawled: 5})
	task.RecordProgress(33)

	snap := task.Snapshot()
	assert.Equal(t, task.TaskID(), snap.TaskID)
	assert.Equal(t, "example.com", snap.TargetDomain)
	assert.Equal(t, TaskStatusRunning, snap.Status)
	assert.Equal(t, StageCrawl, snap.Stage)
	assert.Equal(t, 33, snap.Percent)
	assert.Equal(t, Counters{Subdomains: 3, PagesCrawled: 5}, snap.Counters)
	assert.Nil(t, snap.Failure)
}

func TestReconstructTask(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	started := created.Add(time.Second)
	completed := created.Add(time.Minute)
	failure := &FailureInfo{Stage: StageAnalyze, Kind: ErrorKindFatal, Message: "timeout"}

	task := ReconstructTask(
		id,
		"example.com",
		DefaultPipelineConfig(),
		TaskStatusFailed,
		StageAnalyze,
		87,
		Counters{Subdomains: 3, PagesCrawled: 10},
		created,
		started,
		completed,
		"",
		failure,
	)

	assert.Equal(t, id, task.TaskID())
	assert.Equal(t, TaskStatusFailed, task.Status())
	assert.Equal(t, StageAnalyze, task.CurrentStage())
	assert.Equal(t, 87, task.ProgressPercent())
	assert.Equal(t, created, task.CreatedAt())
	assert.Equal(t, started, task.StartedAt())
	assert.Equal(t, completed, task.CompletedAt())
	assert.Equal(t, failure, task.Failure())
	assert.True(t, task.IsTerminal())

	// Terminal states are sealed even after reconstruction.
	assert.Error(t, task.Start())
	assert.Error(t, task.Cancel(TerminalReasonUserRequested))
}

func mustNewTask(t *testing.T) *Task {
	t.Helper()
	task, err := NewScanTask("example.com", DefaultPipelineConfig())
	require.NoError(t, err)
	return task
}
