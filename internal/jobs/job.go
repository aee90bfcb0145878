// Package jobs owns the job lifecycle: admission, FIFO scheduling across a
// bounded worker pool, durable state persistence, cancellation, result
// delivery and retention.
package jobs

import (
	"github.com/subweave/subweave/pkg/types"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further status transition may happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Kind distinguishes how a job sources its media.
type Kind string

const (
	KindFull   Kind = "full"
	KindURL    Kind = "url"
	KindResume Kind = "resume"
)

// eventRingCap bounds the retained progress events; serialization returns
// the last recentEventCount of them.
const (
	eventRingCap     = 30
	recentEventCount = 12
)

// ProgressEvent is one observed progress change.
type ProgressEvent struct {
	AtMs    int64   `json:"at_ms"`
	Percent float64 `json:"percent"`
	Stage   string  `json:"stage"`
	Message string  `json:"message,omitempty"`
}

// StageDetail describes the step currently running inside a stage.
type StageDetail struct {
	Key        string  `json:"key"`
	Label      string  `json:"label,omitempty"`
	Done       int     `json:"done"`
	Total      int     `json:"total"`
	Unit       string  `json:"unit,omitempty"`
	EtaSeconds float64 `json:"eta_seconds,omitempty"`
}

// Job is the unit of work. All timestamps are epoch milliseconds; zero means
// unset. The whole struct round-trips through the store as one JSON payload.
type Job struct {
	JobID      string           `json:"job_id"`
	UserID     string           `json:"user_id"`
	Kind       Kind             `json:"kind"`
	SourceMode types.SourceMode `json:"source_mode"`

	WorkDir   string `json:"work_dir"`
	VideoPath string `json:"video_path,omitempty"`
	SourceURL string `json:"source_url,omitempty"`

	// Options are immutable after creation.
	Options types.Options `json:"options"`

	Status          Status  `json:"status"`
	ProgressPercent float64 `json:"progress_percent"`
	CurrentStage    string  `json:"current_stage,omitempty"`
	Message         string  `json:"message,omitempty"`

	Error       string `json:"error,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`

	CreatedAt   int64 `json:"created_at"`
	StartedAt   int64 `json:"started_at,omitempty"`
	UpdatedAt   int64 `json:"updated_at"`
	CompletedAt int64 `json:"completed_at,omitempty"`
	ConsumedAt  int64 `json:"consumed_at,omitempty"`

	Result         *types.Result    `json:"result,omitempty"`
	ResultConsumed bool             `json:"result_consumed"`
	PartialResult  []types.Subtitle `json:"partial_result,omitempty"`

	CancelRequested bool `json:"cancel_requested"`

	// Resume inputs carried by resume-kind jobs.
	ResumeSentences []types.Sentence    `json:"resume_sentences,omitempty"`
	ResumeWords     []types.WordSegment `json:"resume_words,omitempty"`

	StageDurationsMs map[string]int64 `json:"stage_durations_ms,omitempty"`
	StageHistory     []string         `json:"stage_history,omitempty"`
	StageStartedAt   int64            `json:"stage_started_at,omitempty"`
	StageDetail      *StageDetail     `json:"stage_detail,omitempty"`

	Events []ProgressEvent `json:"events,omitempty"`

	// StatusRevision strictly increases on every externally visible change.
	StatusRevision int64 `json:"status_revision"`

	SyncDiagnostics *types.SyncDiagnostics `json:"sync_diagnostics,omitempty"`
}

// touch bumps the revision and update timestamp. Every externally visible
// mutation goes through it.
func (j *Job) touch(nowMs int64) {
	j.StatusRevision++
	j.UpdatedAt = nowMs
}

// recordEvent appends to the bounded progress ring.
func (j *Job) recordEvent(nowMs int64, percent float64, stage, message string) {
	j.Events = append(j.Events, ProgressEvent{
		AtMs: nowMs, Percent: percent, Stage: stage, Message: message,
	})
	if len(j.Events) > eventRingCap {
		j.Events = j.Events[len(j.Events)-eventRingCap:]
	}
}

// enterStage closes the active stage's duration bucket and opens the new one.
func (j *Job) enterStage(stage string, nowMs int64) {
	if stage == j.CurrentStage {
		return
	}
	j.closeStage(nowMs)
	j.CurrentStage = stage
	j.StageStartedAt = nowMs
	j.StageDetail = nil
	j.StageHistory = append(j.StageHistory, stage)
}

// closeStage adds the elapsed time of the active stage to its bucket.
func (j *Job) closeStage(nowMs int64) {
	if j.CurrentStage == "" || j.StageStartedAt == 0 {
		return
	}
	if j.StageDurationsMs == nil {
		j.StageDurationsMs = map[string]int64{}
	}
	j.StageDurationsMs[j.CurrentStage] += nowMs - j.StageStartedAt
	j.StageStartedAt = 0
}

// setProgress applies the non-decreasing progress rule.
func (j *Job) setProgress(percent float64) {
	if percent > j.ProgressPercent {
		j.ProgressPercent = percent
	}
}
