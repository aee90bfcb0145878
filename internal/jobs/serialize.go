package jobs

// stageAliasModel is the translation model whose chunked protocol reports
// progress under a different stage label than the generic LLM stage.
const stageAliasModel = "qwen-mt-flash"

// StatusView is the polling payload for one job.
type StatusView struct {
	JobID           string  `json:"job_id"`
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

	StageHistory     []string         `json:"stage_history,omitempty"`
	StageDurationsMs map[string]int64 `json:"stage_durations_ms,omitempty"`
	StageDetail      *StageDetail     `json:"stage_detail,omitempty"`

	RecentEvents []ProgressEvent `json:"recent_events,omitempty"`

	StatusRevision     int64 `json:"status_revision"`
	PollIntervalMsHint int   `json:"poll_interval_ms_hint"`

	ResultReady     bool `json:"result_ready"`
	ResultConsumed  bool `json:"result_consumed"`
	HasPartial      bool `json:"has_partial_result"`
	CancelRequested bool `json:"cancel_requested,omitempty"`

	SyncDiagnostics any `json:"sync_diagnostics,omitempty"`
}

// SerializeStatus builds the polling view for jobID. Each call is also an
// opportunistic retention sweep.
func (m *Manager) SerializeStatus(jobID string) (*StatusView, error) {
	m.Sweep()

	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[jobID]
	if j == nil {
		return nil, ErrJobNotFound
	}

	remap := j.Options.LLM.Model == stageAliasModel
	nowMs := m.now().UnixMilli()

	v := &StatusView{
		JobID:           j.JobID,
		Status:          j.Status,
		ProgressPercent: j.ProgressPercent,
		CurrentStage:    remapStage(j.CurrentStage, remap),
		Message:         j.Message,
		Error:           j.Error,
		ErrorCode:       j.ErrorCode,
		ErrorDetail:     j.ErrorDetail,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		UpdatedAt:       j.UpdatedAt,
		CompletedAt:     j.CompletedAt,
		StageDetail:     j.StageDetail,
		StatusRevision:  j.StatusRevision,

		PollIntervalMsHint: m.cfg.PollIntervalHintMs,

		ResultReady:     j.Status == StatusCompleted && j.Result != nil && !j.ResultConsumed,
		ResultConsumed:  j.ResultConsumed,
		HasPartial:      len(j.PartialResult) > 0,
		CancelRequested: j.CancelRequested,
	}
	if j.SyncDiagnostics != nil {
		v.SyncDiagnostics = j.SyncDiagnostics
	}

	for _, s := range j.StageHistory {
		v.StageHistory = append(v.StageHistory, remapStage(s, remap))
	}

	if len(j.StageDurationsMs) > 0 || j.StageStartedAt > 0 {
		v.StageDurationsMs = map[string]int64{}
		for stage, ms := range j.StageDurationsMs {
			v.StageDurationsMs[remapStage(stage, remap)] += ms
		}
		// The active stage's bucket is only closed on exit; report the
		// running total so polls see it grow.
		if j.CurrentStage != "" && j.StageStartedAt > 0 {
			v.StageDurationsMs[remapStage(j.CurrentStage, remap)] += nowMs - j.StageStartedAt
		}
	}

	if n := len(j.Events); n > 0 {
		start := max(0, n-recentEventCount)
		for _, ev := range j.Events[start:] {
			ev.Stage = remapStage(ev.Stage, remap)
			v.RecentEvents = append(v.RecentEvents, ev)
		}
	}
	return v, nil
}

// remapStage renames the generic translation stage for the chunked model.
func remapStage(stage string, remap bool) string {
	if remap && stage == "llm_translate" {
		return "translate_chunks"
	}
	return stage
}
