package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/subweave/subweave/internal/store"
	"github.com/subweave/subweave/pkg/pipeerr"
	"github.com/subweave/subweave/pkg/types"
)

// Admission rejection codes surfaced by CheckSubmitCapacity.
const (
	CapacityUserLimit   = "user_concurrency_limit"
	CapacityGlobalLimit = "global_concurrency_limit"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrNoResult         = errors.New("job has no unconsumed result")
	ErrJobNotCancelable = errors.New("job already terminal")
)

// CapacityError is returned by Submit when admission fails.
type CapacityError struct {
	Code        string `json:"code"`
	ActiveJobID string `json:"active_job_id,omitempty"`
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity rejected: %s", e.Code)
}

// ProgressFunc lets the pipeline report stage progress back into the job
// record. detail may be nil.
type ProgressFunc func(stage string, percent float64, message string, detail *StageDetail)

// Exec is the execution context handed to the pipeline for one job.
type Exec struct {
	JobID     string
	UserID    string
	Kind      Kind
	WorkDir   string
	VideoPath string
	SourceURL string
	Options   types.Options

	ResumeSentences []types.Sentence
	ResumeWords     []types.WordSegment

	Progress     ProgressFunc
	ShouldCancel func() bool
}

// RunOutput is what a pipeline run produced. On failure the pipeline may
// still return a non-nil output carrying partial subtitles and diagnostics.
type RunOutput struct {
	Result      *types.Result
	Partial     []types.Subtitle
	Diagnostics *types.SyncDiagnostics

	// VideoPath is the fetched media location for URL jobs.
	VideoPath string
}

// Runner executes one job end to end. Implemented by the pipeline engine.
type Runner interface {
	Run(ctx context.Context, exec Exec) (*RunOutput, error)
}

// Config tunes the manager. Zero values take defaults.
type Config struct {
	// WorkRoot is the parent of per-job work directories.
	WorkRoot string

	// GlobalLimit caps concurrently running jobs. Default 3.
	GlobalLimit int

	// PerUserLimit caps concurrently running jobs per user. Default 1.
	PerUserLimit int

	// RetryDelay is the worker backoff after a capacity-blocked dequeue.
	// Default 200 ms.
	RetryDelay time.Duration

	// RetentionTerminal removes terminal jobs after this window. Default
	// 7 days.
	RetentionTerminal time.Duration

	// RetentionConsumed removes consumed jobs after this window. Default
	// 10 minutes.
	RetentionConsumed time.Duration

	// PollIntervalHintMs is returned to clients in serialized status.
	// Default 2000.
	PollIntervalHintMs int
}

func (c Config) withDefaults() Config {
	if c.GlobalLimit <= 0 {
		c.GlobalLimit = 3
	}
	if c.PerUserLimit <= 0 {
		c.PerUserLimit = 1
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
	if c.RetentionTerminal <= 0 {
		c.RetentionTerminal = 7 * 24 * time.Hour
	}
	if c.RetentionConsumed <= 0 {
		c.RetentionConsumed = 10 * time.Minute
	}
	if c.PollIntervalHintMs <= 0 {
		c.PollIntervalHintMs = 2000
	}
	return c
}

// Manager owns the registry, the FIFO queue and the worker pool. A single
// mutex guards all shared state; long I/O happens outside it.
type Manager struct {
	cfg    Config
	store  store.JobStore
	runner Runner

	mu         sync.Mutex
	cond       *sync.Cond
	jobs       map[string]*Job
	queue      []string
	running    map[string]bool
	userActive map[string]int
	stopped    bool
	lastSweep  time.Time

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	stopCh chan struct{}
	now    func() time.Time
}

// NewManager loads persisted jobs and rewrites any that were queued or
// running when the previous process died to failed/service_restarted. Prior
// work is never assumed resumable.
func NewManager(cfg Config, st store.JobStore, runner Runner) (*Manager, error) {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:        cfg,
		store:      st,
		runner:     runner,
		jobs:       map[string]*Job{},
		running:    map[string]bool{},
		userActive: map[string]int{},
		sem:        semaphore.NewWeighted(int64(cfg.GlobalLimit)),
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
	m.cond = sync.NewCond(&m.mu)

	recs, err := st.ListAll(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load persisted jobs: %w", err)
	}
	for _, rec := range recs {
		var j Job
		if err := json.Unmarshal(rec.Payload, &j); err != nil {
			slog.Warn("dropping unreadable job record", "job_id", rec.JobID, "error", err)
			continue
		}
		if j.Status == StatusQueued || j.Status == StatusRunning {
			nowMs := m.now().UnixMilli()
			j.closeStage(nowMs)
			if j.Status == StatusRunning {
				// Interrupted mid-run; terminal jobs never report a
				// partial percentage. Queued jobs stay at 0.
				j.ProgressPercent = 100
			}
			j.Status = StatusFailed
			j.ErrorCode = string(pipeerr.CodeServiceRestarted)
			j.Error = "service restarted before the job finished"
			j.CompletedAt = nowMs
			j.touch(nowMs)
			if err := m.persist(&j); err != nil {
				slog.Warn("persisting restart failure", "job_id", j.JobID, "error", err)
			}
		}
		m.jobs[j.JobID] = &j
	}
	return m, nil
}

// Start launches the worker pool and the retention sweeper.
func (m *Manager) Start() {
	for range m.cfg.GlobalLimit {
		m.wg.Add(1)
		go m.worker()
	}
	m.wg.Add(1)
	go m.sweeper()
}

// Stop drains the workers. Queued jobs stay queued; a later restart rewrites
// them to failed.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.stopped {
		m.stopped = true
		close(m.stopCh)
	}
	m.mu.Unlock()
	m.cond.Broadcast()
	m.wg.Wait()
}

// SubmitRequest describes a new job.
type SubmitRequest struct {
	UserID    string
	Kind      Kind
	SourceURL string

	// VideoPath points at an already-uploaded artifact for full jobs.
	VideoPath string

	Options types.Options

	ResumeSentences []types.Sentence
	ResumeWords     []types.WordSegment
}

// Submit validates capacity, creates the job record and its work dir, and
// enqueues it. The returned job is a snapshot.
func (m *Manager) Submit(req SubmitRequest) (*Job, error) {
	if capErr := m.CheckSubmitCapacity(req.UserID); capErr != nil {
		return nil, capErr
	}
	mode, err := sourceModeFor(req.Kind)
	if err != nil {
		return nil, err
	}

	nowMs := m.now().UnixMilli()
	id := ulid.Make().String()
	workDir := filepath.Join(m.cfg.WorkRoot, id)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	j := &Job{
		JobID:           id,
		UserID:          req.UserID,
		Kind:            req.Kind,
		SourceMode:      mode,
		WorkDir:         workDir,
		VideoPath:       req.VideoPath,
		SourceURL:       req.SourceURL,
		Options:         req.Options,
		Status:          StatusQueued,
		CreatedAt:       nowMs,
		ResumeSentences: req.ResumeSentences,
		ResumeWords:     req.ResumeWords,
	}
	j.touch(nowMs)

	m.mu.Lock()
	m.jobs[id] = j
	m.enqueueLocked(id)
	err = m.persist(j)
	snapshot := *j
	m.mu.Unlock()
	m.cond.Signal()
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func sourceModeFor(kind Kind) (types.SourceMode, error) {
	switch kind {
	case KindFull:
		return types.SourceFile, nil
	case KindURL:
		return types.SourceURL, nil
	case KindResume:
		return types.SourceResume, nil
	default:
		return "", fmt.Errorf("unknown job kind %q", kind)
	}
}

// CheckSubmitCapacity reports whether userID may submit now. nil means ok.
func (m *Manager) CheckSubmitCapacity(userID string) *CapacityError {
	m.mu.Lock()
	defer m.mu.Unlock()

	var globalActive int
	var userJob string
	var userCount int
	for _, j := range m.jobs {
		if j.Status != StatusQueued && j.Status != StatusRunning {
			continue
		}
		globalActive++
		if j.UserID == userID {
			userCount++
			userJob = j.JobID
		}
	}
	if userCount >= m.cfg.PerUserLimit {
		return &CapacityError{Code: CapacityUserLimit, ActiveJobID: userJob}
	}
	if globalActive >= m.cfg.GlobalLimit {
		return &CapacityError{Code: CapacityGlobalLimit}
	}
	return nil
}

// enqueueLocked inserts preserving (created_at, job_id) order so requeues do
// not jump the line.
func (m *Manager) enqueueLocked(jobID string) {
	j := m.jobs[jobID]
	pos := len(m.queue)
	for i, other := range m.queue {
		o := m.jobs[other]
		if o == nil {
			continue
		}
		if j.CreatedAt < o.CreatedAt || (j.CreatedAt == o.CreatedAt && j.JobID < o.JobID) {
			pos = i
			break
		}
	}
	m.queue = append(m.queue, "")
	copy(m.queue[pos+1:], m.queue[pos:])
	m.queue[pos] = jobID
}

// dequeue blocks until a job is available or the manager stops.
func (m *Manager) dequeue() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.queue) == 0 && !m.stopped {
		m.cond.Wait()
	}
	if m.stopped {
		return "", false
	}
	id := m.queue[0]
	m.queue = m.queue[1:]
	return id, true
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		jobID, ok := m.dequeue()
		if !ok {
			return
		}
		if !m.sem.TryAcquire(1) {
			m.requeue(jobID)
			continue
		}
		j, claimed := m.claim(jobID)
		if !claimed {
			m.sem.Release(1)
			continue
		}
		m.execute(j)
		m.sem.Release(1)
	}
}

// requeue puts a capacity-blocked job back and backs off briefly.
func (m *Manager) requeue(jobID string) {
	m.mu.Lock()
	m.enqueueLocked(jobID)
	m.mu.Unlock()
	time.Sleep(m.cfg.RetryDelay)
	m.cond.Signal()
}

// claim transitions a queued job to running if the per-user limit allows it.
func (m *Manager) claim(jobID string) (*Job, bool) {
	m.mu.Lock()
	j := m.jobs[jobID]
	if j == nil || j.Status != StatusQueued {
		m.mu.Unlock()
		return nil, false
	}
	if j.CancelRequested {
		nowMs := m.now().UnixMilli()
		j.Status = StatusCancelled
		j.CompletedAt = nowMs
		j.touch(nowMs)
		if err := m.persist(j); err != nil {
			slog.Warn("persist cancel", "job_id", jobID, "error", err)
		}
		m.mu.Unlock()
		return nil, false
	}
	if m.userActive[j.UserID] >= m.cfg.PerUserLimit {
		m.enqueueLocked(jobID)
		m.mu.Unlock()
		time.Sleep(m.cfg.RetryDelay)
		m.cond.Signal()
		return nil, false
	}

	nowMs := m.now().UnixMilli()
	m.userActive[j.UserID]++
	m.running[jobID] = true
	j.Status = StatusRunning
	j.StartedAt = nowMs
	j.touch(nowMs)
	err := m.persist(j)
	m.mu.Unlock()
	if err != nil {
		slog.Warn("persist claim", "job_id", jobID, "error", err)
	}
	return j, true
}

// execute runs the pipeline for a claimed job and finalizes its record.
func (m *Manager) execute(j *Job) {
	exec := Exec{
		JobID:           j.JobID,
		UserID:          j.UserID,
		Kind:            j.Kind,
		WorkDir:         j.WorkDir,
		VideoPath:       j.VideoPath,
		SourceURL:       j.SourceURL,
		Options:         j.Options,
		ResumeSentences: j.ResumeSentences,
		ResumeWords:     j.ResumeWords,
		Progress:        m.progressFunc(j.JobID),
		ShouldCancel: func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			return j.CancelRequested
		},
	}

	out, runErr := m.runner.Run(context.Background(), exec)
	m.finalize(j, out, runErr)
}

func (m *Manager) finalize(j *Job, out *RunOutput, runErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMs := m.now().UnixMilli()
	lastStage := j.CurrentStage
	j.closeStage(nowMs)
	j.CurrentStage = ""
	j.CompletedAt = nowMs
	m.userActive[j.UserID]--
	if m.userActive[j.UserID] <= 0 {
		delete(m.userActive, j.UserID)
	}
	delete(m.running, j.JobID)

	if out != nil {
		if out.VideoPath != "" {
			j.VideoPath = out.VideoPath
		}
		if out.Diagnostics != nil {
			j.SyncDiagnostics = out.Diagnostics
		}
	}

	// Jobs that reached a worker always finalize at full progress,
	// whatever the outcome; only a cancel before claim keeps 0.
	j.ProgressPercent = 100

	switch {
	case runErr == nil:
		j.Status = StatusCompleted
		if out != nil {
			j.Result = out.Result
		}
		j.Message = "completed"

	case pipeerr.CodeOf(runErr) == pipeerr.CodeCancelRequested:
		j.Status = StatusCancelled
		j.Message = "cancelled"

	default:
		pe := pipeerr.From(runErr, lastStage)
		var partial []types.Subtitle
		if out != nil {
			partial = out.Partial
		}
		if pe.Code == pipeerr.CodeLLMInvalidJSON && len(partial) > 0 {
			// Late translation failures with salvageable rows still
			// deliver a usable result; the original failure rides
			// along in error_detail.
			j.Status = StatusCompleted
			j.Result = &types.Result{Subtitles: partial}
			j.ErrorDetail = failureDetail(pe)
			j.Message = "completed with partial translation"
		} else {
			j.Status = StatusFailed
			j.Error = pe.Message
			j.ErrorCode = string(pe.Code)
			j.ErrorDetail = pe.DetailJSON()
			j.PartialResult = partial
			j.Message = pe.Message
		}
	}

	j.touch(nowMs)
	if err := m.persist(j); err != nil {
		slog.Error("persist final state", "job_id", j.JobID, "error", err)
	}
	slog.Info("job finished", "job_id", j.JobID, "status", j.Status, "error_code", j.ErrorCode)
}

func failureDetail(pe *pipeerr.Error) string {
	b, err := json.Marshal(pe)
	if err != nil {
		return pe.Error()
	}
	return string(b)
}

// progressFunc serializes pipeline progress into the job record.
func (m *Manager) progressFunc(jobID string) ProgressFunc {
	return func(stage string, percent float64, message string, detail *StageDetail) {
		m.mu.Lock()
		defer m.mu.Unlock()
		j := m.jobs[jobID]
		if j == nil || j.Status.Terminal() {
			return
		}
		nowMs := m.now().UnixMilli()
		if stage != "" {
			j.enterStage(stage, nowMs)
		}
		j.setProgress(percent)
		if message != "" {
			j.Message = message
		}
		if detail != nil {
			j.StageDetail = detail
		}
		j.recordEvent(nowMs, j.ProgressPercent, j.CurrentStage, message)
		j.touch(nowMs)
		if err := m.persist(j); err != nil {
			slog.Warn("persist progress", "job_id", jobID, "error", err)
		}
	}
}

// Cancel requests cancellation. Queued jobs cancel synchronously; running
// jobs flip the flag and finish at the next checkpoint.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[jobID]
	if j == nil {
		return ErrJobNotFound
	}
	if j.Status.Terminal() {
		return ErrJobNotCancelable
	}
	nowMs := m.now().UnixMilli()
	if j.Status == StatusQueued {
		m.removeFromQueueLocked(jobID)
		j.Status = StatusCancelled
		j.CompletedAt = nowMs
		j.Message = "cancelled"
		j.touch(nowMs)
		return m.persist(j)
	}
	j.CancelRequested = true
	j.enterStage("cancelling", nowMs)
	j.touch(nowMs)
	return m.persist(j)
}

func (m *Manager) removeFromQueueLocked(jobID string) {
	for i, id := range m.queue {
		if id == jobID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// ConsumeResult hands out a completed job's result exactly once. Non-URL
// work dirs are deleted on consumption; URL work dirs wait for the sweep so
// the downloaded video stays retrievable.
func (m *Manager) ConsumeResult(jobID string) (*types.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[jobID]
	if j == nil {
		return nil, ErrJobNotFound
	}
	if j.Status != StatusCompleted || j.Result == nil || j.ResultConsumed {
		return nil, ErrNoResult
	}
	nowMs := m.now().UnixMilli()
	j.ResultConsumed = true
	j.ConsumedAt = nowMs
	j.touch(nowMs)
	result := j.Result
	if err := m.persist(j); err != nil {
		slog.Warn("persist consumption", "job_id", jobID, "error", err)
	}
	if j.SourceMode != types.SourceURL {
		if err := os.RemoveAll(j.WorkDir); err != nil {
			slog.Warn("remove work dir", "job_id", jobID, "error", err)
		}
	}
	return result, nil
}

// GetJob returns a snapshot of the job record.
func (m *Manager) GetJob(jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[jobID]
	if j == nil {
		return nil, ErrJobNotFound
	}
	snapshot := *j
	return &snapshot, nil
}

// ListJobs returns snapshots of the user's jobs, newest-updated first.
func (m *Manager) ListJobs(userID string) []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, j := range m.jobs {
		if j.UserID == userID {
			snapshot := *j
			out = append(out, &snapshot)
		}
	}
	for i := 1; i < len(out); i++ {
		for k := i; k > 0 && out[k].UpdatedAt > out[k-1].UpdatedAt; k-- {
			out[k], out[k-1] = out[k-1], out[k]
		}
	}
	return out
}

// sweeper periodically removes expired terminal jobs and their work dirs.
func (m *Manager) sweeper() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		m.Sweep()
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Sweep removes terminal jobs past retention. Safe to call from status
// polls; a short interval guard keeps it cheap.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if now.Sub(m.lastSweep) < 10*time.Second {
		return
	}
	m.lastSweep = now
	nowMs := now.UnixMilli()

	for id, j := range m.jobs {
		if !j.Status.Terminal() {
			continue
		}
		expired := j.CompletedAt > 0 && nowMs-j.CompletedAt > m.cfg.RetentionTerminal.Milliseconds()
		consumed := j.ResultConsumed && j.ConsumedAt > 0 &&
			nowMs-j.ConsumedAt > m.cfg.RetentionConsumed.Milliseconds()
		if !expired && !consumed {
			continue
		}
		delete(m.jobs, id)
		if err := m.store.Delete(context.Background(), id); err != nil {
			slog.Warn("sweep store delete", "job_id", id, "error", err)
		}
		if err := os.RemoveAll(j.WorkDir); err != nil {
			slog.Warn("sweep work dir", "job_id", id, "error", err)
		}
		slog.Debug("swept job", "job_id", id)
	}
}

// persist writes the job's JSON blob through the store. Callers hold the
// manager lock.
func (m *Manager) persist(j *Job) error {
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", j.JobID, err)
	}
	return m.store.Upsert(context.Background(), store.Record{
		JobID:       j.JobID,
		UserID:      j.UserID,
		Payload:     payload,
		CreatedAtMs: j.CreatedAt,
		UpdatedAtMs: j.UpdatedAt,
	})
}
