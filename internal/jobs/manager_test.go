package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/subweave/subweave/internal/store"
	"github.com/subweave/subweave/pkg/pipeerr"
	"github.com/subweave/subweave/pkg/types"
)

// memStore is an in-memory JobStore for manager tests.
type memStore struct {
	mu   sync.Mutex
	recs map[string]store.Record
}

func newMemStore() *memStore { return &memStore{recs: map[string]store.Record{}} }

func (s *memStore) Upsert(_ context.Context, rec store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.recs[rec.JobID]; ok {
		rec.CreatedAtMs = old.CreatedAtMs
	}
	s.recs[rec.JobID] = rec
	return nil
}

func (s *memStore) Get(_ context.Context, jobID string) (*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[jobID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *memStore) ListAll(context.Context) ([]store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Record, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, rec)
	}
	return out, nil
}

func (s *memStore) ListByUser(_ context.Context, userID string, limit int) ([]store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Record
	for _, rec := range s.recs {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, jobID)
	return nil
}

func (s *memStore) Close() error { return nil }

type runnerFunc func(ctx context.Context, exec Exec) (*RunOutput, error)

func (f runnerFunc) Run(ctx context.Context, exec Exec) (*RunOutput, error) { return f(ctx, exec) }

func okResult() *RunOutput {
	return &RunOutput{Result: &types.Result{
		Subtitles: []types.Subtitle{{ID: 1, Start: 0, End: 1, Text: "hi", Index: 0}},
	}}
}

func newTestManager(t *testing.T, cfg Config, st store.JobStore, r Runner) *Manager {
	t.Helper()
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = t.TempDir()
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 5 * time.Millisecond
	}
	m, err := NewManager(cfg, st, r)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func waitStatus(t *testing.T, m *Manager, jobID string, want Status) *Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		j, err := m.GetJob(jobID)
		if err != nil {
			t.Fatal(err)
		}
		if j.Status == want {
			return j
		}
		time.Sleep(2 * time.Millisecond)
	}
	j, _ := m.GetJob(jobID)
	t.Fatalf("job %s never reached %s, last: %+v", jobID, want, j)
	return nil
}

func TestManager_SubmitAndComplete(t *testing.T) {
	st := newMemStore()
	m := newTestManager(t, Config{}, st, runnerFunc(func(_ context.Context, exec Exec) (*RunOutput, error) {
		exec.Progress("asr", 35, "transcribing", nil)
		return okResult(), nil
	}))
	m.Start()
	defer m.Stop()

	j, err := m.Submit(SubmitRequest{UserID: "u1", Kind: KindFull, VideoPath: "/tmp/v.mp4"})
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != StatusQueued || j.JobID == "" {
		t.Fatalf("submitted job = %+v", j)
	}

	done := waitStatus(t, m, j.JobID, StatusCompleted)
	if done.ProgressPercent != 100 || done.Result == nil {
		t.Fatalf("completed job = %+v", done)
	}
	if done.StatusRevision <= j.StatusRevision {
		t.Fatalf("revision did not advance: %d -> %d", j.StatusRevision, done.StatusRevision)
	}

	rec, err := st.Get(context.Background(), j.JobID)
	if err != nil || rec == nil {
		t.Fatalf("persisted record missing: %v %v", rec, err)
	}
	var persisted Job
	if err := json.Unmarshal(rec.Payload, &persisted); err != nil {
		t.Fatal(err)
	}
	if persisted.Status != StatusCompleted {
		t.Fatalf("persisted status = %s", persisted.Status)
	}
}

func TestManager_PerUserCapacity(t *testing.T) {
	release := make(chan struct{})
	m := newTestManager(t, Config{}, newMemStore(), runnerFunc(func(context.Context, Exec) (*RunOutput, error) {
		<-release
		return okResult(), nil
	}))
	m.Start()
	defer m.Stop()
	defer close(release)

	j1, err := m.Submit(SubmitRequest{UserID: "u1", Kind: KindFull})
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, m, j1.JobID, StatusRunning)

	_, err = m.Submit(SubmitRequest{UserID: "u1", Kind: KindFull})
	var capErr *CapacityError
	if !errors.As(err, &capErr) || capErr.Code != CapacityUserLimit {
		t.Fatalf("err = %v", err)
	}
	if capErr.ActiveJobID != j1.JobID {
		t.Fatalf("active_job_id = %q, want %q", capErr.ActiveJobID, j1.JobID)
	}

	// A different user is still admitted.
	if _, err := m.Submit(SubmitRequest{UserID: "u2", Kind: KindFull}); err != nil {
		t.Fatalf("second user rejected: %v", err)
	}
}

func TestManager_GlobalCapacity(t *testing.T) {
	release := make(chan struct{})
	m := newTestManager(t, Config{GlobalLimit: 1}, newMemStore(), runnerFunc(func(context.Context, Exec) (*RunOutput, error) {
		<-release
		return okResult(), nil
	}))
	m.Start()
	defer m.Stop()
	defer close(release)

	j1, err := m.Submit(SubmitRequest{UserID: "u1", Kind: KindFull})
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, m, j1.JobID, StatusRunning)

	_, err = m.Submit(SubmitRequest{UserID: "u2", Kind: KindFull})
	var capErr *CapacityError
	if !errors.As(err, &capErr) || capErr.Code != CapacityGlobalLimit {
		t.Fatalf("err = %v", err)
	}
}

func TestManager_CancelQueued(t *testing.T) {
	// No workers started, so the job stays queued.
	m := newTestManager(t, Config{}, newMemStore(), runnerFunc(func(context.Context, Exec) (*RunOutput, error) {
		return okResult(), nil
	}))

	j, err := m.Submit(SubmitRequest{UserID: "u1", Kind: KindFull})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Cancel(j.JobID); err != nil {
		t.Fatal(err)
	}
	got, _ := m.GetJob(j.JobID)
	if got.Status != StatusCancelled || got.CompletedAt == 0 {
		t.Fatalf("job = %+v", got)
	}
	// A job cancelled before any worker claimed it never made progress.
	if got.ProgressPercent != 0 {
		t.Fatalf("progress = %v, want 0", got.ProgressPercent)
	}
	if err := m.Cancel(j.JobID); !errors.Is(err, ErrJobNotCancelable) {
		t.Fatalf("second cancel err = %v", err)
	}
}

func TestManager_CancelRunning(t *testing.T) {
	started := make(chan struct{})
	m := newTestManager(t, Config{}, newMemStore(), runnerFunc(func(_ context.Context, exec Exec) (*RunOutput, error) {
		close(started)
		for !exec.ShouldCancel() {
			time.Sleep(time.Millisecond)
		}
		return nil, pipeerr.New(pipeerr.StageASR, pipeerr.CodeCancelRequested, "cancelled")
	}))
	m.Start()
	defer m.Stop()

	j, err := m.Submit(SubmitRequest{UserID: "u1", Kind: KindFull})
	if err != nil {
		t.Fatal(err)
	}
	<-started
	if err := m.Cancel(j.JobID); err != nil {
		t.Fatal(err)
	}

	got := waitStatus(t, m, j.JobID, StatusCancelled)
	var sawCancelling bool
	for _, s := range got.StageHistory {
		if s == "cancelling" {
			sawCancelling = true
		}
	}
	if !sawCancelling {
		t.Fatalf("stage history = %v", got.StageHistory)
	}
}

func TestManager_InvalidJSONSalvagesPartial(t *testing.T) {
	partial := []types.Subtitle{{ID: 1, Text: "row", Translation: "列"}}
	m := newTestManager(t, Config{}, newMemStore(), runnerFunc(func(context.Context, Exec) (*RunOutput, error) {
		return &RunOutput{Partial: partial},
			pipeerr.New(pipeerr.StageTranslate, pipeerr.CodeLLMInvalidJSON, "bad model output").
				With("chunk", 3)
	}))
	m.Start()
	defer m.Stop()

	j, err := m.Submit(SubmitRequest{UserID: "u1", Kind: KindFull})
	if err != nil {
		t.Fatal(err)
	}
	got := waitStatus(t, m, j.JobID, StatusCompleted)
	if got.Result == nil || len(got.Result.Subtitles) != 1 {
		t.Fatalf("result = %+v", got.Result)
	}
	if got.ErrorDetail == "" || got.ErrorCode != "" {
		t.Fatalf("error fields = %q / %q", got.ErrorCode, got.ErrorDetail)
	}
}

func TestManager_InvalidJSONWithoutRowsFails(t *testing.T) {
	m := newTestManager(t, Config{}, newMemStore(), runnerFunc(func(context.Context, Exec) (*RunOutput, error) {
		return nil, pipeerr.New(pipeerr.StageTranslate, pipeerr.CodeLLMInvalidJSON, "bad model output")
	}))
	m.Start()
	defer m.Stop()

	j, err := m.Submit(SubmitRequest{UserID: "u1", Kind: KindFull})
	if err != nil {
		t.Fatal(err)
	}
	got := waitStatus(t, m, j.JobID, StatusFailed)
	if got.ErrorCode != string(pipeerr.CodeLLMInvalidJSON) {
		t.Fatalf("error_code = %q", got.ErrorCode)
	}
}

func TestManager_FailureRecordsEnvelope(t *testing.T) {
	m := newTestManager(t, Config{}, newMemStore(), runnerFunc(func(context.Context, Exec) (*RunOutput, error) {
		return &RunOutput{Partial: []types.Subtitle{{ID: 1, Text: "x"}}},
			pipeerr.New(pipeerr.StageASR, pipeerr.CodeASRAllProvidersFailed, "all providers failed")
	}))
	m.Start()
	defer m.Stop()

	j, err := m.Submit(SubmitRequest{UserID: "u1", Kind: KindFull})
	if err != nil {
		t.Fatal(err)
	}
	got := waitStatus(t, m, j.JobID, StatusFailed)
	if got.ErrorCode != string(pipeerr.CodeASRAllProvidersFailed) || got.Error == "" {
		t.Fatalf("job = %+v", got)
	}
	if len(got.PartialResult) != 1 {
		t.Fatalf("partial = %+v", got.PartialResult)
	}
}

func TestManager_TerminalProgressPinned(t *testing.T) {
	// Any job a worker finalizes reports full progress, failures included.
	m := newTestManager(t, Config{}, newMemStore(), runnerFunc(func(_ context.Context, exec Exec) (*RunOutput, error) {
		exec.Progress("asr", 35, "transcribing", nil)
		return nil, pipeerr.New(pipeerr.StageASR, pipeerr.CodeASRAllProvidersFailed, "all providers failed")
	}))
	m.Start()
	defer m.Stop()

	j, err := m.Submit(SubmitRequest{UserID: "u1", Kind: KindFull})
	if err != nil {
		t.Fatal(err)
	}
	got := waitStatus(t, m, j.JobID, StatusFailed)
	if got.ProgressPercent != 100 {
		t.Fatalf("failed job progress = %v, want 100", got.ProgressPercent)
	}
}

func TestManager_CancelledRunningJobProgressPinned(t *testing.T) {
	started := make(chan struct{})
	m := newTestManager(t, Config{}, newMemStore(), runnerFunc(func(_ context.Context, exec Exec) (*RunOutput, error) {
		exec.Progress("asr", 35, "transcribing", nil)
		close(started)
		for !exec.ShouldCancel() {
			time.Sleep(time.Millisecond)
		}
		return nil, pipeerr.New(pipeerr.StageASR, pipeerr.CodeCancelRequested, "cancelled")
	}))
	m.Start()
	defer m.Stop()

	j, err := m.Submit(SubmitRequest{UserID: "u1", Kind: KindFull})
	if err != nil {
		t.Fatal(err)
	}
	<-started
	if err := m.Cancel(j.JobID); err != nil {
		t.Fatal(err)
	}
	got := waitStatus(t, m, j.JobID, StatusCancelled)
	if got.ProgressPercent != 100 {
		t.Fatalf("cancelled job progress = %v, want 100", got.ProgressPercent)
	}
}

func TestManager_ConsumeResultOnce(t *testing.T) {
	m := newTestManager(t, Config{}, newMemStore(), runnerFunc(func(context.Context, Exec) (*RunOutput, error) {
		return okResult(), nil
	}))
	m.Start()
	defer m.Stop()

	j, err := m.Submit(SubmitRequest{UserID: "u1", Kind: KindFull})
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, m, j.JobID, StatusCompleted)

	res, err := m.ConsumeResult(j.JobID)
	if err != nil || res == nil || len(res.Subtitles) != 1 {
		t.Fatalf("consume: %v %v", res, err)
	}
	if _, err := m.ConsumeResult(j.JobID); !errors.Is(err, ErrNoResult) {
		t.Fatalf("second consume err = %v", err)
	}

	// File-sourced work dirs are removed on consumption.
	if _, err := os.Stat(j.WorkDir); !os.IsNotExist(err) {
		t.Fatalf("work dir still present: %v", err)
	}
}

func TestManager_RestartFailsInterruptedJobs(t *testing.T) {
	st := newMemStore()
	interrupted := Job{
		JobID: "01J0000000000000000000RUN1", UserID: "u1",
		Kind: KindFull, SourceMode: types.SourceFile,
		Status: StatusRunning, ProgressPercent: 35,
		CreatedAt: 100, UpdatedAt: 100,
	}
	payload, _ := json.Marshal(interrupted)
	st.recs[interrupted.JobID] = store.Record{
		JobID: interrupted.JobID, UserID: "u1", Payload: payload,
		CreatedAtMs: 100, UpdatedAtMs: 100,
	}

	m := newTestManager(t, Config{}, st, runnerFunc(func(context.Context, Exec) (*RunOutput, error) {
		return okResult(), nil
	}))

	got, err := m.GetJob(interrupted.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || got.ErrorCode != string(pipeerr.CodeServiceRestarted) {
		t.Fatalf("recovered job = %+v", got)
	}
	if got.ProgressPercent != 100 {
		t.Fatalf("recovered progress = %v, want 100", got.ProgressPercent)
	}
}

func TestManager_SweepRetention(t *testing.T) {
	st := newMemStore()
	m := newTestManager(t, Config{}, st, runnerFunc(func(context.Context, Exec) (*RunOutput, error) {
		return okResult(), nil
	}))
	m.Start()

	j, err := m.Submit(SubmitRequest{UserID: "u1", Kind: KindURL, SourceURL: "https://v.example/1"})
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, m, j.JobID, StatusCompleted)
	if _, err := m.ConsumeResult(j.JobID); err != nil {
		t.Fatal(err)
	}
	m.Stop()

	// Consumed jobs outlive their 10 minute window.
	m.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	m.lastSweep = time.Time{}
	m.Sweep()

	if _, err := m.GetJob(j.JobID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("swept job still present, err = %v", err)
	}
	rec, _ := st.Get(context.Background(), j.JobID)
	if rec != nil {
		t.Fatalf("store row survived sweep: %+v", rec)
	}
	if _, err := os.Stat(j.WorkDir); !os.IsNotExist(err) {
		t.Fatalf("work dir survived sweep: %v", err)
	}
}

func TestManager_ProgressInvariants(t *testing.T) {
	var revs []int64
	m := newTestManager(t, Config{}, newMemStore(), runnerFunc(func(_ context.Context, exec Exec) (*RunOutput, error) {
		exec.Progress("download_source", 10, "downloading", nil)
		exec.Progress("extract_audio", 20, "extracting", nil)
		exec.Progress("extract_audio", 15, "late update", nil)
		exec.Progress("asr", 35, "transcribing", &StageDetail{Key: "segment", Done: 2, Total: 9})
		return okResult(), nil
	}))
	m.jobs["j"] = &Job{JobID: "j", UserID: "u1", Status: StatusRunning}
	m.userActive["u1"] = 1
	m.running["j"] = true

	probe := m.progressFunc("j")
	for _, step := range []struct {
		stage   string
		percent float64
	}{{"download_source", 10}, {"extract_audio", 20}, {"extract_audio", 15}, {"asr", 35}} {
		probe(step.stage, step.percent, "", nil)
		j, _ := m.GetJob("j")
		revs = append(revs, j.StatusRevision)
	}

	j, _ := m.GetJob("j")
	if j.ProgressPercent != 35 {
		t.Fatalf("percent = %v", j.ProgressPercent)
	}
	for i := 1; i < len(revs); i++ {
		if revs[i] <= revs[i-1] {
			t.Fatalf("revision not strictly increasing: %v", revs)
		}
	}
	wantHistory := []string{"download_source", "extract_audio", "asr"}
	if len(j.StageHistory) != len(wantHistory) {
		t.Fatalf("history = %v", j.StageHistory)
	}
	for i, s := range wantHistory {
		if j.StageHistory[i] != s {
			t.Fatalf("history = %v", j.StageHistory)
		}
	}
}

func TestManager_EventRingBounded(t *testing.T) {
	m := newTestManager(t, Config{}, newMemStore(), nil)
	m.jobs["j"] = &Job{JobID: "j", UserID: "u1", Status: StatusRunning}
	probe := m.progressFunc("j")
	for i := range 50 {
		probe("asr", float64(i), "tick", nil)
	}
	j, _ := m.GetJob("j")
	if len(j.Events) != eventRingCap {
		t.Fatalf("ring size = %d, want %d", len(j.Events), eventRingCap)
	}
	if j.Events[len(j.Events)-1].Percent != 49 {
		t.Fatalf("last event = %+v", j.Events[len(j.Events)-1])
	}
}
