package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobarin/hookscale/internal/combinator"
	"github.com/bobarin/hookscale/internal/db"
	"github.com/bobarin/hookscale/internal/models"
	"github.com/bobarin/hookscale/internal/progress"
	"github.com/bobarin/hookscale/internal/services"
	"github.com/google/uuid"
)

type fakeRepo struct {
	mu         sync.Mutex
	job        models.Job
	videos     []models.SourceVideo
	combos     map[uuid.UUID]*models.Combination
	order      []uuid.UUID
	increments []int
}

func newFakeRepo(def *combinator.Definition) *fakeRepo {
	r := &fakeRepo{
		job:    *def.Job,
		videos: def.Videos,
		combos: make(map[uuid.UUID]*models.Combination),
	}
	for i := range def.Combinations {
		c := def.Combinations[i]
		r.combos[c.ID] = &c
		r.order = append(r.order, c.ID)
	}
	return r
}

func (r *fakeRepo) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != r.job.ID {
		return nil, db.ErrNotFound
	}
	job := r.job
	return &job, nil
}

func (r *fakeRepo) UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.job.Status = status
	return nil
}

func (r *fakeRepo) StartJob(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.Status == models.JobStatusProcessing {
		return db.ErrNotFound
	}
	r.job.Status = models.JobStatusProcessing
	r.job.ErrorMessage = nil
	return nil
}

func (r *fakeRepo) FailJob(ctx context.Context, id uuid.UUID, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.job.Status = models.JobStatusFailed
	r.job.ErrorMessage = &msg
	return nil
}

func (r *fakeRepo) IncrementJobProgress(ctx context.Context, id uuid.UUID, n int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.increments = append(r.increments, n)
	r.job.ProcessedCount += n
	if r.job.ProcessedCount > r.job.TotalCombinations {
		r.job.ProcessedCount = r.job.TotalCombinations
	}
	return r.job.ProcessedCount, nil
}

func (r *fakeRepo) SyncJobProgress(ctx context.Context, id uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.combos {
		if c.Status == models.CombinationStatusCompleted || c.Status == models.CombinationStatusFailed {
			n++
		}
	}
	r.job.ProcessedCount = n
	return n, nil
}

func (r *fakeRepo) SetJobArchiveURL(ctx context.Context, id uuid.UUID, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.job.ArchiveURL = &url
	return nil
}

func (r *fakeRepo) GetJobVideos(ctx context.Context, jobID uuid.UUID, role *models.BlockRole) ([]models.SourceVideo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SourceVideo(nil), r.videos...), nil
}

func (r *fakeRepo) GetPendingCombinations(ctx context.Context, jobID uuid.UUID) ([]models.Combination, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Combination
	for _, id := range r.order {
		if c := r.combos[id]; c.Status == models.CombinationStatusPending {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r *fakeRepo) ResetInterruptedCombinations(ctx context.Context, jobID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, c := range r.combos {
		if c.Status == models.CombinationStatusProcessing {
			c.Status = models.CombinationStatusPending
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) MarkCombinationProcessing(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.combos[id]
	if c.Status != models.CombinationStatusPending {
		return db.ErrNotFound
	}
	c.Status = models.CombinationStatusProcessing
	return nil
}

func (r *fakeRepo) CompleteCombination(ctx context.Context, id uuid.UUID, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.combos[id]
	if c.Status == models.CombinationStatusCompleted || c.Status == models.CombinationStatusFailed {
		return db.ErrNotFound
	}
	c.Status = models.CombinationStatusCompleted
	c.OutputURL = &url
	return nil
}

func (r *fakeRepo) FailCombination(ctx context.Context, id uuid.UUID, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.combos[id]
	if c.Status == models.CombinationStatusCompleted || c.Status == models.CombinationStatusFailed {
		return db.ErrNotFound
	}
	c.Status = models.CombinationStatusFailed
	c.ErrorMessage = &msg
	return nil
}

func (r *fakeRepo) statusCounts() map[models.CombinationStatus]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[models.CombinationStatus]int)
	for _, c := range r.combos {
		counts[c.Status]++
	}
	return counts
}

// fakeStore writes the source URL as file content and fails URLs listed in failURLs.
type fakeStore struct {
	mu       sync.Mutex
	failURLs map[string]bool
	uploads  []string
	deleted  []string
}

func (s *fakeStore) Download(ctx context.Context, url, localPath string) error {
	if s.failURLs[url] {
		return fmt.Errorf("download failed with status 404")
	}
	return os.WriteFile(localPath, []byte(url), 0o644)
}

func (s *fakeStore) Upload(ctx context.Context, body io.ReadSeeker, name, contentType string) (string, error) {
	if _, err := io.ReadAll(body); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, name)
	return "https://cdn.example.com/" + name, nil
}

func (s *fakeStore) Delete(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, url)
	return nil
}

// fakeMedia concatenates file contents and records concurrency.
type fakeMedia struct {
	calls    int32
	inFlight int32
	maxSeen  int32
	failOn   string
	gate     chan struct{}
	entered  chan struct{}
	width    int32
}

func (m *fakeMedia) Probe(ctx context.Context, path string) (services.MediaInfo, error) {
	return services.MediaInfo{Duration: time.Second}, nil
}

func (m *fakeMedia) Concatenate(ctx context.Context, inputs []string, output string, width, height int) error {
	atomic.AddInt32(&m.calls, 1)
	atomic.StoreInt32(&m.width, int32(width))
	n := atomic.AddInt32(&m.inFlight, 1)
	defer atomic.AddInt32(&m.inFlight, -1)
	for {
		max := atomic.LoadInt32(&m.maxSeen)
		if n <= max || atomic.CompareAndSwapInt32(&m.maxSeen, max, n) {
			break
		}
	}

	if m.entered != nil {
		select {
		case m.entered <- struct{}{}:
		default:
		}
	}
	if m.gate != nil {
		<-m.gate
	}
	time.Sleep(5 * time.Millisecond)

	var joined []string
	for _, in := range inputs {
		data, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		if m.failOn != "" && strings.Contains(string(data), m.failOn) {
			return &services.RenderError{Op: "concat", Err: errors.New("exit status 1"), Stderr: "moov atom not found"}
		}
		joined = append(joined, string(data))
	}
	return os.WriteFile(output, []byte(strings.Join(joined, "|")), 0o644)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []progress.Event
}

func (n *fakeNotifier) Publish(jobID uuid.UUID, e progress.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *fakeNotifier) snapshot() []progress.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]progress.Event(nil), n.events...)
}

type fakePackager struct {
	calls int32
	url   string
	err   error
}

func (p *fakePackager) Package(ctx context.Context, jobID uuid.UUID) (string, error) {
	atomic.AddInt32(&p.calls, 1)
	return p.url, p.err
}

func define(t *testing.T, aspect models.AspectRatio, blocks ...[]string) *combinator.Definition {
	t.Helper()
	roles := []models.BlockRole{models.RoleHook, models.RoleBody, models.RoleCTA}
	req := models.CreateJobRequest{AspectRatio: aspect}
	for i, names := range blocks {
		in := models.BlockInput{Type: roles[i%len(roles)]}
		for _, n := range names {
			in.Videos = append(in.Videos, models.VideoInput{Filename: n + ".mp4", URL: "https://src/" + n + ".mp4"})
		}
		req.Structure = append(req.Structure, in)
	}
	def, err := combinator.Define(req, combinator.DefaultLimits())
	if err != nil {
		t.Fatalf("define: %v", err)
	}
	return def
}

type harness struct {
	repo     *fakeRepo
	store    *fakeStore
	media    *fakeMedia
	notifier *fakeNotifier
	packager *fakePackager
	workDir  string
	orch     *Orchestrator
}

func newHarness(t *testing.T, def *combinator.Definition, batchSize int) *harness {
	h := &harness{
		repo:     newFakeRepo(def),
		store:    &fakeStore{failURLs: map[string]bool{}},
		media:    &fakeMedia{},
		notifier: &fakeNotifier{},
		packager: &fakePackager{url: "https://cdn.example.com/job.zip"},
		workDir:  t.TempDir(),
	}
	h.orch = NewOrchestrator(h.repo, h.store, h.media, h.notifier, h.packager, Options{
		BatchSize:              batchSize,
		WorkDir:                h.workDir,
		MaxConcurrentTransfers: 2,
	})
	return h
}

func (h *harness) assertWorkDirEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.workDir)
	if err != nil {
		t.Fatalf("read work dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("work dir not cleaned up: %d entries left", len(entries))
	}
}

func TestRunCompletesEveryCombination(t *testing.T) {
	def := define(t, models.AspectPortrait, []string{"h1", "h2"}, []string{"b1", "b2"}, []string{"c1", "c2", "c3"})
	h := newHarness(t, def, 5)

	if err := h.orch.Run(context.Background(), def.Job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if h.repo.job.Status != models.JobStatusCompleted {
		t.Errorf("expected completed, got %s", h.repo.job.Status)
	}
	if h.repo.job.ProcessedCount != 12 {
		t.Errorf("expected processed 12, got %d", h.repo.job.ProcessedCount)
	}
	if got := h.repo.increments; len(got) != 3 || got[0] != 5 || got[1] != 5 || got[2] != 2 {
		t.Errorf("progress should advance by batch length, got %v", got)
	}
	if counts := h.repo.statusCounts(); counts[models.CombinationStatusCompleted] != 12 {
		t.Errorf("expected 12 completed, got %v", counts)
	}
	if w := atomic.LoadInt32(&h.media.width); w != 1080 {
		t.Errorf("9:16 should render 1080 wide, got %d", w)
	}
	if h.repo.job.ArchiveURL == nil || *h.repo.job.ArchiveURL != "https://cdn.example.com/job.zip" {
		t.Errorf("archive url not recorded: %v", h.repo.job.ArchiveURL)
	}

	events := h.notifier.snapshot()
	last := events[len(events)-1]
	if last.Status != progress.StatusCompleted || last.Percentage != 100 {
		t.Errorf("expected terminal completed event at 100%%, got %+v", last)
	}
	if events[0].Status != progress.StatusProcessing || events[0].Progress != 0 || !events[0].Start {
		t.Errorf("expected initial run-start event, got %+v", events[0])
	}

	h.assertWorkDirEmpty(t)
}

func TestRunIsolatesFailedCombinations(t *testing.T) {
	def := define(t, "", []string{"h1", "h2"}, []string{"b1", "b2"})
	h := newHarness(t, def, 8)
	h.store.failURLs["https://src/h2.mp4"] = true

	if err := h.orch.Run(context.Background(), def.Job.ID); err != nil {
		t.Fatalf("combination failures must not fail the run: %v", err)
	}

	counts := h.repo.statusCounts()
	if counts[models.CombinationStatusCompleted] != 2 || counts[models.CombinationStatusFailed] != 2 {
		t.Errorf("expected 2 completed and 2 failed, got %v", counts)
	}
	if h.repo.job.Status != models.JobStatusCompleted {
		t.Errorf("expected completed job, got %s", h.repo.job.Status)
	}
	if h.repo.job.ProcessedCount != 4 {
		t.Errorf("failed combinations still count as processed, got %d", h.repo.job.ProcessedCount)
	}

	var errorEvents int
	for _, e := range h.notifier.snapshot() {
		if e.Status == progress.StatusError {
			errorEvents++
			if !strings.HasPrefix(e.Error, "Failed: combo_") {
				t.Errorf("unexpected error event %q", e.Error)
			}
		}
	}
	if errorEvents != 2 {
		t.Errorf("expected 2 error events, got %d", errorEvents)
	}

	for _, c := range h.repo.combos {
		if c.Status == models.CombinationStatusFailed && (c.ErrorMessage == nil || !strings.Contains(*c.ErrorMessage, "404")) {
			t.Errorf("failure text not recorded: %v", c.ErrorMessage)
		}
	}

	h.assertWorkDirEmpty(t)
}

func TestRunRecordsRenderDiagnostics(t *testing.T) {
	def := define(t, "", []string{"h1"}, []string{"b1", "b2"})
	h := newHarness(t, def, 8)
	h.media.failOn = "b2"

	if err := h.orch.Run(context.Background(), def.Job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var failed *models.Combination
	for _, c := range h.repo.combos {
		if c.Status == models.CombinationStatusFailed {
			failed = c
		}
	}
	if failed == nil || !strings.Contains(*failed.ErrorMessage, "moov atom not found") {
		t.Fatalf("engine diagnostics should be stored, got %+v", failed)
	}
	h.assertWorkDirEmpty(t)
}

func TestRunUnknownVideoFailsOnlyThatCombination(t *testing.T) {
	def := define(t, "", []string{"h1", "h2"})
	h := newHarness(t, def, 8)
	broken := h.repo.combos[h.repo.order[0]]
	broken.VideoIDs = models.UUIDList{uuid.New()}

	if err := h.orch.Run(context.Background(), def.Job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if broken.Status != models.CombinationStatusFailed || !strings.Contains(*broken.ErrorMessage, "not found") {
		t.Errorf("unresolvable combination should fail, got %s", broken.Status)
	}
	if other := h.repo.combos[h.repo.order[1]]; other.Status != models.CombinationStatusCompleted {
		t.Errorf("other combination should complete, got %s", other.Status)
	}
}

func TestRunWithoutVideosFailsJob(t *testing.T) {
	def := define(t, "", []string{"h1"})
	h := newHarness(t, def, 8)
	h.repo.videos = nil

	err := h.orch.Run(context.Background(), def.Job.ID)
	if !errors.Is(err, ErrNoVideos) {
		t.Fatalf("expected ErrNoVideos, got %v", err)
	}
	if h.repo.job.Status != models.JobStatusFailed {
		t.Errorf("expected failed job, got %s", h.repo.job.Status)
	}

	events := h.notifier.snapshot()
	if last := events[len(events)-1]; last.Status != progress.StatusFailed || last.Error == "" {
		t.Errorf("expected terminal failed event, got %+v", last)
	}
	if atomic.LoadInt32(&h.packager.calls) != 0 {
		t.Error("failed runs are not packaged")
	}
}

func TestRunOnlyRendersPendingCombinations(t *testing.T) {
	def := define(t, "", []string{"h1", "h2"}, []string{"b1", "b2"})
	h := newHarness(t, def, 8)

	url := "https://cdn.example.com/earlier.mp4"
	h.repo.combos[h.repo.order[0]].Status = models.CombinationStatusCompleted
	h.repo.combos[h.repo.order[0]].OutputURL = &url
	h.repo.combos[h.repo.order[1]].Status = models.CombinationStatusProcessing // interrupted

	if err := h.orch.Run(context.Background(), def.Job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if calls := atomic.LoadInt32(&h.media.calls); calls != 3 {
		t.Errorf("expected 3 renders, got %d", calls)
	}
	if h.repo.job.ProcessedCount != 4 {
		t.Errorf("expected processed 4, got %d", h.repo.job.ProcessedCount)
	}
	if *h.repo.combos[h.repo.order[0]].OutputURL != url {
		t.Error("completed combination must not be re-rendered")
	}
}

func TestRunBoundsBatchConcurrency(t *testing.T) {
	def := define(t, "", []string{"a", "b", "c", "d", "e"}, []string{"x", "y"})
	h := newHarness(t, def, 3)

	if err := h.orch.Run(context.Background(), def.Job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if max := atomic.LoadInt32(&h.media.maxSeen); max > 3 {
		t.Errorf("at most 3 renders may overlap, saw %d", max)
	}
	if calls := atomic.LoadInt32(&h.media.calls); calls != 10 {
		t.Errorf("expected 10 renders, got %d", calls)
	}
}

func TestRunPackagingFailureIsNonFatal(t *testing.T) {
	def := define(t, "", []string{"h1"})
	h := newHarness(t, def, 8)
	h.packager.url = ""
	h.packager.err = errors.New("bucket unavailable")

	if err := h.orch.Run(context.Background(), def.Job.ID); err != nil {
		t.Fatalf("packaging failure must not fail the run: %v", err)
	}
	if h.repo.job.Status != models.JobStatusCompleted {
		t.Errorf("expected completed, got %s", h.repo.job.Status)
	}
	if h.repo.job.ArchiveURL != nil {
		t.Error("no archive url expected")
	}
}

func TestRunReplacesPreviousArchive(t *testing.T) {
	def := define(t, "", []string{"h1"})
	h := newHarness(t, def, 8)
	old := "https://cdn.example.com/old.zip"
	h.repo.job.ArchiveURL = &old

	if err := h.orch.Run(context.Background(), def.Job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.store.deleted) != 1 || h.store.deleted[0] != old {
		t.Errorf("previous archive should be deleted, got %v", h.store.deleted)
	}
}

func TestRunRejectsConcurrentRunOfSameJob(t *testing.T) {
	def := define(t, "", []string{"h1"})
	h := newHarness(t, def, 8)
	h.media.gate = make(chan struct{})
	h.media.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(context.Background(), def.Job.ID) }()

	select {
	case <-h.media.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never started rendering")
	}

	if err := h.orch.Run(context.Background(), def.Job.ID); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	close(h.media.gate)
	if err := <-done; err != nil {
		t.Fatalf("first run failed: %v", err)
	}
}

func TestRunCancelledBetweenBatchesFailsJob(t *testing.T) {
	def := define(t, "", []string{"a", "b", "c", "d"})
	h := newHarness(t, def, 2)

	ctx, cancel := context.WithCancel(context.Background())
	h.media.gate = make(chan struct{})
	h.media.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx, def.Job.ID) }()

	<-h.media.entered
	cancel()
	close(h.media.gate)

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if h.repo.job.Status != models.JobStatusFailed {
		t.Errorf("expected failed job, got %s", h.repo.job.Status)
	}
	h.assertWorkDirEmpty(t)
}

// unrecordedRepo loses every CompleteCombination write.
type unrecordedRepo struct {
	*fakeRepo
}

func (r unrecordedRepo) CompleteCombination(ctx context.Context, id uuid.UUID, url string) error {
	return errors.New("connection reset by peer")
}

func TestRunFailsCombinationWhoseOutputCannotBeRecorded(t *testing.T) {
	def := define(t, "", []string{"h1"})
	h := newHarness(t, def, 8)
	h.orch = NewOrchestrator(unrecordedRepo{h.repo}, h.store, h.media, h.notifier, h.packager, Options{
		BatchSize: 8,
		WorkDir:   h.workDir,
	})

	if err := h.orch.Run(context.Background(), def.Job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	counts := h.repo.statusCounts()
	if counts[models.CombinationStatusFailed] != 1 || counts[models.CombinationStatusProcessing] != 0 {
		t.Fatalf("combination must end failed, got %v", counts)
	}
	c := h.repo.combos[h.repo.order[0]]
	if c.ErrorMessage == nil || !strings.Contains(*c.ErrorMessage, "failed to record output") {
		t.Errorf("unexpected failure text %v", c.ErrorMessage)
	}
	if len(h.store.deleted) != 1 || h.store.deleted[0] != "https://cdn.example.com/"+h.store.uploads[0] {
		t.Errorf("orphaned upload should be deleted, got %v", h.store.deleted)
	}

	var errorEvents int
	for _, e := range h.notifier.snapshot() {
		if e.Status == progress.StatusError {
			errorEvents++
		}
	}
	if errorEvents != 1 {
		t.Errorf("expected 1 error event, got %d", errorEvents)
	}
}

func TestRunLeavesJobHeldByAnotherWorker(t *testing.T) {
	def := define(t, "", []string{"h1", "h2"})
	h := newHarness(t, def, 8)
	h.repo.job.Status = models.JobStatusProcessing
	h.repo.combos[h.repo.order[0]].Status = models.CombinationStatusProcessing

	err := h.orch.Run(context.Background(), def.Job.ID)
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if h.repo.job.Status != models.JobStatusProcessing {
		t.Errorf("job must stay with its current run, got %s", h.repo.job.Status)
	}
	if h.repo.combos[h.repo.order[0]].Status != models.CombinationStatusProcessing {
		t.Error("in-flight combination of the other run must not be reset")
	}
	if calls := atomic.LoadInt32(&h.media.calls); calls != 0 {
		t.Errorf("expected no renders, got %d", calls)
	}
	if events := h.notifier.snapshot(); len(events) != 0 {
		t.Errorf("expected no events, got %+v", events)
	}
}

func TestTakeoverResumesStaleJob(t *testing.T) {
	def := define(t, "", []string{"h1", "h2"})
	h := newHarness(t, def, 8)
	h.repo.job.Status = models.JobStatusProcessing
	h.repo.combos[h.repo.order[0]].Status = models.CombinationStatusProcessing

	if err := h.orch.Takeover(context.Background(), def.Job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.repo.job.Status != models.JobStatusCompleted {
		t.Errorf("expected completed, got %s", h.repo.job.Status)
	}
	if counts := h.repo.statusCounts(); counts[models.CombinationStatusCompleted] != 2 {
		t.Errorf("expected both combinations completed, got %v", counts)
	}
}
