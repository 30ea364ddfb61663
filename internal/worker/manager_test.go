package worker

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"chatimport/internal/config"
	"chatimport/internal/failure"
	"chatimport/internal/importer"
	"chatimport/internal/redis"
)

type fakeRunner struct {
	mu        sync.Mutex
	active    map[int64]int
	maxActive map[int64]int
	order     []string
	discarded []string
	gate      chan struct{}
	fail      map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		active:    make(map[int64]int),
		maxActive: make(map[int64]int),
		fail:      make(map[string]error),
	}
}

func (f *fakeRunner) Run(ctx context.Context, art *importer.Artifact) (*importer.Summary, error) {
	f.mu.Lock()
	f.active[art.ChatID]++
	if f.active[art.ChatID] > f.maxActive[art.ChatID] {
		f.maxActive[art.ChatID] = f.active[art.ChatID]
	}
	f.order = append(f.order, art.ID)
	gate := f.gate
	failErr := f.fail[art.ID]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	} else {
		time.Sleep(5 * time.Millisecond)
	}

	f.mu.Lock()
	f.active[art.ChatID]--
	f.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}
	return &importer.Summary{ImportID: "imp-" + art.ID, ChatID: art.ChatID, MessagesImported: 1}, nil
}

func (f *fakeRunner) Discard(art *importer.Artifact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded = append(f.discarded, art.ID)
}

func artifact(id string, chatID int64) *importer.Artifact {
	return &importer.Artifact{ID: id, ChatID: chatID, UploaderID: 1}
}

func TestRunSerialisesImportsPerChat(t *testing.T) {
	runner := newFakeRunner()
	m := NewManager(runner, nil, DispatcherConfig{MinWorkers: 1, MaxWorkers: 4, QueueSize: 32}, time.Second, nil)
	defer m.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			chatID := int64(i%3 + 1)
			if _, err := m.Run(context.Background(), artifact(strconv.Itoa(i), chatID)); err != nil {
				t.Errorf("run %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.order) != 12 {
		t.Fatalf("expected 12 runs, got %d", len(runner.order))
	}
	for chatID, n := range runner.maxActive {
		if n != 1 {
			t.Fatalf("chat %d ran %d imports concurrently", chatID, n)
		}
	}
}

func TestSameChatJobsRunInSubmissionOrder(t *testing.T) {
	runner := newFakeRunner()
	runner.gate = make(chan struct{})
	m := NewManager(runner, nil, DispatcherConfig{MinWorkers: 2, MaxWorkers: 2, QueueSize: 8}, time.Second, nil)
	defer m.Stop()

	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		id, err := m.Submit(context.Background(), artifact(name, 5))
		if err != nil {
			t.Fatalf("submit %s: %v", name, err)
		}
		ids = append(ids, id)
	}
	for range ids {
		runner.gate <- struct{}{}
	}
	waitForState(t, m, ids[2], JobSucceeded)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	want := []string{"a", "b", "c"}
	for i, id := range want {
		if runner.order[i] != id {
			t.Fatalf("order = %v, want %v", runner.order, want)
		}
	}
}

func TestSubmitReportsStatusTransitions(t *testing.T) {
	runner := newFakeRunner()
	runner.gate = make(chan struct{})
	runner.fail["bad"] = failure.New(failure.KindUnsupportedFormat, "missing columns: sender")
	m := NewManager(runner, nil, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 8}, time.Second, nil)
	defer m.Stop()

	okID, err := m.Submit(context.Background(), artifact("ok", 1))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, m, okID, JobRunning)
	runner.gate <- struct{}{}
	st := waitForState(t, m, okID, JobSucceeded)
	if st.Summary == nil || st.Summary.ImportID != "imp-ok" || st.ChatID != 1 {
		t.Fatalf("unexpected status %+v", st)
	}

	badID, _ := m.Submit(context.Background(), artifact("bad", 1))
	runner.gate <- struct{}{}
	st = waitForState(t, m, badID, JobFailed)
	if st.Error != failure.KindUnsupportedFormat || st.Details != "missing columns: sender" {
		t.Fatalf("unexpected failure status %+v", st)
	}

	if _, err := m.Status(context.Background(), "nope"); !failure.Is(err, failure.KindJobNotFound) {
		t.Fatalf("expected JobNotFound, got %v", err)
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	runner := newFakeRunner()
	runner.gate = make(chan struct{})
	m := NewManager(runner, nil, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 2}, time.Second, nil)

	for _, name := range []string{"one", "two"} {
		if _, err := m.Submit(context.Background(), artifact(name, 1)); err != nil {
			t.Fatalf("submit %s: %v", name, err)
		}
	}
	_, err := m.Submit(context.Background(), artifact("three", 1))
	if !failure.Is(err, failure.KindBusy) {
		t.Fatalf("expected Busy, got %v", err)
	}
	runner.mu.Lock()
	discarded := append([]string(nil), runner.discarded...)
	runner.mu.Unlock()
	if len(discarded) != 1 || discarded[0] != "three" {
		t.Fatalf("rejected artifact not discarded: %v", discarded)
	}

	close(runner.gate)
	m.Stop()
	if _, err := m.Submit(context.Background(), artifact("late", 1)); !failure.Is(err, failure.KindBusy) {
		t.Fatalf("expected Busy after stop, got %v", err)
	}
}

func TestRunPropagatesRunnerError(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["x"] = failure.New(failure.KindAccessDenied, "not a participant")
	m := NewManager(runner, nil, DispatcherConfig{MaxWorkers: 1}, time.Second, nil)
	defer m.Stop()

	if _, err := m.Run(context.Background(), artifact("x", 3)); !failure.Is(err, failure.KindAccessDenied) {
		t.Fatalf("expected AccessDenied, got %v", err)
	}
}

func TestRunReportsPendingWhenRequestEnds(t *testing.T) {
	runner := newFakeRunner()
	runner.gate = make(chan struct{})
	m := NewManager(runner, nil, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4}, time.Second, nil)
	defer m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Run(ctx, artifact("slow", 2))
	if !failure.Is(err, failure.KindImportPending) {
		t.Fatalf("expected ImportPending, got %v", err)
	}
	if failure.Is(err, failure.KindImportFailed) {
		t.Fatalf("a running import must not be reported as failed")
	}
	jobID, ok := PendingJobID(err)
	if !ok || jobID == "" {
		t.Fatalf("pending error carries no job id: %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("cause should be kept for logging: %v", err)
	}

	waitForState(t, m, jobID, JobRunning)
	runner.gate <- struct{}{}
	st := waitForState(t, m, jobID, JobSucceeded)
	if st.ChatID != 2 || st.Summary == nil || st.Summary.ImportID != "imp-slow" {
		t.Fatalf("unexpected status %+v", st)
	}

	if _, ok := PendingJobID(failure.New(failure.KindBusy, "busy")); ok {
		t.Fatalf("unrelated errors carry no job id")
	}
}

func TestMemoryStatusStoreExpires(t *testing.T) {
	store := NewMemoryStatusStore(time.Minute)
	ctx := context.Background()
	store.Save(ctx, JobStatus{ID: "old", UpdatedAt: time.Now().Add(-2 * time.Minute)})
	store.Save(ctx, JobStatus{ID: "new", UpdatedAt: time.Now()})

	if _, err := store.Load(ctx, "old"); !errors.Is(err, ErrStatusNotFound) {
		t.Fatalf("expected expired status, got %v", err)
	}
	if _, err := store.Load(ctx, "new"); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestRedisStatusStore(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	client, err := redis.NewRedisClient(&config.Config{Redis: config.RedisConfig{Host: host, Port: port}})
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	defer client.Close()

	store := NewRedisStatusStore(client, time.Minute)
	ctx := context.Background()
	want := JobStatus{ID: "redis-job", ChatID: 4, State: JobFailed, Error: failure.KindBusy, UpdatedAt: time.Now().UTC()}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	defer client.Del(ctx, jobKeyPrefix+want.ID)
	got, err := store.Load(ctx, want.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ChatID != 4 || got.State != JobFailed || got.Error != failure.KindBusy {
		t.Fatalf("unexpected status %+v", got)
	}
	if _, err := store.Load(ctx, "missing-job"); !errors.Is(err, ErrStatusNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func waitForState(t *testing.T, m *Manager, jobID string, want JobState) JobStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := m.Status(context.Background(), jobID)
		if err == nil && st.State == want {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, want)
	return JobStatus{}
}
