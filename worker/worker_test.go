package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spooled/spooled-go/core"
)

type claimCall struct {
	limit int
	lease time.Duration
}

type failCall struct {
	jobID     string
	reason    string
	retryable bool
}

type renewCall struct {
	jobID string
	lease time.Duration
	at    time.Time
}

// fakeJobAPI serves queued jobs and records every call.
type fakeJobAPI struct {
	mu          sync.Mutex
	pending     []*core.Job
	claims      []claimCall
	completes   map[string]map[string]interface{}
	fails       []failCall
	renewals    []renewCall
	claimErr    error
	completeErr error
	renewErr    error
}

func newFakeJobAPI(jobs ...*core.Job) *fakeJobAPI {
	return &fakeJobAPI{
		pending:   append([]*core.Job(nil), jobs...),
		completes: make(map[string]map[string]interface{}),
	}
}

func (f *fakeJobAPI) Claim(ctx context.Context, queue, workerID string, limit int, lease time.Duration) ([]*core.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, claimCall{limit: limit, lease: lease})
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	n := limit
	if n > len(f.pending) {
		n = len(f.pending)
	}
	claimed := f.pending[:n]
	f.pending = f.pending[n:]
	return claimed, nil
}

func (f *fakeJobAPI) Complete(ctx context.Context, jobID, workerID string, result map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completes[jobID] = result
	return nil
}

func (f *fakeJobAPI) Fail(ctx context.Context, jobID, workerID, reason string, retryable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails = append(f.fails, failCall{jobID: jobID, reason: reason, retryable: retryable})
	return nil
}

func (f *fakeJobAPI) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewals = append(f.renewals, renewCall{jobID: jobID, lease: lease, at: time.Now()})
	return f.renewErr
}

func (f *fakeJobAPI) Progress(ctx context.Context, jobID, workerID string, percent int, note string) error {
	return nil
}

func (f *fakeJobAPI) claimCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.claims)
}

func (f *fakeJobAPI) renewalCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.renewals {
		if r.jobID == jobID {
			n++
		}
	}
	return n
}

type workerHeartbeat struct {
	inflight int
	status   core.WorkerStatus
}

// fakeWorkerAPI records registration traffic.
type fakeWorkerAPI struct {
	mu           sync.Mutex
	registered   []*core.WorkerRegistration
	response     *core.WorkerRegistration
	heartbeats   []workerHeartbeat
	deregistered []string
}

func (f *fakeWorkerAPI) Register(ctx context.Context, reg *core.WorkerRegistration) (*core.WorkerRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, reg)
	if f.response != nil {
		return f.response, nil
	}
	out := *reg
	out.ID = "wkr_test_1"
	return &out, nil
}

func (f *fakeWorkerAPI) Heartbeat(ctx context.Context, workerID string, inflight int, status core.WorkerStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, workerHeartbeat{inflight: inflight, status: status})
	return nil
}

func (f *fakeWorkerAPI) Deregister(ctx context.Context, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, workerID)
	return nil
}

// eventRecorder collects emitted events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) typesFor(jobID string) []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventType
	for _, ev := range r.events {
		if ev.Job != nil && ev.Job.ID == jobID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (r *eventRecorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *eventRecorder) waitFor(t *testing.T, typ EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, ev := range r.events {
			if ev.Type == typ {
				r.mu.Unlock()
				return ev
			}
		}
		r.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s event", typ)
	return Event{}
}

func testJob(id string) *core.Job {
	return &core.Job{
		ID:      id,
		Queue:   "emails",
		Status:  core.JobStatusClaimed,
		Payload: map[string]interface{}{"userId": float64(1)},
	}
}

func fastConfig() core.WorkerConfig {
	return core.WorkerConfig{
		QueueName:         "emails",
		Concurrency:       2,
		PollInterval:      5 * time.Millisecond,
		LeaseDuration:     80 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatFraction: 0.5,
		ShutdownTimeout:   500 * time.Millisecond,
		Hostname:          "test-host",
	}
}

// startWorker runs Start on a goroutine and returns a channel that closes
// when it returns.
func startWorker(t *testing.T, w *Worker) chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Start(context.Background()); err != nil {
			t.Errorf("Start returned error: %v", err)
		}
	}()
	return done
}

func TestWorkerRequiresQueueName(t *testing.T) {
	cfg := fastConfig()
	cfg.QueueName = ""
	_, err := New(newFakeJobAPI(), &fakeWorkerAPI{}, cfg)
	if !core.IsConfigurationError(err) {
		t.Fatalf("Expected configuration error, got: %v", err)
	}
}

func TestWorkerRequiresHandler(t *testing.T) {
	w, err := New(newFakeJobAPI(), &fakeWorkerAPI{}, fastConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := w.Start(context.Background()); !core.IsConfigurationError(err) {
		t.Fatalf("Expected configuration error without handler, got: %v", err)
	}
}

func TestWorkerLifecycle(t *testing.T) {
	jobs := newFakeJobAPI(testJob("job_1"))
	workers := &fakeWorkerAPI{}
	w, err := New(jobs, workers, fastConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	rec := &eventRecorder{}
	for _, typ := range []EventType{EventStarted, EventStopped, EventJobClaimed, EventJobStarted, EventJobCompleted, EventJobFailed, EventError} {
		w.On(typ, rec.record)
	}

	if err := w.Process(func(ctx context.Context, job *JobContext) (map[string]interface{}, error) {
		if job.JobID() != "job_1" || job.QueueName() != "emails" {
			t.Errorf("Unexpected job context: %s/%s", job.JobID(), job.QueueName())
		}
		if job.Payload()["userId"] != float64(1) {
			t.Errorf("Payload = %v", job.Payload())
		}
		return map[string]interface{}{"sent": true}, nil
	}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	done := startWorker(t, w)
	rec.waitFor(t, EventJobCompleted, time.Second)
	w.Stop()
	<-done

	// Registration carried the configured identity.
	workers.mu.Lock()
	reg := workers.registered[0]
	workers.mu.Unlock()
	if reg.Queue != "emails" || reg.Hostname != "test-host" || reg.Concurrency != 2 {
		t.Errorf("Registration = %+v", reg)
	}

	// The job settled exactly once, with the handler result.
	jobs.mu.Lock()
	result := jobs.completes["job_1"]
	failCount := len(jobs.fails)
	jobs.mu.Unlock()
	if result == nil || result["sent"] != true {
		t.Errorf("Complete result = %v", result)
	}
	if failCount != 0 {
		t.Errorf("Expected no fail calls, got %d", failCount)
	}

	// Per-job event ordering.
	got := rec.typesFor("job_1")
	want := []EventType{EventJobClaimed, EventJobStarted, EventJobCompleted}
	if len(got) != len(want) {
		t.Fatalf("Events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Event %d = %s, want %s", i, got[i], want[i])
		}
	}

	if rec.count(EventStopped) != 1 {
		t.Error("Expected exactly one stopped event")
	}
	workers.mu.Lock()
	deregs := workers.deregistered
	workers.mu.Unlock()
	if len(deregs) != 1 || deregs[0] != "wkr_test_1" {
		t.Errorf("Deregistered = %v", deregs)
	}
}

func TestWorkerConcurrencyCap(t *testing.T) {
	var jobList []*core.Job
	for i := 0; i < 6; i++ {
		jobList = append(jobList, testJob(fmt.Sprintf("job_%d", i)))
	}
	jobs := newFakeJobAPI(jobList...)
	w, err := New(jobs, &fakeWorkerAPI{}, fastConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var mu sync.Mutex
	active, maxActive, doneCount := 0, 0, 0
	allDone := make(chan struct{})
	_ = w.Process(func(ctx context.Context, job *JobContext) (map[string]interface{}, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		active--
		doneCount++
		if doneCount == len(jobList) {
			close(allDone)
		}
		mu.Unlock()
		return nil, nil
	})

	done := startWorker(t, w)
	select {
	case <-allDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for all jobs")
	}
	w.Stop()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if maxActive > 2 {
		t.Errorf("In-flight exceeded concurrency: %d", maxActive)
	}
	if doneCount != 6 {
		t.Errorf("Processed %d jobs, want 6", doneCount)
	}

	// Claims never ask for more than the free slot count.
	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	for _, c := range jobs.claims {
		if c.limit < 1 || c.limit > 2 {
			t.Errorf("Claim limit %d out of range", c.limit)
		}
	}
}

func TestWorkerGracefulDrain(t *testing.T) {
	jobs := newFakeJobAPI(testJob("job_slow"))
	w, err := New(jobs, &fakeWorkerAPI{}, fastConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	rec := &eventRecorder{}
	w.On(EventJobStarted, rec.record)
	w.On(EventJobCompleted, rec.record)

	release := make(chan struct{})
	_ = w.Process(func(ctx context.Context, job *JobContext) (map[string]interface{}, error) {
		<-release
		if !job.IsShuttingDown() {
			t.Error("Expected IsShuttingDown during drain")
		}
		return nil, nil
	})

	done := startWorker(t, w)
	rec.waitFor(t, EventJobStarted, time.Second)

	w.Stop()
	time.Sleep(30 * time.Millisecond)
	claimsAtStop := jobs.claimCount()
	close(release)
	<-done

	// The in-flight job finished normally.
	jobs.mu.Lock()
	_, completed := jobs.completes["job_slow"]
	failCount := len(jobs.fails)
	jobs.mu.Unlock()
	if !completed {
		t.Error("Expected the in-flight job to complete during drain")
	}
	if failCount != 0 {
		t.Errorf("Expected no force-fails, got %d", failCount)
	}

	// No claim was issued after stop was observed.
	if after := jobs.claimCount() - claimsAtStop; after > 0 {
		t.Errorf("Observed %d claims after stop", after)
	}
}

func TestWorkerForceFailAfterShutdownTimeout(t *testing.T) {
	jobs := newFakeJobAPI(testJob("job_stuck"))
	cfg := fastConfig()
	cfg.ShutdownTimeout = 40 * time.Millisecond
	w, err := New(jobs, &fakeWorkerAPI{}, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	rec := &eventRecorder{}
	w.On(EventJobStarted, rec.record)
	w.On(EventJobFailed, rec.record)

	_ = w.Process(func(ctx context.Context, job *JobContext) (map[string]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	done := startWorker(t, w)
	rec.waitFor(t, EventJobStarted, time.Second)
	w.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after shutdown timeout")
	}

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	if len(jobs.fails) != 1 {
		t.Fatalf("Expected 1 force-fail, got %d", len(jobs.fails))
	}
	f := jobs.fails[0]
	if f.jobID != "job_stuck" || f.reason != "worker shutdown" || !f.retryable {
		t.Errorf("Force-fail = %+v", f)
	}
	if len(jobs.completes) != 0 {
		t.Errorf("Expected no completes, got %v", jobs.completes)
	}
	if rec.count(EventJobFailed) != 1 {
		t.Errorf("Expected exactly one failed event, got %d", rec.count(EventJobFailed))
	}
}

func TestWorkerLeaseRenewalCadence(t *testing.T) {
	jobs := newFakeJobAPI(testJob("job_long"))
	cfg := fastConfig()
	cfg.LeaseDuration = 60 * time.Millisecond
	cfg.HeartbeatFraction = 0.5 // renew every 30ms
	w, err := New(jobs, &fakeWorkerAPI{}, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_ = w.Process(func(ctx context.Context, job *JobContext) (map[string]interface{}, error) {
		time.Sleep(140 * time.Millisecond)
		return nil, nil
	})

	done := startWorker(t, w)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		jobs.mu.Lock()
		settled := len(jobs.completes) == 1
		jobs.mu.Unlock()
		if settled {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	settledRenewals := jobs.renewalCount("job_long")
	time.Sleep(80 * time.Millisecond)
	finalRenewals := jobs.renewalCount("job_long")
	w.Stop()
	<-done

	// ~140ms of handler time with a 30ms cadence: expect several renewals,
	// allowing generous scheduling slack.
	if settledRenewals < 2 {
		t.Errorf("Expected at least 2 renewals, got %d", settledRenewals)
	}
	if settledRenewals > 6 {
		t.Errorf("Expected at most 6 renewals, got %d", settledRenewals)
	}
	if finalRenewals != settledRenewals {
		t.Errorf("Renewals continued after completion: %d -> %d", settledRenewals, finalRenewals)
	}

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	for _, r := range jobs.renewals {
		if r.lease != cfg.LeaseDuration {
			t.Errorf("Renewal lease = %v, want %v", r.lease, cfg.LeaseDuration)
		}
	}
}

func TestWorkerNonRetryableFailure(t *testing.T) {
	jobs := newFakeJobAPI(testJob("job_bad"))
	w, err := New(jobs, &fakeWorkerAPI{}, fastConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	rec := &eventRecorder{}
	w.On(EventJobFailed, rec.record)

	_ = w.Process(func(ctx context.Context, job *JobContext) (map[string]interface{}, error) {
		return nil, NonRetryable(errors.New("malformed payload"))
	})

	done := startWorker(t, w)
	ev := rec.waitFor(t, EventJobFailed, time.Second)
	w.Stop()
	<-done

	if ev.Err == nil || ev.Err.Error() != "malformed payload" {
		t.Errorf("Event error = %v", ev.Err)
	}

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	if len(jobs.fails) != 1 {
		t.Fatalf("Expected 1 fail call, got %d", len(jobs.fails))
	}
	if jobs.fails[0].retryable {
		t.Error("Expected retryable=false for a NonRetryable error")
	}
	if jobs.fails[0].reason != "malformed payload" {
		t.Errorf("Fail reason = %q", jobs.fails[0].reason)
	}
}

func TestWorkerHandlerPanicFailsJob(t *testing.T) {
	jobs := newFakeJobAPI(testJob("job_panic"), testJob("job_ok"))
	cfg := fastConfig()
	cfg.Concurrency = 1
	w, err := New(jobs, &fakeWorkerAPI{}, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	rec := &eventRecorder{}
	w.On(EventJobFailed, rec.record)
	w.On(EventJobCompleted, rec.record)

	_ = w.Process(func(ctx context.Context, job *JobContext) (map[string]interface{}, error) {
		if job.JobID() == "job_panic" {
			panic("boom")
		}
		return nil, nil
	})

	done := startWorker(t, w)
	rec.waitFor(t, EventJobFailed, time.Second)
	rec.waitFor(t, EventJobCompleted, time.Second)
	w.Stop()
	<-done

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	if len(jobs.fails) != 1 || jobs.fails[0].jobID != "job_panic" {
		t.Errorf("Fails = %+v", jobs.fails)
	}
	if !jobs.fails[0].retryable {
		t.Error("Panic failures should stay retryable")
	}
	if _, ok := jobs.completes["job_ok"]; !ok {
		t.Error("Worker did not survive the panic")
	}
}

func TestWorkerServerOverridesLease(t *testing.T) {
	jobs := newFakeJobAPI(testJob("job_1"))
	workers := &fakeWorkerAPI{response: &core.WorkerRegistration{
		ID:            "wkr_srv",
		Queue:         "emails",
		LeaseDuration: 1, // server says 1s
	}}
	w, err := New(jobs, workers, fastConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_ = w.Process(func(ctx context.Context, job *JobContext) (map[string]interface{}, error) {
		return nil, nil
	})

	done := startWorker(t, w)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && jobs.claimCount() == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	w.Stop()
	<-done

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	if len(jobs.claims) == 0 {
		t.Fatal("Expected at least one claim")
	}
	if jobs.claims[0].lease != time.Second {
		t.Errorf("Claim lease = %v, want server-advised 1s", jobs.claims[0].lease)
	}
	if w.WorkerID() != "wkr_srv" {
		t.Errorf("WorkerID = %q", w.WorkerID())
	}
}

func TestWorkerHeartbeatStatus(t *testing.T) {
	jobs := newFakeJobAPI(testJob("job_1"))
	jobs.renewErr = errors.New("lease gone")
	cfg := fastConfig()
	cfg.LeaseDuration = 20 * time.Millisecond // renew every 10ms, failing
	cfg.HeartbeatInterval = 15 * time.Millisecond
	workers := &fakeWorkerAPI{}
	w, err := New(jobs, workers, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_ = w.Process(func(ctx context.Context, job *JobContext) (map[string]interface{}, error) {
		time.Sleep(60 * time.Millisecond)
		return nil, nil
	})

	done := startWorker(t, w)
	time.Sleep(80 * time.Millisecond)
	w.Stop()
	<-done

	workers.mu.Lock()
	defer workers.mu.Unlock()
	var sawDegraded bool
	for _, hb := range workers.heartbeats {
		if hb.status == core.WorkerStatusDegraded {
			sawDegraded = true
		}
	}
	if !sawDegraded {
		t.Errorf("Expected a degraded heartbeat after renewal failures, got %+v", workers.heartbeats)
	}
}

func TestWorkerCompleteConflictIsHandled(t *testing.T) {
	jobs := newFakeJobAPI(testJob("job_raced"))
	jobs.completeErr = core.NewConflictError("claimed elsewhere", "req_1")
	w, err := New(jobs, &fakeWorkerAPI{}, fastConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	rec := &eventRecorder{}
	w.On(EventJobFailed, rec.record)
	w.On(EventError, rec.record)

	_ = w.Process(func(ctx context.Context, job *JobContext) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	})

	done := startWorker(t, w)
	rec.waitFor(t, EventJobFailed, time.Second)
	w.Stop()
	<-done

	// A settle race is expected behavior, not a worker error.
	if rec.count(EventError) != 0 {
		t.Errorf("Expected no error events for a settle race, got %d", rec.count(EventError))
	}
	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	if len(jobs.fails) != 0 {
		t.Errorf("Expected no local fail retry, got %+v", jobs.fails)
	}
}

func TestWorkerPauseAndResume(t *testing.T) {
	jobs := newFakeJobAPI()
	w, err := New(jobs, &fakeWorkerAPI{}, fastConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_ = w.Process(func(ctx context.Context, job *JobContext) (map[string]interface{}, error) {
		return nil, nil
	})

	w.Pause()
	done := startWorker(t, w)
	time.Sleep(30 * time.Millisecond)
	if n := jobs.claimCount(); n != 0 {
		t.Errorf("Expected no claims while paused, got %d", n)
	}

	w.Resume()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && jobs.claimCount() == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if jobs.claimCount() == 0 {
		t.Error("Expected claims to resume")
	}
	w.Stop()
	<-done
}

func TestWorkerStopIsIdempotent(t *testing.T) {
	w, err := New(newFakeJobAPI(), &fakeWorkerAPI{}, fastConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	w.Stop() // before start: no-op

	_ = w.Process(func(ctx context.Context, job *JobContext) (map[string]interface{}, error) {
		return nil, nil
	})
	done := startWorker(t, w)
	time.Sleep(10 * time.Millisecond)
	w.Stop()
	w.Stop()
	<-done
	w.Stop()
}

func TestWorkerStartTwice(t *testing.T) {
	w, err := New(newFakeJobAPI(), &fakeWorkerAPI{}, fastConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_ = w.Process(func(ctx context.Context, job *JobContext) (map[string]interface{}, error) {
		return nil, nil
	})
	done := startWorker(t, w)
	time.Sleep(10 * time.Millisecond)

	if err := w.Start(context.Background()); !errors.Is(err, core.ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got: %v", err)
	}
	w.Stop()
	<-done
}
