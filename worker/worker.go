// Package worker implements the job-processing runtime: a claim loop bounded
// by a concurrency limit, per-job lease renewal, worker liveness heartbeats,
// and graceful drain with force-fail of survivors. The runtime talks to the
// service through two narrow interfaces so it works over either transport.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spooled/spooled-go/core"
)

// JobAPI is the job surface the runtime consumes. The client's jobs
// service implements it over HTTP; the RPC transport can stand in on the
// hot paths.
type JobAPI interface {
	// Claim leases up to limit jobs from queue for this worker.
	Claim(ctx context.Context, queue, workerID string, limit int, lease time.Duration) ([]*core.Job, error)

	// Complete settles a job successfully with an optional result.
	Complete(ctx context.Context, jobID, workerID string, result map[string]interface{}) error

	// Fail settles a job unsuccessfully. retryable false moves the job
	// straight to its terminal state.
	Fail(ctx context.Context, jobID, workerID, reason string, retryable bool) error

	// Heartbeat extends the lease on an in-flight job.
	Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) error

	// Progress reports handler progress for an in-flight job.
	Progress(ctx context.Context, jobID, workerID string, percent int, note string) error
}

// WorkerAPI is the registration surface the runtime consumes.
type WorkerAPI interface {
	Register(ctx context.Context, reg *core.WorkerRegistration) (*core.WorkerRegistration, error)
	Heartbeat(ctx context.Context, workerID string, inflight int, status core.WorkerStatus) error
	Deregister(ctx context.Context, workerID string) error
}

// JobHandler processes one claimed job. The returned map becomes the job
// result. A returned error fails the job; wrap it with NonRetryable to
// suppress server-side retry. The context is cancelled when the drain
// deadline expires.
type JobHandler func(ctx context.Context, job *JobContext) (map[string]interface{}, error)

// jobEntry tracks one in-flight job. settled flips exactly once, owned by
// whichever of the run goroutine or the drain force-fail gets there first.
type jobEntry struct {
	job         *core.Job
	cancelRenew context.CancelFunc
	settled     atomic.Bool
}

// Worker runs handlers against claimed jobs until stopped.
type Worker struct {
	cfg     core.WorkerConfig
	jobs    JobAPI
	workers WorkerAPI
	logger  core.Logger

	mu            sync.Mutex
	eventHandlers map[EventType][]EventHandler
	handler       JobHandler
	inflight      map[string]*jobEntry
	workerID      string
	running       bool
	stopping      bool
	stopCh        chan struct{}

	draining           atomic.Bool
	paused             atomic.Bool
	inflightCount      atomic.Int32
	lastRenewalFailure atomic.Int64

	wg         sync.WaitGroup
	slotFree   chan struct{}
	jobsCtx    context.Context
	cancelJobs context.CancelFunc
}

// New builds a worker over the given APIs. The queue name is required;
// every other knob falls back to its default.
func New(jobs JobAPI, workers WorkerAPI, cfg core.WorkerConfig) (*Worker, error) {
	if jobs == nil || workers == nil {
		return nil, fmt.Errorf("%w: worker requires job and worker APIs", core.ErrInvalidConfiguration)
	}
	applyDefaults(&cfg)
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("%w: queue name is required", core.ErrMissingConfiguration)
	}
	return &Worker{
		cfg:     cfg,
		jobs:    jobs,
		workers: workers,
		logger:  &core.NoOpLogger{},
	}, nil
}

func applyDefaults(cfg *core.WorkerConfig) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = core.DefaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = core.DefaultPollInterval
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = core.DefaultLeaseDuration
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = core.DefaultHeartbeatInterval
	}
	if cfg.HeartbeatFraction <= 0 || cfg.HeartbeatFraction > 1 {
		cfg.HeartbeatFraction = core.DefaultHeartbeatFraction
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = core.DefaultShutdownTimeout
	}
}

// SetLogger replaces the logger. Call before Start.
func (w *Worker) SetLogger(logger core.Logger) {
	if logger != nil {
		w.logger = logger
	}
}

// WorkerID returns the server-assigned identity, empty before registration.
func (w *Worker) WorkerID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.workerID
}

// InFlight returns the number of jobs currently being processed.
func (w *Worker) InFlight() int { return int(w.inflightCount.Load()) }

// IsRunning reports whether the runtime is between Start and full stop.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Process registers the handler run for each claimed job. With AutoStart
// configured the claim loop starts in the background on first call.
func (w *Worker) Process(handler JobHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: nil handler", core.ErrInvalidConfiguration)
	}
	w.mu.Lock()
	w.handler = handler
	autostart := w.cfg.AutoStart && !w.running
	w.mu.Unlock()

	if autostart {
		go func() {
			if err := w.Start(context.Background()); err != nil && !errors.Is(err, core.ErrAlreadyStarted) {
				w.emitError(fmt.Errorf("autostart: %w", err))
			}
		}()
	}
	return nil
}

// Pause suspends claiming without stopping in-flight jobs.
func (w *Worker) Pause() { w.paused.Store(true) }

// Resume re-enables claiming after Pause.
func (w *Worker) Resume() {
	w.paused.Store(false)
	w.wakeClaimLoop()
}

// Start registers the worker and runs the claim loop until Stop is called
// or ctx is cancelled, then drains and deregisters. It blocks for the
// lifetime of the worker and returns nil after a clean shutdown.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return core.ErrAlreadyStarted
	}
	if w.handler == nil {
		w.mu.Unlock()
		return fmt.Errorf("%w: no handler registered, call Process first", core.ErrMissingConfiguration)
	}
	w.running = true
	w.stopping = false
	w.draining.Store(false)
	w.stopCh = make(chan struct{})
	w.slotFree = make(chan struct{}, 1)
	w.inflight = make(map[string]*jobEntry)
	w.jobsCtx, w.cancelJobs = context.WithCancel(context.Background())
	cancelJobs := w.cancelJobs
	w.mu.Unlock()

	defer func() {
		cancelJobs()
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	reg, err := w.register(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.workerID = reg.ID
	w.mu.Unlock()
	if reg.LeaseDuration > 0 {
		w.cfg.LeaseDuration = time.Duration(reg.LeaseDuration) * time.Second
	}
	if reg.HeartbeatInterval > 0 {
		w.cfg.HeartbeatInterval = time.Duration(reg.HeartbeatInterval) * time.Second
	}

	w.logger.Info("Worker started", map[string]interface{}{
		"operation":   "worker_start",
		"worker_id":   reg.ID,
		"queue":       w.cfg.QueueName,
		"concurrency": w.cfg.Concurrency,
		"lease":       w.cfg.LeaseDuration.String(),
	})
	w.emit(Event{Type: EventStarted})

	hbCtx, hbCancel := context.WithCancel(context.Background())
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeatLoop(hbCtx)
	}()

	w.claimLoop(ctx)

	w.draining.Store(true)
	w.drain()

	hbCancel()
	<-hbDone

	w.deregister()
	w.emit(Event{Type: EventStopped})
	w.logger.Info("Worker stopped", map[string]interface{}{
		"operation": "worker_stop",
		"worker_id": reg.ID,
	})
	return nil
}

// Stop signals the worker to drain and shut down. It is idempotent and
// returns immediately; Start returns once the drain completes.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running || w.stopping {
		w.mu.Unlock()
		return
	}
	w.stopping = true
	stopCh := w.stopCh
	w.mu.Unlock()

	w.draining.Store(true)
	close(stopCh)
	w.logger.Info("Worker draining", map[string]interface{}{
		"operation": "worker_drain",
		"worker_id": w.WorkerID(),
		"inflight":  w.InFlight(),
	})
}

// register announces the worker. Server-advised intervals win over the
// configured ones.
func (w *Worker) register(ctx context.Context) (*core.WorkerRegistration, error) {
	hostname := w.cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	version := w.cfg.Version
	if version == "" {
		version = core.Version
	}
	reg := &core.WorkerRegistration{
		Queue:             w.cfg.QueueName,
		Hostname:          hostname,
		Concurrency:       w.cfg.Concurrency,
		WorkerType:        w.cfg.WorkerType,
		Version:           version,
		Metadata:          w.cfg.Metadata,
		HeartbeatInterval: int(w.cfg.HeartbeatInterval / time.Second),
		LeaseDuration:     int(w.cfg.LeaseDuration / time.Second),
	}
	ret, err := w.workers.Register(ctx, reg)
	if err != nil {
		return nil, fmt.Errorf("worker registration: %w", err)
	}
	if ret == nil || ret.ID == "" {
		return nil, fmt.Errorf("%w: registration returned no worker id", core.ErrRequestFailed)
	}
	return ret, nil
}

// claimLoop fills free slots until stopped. With nothing claimed it sleeps
// until the poll interval elapses or a slot frees, whichever comes first.
func (w *Worker) claimLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		claimed := 0
		free := w.cfg.Concurrency - int(w.inflightCount.Load())
		if free > 0 && !w.paused.Load() {
			jobs, err := w.jobs.Claim(ctx, w.cfg.QueueName, w.WorkerID(), free, w.cfg.LeaseDuration)
			switch {
			case errors.Is(err, context.Canceled):
				return
			case err != nil:
				w.logger.Warn("Claim failed", map[string]interface{}{
					"operation": "worker_claim",
					"queue":     w.cfg.QueueName,
					"error":     err.Error(),
				})
				w.emitError(fmt.Errorf("claim: %w", err))
			default:
				for _, job := range jobs {
					w.emit(Event{Type: EventJobClaimed, Job: job})
					w.dispatch(job)
				}
				claimed = len(jobs)
			}
		}

		if claimed > 0 {
			// Slots may remain; try to fill them right away.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-w.slotFree:
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

func (w *Worker) wakeClaimLoop() {
	w.mu.Lock()
	ch := w.slotFree
	w.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// dispatch starts the handler goroutine and its companion lease renewer.
func (w *Worker) dispatch(job *core.Job) {
	renewCtx, cancelRenew := context.WithCancel(context.Background())
	entry := &jobEntry{job: job, cancelRenew: cancelRenew}

	w.mu.Lock()
	w.inflight[job.ID] = entry
	w.mu.Unlock()
	w.inflightCount.Add(1)

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.renewalLoop(renewCtx, job)
	}()
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.inflight, job.ID)
			w.mu.Unlock()
			w.inflightCount.Add(-1)
			w.wakeClaimLoop()
		}()
		w.runJob(entry)
	}()
}

// runJob executes the handler and settles the job exactly once.
func (w *Worker) runJob(entry *jobEntry) {
	job := entry.job
	w.emit(Event{Type: EventJobStarted, Job: job})

	result, err := w.invokeHandler(job)

	// Renewal stops no later than handler completion.
	entry.cancelRenew()

	if !entry.settled.CompareAndSwap(false, true) {
		// Force-failed during drain; the handler outcome is discarded.
		return
	}

	if err != nil {
		retryable := !IsNonRetryable(err)
		if ferr := w.jobs.Fail(context.Background(), job.ID, w.WorkerID(), err.Error(), retryable); ferr != nil {
			w.settleFailure("fail", job, ferr)
		}
		w.emit(Event{Type: EventJobFailed, Job: job, Err: err})
		return
	}

	if cerr := w.jobs.Complete(context.Background(), job.ID, w.WorkerID(), result); cerr != nil {
		w.settleFailure("complete", job, cerr)
		w.emit(Event{Type: EventJobFailed, Job: job, Err: cerr})
		return
	}
	w.emit(Event{Type: EventJobCompleted, Job: job, Result: result})
}

// invokeHandler runs the user handler with panic containment.
func (w *Worker) invokeHandler(job *core.Job) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			w.logger.Error("Handler panicked", map[string]interface{}{
				"operation": "worker_handler",
				"job_id":    job.ID,
				"panic":     fmt.Sprintf("%v", r),
			})
		}
	}()
	w.mu.Lock()
	handler := w.handler
	jobsCtx := w.jobsCtx
	w.mu.Unlock()
	return handler(jobsCtx, &JobContext{worker: w, job: job})
}

// settleFailure handles a failed complete/fail call. The server owning the
// job elsewhere is an expected race and is only logged; anything else also
// raises an error event.
func (w *Worker) settleFailure(op string, job *core.Job, err error) {
	if core.IsNotFound(err) || core.IsConflict(err) {
		w.logger.Warn("Job settled elsewhere", map[string]interface{}{
			"operation": "worker_settle",
			"call":      op,
			"job_id":    job.ID,
			"error":     err.Error(),
		})
		return
	}
	w.logger.Error("Job settlement failed", map[string]interface{}{
		"operation": "worker_settle",
		"call":      op,
		"job_id":    job.ID,
		"error":     err.Error(),
	})
	w.emitError(fmt.Errorf("%s job %s: %w", op, job.ID, err))
}

// renewalLoop extends the job lease every LeaseDuration*HeartbeatFraction
// until cancelled. Renewal errors are recorded for the degraded status and
// otherwise swallowed; the final complete/fail settles the job state.
func (w *Worker) renewalLoop(ctx context.Context, job *core.Job) {
	interval := time.Duration(float64(w.cfg.LeaseDuration) * w.cfg.HeartbeatFraction)
	if interval <= 0 {
		return
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := w.jobs.Heartbeat(ctx, job.ID, w.WorkerID(), w.cfg.LeaseDuration); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				w.lastRenewalFailure.Store(time.Now().UnixNano())
				w.logger.Warn("Lease renewal failed", map[string]interface{}{
					"operation": "worker_renew",
					"job_id":    job.ID,
					"error":     err.Error(),
				})
			}
			timer.Reset(interval)
		}
	}
}

// heartbeatLoop reports worker liveness until cancelled.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.workers.Heartbeat(ctx, w.WorkerID(), int(w.inflightCount.Load()), w.status()); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				w.logger.Warn("Worker heartbeat failed", map[string]interface{}{
					"operation": "worker_heartbeat",
					"worker_id": w.WorkerID(),
					"error":     err.Error(),
				})
			}
		}
	}
}

// status derives the reported heartbeat status. Draining wins; a renewal
// failure within the last heartbeat interval reads as degraded.
func (w *Worker) status() core.WorkerStatus {
	if w.draining.Load() {
		return core.WorkerStatusDraining
	}
	if last := w.lastRenewalFailure.Load(); last > 0 {
		if time.Since(time.Unix(0, last)) <= w.cfg.HeartbeatInterval {
			return core.WorkerStatusDegraded
		}
	}
	return core.WorkerStatusHealthy
}

// drain waits for in-flight jobs up to ShutdownTimeout, then force-fails
// the survivors. The server decides whether force-failed jobs retry.
func (w *Worker) drain() {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(w.cfg.ShutdownTimeout):
	}

	w.mu.Lock()
	cancelJobs := w.cancelJobs
	survivors := make([]*jobEntry, 0, len(w.inflight))
	for _, entry := range w.inflight {
		survivors = append(survivors, entry)
	}
	w.mu.Unlock()

	// Settle survivors before cancelling their contexts so a handler that
	// unwinds on cancellation cannot race in its own outcome.
	shutdownErr := errors.New("worker shutdown")
	for _, entry := range survivors {
		if !entry.settled.CompareAndSwap(false, true) {
			continue
		}
		entry.cancelRenew()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := w.jobs.Fail(ctx, entry.job.ID, w.WorkerID(), shutdownErr.Error(), true)
		cancel()
		if err != nil {
			w.settleFailure("fail", entry.job, err)
		}
		w.emit(Event{Type: EventJobFailed, Job: entry.job, Err: shutdownErr})
		w.logger.Warn("Job force-failed on shutdown", map[string]interface{}{
			"operation": "worker_drain",
			"job_id":    entry.job.ID,
		})
	}
	cancelJobs()

	// Handlers that respect cancellation unwind here; ones that do not
	// are abandoned to their goroutines.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

// deregister removes the registration at the end of a run.
func (w *Worker) deregister() {
	id := w.WorkerID()
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.workers.Deregister(ctx, id); err != nil {
		w.logger.Warn("Deregister failed", map[string]interface{}{
			"operation": "worker_deregister",
			"worker_id": id,
			"error":     err.Error(),
		})
	}
}
