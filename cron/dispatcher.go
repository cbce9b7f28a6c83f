package cron

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/corvid-labs/tempo/config"
	"github.com/corvid-labs/tempo/errors"
)

// Run-now modes
const (
	RunModeDue   = "due"   // execute only if currently due
	RunModeForce = "force" // execute immediately regardless of next run time
)

// Options tune the dispatch loop
type Options struct {
	TickInterval    time.Duration
	DefaultTimeout  time.Duration
	OneShotPolicy   string // config.OneShotPolicyDisable | config.OneShotPolicyRemove
	GraceMultiplier int    // stale-running cutoff = multiplier * DefaultTimeout
}

func (o *Options) fill() {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 5 * time.Minute
	}
	if o.OneShotPolicy == "" {
		o.OneShotPolicy = config.OneShotPolicyDisable
	}
	if o.GraceMultiplier <= 0 {
		o.GraceMultiplier = 2
	}
}

// Dispatcher owns the timing loop: it decides when jobs become due,
// enforces single-flight per job id through the store's running marker,
// invokes the executor with a timeout, and feeds results back into the
// store, the ledger, and the event bus.
type Dispatcher struct {
	store    *Store
	ledger   *Ledger
	bus      *Bus
	executor Executor
	opts     Options
	logger   *zap.SugaredLogger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup // tick loop
	inflight sync.WaitGroup // executing runs
	running  atomic.Bool
}

// NewDispatcher creates a dispatcher. Call Start to begin ticking.
func NewDispatcher(store *Store, ledger *Ledger, bus *Bus, executor Executor, opts Options, logger *zap.SugaredLogger) *Dispatcher {
	opts.fill()
	return &Dispatcher{
		store:    store,
		ledger:   ledger,
		bus:      bus,
		executor: executor,
		opts:     opts,
		logger:   logger,
	}
}

// Start reconciles crash orphans, then begins the tick loop.
// Idempotent: calling Start on a running dispatcher is a no-op.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return nil
	}

	if err := d.Reconcile(time.Now()); err != nil {
		d.running.Store(false)
		return errors.Wrap(err, "startup reconciliation")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.run()

	d.logger.Infow("Dispatcher started",
		"tick_interval", d.opts.TickInterval,
		"default_timeout", d.opts.DefaultTimeout,
	)
	return nil
}

// Stop halts the tick loop and waits for in-flight runs to finish
func (d *Dispatcher) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	d.cancel()
	d.wg.Wait()
	d.inflight.Wait()
	d.logger.Infow("Dispatcher stopped")
}

// Running reports whether the tick loop is active
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case tickTime := <-ticker.C:
			d.checkDueJobs(tickTime)
		}
	}
}

// checkDueJobs dispatches every due job on its own goroutine so one
// slow executor cannot delay the others.
func (d *Dispatcher) checkDueJobs(now time.Time) {
	jobs, err := d.store.ListDue(now)
	if err != nil {
		// Store failures during scheduled dispatch are logged, not
		// fatal; the jobs stay due and the next tick retries.
		d.logger.Errorw("Failed to list due jobs", "error", err)
		return
	}

	for _, job := range jobs {
		runAtMs := now.UnixMilli()
		if job.State.NextRunAtMs != nil {
			runAtMs = *job.State.NextRunAtMs
		}
		d.dispatch(job, runAtMs)
	}
}

// dispatch attempts the single-flight gate and, on success, executes
// asynchronously. A conflict is recorded as skipped and not retried;
// the job waits for its next natural occurrence.
func (d *Dispatcher) dispatch(job *Job, runAtMs int64) bool {
	nowMs := time.Now().UnixMilli()
	if err := d.store.MarkRunning(job.ID, nowMs); err != nil {
		if errors.IsConflictError(err) {
			d.logger.Warnw("Skipping dispatch, job already running",
				"job_id", job.ID,
				"job_name", job.Name,
			)
			d.recordSkip(job, runAtMs)
			return false
		}
		if errors.IsNotFoundError(err) {
			// Removed between listing and dispatch
			return false
		}
		d.logger.Errorw("Failed to mark job running",
			"job_id", job.ID,
			"error", err,
		)
		return false
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.execute(job, runAtMs)
	}()
	return true
}

// recordSkip writes the skipped ledger entry. The due occurrence is
// intentionally dropped, so the next run time must still advance.
func (d *Dispatcher) recordSkip(job *Job, runAtMs int64) {
	if err := d.ledger.Append(&RunEntry{
		JobID:   job.ID,
		Action:  ActionFinished,
		Status:  StatusSkipped,
		RunAtMs: &runAtMs,
	}); err != nil {
		d.logger.Errorw("Failed to record skip", "job_id", job.ID, "error", err)
	}
	d.bus.Publish(Event{
		JobID:   job.ID,
		Action:  EventFinished,
		Status:  StatusSkipped,
		RunAtMs: &runAtMs,
	})
}

// execute runs the job payload with a timeout and records the outcome.
// The caller already holds the running marker.
func (d *Dispatcher) execute(job *Job, runAtMs int64) {
	started := time.Now()
	startedMs := started.UnixMilli()

	if err := d.ledger.Append(&RunEntry{
		JobID:   job.ID,
		Action:  ActionStarted,
		RunAtMs: &runAtMs,
	}); err != nil {
		d.logger.Errorw("Failed to append start entry", "job_id", job.ID, "error", err)
	}
	d.bus.Publish(Event{
		JobID:   job.ID,
		Action:  EventStarted,
		RunAtMs: &runAtMs,
	})

	timeout := d.opts.DefaultTimeout
	if job.Payload.TimeoutSeconds > 0 {
		timeout = time.Duration(job.Payload.TimeoutSeconds) * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// The timeout is enforced here, not trusted to the executor: an
	// executor that ignores ctx is abandoned on its goroutine and its
	// late result discarded, so a hung run can never wedge the
	// single-flight lock.
	type execReturn struct {
		result *ExecResult
		err    error
	}
	returned := make(chan execReturn, 1)
	go func() {
		result, err := d.executor.Execute(ctx, ExecRequest{
			JobID:         job.ID,
			JobName:       job.Name,
			SessionKey:    Key(job.ID),
			SessionTarget: job.SessionTarget,
			Payload:       job.Payload,
		})
		returned <- execReturn{result: result, err: err}
	}()

	var result *ExecResult
	var execErr error
	select {
	case ret := <-returned:
		result, execErr = ret.result, ret.err
	case <-ctx.Done():
		execErr = ctx.Err()
	}

	durationMs := time.Since(started).Milliseconds()

	status := StatusOK
	var lastError string
	var summary, outputText string
	if execErr != nil {
		status = StatusError
		if errors.Is(execErr, context.DeadlineExceeded) || errors.IsTimeoutError(execErr) {
			execErr = errors.Wrapf(errors.ErrTimeout, "run exceeded %s", timeout)
		}
		lastError = execErr.Error()
	} else if result != nil {
		summary = result.Summary
		outputText = result.OutputText
	}

	d.finish(job, finishOutcome{
		RanAtMs:    startedMs,
		RunAtMs:    runAtMs,
		Status:     status,
		Error:      lastError,
		Summary:    summary,
		OutputText: outputText,
		DurationMs: durationMs,
	})
}

type finishOutcome struct {
	RanAtMs    int64
	RunAtMs    int64
	Status     string
	Error      string
	Summary    string
	OutputText string
	DurationMs int64
}

// finish releases the single-flight lock, advances the schedule, and
// records the outcome in ledger and bus. One-shot jobs exhaust here,
// success or failure alike. The store derives the next run from the
// schedule as currently persisted, so an update applied while the run
// was in flight wins over the dispatch-time snapshot.
func (d *Dispatcher) finish(job *Job, out finishOutcome) {
	upd := FinishUpdate{
		RanAtMs:          out.RanAtMs,
		Status:           out.Status,
		Error:            out.Error,
		DurationMs:       out.DurationMs,
		DisableOnExhaust: d.opts.OneShotPolicy == config.OneShotPolicyDisable,
	}
	res, err := d.store.MarkFinished(job.ID, upd)
	if err != nil {
		d.logger.Errorw("Failed to mark job finished", "job_id", job.ID, "error", err)
	}

	var next *int64
	exhausted := false
	if res != nil {
		next = res.NextRunAtMs
		exhausted = res.Exhausted
	}

	if err := d.ledger.Append(&RunEntry{
		JobID:      job.ID,
		Action:     ActionFinished,
		Status:     out.Status,
		Error:      out.Error,
		Summary:    out.Summary,
		OutputText: out.OutputText,
		RunAtMs:    &out.RunAtMs,
		DurationMs: &out.DurationMs,
	}); err != nil {
		d.logger.Errorw("Failed to append finish entry", "job_id", job.ID, "error", err)
	}

	d.bus.Publish(Event{
		JobID:       job.ID,
		Action:      EventFinished,
		Status:      out.Status,
		Error:       out.Error,
		Summary:     out.Summary,
		OutputText:  out.OutputText,
		RunAtMs:     &out.RunAtMs,
		DurationMs:  &out.DurationMs,
		NextRunAtMs: next,
	})

	if exhausted && d.opts.OneShotPolicy == config.OneShotPolicyRemove {
		removed, err := d.store.Remove(job.ID)
		if err != nil {
			d.logger.Errorw("Failed to remove exhausted one-shot", "job_id", job.ID, "error", err)
		} else if removed {
			d.bus.Publish(Event{JobID: job.ID, Action: EventRemoved})
		}
	}

	if out.Status == StatusError {
		d.logger.Warnw("Job run failed",
			"job_id", job.ID,
			"job_name", job.Name,
			"error", out.Error,
			"duration_ms", out.DurationMs,
		)
	} else {
		d.logger.Infow("Job run finished",
			"job_id", job.ID,
			"job_name", job.Name,
			"status", out.Status,
			"duration_ms", out.DurationMs,
		)
	}
}

// RunNow triggers a job outside its schedule. Mode due executes only
// if the job is currently due; force executes regardless of the next
// run time. Both respect single-flight: an in-flight run yields
// ran=false, never a queued second attempt.
func (d *Dispatcher) RunNow(id string, mode string) (bool, error) {
	if mode == "" {
		mode = RunModeForce
	}
	if mode != RunModeDue && mode != RunModeForce {
		return false, errors.NewInvalidRequestError("unknown run mode %q", mode)
	}

	job, err := d.store.Get(id)
	if err != nil {
		return false, err
	}

	nowMs := time.Now().UnixMilli()
	runAtMs := nowMs
	if job.State.NextRunAtMs != nil {
		runAtMs = *job.State.NextRunAtMs
	}

	if mode == RunModeDue {
		due := job.Enabled &&
			job.State.NextRunAtMs != nil &&
			*job.State.NextRunAtMs <= nowMs
		if !due {
			return false, nil
		}
	}

	if err := d.store.MarkRunning(id, nowMs); err != nil {
		if errors.IsConflictError(err) {
			d.logger.Warnw("Run-now conflict, job already running", "job_id", id)
			return false, nil
		}
		return false, err
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.execute(job, runAtMs)
	}()
	return true, nil
}

// Reconcile clears running markers left behind by a crashed process.
// A marker older than the grace window is treated as an interrupted
// run: the lock is released, the failure is ledgered, and the job
// becomes dispatchable again.
func (d *Dispatcher) Reconcile(now time.Time) error {
	grace := time.Duration(d.opts.GraceMultiplier) * d.opts.DefaultTimeout
	cutoff := now.Add(-grace)

	stale, err := d.store.ListStaleRunning(cutoff)
	if err != nil {
		return err
	}

	for _, job := range stale {
		ranAtMs := now.UnixMilli()
		if job.State.RunningAtMs != nil {
			ranAtMs = *job.State.RunningAtMs
		}

		upd := FinishUpdate{
			RanAtMs:          ranAtMs,
			Status:           StatusError,
			Error:            "interrupted: run did not complete before restart",
			DurationMs:       0,
			DisableOnExhaust: d.opts.OneShotPolicy == config.OneShotPolicyDisable,
		}
		if _, err := d.store.MarkFinished(job.ID, upd); err != nil {
			d.logger.Errorw("Failed to clear stale running marker",
				"job_id", job.ID, "error", err)
			continue
		}

		if err := d.ledger.Append(&RunEntry{
			JobID:   job.ID,
			Action:  ActionFinished,
			Status:  StatusError,
			Error:   "interrupted: run did not complete before restart",
			RunAtMs: &ranAtMs,
		}); err != nil {
			d.logger.Errorw("Failed to ledger interrupted run",
				"job_id", job.ID, "error", err)
		}

		d.logger.Warnw("Cleared stale running marker",
			"job_id", job.ID,
			"job_name", job.Name,
			"running_at_ms", ranAtMs,
		)
	}
	return nil
}
