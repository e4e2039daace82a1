package task

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"longaudio/config"
	"longaudio/logging"
	"longaudio/stage"
)

// Processor drives one claimed task to its result artifacts.
type Processor interface {
	Process(ctx context.Context, t *Task) (Result, error)
}

// Finalizer is implemented by processors with work that must wait until
// the completion is recorded, such as deleting the task's source file.
type Finalizer interface {
	Finalize(ctx context.Context, t *Task)
}

// Notifier is told about terminal outcomes. Errors are logged only.
type Notifier interface {
	TaskCompleted(ctx context.Context, t *Task) error
	TaskFailed(ctx context.Context, t *Task, summary string) error
}

// Throttle reports whether the host can take on another task.
type Throttle interface {
	CheckResources() error
}

type Options struct {
	Workers           int
	PollInterval      time.Duration
	StaleThreshold    time.Duration
	HeartbeatInterval time.Duration
	RecoveryInterval  time.Duration
	ErrorBackoff      time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Workers:           cfg.Workers,
		PollInterval:      cfg.PollInterval,
		StaleThreshold:    cfg.StaleThreshold,
		HeartbeatInterval: cfg.HeartbeatInterval,
		RecoveryInterval:  cfg.RecoveryInterval,
		ErrorBackoff:      5 * time.Second,
	}
}

// Coordinator runs a fixed pool of workers over the Store. Each worker
// drives one task start to finish before claiming the next.
type Coordinator struct {
	store     *Store
	processor Processor
	notifier  Notifier
	throttle  Throttle
	opts      Options

	wg   conc.WaitGroup
	wake chan struct{}
}

// NewCoordinator builds a Coordinator. notifier and throttle may be nil.
func NewCoordinator(store *Store, processor Processor, notifier Notifier, throttle Throttle, opts Options) *Coordinator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 5 * time.Second
	}
	return &Coordinator{
		store:     store,
		processor: processor,
		notifier:  notifier,
		throttle:  throttle,
		opts:      opts,
		wake:      make(chan struct{}, opts.Workers),
	}
}

// Start recovers stale tasks once and launches the workers and the
// periodic recovery sweep. They stop when ctx is canceled; call Wait to
// block until they have.
func (c *Coordinator) Start(ctx context.Context) {
	c.recover(ctx)

	logging.Info(logging.CategoryQueue, "coordinator started", "workers", c.opts.Workers)
	for i := 0; i < c.opts.Workers; i++ {
		workerID := uuid.NewString()
		c.wg.Go(func() { c.workerLoop(ctx, workerID) })
	}
	if c.opts.RecoveryInterval > 0 && c.opts.StaleThreshold > 0 {
		c.wg.Go(func() { c.recoveryLoop(ctx) })
	}
}

// Wait blocks until all workers have exited.
func (c *Coordinator) Wait() {
	c.wg.Wait()
	logging.Info(logging.CategoryQueue, "coordinator stopped")
}

// Submit enqueues a task and wakes an idle worker.
func (c *Coordinator) Submit(ctx context.Context, submitterID int64, sourcePath, displayName string) (*Task, error) {
	t, err := c.store.Enqueue(ctx, submitterID, sourcePath, displayName)
	if err != nil {
		return nil, err
	}
	c.notify()
	return t, nil
}

func (c *Coordinator) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// workerLoop claims and processes tasks until ctx is done.
func (c *Coordinator) workerLoop(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			logging.Info(logging.CategoryQueue, "worker loop shutting down", "workerId", workerID)
			return
		}

		processed, err := c.RunOnce(ctx, workerID)
		switch {
		case err != nil:
			logging.Error(logging.CategoryQueue, "worker error", "workerId", workerID, "error", err)
			c.idle(ctx, c.opts.ErrorBackoff)
		case !processed:
			c.idle(ctx, c.opts.PollInterval)
		}
	}
}

func (c *Coordinator) idle(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-c.wake:
	}
}

// RunOnce claims at most one task and processes it. It reports whether a
// task was processed. Task failures are recorded on the task, not returned.
func (c *Coordinator) RunOnce(ctx context.Context, workerID string) (bool, error) {
	if c.throttle != nil {
		if err := c.throttle.CheckResources(); err != nil {
			logging.Debug(logging.CategoryQueue, "throttled, not claiming", "workerId", workerID, "reason", err.Error())
			return false, nil
		}
	}

	t, err := c.store.ClaimNext(ctx, workerID)
	if err != nil || t == nil {
		return false, err
	}

	c.execute(ctx, t, workerID)
	return true, nil
}

func (c *Coordinator) execute(ctx context.Context, t *Task, workerID string) {
	started := time.Now()
	logging.Info(logging.CategoryQueue, "processing task",
		"taskId", t.ID,
		"workerId", workerID,
		"attempt", t.Attempts,
	)

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan struct{})
	var hb conc.WaitGroup
	if c.opts.HeartbeatInterval > 0 {
		hb.Go(func() { c.heartbeat(taskCtx, cancel, stop, t.ID, workerID) })
	}

	var (
		result Result
		err    error
		pc     panics.Catcher
	)
	pc.Try(func() { result, err = c.processor.Process(taskCtx, t) })
	if r := pc.Recovered(); r != nil {
		err = r.AsError()
	}
	close(stop)
	hb.Wait()

	// Status writes must land even when shutdown has begun.
	storeCtx := context.WithoutCancel(ctx)

	if err != nil && ctx.Err() != nil {
		if rerr := c.store.Requeue(storeCtx, t.ID, workerID); rerr != nil {
			logging.Error(logging.CategoryQueue, "failed to requeue interrupted task", "taskId", t.ID, "error", rerr)
			return
		}
		logging.Warning(logging.CategoryQueue, "task interrupted by shutdown, requeued", "taskId", t.ID)
		return
	}

	if err != nil {
		c.fail(storeCtx, t, workerID, err)
		return
	}

	if cerr := c.store.Complete(storeCtx, t.ID, workerID, result); cerr != nil {
		logging.Error(logging.CategoryQueue, "failed to record completion", "taskId", t.ID, "error", cerr)
		return
	}
	t.Status = StatusCompleted
	t.Result = result
	if f, ok := c.processor.(Finalizer); ok {
		f.Finalize(storeCtx, t)
	}
	logging.Info(logging.CategoryQueue, "task completed",
		"taskId", t.ID,
		"elapsed", time.Since(started).Round(time.Millisecond).String(),
	)

	if c.notifier != nil {
		if nerr := c.notifier.TaskCompleted(storeCtx, t); nerr != nil {
			logging.Warning(logging.CategoryNotify, "completion notification failed", "taskId", t.ID, "error", nerr)
		}
	}
}

func (c *Coordinator) fail(ctx context.Context, t *Task, workerID string, cause error) {
	st, _ := stage.Of(cause)
	logging.Error(logging.CategoryQueue, "task failed", "taskId", t.ID, "stage", st, "error", cause)

	if err := c.store.Fail(ctx, t.ID, workerID, cause.Error()); err != nil {
		logging.Error(logging.CategoryQueue, "failed to record failure", "taskId", t.ID, "error", err)
		return
	}
	summary := stage.Summary(cause)
	t.Status = StatusFailed
	t.Error = cause.Error()

	if c.notifier != nil {
		if err := c.notifier.TaskFailed(ctx, t, summary); err != nil {
			logging.Warning(logging.CategoryNotify, "failure notification failed", "taskId", t.ID, "error", err)
		}
	}
}

// heartbeat keeps the task fresh for the recovery sweep. If the row is no
// longer ours the task context is canceled.
func (c *Coordinator) heartbeat(ctx context.Context, cancel context.CancelFunc, stop <-chan struct{}, id, workerID string) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.store.Heartbeat(ctx, id, workerID)
			if errors.Is(err, ErrInvalidTransition) {
				logging.Warning(logging.CategoryQueue, "task ownership lost, abandoning", "taskId", id, "workerId", workerID)
				cancel()
				return
			}
			if err != nil {
				logging.Warning(logging.CategoryQueue, "heartbeat failed", "taskId", id, "error", err)
			}
		}
	}
}

func (c *Coordinator) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info(logging.CategoryQueue, "recovery loop shutting down")
			return
		case <-ticker.C:
			c.recover(ctx)
		}
	}
}

func (c *Coordinator) recover(ctx context.Context) {
	if c.opts.StaleThreshold <= 0 {
		return
	}
	ids, err := c.store.RecoverStale(ctx, c.opts.StaleThreshold)
	if err != nil {
		logging.Error(logging.CategoryQueue, "stale task recovery failed", "error", err)
		return
	}
	for range ids {
		c.notify()
	}
}
