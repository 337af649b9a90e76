// Package dispatch runs fire-and-forget side effects off the request path.
// Submitters never wait for a task to finish; failures are retried, then
// reported on a channel and kept as dead letters.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/origin-engine/internal/resilience"
)

// Submit errors.
var (
	ErrQueueFull = eris.New("dispatch: queue full")
	ErrClosed    = eris.New("dispatch: dispatcher closed")
)

// Task is one unit of background work.
type Task struct {
	ID      string
	Kind    string
	Payload any
	Run     func(ctx context.Context) error
}

// Failure is a task that exhausted its retries.
type Failure struct {
	Task     Task
	Err      error
	Attempts int
	Class    string
}

// Config sizes the dispatcher.
type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	// TaskTimeout bounds a single attempt.
	TaskTimeout time.Duration
	// DeadLetterLimit caps retained dead letters.
	DeadLetterLimit int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Second
	}
	return c
}

// Dispatcher is a bounded worker pool.
type Dispatcher struct {
	cfg      Config
	policy   resilience.Policy
	tasks    chan Task
	failures chan Failure
	dead     *resilience.DeadLetters

	mu     sync.RWMutex
	closed bool

	failuresOnce sync.Once

	g      *errgroup.Group
	cancel context.CancelFunc
}

// New creates a dispatcher. Call Start before submitting.
func New(cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	policy := resilience.DefaultPolicy().WithAttempts(cfg.MaxAttempts)
	return &Dispatcher{
		cfg:      cfg,
		policy:   policy,
		tasks:    make(chan Task, cfg.QueueSize),
		failures: make(chan Failure, cfg.QueueSize),
		dead:     resilience.NewDeadLetters(cfg.DeadLetterLimit),
	}
}

// WithPolicy replaces the retry policy; used by tests to shorten backoff.
func (d *Dispatcher) WithPolicy(p resilience.Policy) *Dispatcher {
	d.policy = p.WithAttempts(d.cfg.MaxAttempts)
	return d
}

// Start launches the workers. They stop when the queue is closed and drained
// or ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.g, ctx = errgroup.WithContext(ctx)
	for range d.cfg.Workers {
		d.g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case t, ok := <-d.tasks:
					if !ok {
						return nil
					}
					d.run(ctx, t)
				}
			}
		})
	}
	// Workers are the only senders on failures.
	g := d.g
	go func() {
		_ = g.Wait()
		d.closeFailures()
	}()
	zap.L().Info("dispatch: started", zap.Int("workers", d.cfg.Workers), zap.Int("queue_size", d.cfg.QueueSize))
}

func (d *Dispatcher) closeFailures() {
	d.failuresOnce.Do(func() { close(d.failures) })
}

// Submit queues t without blocking.
func (d *Dispatcher) Submit(t Task) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.tasks <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Failures reports tasks that exhausted their retries. Failures are dropped
// when nobody drains the channel fast enough; dead letters keep them all.
// The channel is closed once Shutdown has been called and every worker has
// exited, including after a shutdown deadline.
func (d *Dispatcher) Failures() <-chan Failure {
	return d.failures
}

// DeadLetters returns the retained failures.
func (d *Dispatcher) DeadLetters() *resilience.DeadLetters {
	return d.dead
}

// Pending returns the number of queued tasks.
func (d *Dispatcher) Pending() int {
	return len(d.tasks)
}

// Shutdown stops accepting tasks and waits for queued ones to finish. When ctx
// expires first, the remaining work is abandoned and workers are cancelled.
// Calling it again is safe.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.tasks)
	}
	d.mu.Unlock()

	if d.g == nil {
		d.closeFailures()
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- d.g.Wait() }()

	select {
	case err := <-done:
		d.cancel()
		d.closeFailures()
		return err
	case <-ctx.Done():
		d.cancel()
		zap.L().Warn("dispatch: shutdown deadline reached", zap.Int("abandoned", len(d.tasks)))
		return eris.Wrap(ctx.Err(), "dispatch: shutdown")
	}
}

func (d *Dispatcher) run(ctx context.Context, t Task) {
	attempts := 0
	policy := d.policy
	policy.OnRetry = resilience.LogRetry("dispatch", t.Kind)

	err := resilience.Retry(ctx, policy, func(ctx context.Context) error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.TaskTimeout)
		defer cancel()
		return safeRun(attemptCtx, t)
	})
	if err == nil {
		return
	}

	f := Failure{Task: t, Err: err, Attempts: attempts, Class: resilience.Classify(err)}
	zap.L().Error("dispatch: task failed",
		zap.String("task_id", t.ID),
		zap.String("kind", t.Kind),
		zap.Int("attempts", attempts),
		zap.String("class", f.Class),
		zap.Error(err),
	)

	payload, _ := json.Marshal(t.Payload)
	d.dead.Add(resilience.DeadLetter{
		TaskID:   t.ID,
		Kind:     t.Kind,
		Payload:  payload,
		Error:    err.Error(),
		Class:    f.Class,
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	})

	select {
	case d.failures <- f:
	default:
		zap.L().Warn("dispatch: failure channel full", zap.String("task_id", t.ID))
	}
}

// safeRun turns a panicking task into a permanent failure.
func safeRun(ctx context.Context, t Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = eris.Errorf("dispatch: task %s panicked: %v", t.ID, p)
		}
	}()
	return t.Run(ctx)
}
