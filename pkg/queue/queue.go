package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/luxapientia/alphacore/pkg/events"
	"github.com/luxapientia/alphacore/pkg/log"
	"github.com/luxapientia/alphacore/pkg/metrics"
	"github.com/luxapientia/alphacore/pkg/store"
	"github.com/luxapientia/alphacore/pkg/tap"
	"github.com/luxapientia/alphacore/pkg/types"
)

var (
	// ErrQueueFull is returned when the bounded queue refuses a submission
	ErrQueueFull = errors.New("queue full")

	// ErrNotReady is returned before the pool has started or while no access
	// token is available
	ErrNotReady = errors.New("pool not ready")

	// ErrUnknownJob is returned when cancelling a job the pool does not hold
	ErrUnknownJob = errors.New("unknown job")
)

// Runner executes one job inside the sandbox. The context carries the
// cancellation signal; the per-job timeout is enforced by the runner itself.
type Runner interface {
	Run(ctx context.Context, job *types.Job, tapDevice, accessToken string) (*types.Result, error)
}

// TokenSource provides the short-lived cloud access token
type TokenSource interface {
	Current(ctx context.Context) (string, error)
	Ready() bool
}

// itemState tracks an item through the queue under the pool lock
type itemState int

const (
	stateQueued itemState = iota
	stateRunning
	stateCancelled
	stateFinished
)

type item struct {
	job    *types.Job
	state  itemState
	cancel context.CancelFunc // set while running
	done   chan struct{}
}

// Pool is a fixed-size worker pool over a bounded FIFO queue. Each worker
// owns one TAP device per running job and at most one microVM at a time.
type Pool struct {
	workers int
	taps    *tap.Pool
	tokens  TokenSource
	runner  Runner
	store   *store.Store
	broker  *events.Broker
	logger  zerolog.Logger

	queue chan *item
	seq   atomic.Uint64
	idle  atomic.Int32

	mu      sync.Mutex
	items   map[string]*item
	started bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an unstarted pool. The TAP pool must hold at least workers
// devices; Discover enforces that before the pool is built.
func New(workers, queueSize int, taps *tap.Pool, tokens TokenSource, runner Runner, st *store.Store, broker *events.Broker) (*Pool, error) {
	if taps.Size() < workers {
		return nil, fmt.Errorf("tap pool holds %d devices, need %d", taps.Size(), workers)
	}
	return &Pool{
		workers: workers,
		taps:    taps,
		tokens:  tokens,
		runner:  runner,
		store:   st,
		broker:  broker,
		logger:  log.WithComponent("pool"),
		queue:   make(chan *item, queueSize),
		items:   make(map[string]*item),
		stopCh:  make(chan struct{}),
	}, nil
}

// Start launches the workers
func (p *Pool) Start() {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.idle.Store(int32(p.workers))
	metrics.WorkersIdle.Set(float64(p.workers))

	p.logger.Info().Int("workers", p.workers).Int("queue", cap(p.queue)).Msg("Worker pool started")
}

// Stop refuses new submissions, cancels queued jobs, and waits for running
// jobs to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.started = false
	p.mu.Unlock()

	// Drain queued items before signalling the workers
drain:
	for {
		select {
		case it := <-p.queue:
			p.finishQueuedCancel(it, "service shutting down")
		default:
			break drain
		}
	}

	close(p.stopCh)
	p.wg.Wait()
}

// Enqueue admits a job to the queue. The job must already be registered with
// the store. Returns ErrQueueFull when the queue is at capacity and
// ErrNotReady while the credential manager holds no live token.
func (p *Pool) Enqueue(job *types.Job) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotReady
	}
	p.mu.Unlock()

	if !p.tokens.Ready() {
		return ErrNotReady
	}

	job.Seq = p.seq.Add(1)
	job.Status = types.JobStatusQueued
	job.EnqueuedAt = time.Now()

	it := &item{job: job, done: make(chan struct{})}

	p.mu.Lock()
	p.items[job.ID] = it
	p.mu.Unlock()

	select {
	case p.queue <- it:
	default:
		p.mu.Lock()
		delete(p.items, job.ID)
		p.mu.Unlock()
		return ErrQueueFull
	}

	metrics.QueueDepth.Set(float64(len(p.queue)))
	p.broker.PublishJob(events.EventJobQueued, job.ID, job.TaskID, "job queued")
	return nil
}

// Wait blocks until the job reaches a terminal state. A cancelled context
// stops the wait but never the job; a disconnected submitter's job runs to
// completion.
func (p *Pool) Wait(ctx context.Context, jobID string) error {
	p.mu.Lock()
	it, ok := p.items[jobID]
	p.mu.Unlock()
	if !ok {
		// Already terminal
		return nil
	}

	select {
	case <-it.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel cancels a job. Queued jobs are removed in O(1) without touching any
// worker; running jobs get their context cancelled and the owning worker
// escalates to the sandbox.
func (p *Pool) Cancel(jobID string) error {
	p.mu.Lock()
	it, ok := p.items[jobID]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownJob
	}

	switch it.state {
	case stateQueued:
		it.state = stateCancelled
		p.mu.Unlock()
		p.finishQueuedCancel(it, "cancelled while queued")
		return nil
	case stateRunning:
		cancel := it.cancel
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	}
	p.mu.Unlock()
	return nil
}

// finishQueuedCancel terminalizes a job that never reached a worker
func (p *Pool) finishQueuedCancel(it *item, reason string) {
	p.mu.Lock()
	if it.state == stateFinished {
		p.mu.Unlock()
		return
	}
	it.state = stateFinished
	delete(p.items, it.job.ID)
	p.mu.Unlock()

	it.job.Status = types.JobStatusCancelled
	it.job.FinishedAt = time.Now()
	it.job.Error = reason
	if err := p.store.Update(it.job); err != nil {
		p.logger.Error().Err(err).Str("job_id", it.job.ID).Msg("Failed to persist cancelled job")
	}

	metrics.JobsTotal.WithLabelValues(string(types.JobStatusCancelled)).Inc()
	metrics.QueueDepth.Set(float64(len(p.queue)))
	p.broker.PublishJob(events.EventJobCancelled, it.job.ID, it.job.TaskID, reason)
	close(it.done)
}

// Depth returns the current queue depth
func (p *Pool) Depth() int { return len(p.queue) }

// Idle returns the number of idle workers
func (p *Pool) Idle() int { return int(p.idle.Load()) }

// Total returns the worker count
func (p *Pool) Total() int { return p.workers }

// Ready reports whether the pool accepts submissions
func (p *Pool) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// worker is one executor goroutine. A panic while executing a job fails that
// job and replaces the worker; the pool never dies with a job.
func (p *Pool) worker(id int) {
	defer p.wg.Done()
	logger := log.WithWorker(id)

	for {
		select {
		case it := <-p.queue:
			metrics.QueueDepth.Set(float64(len(p.queue)))
			p.execute(logger, it)
		case <-p.stopCh:
			return
		}
	}
}

// execute runs one item start to finish, guaranteeing TAP return and a
// terminal store update on every exit path.
func (p *Pool) execute(logger zerolog.Logger, it *item) {
	p.mu.Lock()
	if it.state == stateCancelled || it.state == stateFinished {
		p.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	it.state = stateRunning
	it.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	job := it.job
	p.idle.Add(-1)
	metrics.WorkersIdle.Set(float64(p.idle.Load()))
	defer func() {
		p.idle.Add(1)
		metrics.WorkersIdle.Set(float64(p.idle.Load()))
	}()

	timer := metrics.NewTimer()

	var tapDev string
	var result *types.Result
	var runErr error

	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("worker panic: %v", r)
				logger.Error().Str("job_id", job.ID).Interface("panic", r).Msg("Worker panicked executing job")
			}
		}()

		tapDev, runErr = p.taps.Acquire(job.ID)
		if runErr != nil {
			runErr = fmt.Errorf("failed to acquire tap device: %w", runErr)
			return
		}

		tok, err := p.tokens.Current(runCtx)
		if err != nil {
			runErr = fmt.Errorf("failed to obtain access token: %w", err)
			return
		}

		job.Status = types.JobStatusRunning
		job.StartedAt = time.Now()
		job.TAPDevice = tapDev
		if err := p.store.Update(job); err != nil {
			log.ForJob(job).Error().Err(err).Msg("Failed to persist running job")
		}
		p.broker.PublishJob(events.EventJobStarted, job.ID, job.TaskID, "job started")
		log.ForJob(job).Info().Int("timeout_s", job.TimeoutS).Msg("Job started")

		result, runErr = p.runner.Run(runCtx, job, tapDev, tok)
	}()

	// TAP return is exactly-once: the worker is the only holder and this is
	// the only release site.
	if tapDev != "" {
		if err := p.taps.Release(tapDev); err != nil {
			logger.Error().Err(err).Str("tap", tapDev).Msg("Failed to release tap device")
		}
	}

	p.finalize(it, result, runErr, runCtx.Err() != nil)
	timer.ObserveDuration(metrics.JobDuration)
}

func (p *Pool) finalize(it *item, result *types.Result, runErr error, cancelled bool) {
	job := it.job
	job.FinishedAt = time.Now()

	var evType events.EventType
	switch {
	case cancelled:
		job.Status = types.JobStatusCancelled
		job.Error = "cancelled"
		if result == nil {
			result = types.FailResult("job cancelled")
		}
		job.Result = result
		evType = events.EventJobCancelled
	case runErr != nil:
		job.Status = types.JobStatusFailed
		job.Error = runErr.Error()
		if result == nil {
			result = types.FailResult(runErr.Error())
		}
		job.Result = result
		evType = events.EventJobFailed
	default:
		job.Status = types.JobStatusDone
		if result == nil {
			result = types.FailResult("runner produced no result")
		}
		job.Result = result
		evType = events.EventJobDone
	}

	p.mu.Lock()
	it.state = stateFinished
	delete(p.items, job.ID)
	p.mu.Unlock()

	if err := p.store.Update(job); err != nil {
		log.ForJob(job).Error().Err(err).Msg("Failed to persist terminal job")
	}

	metrics.JobsTotal.WithLabelValues(string(job.Status)).Inc()
	p.broker.PublishJob(evType, job.ID, job.TaskID, string(job.Status))
	log.ForJob(job).Info().Str("status", string(job.Status)).Msg("Job finished")

	close(it.done)
}
