// Package worker bounds how many goroutines the transport layer spends on
// in-flight DNS requests: a goroutine-per-datagram or goroutine-per-TCP-
// connection model has no backpressure, so a burst of slow upstream hops
// can pile up unboundedly. Pool caps that at a fixed worker count and
// reports the queue pressure to internal/metrics so an operator can see a
// resolver approaching saturation before requests start timing out.
package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dnsresolved/dnsresolved/internal/metrics"
)

var (
	// ErrPoolClosed is returned by Submit/TrySubmit/SubmitAsync once Close
	// has been called.
	ErrPoolClosed = errors.New("worker pool closed")

	// ErrJobTimeout is returned by Submit and SubmitAsync when no queue
	// slot freed up within Config.QueueTimeout (for Submit with no
	// QueueTimeout, when ctx ended first).
	ErrJobTimeout = errors.New("job timed out waiting in queue")

	// ErrQueueFull is returned by TrySubmit whenever the queue has no room,
	// and by SubmitAsync when the queue has no room and no QueueTimeout is
	// configured to wait it out.
	ErrQueueFull = errors.New("job queue is full")
)

// Job is one unit of dispatcher work: parsing, resolving, and serializing
// a single DNS request. internal/transport wraps each accepted datagram or
// connection handler in a Job before submitting it to a Pool.
type Job interface {
	Execute(ctx context.Context) error
}

// JobFunc adapts a plain function to Job.
type JobFunc func(ctx context.Context) error

func (f JobFunc) Execute(ctx context.Context) error { return f(ctx) }

// Config configures a Pool.
type Config struct {
	// Workers is the number of goroutines draining the queue. Defaults to
	// runtime.NumCPU() * 4, generous headroom for a workload that's mostly
	// blocked on upstream network I/O rather than CPU-bound.
	Workers int

	// QueueSize bounds how many accepted-but-not-yet-running jobs may
	// wait. Defaults to Workers * 100.
	QueueSize int

	// QueueTimeout caps how long Submit and SubmitAsync wait for a free
	// queue slot before rejecting the job with ErrJobTimeout; once queued,
	// a job waits for a worker without a limit. Zero means no timeout:
	// SubmitAsync fails fast with ErrQueueFull, and Submit waits until ctx
	// ends. TrySubmit never waits for a slot.
	QueueTimeout time.Duration

	// PanicHandler, if set, is called with the recovered value whenever a
	// Job panics, so the pool's own worker goroutine survives.
	PanicHandler func(interface{})
}

// Pool is a fixed-size worker pool draining a bounded job queue.
type Pool struct {
	workers      int
	queue        chan *jobWrapper
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	closed       atomic.Bool
	queueSize    int
	queueTimeout time.Duration

	panicHandler func(interface{})

	jobsSubmitted atomic.Uint64
	jobsCompleted atomic.Uint64
	jobsRejected  atomic.Uint64
	jobsFailed    atomic.Uint64
	jobsTimedOut  atomic.Uint64
	totalLatency  atomic.Uint64 // nanoseconds, for GetStats' average
}

type jobWrapper struct {
	job      Job
	ctx      context.Context
	resultCh chan error
}

// NewPool builds a Pool and starts its worker goroutines.
func NewPool(cfg Config) *Pool {
	if cfg.Workers == 0 {
		cfg.Workers = runtime.NumCPU() * 4
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = cfg.Workers * 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		workers:      cfg.Workers,
		queue:        make(chan *jobWrapper, cfg.QueueSize),
		ctx:          ctx,
		cancel:       cancel,
		queueSize:    cfg.QueueSize,
		queueTimeout: cfg.QueueTimeout,
		panicHandler: cfg.PanicHandler,
	}

	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case wrapper, ok := <-p.queue:
			if !ok {
				return
			}
			metrics.WorkerQueueDepth.Set(float64(len(p.queue)))
			p.executeJob(wrapper)
		}
	}
}

func (p *Pool) executeJob(wrapper *jobWrapper) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			select {
			case wrapper.resultCh <- errors.New("job panicked"):
			default:
			}
			p.jobsFailed.Add(1)
		}
	}()

	start := time.Now()
	err := wrapper.job.Execute(wrapper.ctx)
	p.totalLatency.Add(uint64(time.Since(start).Nanoseconds()))

	select {
	case wrapper.resultCh <- err:
	default:
		// Caller gave up (timed out or context canceled) before the job
		// finished; nothing left to deliver the result to.
	}

	if err != nil {
		p.jobsFailed.Add(1)
	} else {
		p.jobsCompleted.Add(1)
	}
}

// Submit queues job and blocks until it completes or ctx is canceled.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.jobsSubmitted.Add(1)

	wrapper := &jobWrapper{job: job, ctx: ctx, resultCh: make(chan error, 1)}

	var timeoutCtx context.Context
	if p.queueTimeout > 0 {
		var cancel context.CancelFunc
		timeoutCtx, cancel = context.WithTimeout(ctx, p.queueTimeout)
		defer cancel()
	} else {
		timeoutCtx = ctx
	}

	select {
	case p.queue <- wrapper:
		metrics.WorkerQueueDepth.Set(float64(len(p.queue)))
		select {
		case err := <-wrapper.resultCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}

	case <-timeoutCtx.Done():
		p.jobsTimedOut.Add(1)
		metrics.WorkerJobsRejected.Inc()
		return ErrJobTimeout

	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// TrySubmit queues job without blocking, returning ErrQueueFull if the
// queue has no room, then waits for the result.
func (p *Pool) TrySubmit(ctx context.Context, job Job) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.jobsSubmitted.Add(1)

	wrapper := &jobWrapper{job: job, ctx: ctx, resultCh: make(chan error, 1)}

	select {
	case p.queue <- wrapper:
		metrics.WorkerQueueDepth.Set(float64(len(p.queue)))
		select {
		case err := <-wrapper.resultCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}

	default:
		p.jobsRejected.Add(1)
		metrics.WorkerJobsRejected.Inc()
		return ErrQueueFull
	}
}

// SubmitAsync queues job and returns as soon as it is accepted, without
// waiting for it to run. internal/transport uses this so a slow
// resolution never blocks the UDP read loop or TCP accept loop.
func (p *Pool) SubmitAsync(ctx context.Context, job Job) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.jobsSubmitted.Add(1)

	wrapper := &jobWrapper{job: job, ctx: ctx, resultCh: make(chan error, 1)}

	if p.queueTimeout > 0 {
		timeoutCtx, cancel := context.WithTimeout(ctx, p.queueTimeout)
		defer cancel()

		select {
		case p.queue <- wrapper:
			metrics.WorkerQueueDepth.Set(float64(len(p.queue)))
			return nil
		case <-timeoutCtx.Done():
			p.jobsTimedOut.Add(1)
			metrics.WorkerJobsRejected.Inc()
			return ErrJobTimeout
		case <-p.ctx.Done():
			return ErrPoolClosed
		}
	}

	select {
	case p.queue <- wrapper:
		metrics.WorkerQueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		p.jobsRejected.Add(1)
		metrics.WorkerJobsRejected.Inc()
		return ErrQueueFull
	}
}

// Close stops accepting new jobs and waits for in-flight ones to finish.
func (p *Pool) Close() error {
	if p.closed.Swap(true) {
		return ErrPoolClosed
	}
	close(p.queue)
	p.wg.Wait()
	p.cancel()
	metrics.WorkerQueueDepth.Set(0)
	return nil
}

// Stats reports cumulative pool counters.
type Stats struct {
	Workers      int
	QueueSize    int
	QueueDepth   int
	Submitted    uint64
	Completed    uint64
	Rejected     uint64
	Failed       uint64
	TimedOut     uint64
	AvgLatencyNs uint64
}

// GetStats snapshots the pool's current counters.
func (p *Pool) GetStats() Stats {
	completed := p.jobsCompleted.Load()
	totalLatency := p.totalLatency.Load()

	var avgLatency uint64
	if completed > 0 {
		avgLatency = totalLatency / completed
	}

	return Stats{
		Workers:      p.workers,
		QueueSize:    p.queueSize,
		QueueDepth:   len(p.queue),
		Submitted:    p.jobsSubmitted.Load(),
		Completed:    completed,
		Rejected:     p.jobsRejected.Load(),
		Failed:       p.jobsFailed.Load(),
		TimedOut:     p.jobsTimedOut.Load(),
		AvgLatencyNs: avgLatency,
	}
}

// QueueDepth returns the number of jobs currently queued, waiting for a
// free worker.
func (p *Pool) QueueDepth() int {
	return len(p.queue)
}
