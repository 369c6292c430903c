package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/taskd/internal/hashing"
	"github.com/danmuck/taskd/internal/observability"
	"github.com/danmuck/taskd/internal/protocol"
)

const (
	OutcomeSuccess        = "success"
	OutcomeNotImplemented = "not_implemented"
	OutcomeIOError        = "io_error"
	OutcomeFailed         = "failed"
)

// DigestFunc computes the hex digest of path.
type DigestFunc func(alg protocol.HashAlgorithm, path protocol.FilePath) (string, error)

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Workers       int
	BlockingSlots int
	Digest        DigestFunc
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Workers: 10, BlockingSlots: 10, Digest: hashing.Digest}
}

// Pool is a fixed set of workers draining one shared Queue.
type Pool struct {
	queue   *Queue
	metrics *observability.ServerMetrics
	exec    *Executor
	digest  DigestFunc
	workers int
}

func NewPool(queue *Queue, metrics *observability.ServerMetrics, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BlockingSlots <= 0 {
		cfg.BlockingSlots = cfg.Workers
	}
	if cfg.Digest == nil {
		cfg.Digest = hashing.Digest
	}
	if metrics == nil {
		metrics = observability.NewServerMetrics()
	}
	return &Pool{
		queue:   queue,
		metrics: metrics,
		exec:    NewExecutor(cfg.BlockingSlots),
		digest:  cfg.Digest,
		workers: cfg.Workers,
	}
}

// Run starts every worker and blocks until all of them exit, which happens
// once the queue is closed and drained. Cancelling ctx makes workers drop
// items that are still waiting for an executor slot.
func (p *Pool) Run(ctx context.Context) error {
	var eg errgroup.Group
	for id := 0; id < p.workers; id++ {
		eg.Go(func() error {
			p.work(ctx, id)
			return nil
		})
	}
	return eg.Wait()
}

// Start runs the pool in the background and returns a function that waits for it.
func (p *Pool) Start(ctx context.Context) (wait func() error) {
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() error { return <-done }
}

func (p *Pool) work(ctx context.Context, id int) {
	log.Debug().Int("worker", id).Msg("dispatch.Pool worker started")
	for item := range p.queue.Items() {
		observability.SetQueueDepth(p.queue.Len())
		p.process(ctx, id, item)
	}
	log.Debug().Int("worker", id).Msg("dispatch.Pool worker stopped")
}

func (p *Pool) process(ctx context.Context, id int, item WorkItem) {
	p.metrics.TaskStarted()
	alg := item.Packet.Algorithm()
	path := item.Packet.Path()
	start := time.Now()

	var (
		hexDigest string
		err       error
	)
	if path.IsRemote() {
		err = fmt.Errorf("%w: remote path", hashing.ErrNotImplemented)
	} else {
		hexDigest, err = p.exec.Do(ctx, func() (string, error) {
			return p.digest(alg, path)
		})
		if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			log.Warn().Int("worker", id).Str("conn", item.ConnID).Msg("dispatch.Pool dropping task on shutdown")
			item.responder.Drop()
			return
		}
	}

	outcome := classify(err)
	observability.RecordTask(alg.String(), outcome, time.Since(start))

	ev := log.Debug()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Int("worker", id).
		Str("conn", item.ConnID).
		Str("algorithm", alg.String()).
		Str("outcome", outcome).
		Dur("wait", start.Sub(item.EnqueuedAt)).
		Dur("duration", time.Since(start)).
		Msg("dispatch.Pool task complete")

	resp := protocol.Failed()
	if err == nil {
		resp = protocol.Success(hexDigest)
	}
	item.responder.Respond(protocol.NewResponse(resp))
}

// classify keeps the not-implemented / local I/O distinction for logs and
// metrics. Both collapse to Failed on the wire.
func classify(err error) string {
	var ioErr *hashing.IoError
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, hashing.ErrNotImplemented):
		return OutcomeNotImplemented
	case errors.As(err, &ioErr):
		return OutcomeIOError
	default:
		return OutcomeFailed
	}
}
