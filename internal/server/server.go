package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/taskd/internal/dispatch"
	"github.com/danmuck/taskd/internal/observability"
)

// Config is the runtime configuration of one taskd server.
type Config struct {
	ListenAddr    string
	AdminAddr     string
	AdminToken    string
	Workers       int
	BlockingSlots int
	QueueCapacity int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	Digest        dispatch.DigestFunc
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:    "127.0.0.1:8080",
		Workers:       10,
		QueueCapacity: dispatch.DefaultQueueCapacity,
		ReadTimeout:   5 * time.Second,
		WriteTimeout:  5 * time.Second,
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.BlockingSlots <= 0 {
		c.BlockingSlots = c.Workers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout < 0 {
		c.WriteTimeout = 0
	}
	return c
}

// Server accepts task connections and feeds them through the dispatch queue.
type Server struct {
	cfg       Config
	metrics   *observability.ServerMetrics
	queue     *dispatch.Queue
	startedAt time.Time
	ready     atomic.Bool

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func New(cfg Config, metrics *observability.ServerMetrics) *Server {
	cfg = cfg.WithDefaults()
	if metrics == nil {
		metrics = observability.NewServerMetrics()
	}
	return &Server{
		cfg:       cfg,
		metrics:   metrics,
		queue:     dispatch.NewQueue(cfg.QueueCapacity),
		startedAt: time.Now(),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Run binds cfg.ListenAddr and serves until ctx ends or the listener fails.
func Run(ctx context.Context, cfg Config) error {
	cfg = cfg.WithDefaults()
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	return New(cfg, nil).Serve(ctx, ln)
}

func (s *Server) Metrics() *observability.ServerMetrics {
	return s.metrics
}

// Serve starts the worker pool and accepts connections on ln, one handler
// goroutine per connection. It returns nil after ctx is cancelled and the
// listener or admin bind error otherwise. Either way open connections are
// closed and the pool is drained before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	var admin *http.Server
	if strings.TrimSpace(s.cfg.AdminAddr) != "" {
		var err error
		if admin, err = s.startAdmin(s.cfg.AdminAddr); err != nil {
			return err
		}
	}

	pool := dispatch.NewPool(s.queue, s.metrics, dispatch.PoolConfig{
		Workers:       s.cfg.Workers,
		BlockingSlots: s.cfg.BlockingSlots,
		Digest:        s.cfg.Digest,
	})
	poolCtx, stopPool := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPool()
	waitPool := pool.Start(poolCtx)

	log.Info().
		Str("addr", ln.Addr().String()).
		Int("workers", s.cfg.Workers).
		Int("queue_capacity", s.cfg.QueueCapacity).
		Msg("server listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.ready.Store(true)
	err := s.acceptLoop(ctx, ln)
	s.ready.Store(false)

	// Nobody is waiting on queued work once every handler has exited. Running
	// digests finish; items still waiting for an executor slot are dropped.
	s.closeConns()
	s.wg.Wait()
	stopPool()
	s.queue.Close()
	if werr := waitPool(); werr != nil && err == nil {
		err = werr
	}
	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = admin.Shutdown(shutdownCtx)
		cancel()
	}
	log.Info().Uint64("processed_tasks", s.metrics.ProcessedTasks()).Msg("server stopped")
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Warn().Err(err).Msg("server accept timeout")
				continue
			}
			log.Error().Err(err).Msg("server accept failed")
			return err
		}
		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}
