//go:build linux

package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vibelife/pgqueue/query"
)

// Config holds the engine's construction parameters. Zero values take the
// documented defaults.
type Config struct {
	// ConnString is any libpq-style connection string (key=value or URI
	// form); it is handed to the connection layer unparsed. Required.
	ConnString string

	// Connections is the number of database connections in the pool.
	// Defaults to 4. Should not exceed the server's connection limit.
	Connections int

	// PipelineDepth is how many queries may be in flight concurrently on a
	// single connection. Defaults to 4.
	PipelineDepth int

	// QueueCapacity bounds the request and response queues. Push blocks
	// when the request queue is full. Defaults to 128.
	QueueCapacity int

	// CallbackWorkers is the number of goroutines invoking completion
	// callbacks. Defaults to 4.
	CallbackWorkers int

	// Logger receives engine lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Connections <= 0 {
		c.Connections = 4
	}
	if c.PipelineDepth <= 0 {
		c.PipelineDepth = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 128
	}
	if c.CallbackWorkers <= 0 {
		c.CallbackWorkers = 4
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Processor is the engine façade: it owns the processing state, the
// connection pool with its I/O goroutine, the response dispatcher and the
// callback worker pool.
type Processor struct {
	st      *state
	pool    *pool
	workers *workerPool
	logger  *slog.Logger

	dispatcherDone chan struct{}
	closeOnce      sync.Once
}

// New connects the pool and starts the engine. All connections are
// established before New returns, so the processor is immediately ready; a
// connection or authentication failure comes back as an error.
func New(cfg Config) (*Processor, error) {
	if cfg.ConnString == "" {
		return nil, errors.New("engine: ConnString is required")
	}
	cfg.applyDefaults()

	st := newState(cfg.QueueCapacity)
	pl, err := newPool(cfg.ConnString, cfg.Connections, cfg.PipelineDepth, st, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	p := &Processor{
		st:             st,
		pool:           pl,
		workers:        newWorkerPool(cfg.CallbackWorkers, cfg.Logger),
		logger:         cfg.Logger,
		dispatcherDone: make(chan struct{}),
	}
	pl.start()
	go p.dispatch()
	return p, nil
}

// Push enqueues a plain SQL command. The callback may be nil for
// fire-and-forget. Push blocks while the request queue is full; after Close
// it is a no-op.
func (p *Processor) Push(sql string, cb query.Callback) {
	p.PushParams(query.NewParams(sql), cb)
}

// PushParams enqueues a parameterized query built with query.Builder. The
// callback may be nil for fire-and-forget. Blocks while the request queue is
// full; after Close it is a no-op.
func (p *Processor) PushParams(params *query.Params, cb query.Callback) {
	if params == nil {
		return
	}
	if p.st.pushRequest(query.Request{Params: params, Callback: cb}) {
		p.pool.wake()
	}
}

// Closing is closed when shutdown begins. Requests queued at that point are
// dropped without their callbacks being invoked.
func (p *Processor) Closing() <-chan struct{} {
	return p.st.quit
}

// dispatch drains the response queue and hands each callback to the worker
// pool. It exits when the I/O goroutine closes the queue at shutdown.
func (p *Processor) dispatch() {
	defer close(p.dispatcherDone)
	for resp := range p.st.responses {
		if resp.Callback == nil {
			continue
		}
		cb, rs := resp.Callback, resp.ResultSet
		p.workers.post(func() { cb(rs) })
	}
}

// Close shuts the engine down. Requests still queued are discarded and their
// callbacks are never invoked; queries already sent to the server are awaited
// and their callbacks run before Close returns. No callback runs after Close
// returns. Close is idempotent.
func (p *Processor) Close() error {
	p.closeOnce.Do(func() {
		dropped := p.st.shutdown()
		if dropped > 0 {
			p.logger.Info("dropped queued requests at shutdown", "count", dropped)
		}
		p.pool.wake()
		<-p.pool.done
		<-p.dispatcherDone
		p.workers.close()
		p.logger.Info("query processor stopped")
	})
	return nil
}
