//go:build linux

package engine

import (
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sys/unix"

	"github.com/vibelife/pgqueue/query"
)

// pool owns the connections, the poller, and the single I/O goroutine that
// drives both. Connections are established synchronously during construction
// so a bad connection string or unreachable server surfaces as an error from
// New instead of a crash on a background goroutine.
type pool struct {
	conns  map[int]*connection
	poller *poller
	st     *state
	logger *slog.Logger

	// done is closed when the I/O goroutine has exited; by then every
	// in-flight query has completed and the response queue is closed.
	done chan struct{}
}

func newPool(connString string, connections, depth int, st *state, logger *slog.Logger) (*pool, error) {
	cfg, err := pgconn.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.TLSConfig != nil {
		// TLS negotiation is outside the engine's scope; connections are
		// made in the clear. Disable sslmode explicitly to silence this.
		logger.Info("TLS requested by connection string but not negotiated", "host", cfg.Host)
		cfg.TLSConfig = nil
	}

	poller, err := newPoller()
	if err != nil {
		return nil, err
	}

	p := &pool{
		conns:  make(map[int]*connection, connections),
		poller: poller,
		st:     st,
		logger: logger,
		done:   make(chan struct{}),
	}

	for i := 0; i < connections; i++ {
		c := newConnection(depth)
		if err := c.connect(cfg); err != nil {
			p.closeAll()
			return nil, fmt.Errorf("connection %d of %d: %w", i+1, connections, err)
		}
		if err := p.poller.add(c.fd); err != nil {
			c.close()
			p.closeAll()
			return nil, err
		}
		p.conns[c.fd] = c
		logger.Debug("connection established", "conn_id", c.id, "fd", c.fd)
	}
	logger.Info("connection pool established", "connections", connections, "pipeline_depth", depth)
	return p, nil
}

func (p *pool) start() {
	go p.run()
}

// wake raises the request flag, unblocking the I/O goroutine's wait.
func (p *pool) wake() {
	p.poller.wake()
}

// run is the I/O goroutine: the only goroutine that touches the connections
// and the poller after construction. The loop invariant from the reference
// engine holds here: after draining readiness, any requests that arrived
// while blocked in the wait are dispatched before sleeping on the flag again.
func (p *pool) run() {
	events := make([]unix.EpollEvent, 64)
	for {
		running := p.st.running.Load()
		if running {
			p.dispatch()
		} else if p.allDone() {
			// Queued-but-undispatched requests were dropped by shutdown;
			// everything sent to a server has been answered.
			break
		}

		n, err := p.poller.wait(events)
		if err != nil {
			p.logger.Error("readiness wait failed, stopping I/O loop", "error", err)
			break
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == p.poller.wakeFd {
				p.poller.clearWake()
				continue
			}
			c := p.conns[fd]
			if c == nil {
				continue
			}
			if err := c.drainResults(p.st.responses); err != nil {
				p.dropConn(c, err)
			}
		}
	}

	// Discard requests that raced in after the shutdown drain.
	dropped := 0
	for {
		select {
		case <-p.st.requests:
			dropped++
			continue
		default:
		}
		break
	}
	if dropped > 0 {
		p.logger.Info("dropped queued requests at shutdown", "count", dropped)
	}

	p.closeAll()
	close(p.st.responses)
	close(p.done)
}

// dispatch moves queued requests onto ready connections until either side
// runs out. It never blocks: producers block on queue capacity, the engine
// never blocks on a connection.
func (p *pool) dispatch() {
	for p.hasReady() {
		select {
		case req := <-p.st.requests:
			p.submit(req)
		default:
			return
		}
	}
}

// submit assigns the request to the first ready connection. First-ready-wins
// is deliberate: under saturation every connection is busy and pipeline depth
// smooths the skew.
func (p *pool) submit(req query.Request) {
	for _, c := range p.conns {
		if !c.isReady() {
			continue
		}
		if err := c.send(req); err != nil {
			// The callback was already enqueued on the pending FIFO, so the
			// connection teardown path reports the failure for it.
			p.dropConn(c, err)
		}
		return
	}
	// Every connection died while the request was queued.
	p.st.responses <- query.Response{
		ResultSet: query.ResultSet{ErrorMsg: "no database connections available"},
		Callback:  req.Callback,
	}
}

// dropConn fails the connection's pending queries and removes it from the
// pool. The engine keeps serving on the remaining connections.
func (p *pool) dropConn(c *connection, cause error) {
	p.logger.Error("connection lost", "conn_id", c.id, "fd", c.fd, "error", cause)
	c.failPending(p.st.responses, cause)
	p.poller.remove(c.fd)
	delete(p.conns, c.fd)
	c.close()
}

func (p *pool) hasReady() bool {
	for _, c := range p.conns {
		if c.isReady() {
			return true
		}
	}
	return false
}

func (p *pool) allDone() bool {
	for _, c := range p.conns {
		if !c.isDone() {
			return false
		}
	}
	return true
}

func (p *pool) closeAll() {
	for fd, c := range p.conns {
		c.close()
		delete(p.conns, fd)
	}
	p.poller.close()
}
