//go:build linux

// Package engine implements the pgqueue request/response core: a bounded
// request queue, a fixed pool of pipelined PostgreSQL connections driven by a
// single I/O goroutine over an edge-triggered epoll set, and a dispatcher plus
// callback worker pool that deliver results back to application code.
//
// # Usage
//
//	proc, err := engine.New(engine.Config{
//		ConnString:  "host=/var/run/postgresql dbname=app user=app",
//		Connections: 8,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer proc.Close()
//
//	proc.Push("select 1", func(rs query.ResultSet) {
//		// runs on a callback worker goroutine
//	})
//
// Push never blocks on a connection; it blocks only when the request queue is
// full, which is the engine's sole back-pressure mechanism. Queries assigned
// to the same connection complete in push order; across connections there is
// no ordering guarantee.
//
// # Threading
//
// One I/O goroutine owns every connection, the epoll set and the eventfd used
// as the request wake flag; no locks guard them. One dispatcher goroutine
// drains the response queue. A fixed set of worker goroutines invokes user
// callbacks; a panicking callback is contained and logged, never fatal.
//
// Close drops requests still queued (their callbacks are not invoked), awaits
// queries already sent to the server (their callbacks are invoked), then
// drains the workers. No callback runs after Close returns.
package engine
