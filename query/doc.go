// Package query defines the message types that flow through the pgqueue
// engine: parameterized queries with their typed parameters, the result sets
// handed to completion callbacks, and the request/response envelopes the
// engine moves between its queues.
//
// A query is built with NewParams for plain SQL, or with a Builder when it
// carries parameters:
//
//	params, err := query.NewBuilder("select name from users where id=$1").
//		AddInt64(42).
//		Build()
//
// Each parameter is encoded the way the PostgreSQL extended protocol expects
// it: a type OID plus the textual value. The OID catalogue comes from pgtype
// so the constants match the server catalog exactly.
//
// Requests and responses are single-owner values. A Request is created by the
// producer, moved into the engine's request queue, consumed by the I/O
// goroutine; its callback travels onward inside the matching Response and is
// finally invoked exactly once by a callback worker (or never, if the request
// was still queued when the engine shut down).
package query
