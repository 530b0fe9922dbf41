package query

// Callback consumes ownership of a ResultSet when its query completes. A nil
// Callback makes the push fire-and-forget: the result is read off the wire
// and discarded, but the query still occupies a pipeline slot until the
// server acknowledges it.
type Callback func(ResultSet)

// Request pairs an encoded query with its completion callback. It is created
// by the producer, moved through the request queue to the I/O goroutine, and
// destroyed once the callback has been moved into the matching Response.
type Request struct {
	Params   *Params
	Callback Callback
}

// Response pairs a completed ResultSet with the callback that should receive
// it. Responses exist only on the response queue, between the I/O goroutine
// and the dispatcher.
type Response struct {
	ResultSet ResultSet
	Callback  Callback
}
