//go:build linux

// Package driver implements a database/sql/driver adapter over the pgqueue
// engine, so the asynchronous pipelined core can back ordinary synchronous
// database/sql (and sqlx) code.
//
// The usual entry point wraps an existing engine.Processor, sharing its
// connection pool across every database/sql connection:
//
//	proc, err := engine.New(engine.Config{ConnString: dsn})
//	if err != nil {
//		// handle error
//	}
//	db := driver.Open(proc)
//	defer db.Close()
//	defer proc.Close()
//
// Alternatively the driver registers itself under the name "pgqueue", and
// sql.Open("pgqueue", dsn) gives each database/sql connection a private
// engine with default pool settings. Prefer Open with a shared processor;
// database/sql's own pooling multiplies engines otherwise.
//
// Each Query or Exec becomes one push whose callback fulfills a channel the
// calling goroutine waits on, converting the engine's callback model back
// into the blocking call database/sql expects. Per-query server errors come
// back as ordinary errors; rows are fully materialized before Query returns,
// matching the engine's non-streaming result sets.
//
// Limitations: transactions are not supported (Begin returns an error, by
// design — the engine interleaves queries from many callers across its
// pipelined connections), and LastInsertId is unavailable (PostgreSQL
// reports no insert id; use RETURNING).
package driver
