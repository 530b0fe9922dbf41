//go:build linux

package engine

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vibelife/pgqueue/internal/pgtest"
	"github.com/vibelife/pgqueue/query"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestProcessor starts an engine against the given fake server and closes
// it with the test.
func newTestProcessor(t *testing.T, srv *pgtest.Server, connections, depth, queueCap, workers int) *Processor {
	t.Helper()
	p, err := New(Config{
		ConnString:      srv.ConnString(),
		Connections:     connections,
		PipelineDepth:   depth,
		QueueCapacity:   queueCap,
		CallbackWorkers: workers,
		Logger:          quietLogger(),
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func waitDone(t *testing.T, done <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestNewRequiresConnString(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing ConnString")
	}
}

func TestNewConnectFailure(t *testing.T) {
	_, err := New(Config{
		ConnString: "host=127.0.0.1 port=1 user=nobody sslmode=disable connect_timeout=1",
		Logger:     quietLogger(),
	})
	if err == nil {
		t.Fatal("expected error connecting to a closed port")
	}
}

func TestNewBadConnString(t *testing.T) {
	_, err := New(Config{ConnString: "host=127.0.0.1 port=notaport", Logger: quietLogger()})
	if err == nil {
		t.Fatal("expected error for malformed connection string")
	}
}

// Scenario: single point read on a single connection.
func TestSinglePointRead(t *testing.T) {
	srv := pgtest.Start(t)
	srv.Handle("select 1", pgtest.Result{
		Columns: []string{"?column?"},
		Rows:    [][]string{{"1"}},
	})
	p := newTestProcessor(t, srv, 1, 1, 128, 1)

	done := make(chan struct{})
	var got query.ResultSet
	p.Push("select 1", func(rs query.ResultSet) {
		got = rs
		close(done)
	})
	waitDone(t, done, "callback")

	if got.IsError() {
		t.Fatalf("unexpected error: %s", got.ErrorMsg)
	}
	if len(got.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(got.Rows))
	}
	if v := got.Rows[0].Get("?column?"); v != "1" {
		t.Errorf("value = %q, want %q", v, "1")
	}
	if len(got.Fields) != 1 || got.Fields[0] != "?column?" {
		t.Errorf("fields = %v, want [?column?]", got.Fields)
	}
	if got.CommandTag != "SELECT 1" {
		t.Errorf("command tag = %q, want %q", got.CommandTag, "SELECT 1")
	}
}

// Scenario: ten-query fan-out on one connection. Callbacks must arrive in
// push order: the pipeline FIFO holds per connection, and a single callback
// worker preserves dispatch order.
func TestPipelineOrderSingleConnection(t *testing.T) {
	srv := pgtest.Start(t)
	srv.HandleFunc("select 1 from tbl where id=$1", func(args []string) pgtest.Result {
		return pgtest.Result{Columns: []string{"id"}, Rows: [][]string{{args[0]}}}
	})
	p := newTestProcessor(t, srv, 1, 4, 128, 1)

	const n = 10
	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		params, err := query.NewBuilder("select 1 from tbl where id=$1").AddInt32(int32(i)).Build()
		if err != nil {
			t.Fatalf("build params: %v", err)
		}
		p.PushParams(params, func(rs query.ResultSet) {
			id, _ := strconv.Atoi(rs.Rows[0].Get("id"))
			mu.Lock()
			order = append(order, id)
			full := len(order) == n
			mu.Unlock()
			if full {
				close(done)
			}
		})
	}
	waitDone(t, done, "callbacks")

	mu.Lock()
	defer mu.Unlock()
	for i, id := range order {
		if id != i {
			t.Fatalf("order = %v, want [0..%d] ascending", order, n-1)
		}
	}
}

// Scenario: ten-query fan-out on ten connections. Order is unconstrained but
// the set of callbacks must be exactly {0..9}.
func TestFanOutAcrossConnections(t *testing.T) {
	srv := pgtest.Start(t)
	srv.HandleFunc("select 1 from tbl where id=$1", func(args []string) pgtest.Result {
		return pgtest.Result{Columns: []string{"id"}, Rows: [][]string{{args[0]}}}
	})
	p := newTestProcessor(t, srv, 10, 1, 128, 4)

	const n = 10
	var mu sync.Mutex
	seen := make(map[int]int)
	done := make(chan struct{})
	total := 0
	for i := 0; i < n; i++ {
		params, err := query.NewBuilder("select 1 from tbl where id=$1").AddInt32(int32(i)).Build()
		if err != nil {
			t.Fatalf("build params: %v", err)
		}
		p.PushParams(params, func(rs query.ResultSet) {
			id, _ := strconv.Atoi(rs.Rows[0].Get("id"))
			mu.Lock()
			seen[id]++
			total++
			full := total == n
			mu.Unlock()
			if full {
				close(done)
			}
		})
	}
	waitDone(t, done, "callbacks")

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		if seen[i] != 1 {
			t.Errorf("id %d invoked %d times, want exactly once", i, seen[i])
		}
	}
}

// Scenario: server error. The callback fires once with empty rows and the
// server's message in ErrorMsg.
func TestServerError(t *testing.T) {
	srv := pgtest.Start(t)
	srv.Handle("select * from does_not_exist", pgtest.Result{
		Err:  `relation "does_not_exist" does not exist`,
		Code: "42P01",
	})
	p := newTestProcessor(t, srv, 1, 1, 128, 1)

	done := make(chan struct{})
	var got query.ResultSet
	p.Push("select * from does_not_exist", func(rs query.ResultSet) {
		got = rs
		close(done)
	})
	waitDone(t, done, "callback")

	if !got.IsError() {
		t.Fatal("expected an error result")
	}
	if !strings.Contains(got.ErrorMsg, "does not exist") {
		t.Errorf("ErrorMsg = %q, want it to mention the missing relation", got.ErrorMsg)
	}
	if len(got.Rows) != 0 {
		t.Errorf("expected no rows with an error, got %d", len(got.Rows))
	}
}

// A failed query aborts its own pipeline slot only; later queries on the same
// connection still succeed.
func TestErrorDoesNotPoisonConnection(t *testing.T) {
	srv := pgtest.Start(t)
	srv.Handle("select boom", pgtest.Result{Err: "boom", Code: "XX000"})
	srv.Handle("select ok", pgtest.Result{Columns: []string{"v"}, Rows: [][]string{{"ok"}}})
	p := newTestProcessor(t, srv, 1, 4, 128, 1)

	results := make(chan query.ResultSet, 2)
	cb := func(rs query.ResultSet) { results <- rs }
	p.Push("select boom", cb)
	p.Push("select ok", cb)

	first := <-results
	second := <-results
	if !first.IsError() {
		t.Errorf("first result should be the error, got %+v", first)
	}
	if second.IsError() {
		t.Errorf("second result should succeed, got error %q", second.ErrorMsg)
	}
	if len(second.Rows) != 1 || second.Rows[0].Get("v") != "ok" {
		t.Errorf("second result rows = %v", second.Rows)
	}
}

// Fire-and-forget pushes occupy a pipeline slot but skip dispatch. A tracked
// query behind them on the same connection still completes.
func TestFireAndForget(t *testing.T) {
	srv := pgtest.Start(t)
	srv.Handle("select tracked", pgtest.Result{Columns: []string{"v"}, Rows: [][]string{{"yes"}}})
	p := newTestProcessor(t, srv, 1, 2, 128, 1)

	for i := 0; i < 5; i++ {
		p.Push("select ignored", nil)
	}
	done := make(chan struct{})
	p.Push("select tracked", func(rs query.ResultSet) {
		close(done)
	})
	waitDone(t, done, "tracked callback behind fire-and-forget pushes")
}

// Result-set fidelity: R rows with F fields arrive with exactly the server's
// textual values.
func TestResultSetFidelity(t *testing.T) {
	srv := pgtest.Start(t)
	srv.Handle("select id, email from user_account", pgtest.Result{
		Columns: []string{"id", "email"},
		Rows: [][]string{
			{"1", "a@example.com"},
			{"2", "b@example.com"},
			{"3", ""},
		},
	})
	p := newTestProcessor(t, srv, 1, 1, 128, 1)

	done := make(chan struct{})
	var got query.ResultSet
	p.Push("select id, email from user_account", func(rs query.ResultSet) {
		got = rs
		close(done)
	})
	waitDone(t, done, "callback")

	if len(got.Rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(got.Rows))
	}
	for i, want := range []struct{ id, email string }{
		{"1", "a@example.com"}, {"2", "b@example.com"}, {"3", ""},
	} {
		row := got.Rows[i]
		if len(row) != 2 {
			t.Errorf("row %d has %d fields, want 2", i, len(row))
		}
		if row.Get("id") != want.id || row.Get("email") != want.email {
			t.Errorf("row %d = %v, want id=%q email=%q", i, row, want.id, want.email)
		}
	}
}

// Stress: every push gets exactly one callback under sustained pipelined
// load across multiple connections.
func TestStressManyQueries(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}
	srv := pgtest.Start(t)
	srv.HandleFunc("select 1 from tbl where id=$1", func(args []string) pgtest.Result {
		return pgtest.Result{Columns: []string{"id"}, Rows: [][]string{{args[0]}}}
	})

	const n = 20000
	p := newTestProcessor(t, srv, 8, 16, n, 4)

	var count atomic.Int64
	done := make(chan struct{})
	cb := func(rs query.ResultSet) {
		if count.Add(1) == n {
			close(done)
		}
	}
	for i := 0; i < n; i++ {
		params, err := query.NewBuilder("select 1 from tbl where id=$1").AddInt32(int32(i)).Build()
		if err != nil {
			t.Fatalf("build params: %v", err)
		}
		p.PushParams(params, cb)
	}
	waitDone(t, done, fmt.Sprintf("%d callbacks", n))

	if got := count.Load(); got != n {
		t.Fatalf("callback count = %d, want %d", got, n)
	}
}

// Early shutdown with queued work: callbacks run for the subset dispatched
// before shutdown, the rest are dropped, Close returns, and nothing runs
// after Close.
func TestEarlyShutdownDropsQueuedWork(t *testing.T) {
	srv := pgtest.Start(t)
	srv.SetDelay(200 * time.Microsecond)
	p := newTestProcessor(t, srv, 1, 4, 4000, 1)

	const n = 2000
	var invoked atomic.Int64
	var afterClose atomic.Bool
	var lateCallback atomic.Bool
	for i := 0; i < n; i++ {
		p.Push("select 1", func(rs query.ResultSet) {
			if afterClose.Load() {
				lateCallback.Store(true)
			}
			invoked.Add(1)
		})
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	afterClose.Store(true)

	got := invoked.Load()
	if got > n {
		t.Fatalf("invoked = %d, more callbacks than pushes", got)
	}
	if got == n {
		t.Logf("all %d callbacks ran before shutdown; drop path not exercised this run", n)
	}

	// Pushes after Close are no-ops.
	p.Push("select 1", func(rs query.ResultSet) {
		lateCallback.Store(true)
	})
	time.Sleep(50 * time.Millisecond)
	if lateCallback.Load() {
		t.Fatal("a callback ran after Close returned")
	}
	if invoked.Load() != got {
		t.Fatalf("callback count changed after Close: %d -> %d", got, invoked.Load())
	}
}

// A panicking callback is contained: the engine keeps serving and shuts down
// cleanly.
func TestCallbackPanicContained(t *testing.T) {
	srv := pgtest.Start(t)
	p := newTestProcessor(t, srv, 1, 2, 128, 2)

	p.Push("select 1", func(rs query.ResultSet) {
		panic("callback exploded")
	})

	done := make(chan struct{})
	p.Push("select 1", func(rs query.ResultSet) {
		close(done)
	})
	waitDone(t, done, "callback after a panicking callback")
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := pgtest.Start(t)
	p := newTestProcessor(t, srv, 1, 1, 128, 1)
	if err := p.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestCleartextAuth(t *testing.T) {
	srv := pgtest.Start(t)
	srv.SetAuth(pgtest.AuthCleartext, "alice", "wonderland")
	srv.Handle("select 1", pgtest.Result{Columns: []string{"?column?"}, Rows: [][]string{{"1"}}})
	p := newTestProcessor(t, srv, 1, 1, 128, 1)

	done := make(chan struct{})
	p.Push("select 1", func(rs query.ResultSet) { close(done) })
	waitDone(t, done, "callback over cleartext-auth connection")
}

func TestMD5Auth(t *testing.T) {
	srv := pgtest.Start(t)
	srv.SetAuth(pgtest.AuthMD5, "bob", "builder")
	srv.Handle("select 1", pgtest.Result{Columns: []string{"?column?"}, Rows: [][]string{{"1"}}})
	p := newTestProcessor(t, srv, 1, 1, 128, 1)

	done := make(chan struct{})
	p.Push("select 1", func(rs query.ResultSet) { close(done) })
	waitDone(t, done, "callback over md5-auth connection")
}

func TestAuthFailure(t *testing.T) {
	srv := pgtest.Start(t)
	srv.SetAuth(pgtest.AuthCleartext, "alice", "rightpass")
	connString := strings.Replace(srv.ConnString(), "password=rightpass", "password=wrongpass", 1)

	_, err := New(Config{ConnString: connString, Logger: quietLogger()})
	if err == nil {
		t.Fatal("expected authentication failure")
	}
	if !strings.Contains(err.Error(), "authentication failed") {
		t.Errorf("error = %v, want it to mention authentication", err)
	}
}
