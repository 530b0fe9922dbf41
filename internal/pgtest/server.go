// Package pgtest provides an in-process PostgreSQL wire-protocol server for
// exercising the engine over real TCP sockets. It speaks the v3 protocol via
// pgproto3's Backend: extended-protocol queries with pipeline syncs, the
// simple query protocol, and trust/cleartext/md5 authentication. Results are
// canned per query text, optionally computed from the bound parameters.
package pgtest

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
)

// AuthMode selects the authentication exchange the server demands.
type AuthMode int

const (
	AuthTrust AuthMode = iota
	AuthCleartext
	AuthMD5
)

// Result is a canned query outcome. A non-empty Err is sent as an
// ErrorResponse with the given SQLSTATE (default "XX000") and aborts the
// pipeline until the next sync, exactly like a real server.
type Result struct {
	Columns []string
	Rows    [][]string
	Tag     string
	Err     string
	Code    string
}

// Handler computes a Result from the textual parameter values bound to the
// query.
type Handler func(args []string) Result

// Server is the fake database server. All configuration methods are safe to
// call while connections are being served.
type Server struct {
	ln net.Listener
	wg sync.WaitGroup

	mu       sync.Mutex
	handlers map[string]Handler
	delay    time.Duration
	auth     AuthMode
	user     string
	password string
	conns    map[net.Conn]struct{}
	nextPID  uint32
	closed   bool
}

// Start listens on a loopback port and serves until the test ends.
func Start(t *testing.T) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pgtest: listen: %v", err)
	}
	s := &Server{
		ln:       ln,
		handlers: make(map[string]Handler),
		user:     "test",
		password: "secret",
		conns:    make(map[net.Conn]struct{}),
		nextPID:  1000,
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// ConnString returns a connection string pointing at the server.
func (s *Server) ConnString() string {
	host, port, _ := net.SplitHostPort(s.ln.Addr().String())
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=testdb sslmode=disable",
		host, port, s.user, s.password)
}

// Handle cans a fixed result for the exact query text.
func (s *Server) Handle(sql string, r Result) {
	s.HandleFunc(sql, func([]string) Result { return r })
}

// HandleFunc computes the result from the bound parameters at execute time.
func (s *Server) HandleFunc(sql string, fn Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[sql] = fn
}

// SetDelay makes every execute sleep, simulating server-side latency.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// SetAuth selects the authentication exchange. Must be called before clients
// connect.
func (s *Server) SetAuth(mode AuthMode, user, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = mode
	s.user = user
	s.password = password
}

// Close stops the listener and tears down every open connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.ln.Close()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		pid := s.nextPID
		s.nextPID++
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn, pid)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

func (s *Server) serve(conn net.Conn, pid uint32) {
	defer conn.Close()
	backend := pgproto3.NewBackend(conn, conn)

	for {
		startup, err := backend.ReceiveStartupMessage()
		if err != nil {
			return
		}
		switch startup.(type) {
		case *pgproto3.SSLRequest, *pgproto3.GSSEncRequest:
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return
			}
			continue
		case *pgproto3.StartupMessage:
		default:
			return
		}
		break
	}

	if !s.authenticate(backend) {
		return
	}

	backend.Send(&pgproto3.AuthenticationOk{})
	backend.Send(&pgproto3.ParameterStatus{Name: "server_version", Value: "16.3"})
	backend.Send(&pgproto3.BackendKeyData{ProcessID: pid, SecretKey: 0xcafe})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	if err := backend.Flush(); err != nil {
		return
	}

	s.queryLoop(backend)
}

func (s *Server) authenticate(backend *pgproto3.Backend) bool {
	s.mu.Lock()
	mode, user, password := s.auth, s.user, s.password
	s.mu.Unlock()

	switch mode {
	case AuthTrust:
		return true
	case AuthCleartext:
		backend.Send(&pgproto3.AuthenticationCleartextPassword{})
		if err := backend.Flush(); err != nil {
			return false
		}
		backend.SetAuthType(pgproto3.AuthTypeCleartextPassword)
		pw, ok := s.receivePassword(backend)
		if !ok || pw != password {
			s.sendAuthFailed(backend, user)
			return false
		}
		return true
	case AuthMD5:
		salt := [4]byte{0x1f, 0x2e, 0x3d, 0x4c}
		backend.Send(&pgproto3.AuthenticationMD5Password{Salt: salt})
		if err := backend.Flush(); err != nil {
			return false
		}
		backend.SetAuthType(pgproto3.AuthTypeMD5Password)
		pw, ok := s.receivePassword(backend)
		expected := "md5" + md5hex(md5hex(password+user)+string(salt[:]))
		if !ok || pw != expected {
			s.sendAuthFailed(backend, user)
			return false
		}
		return true
	}
	return false
}

func (s *Server) receivePassword(backend *pgproto3.Backend) (string, bool) {
	msg, err := backend.Receive()
	if err != nil {
		return "", false
	}
	pw, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return "", false
	}
	return pw.Password, true
}

func (s *Server) sendAuthFailed(backend *pgproto3.Backend, user string) {
	backend.Send(&pgproto3.ErrorResponse{
		Severity: "FATAL",
		Code:     "28P01",
		Message:  fmt.Sprintf("password authentication failed for user %q", user),
	})
	backend.Flush()
}

// queryLoop serves extended-protocol traffic the way a pipelining server
// does: responses accumulate in the send buffer and flush at each Sync, and
// an error aborts everything up to the next Sync.
func (s *Server) queryLoop(backend *pgproto3.Backend) {
	var (
		sql     string
		args    []string
		aborted bool
	)
	for {
		msg, err := backend.Receive()
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *pgproto3.Parse:
			if !aborted {
				sql = m.Query
				backend.Send(&pgproto3.ParseComplete{})
			}
		case *pgproto3.Bind:
			if !aborted {
				args = args[:0]
				for _, p := range m.Parameters {
					args = append(args, string(p))
				}
				backend.Send(&pgproto3.BindComplete{})
			}
		case *pgproto3.Describe:
			if !aborted {
				res := s.lookup(sql, args)
				if res.Err == "" && len(res.Columns) > 0 {
					backend.Send(rowDescription(res.Columns))
				} else {
					backend.Send(&pgproto3.NoData{})
				}
			}
		case *pgproto3.Execute:
			if aborted {
				continue
			}
			if failed := s.execute(backend, sql, args); failed {
				aborted = true
			}
		case *pgproto3.Sync:
			aborted = false
			backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			if err := backend.Flush(); err != nil {
				return
			}
		case *pgproto3.Query:
			res := s.lookup(m.String, nil)
			if res.Err == "" && len(res.Columns) > 0 {
				backend.Send(rowDescription(res.Columns))
			}
			s.execute(backend, m.String, nil)
			backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			if err := backend.Flush(); err != nil {
				return
			}
		case *pgproto3.CopyFail, *pgproto3.Flush:
			// accepted and ignored
		case *pgproto3.Terminate:
			return
		}
	}
}

// execute emits the result messages for one query. Reports whether the query
// failed, which aborts the pipeline until the next sync.
func (s *Server) execute(backend *pgproto3.Backend, sql string, args []string) bool {
	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	res := s.lookup(sql, args)
	if res.Err != "" {
		code := res.Code
		if code == "" {
			code = "XX000"
		}
		backend.Send(&pgproto3.ErrorResponse{Severity: "ERROR", Code: code, Message: res.Err})
		return true
	}
	for _, row := range res.Rows {
		values := make([][]byte, len(row))
		for i, v := range row {
			values[i] = []byte(v)
		}
		backend.Send(&pgproto3.DataRow{Values: values})
	}
	tag := res.Tag
	if tag == "" {
		tag = fmt.Sprintf("SELECT %d", len(res.Rows))
	}
	backend.Send(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
	return false
}

func (s *Server) lookup(sql string, args []string) Result {
	s.mu.Lock()
	fn := s.handlers[sql]
	s.mu.Unlock()
	if fn == nil {
		return Result{Tag: "SELECT 0"}
	}
	return fn(args)
}

func rowDescription(columns []string) *pgproto3.RowDescription {
	fields := make([]pgproto3.FieldDescription, len(columns))
	for i, name := range columns {
		fields[i] = pgproto3.FieldDescription{
			Name:         []byte(name),
			DataTypeOID:  pgtype.TextOID,
			DataTypeSize: -1,
			TypeModifier: -1,
		}
	}
	return &pgproto3.RowDescription{Fields: fields}
}

func md5hex(s string) string {
	hash := md5.New()
	io.WriteString(hash, s)
	return hex.EncodeToString(hash.Sum(nil))
}
