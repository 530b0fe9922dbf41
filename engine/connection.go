//go:build linux

package engine

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"golang.org/x/sys/unix"

	"github.com/vibelife/pgqueue/query"
)

const defaultConnectTimeout = 5 * time.Second

// Backend message type bytes. Only the ones the handshake and result loops
// dispatch on are named; everything else is ignored by type.
const (
	msgAuthentication      = 'R'
	msgBackendKeyData      = 'K'
	msgParameterStatus     = 'S'
	msgReadyForQuery       = 'Z'
	msgRowDescription      = 'T'
	msgDataRow             = 'D'
	msgCommandComplete     = 'C'
	msgEmptyQueryResponse  = 'I'
	msgErrorResponse       = 'E'
	msgNoticeResponse      = 'N'
	msgCopyInResponse      = 'G'
	msgCopyOutResponse     = 'H'
	msgCopyBothResponse    = 'W'
	msgPortalSuspended     = 's'
	msgNotificationArrived = 'A'
)

// Authentication request codes carried in the 'R' message body.
const (
	authOK                = 0
	authCleartextPassword = 3
	authMD5Password       = 5
	authSASL              = 10
)

// writeBuffer accumulates protocol bytes the Frontend has flushed but the
// socket has not yet accepted.
type writeBuffer struct {
	buf []byte
}

func (w *writeBuffer) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// connection owns one long-lived pipelined session with the server. The
// handshake runs blocking on the caller's goroutine; after that every field
// is mutated only by the pool's I/O goroutine, so no locks guard them.
//
// The pending slice is the per-connection callback FIFO: the k-th entry
// corresponds to the k-th unacknowledged query. Entries are appended on send
// and popped in order as server results arrive; a nil entry is a
// fire-and-forget push that still occupies its pipeline slot.
type connection struct {
	id      uuid.UUID
	netConn net.Conn
	fd      int

	frontend *pgproto3.Frontend
	out      writeBuffer
	in       []byte

	pending    []query.Callback
	maxPending int

	// assembly state for the server result currently being read
	fields []string
	rows   []query.Row

	// skipToSync discards messages after a query-terminating error until the
	// next sync result, mirroring the server's pipeline-abort scope.
	skipToSync bool

	dead bool
}

func newConnection(maxPending int) *connection {
	return &connection{
		id:         uuid.New(),
		fd:         -1,
		maxPending: maxPending,
	}
}

// isReady reports whether the pipeline has a free slot.
func (c *connection) isReady() bool {
	return !c.dead && len(c.pending) < c.maxPending
}

// isDone reports whether no queries are awaiting results.
func (c *connection) isDone() bool {
	return c.dead || len(c.pending) == 0
}

// connect dials the server and drives the startup handshake to completion.
// Queries are sent through the extended protocol with an explicit sync per
// query, so the session is pipelined from the first send; there is no
// separate mode switch to fail.
func (c *connection) connect(cfg *pgconn.Config) error {
	network, addr := serverAddr(cfg)
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	conn, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	c.netConn = conn
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	c.frontend = pgproto3.NewFrontend(conn, &c.out)
	deadline := time.Now().Add(timeout)
	conn.SetDeadline(deadline)

	startup := &pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      make(map[string]string),
	}
	for k, v := range cfg.RuntimeParams {
		startup.Parameters[k] = v
	}
	startup.Parameters["user"] = cfg.User
	if cfg.Database != "" {
		startup.Parameters["database"] = cfg.Database
	}
	c.frontend.Send(startup)
	if err := c.flushHandshake(); err != nil {
		conn.Close()
		return fmt.Errorf("send startup: %w", err)
	}

	if err := c.handshake(cfg); err != nil {
		conn.Close()
		return err
	}

	// Capture the socket fd for the pool's epoll set. The net.Conn keeps
	// owning the fd; all reads and post-handshake writes go through it raw.
	raw, err := conn.(syscall.Conn).SyscallConn()
	if err != nil {
		conn.Close()
		return fmt.Errorf("raw conn: %w", err)
	}
	if err := raw.Control(func(fd uintptr) { c.fd = int(fd) }); err != nil {
		conn.Close()
		return fmt.Errorf("socket fd: %w", err)
	}

	conn.SetDeadline(time.Time{})
	return nil
}

// serverAddr resolves the dial target from a parsed connection config. A
// host beginning with a slash is a unix socket directory, libpq style.
func serverAddr(cfg *pgconn.Config) (network, addr string) {
	if len(cfg.Host) > 0 && cfg.Host[0] == '/' {
		return "unix", filepath.Join(cfg.Host, fmt.Sprintf(".s.PGSQL.%d", cfg.Port))
	}
	return "tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}

// handshake consumes server messages until ReadyForQuery, answering password
// challenges along the way. Cleartext and md5 are supported; SCRAM and GSS
// are not (the engine does not negotiate TLS either).
func (c *connection) handshake(cfg *pgconn.Config) error {
	for {
		typ, body, err := c.readMessageBlocking()
		if err != nil {
			return fmt.Errorf("handshake read: %w", err)
		}
		switch typ {
		case msgAuthentication:
			if len(body) < 4 {
				return errors.New("handshake: short authentication message")
			}
			switch code := binary.BigEndian.Uint32(body[:4]); code {
			case authOK:
			case authCleartextPassword:
				if err := c.sendPassword(cfg.Password); err != nil {
					return err
				}
			case authMD5Password:
				if len(body) < 8 {
					return errors.New("handshake: short md5 challenge")
				}
				digested := "md5" + hexMD5(hexMD5(cfg.Password+cfg.User)+string(body[4:8]))
				if err := c.sendPassword(digested); err != nil {
					return err
				}
			case authSASL:
				return errors.New("handshake: server requires SASL authentication, which is not supported")
			default:
				return fmt.Errorf("handshake: unsupported authentication request %d", code)
			}
		case msgErrorResponse:
			var er pgproto3.ErrorResponse
			if err := er.Decode(body); err != nil {
				return fmt.Errorf("handshake: malformed error response: %w", err)
			}
			return fmt.Errorf("handshake: server error %s: %s", er.Code, er.Message)
		case msgReadyForQuery:
			return nil
		case msgBackendKeyData, msgParameterStatus, msgNoticeResponse:
			// not needed by the engine
		default:
			return fmt.Errorf("handshake: unexpected message %q", typ)
		}
	}
}

func (c *connection) sendPassword(password string) error {
	c.frontend.Send(&pgproto3.PasswordMessage{Password: password})
	if err := c.flushHandshake(); err != nil {
		return fmt.Errorf("send password: %w", err)
	}
	return nil
}

// flushHandshake writes buffered protocol bytes through the blocking
// net.Conn. Only valid before the fd is handed to the epoll loop.
func (c *connection) flushHandshake() error {
	if err := c.frontend.Flush(); err != nil {
		return err
	}
	if len(c.out.buf) == 0 {
		return nil
	}
	_, err := c.netConn.Write(c.out.buf)
	c.out.buf = c.out.buf[:0]
	return err
}

// readMessageBlocking frames one backend message using the blocking net.Conn
// reader. Used only during the handshake.
func (c *connection) readMessageBlocking() (byte, []byte, error) {
	var buf [4096]byte
	for {
		if typ, body, ok := c.nextMessage(); ok {
			return typ, body, nil
		}
		n, err := c.netConn.Read(buf[:])
		if n > 0 {
			c.in = append(c.in, buf[:n]...)
			continue
		}
		if err != nil {
			return 0, nil, err
		}
	}
}

// nextMessage pops one complete framed message (type byte, 4-byte length,
// body) off the input buffer, or reports false when the buffer holds only a
// partial message.
func (c *connection) nextMessage() (byte, []byte, bool) {
	if len(c.in) < 5 {
		return 0, nil, false
	}
	total := 1 + int(binary.BigEndian.Uint32(c.in[1:5]))
	if total < 5 || len(c.in) < total {
		return 0, nil, false
	}
	typ := c.in[0]
	body := c.in[5:total]
	c.in = c.in[total:]
	return typ, body, true
}

func hexMD5(s string) string {
	hash := md5.New()
	io.WriteString(hash, s)
	return hex.EncodeToString(hash.Sum(nil))
}

// send submits the request on this connection. The caller must have checked
// isReady. The callback is appended to the pending FIFO before the bytes go
// out, so a write failure is reported through failPending like any other
// connection loss.
func (c *connection) send(req query.Request) error {
	p := req.Params
	if p.HasParams() {
		c.frontend.SendParse(&pgproto3.Parse{Query: p.Command, ParameterOIDs: p.Types})
		c.frontend.SendBind(&pgproto3.Bind{
			Parameters:           p.Values,
			ParameterFormatCodes: p.Formats,
			ResultFormatCodes:    []int16{p.ResultFormat},
		})
	} else {
		c.frontend.SendParse(&pgproto3.Parse{Query: p.Command})
		c.frontend.SendBind(&pgproto3.Bind{ResultFormatCodes: []int16{p.ResultFormat}})
	}
	c.frontend.SendDescribe(&pgproto3.Describe{ObjectType: 'P'})
	c.frontend.SendExecute(&pgproto3.Execute{})
	c.frontend.SendSync(&pgproto3.Sync{})

	c.pending = append(c.pending, req.Callback)

	if err := c.frontend.Flush(); err != nil {
		c.dead = true
		return fmt.Errorf("encode query: %w", err)
	}
	if err := c.flushSocket(); err != nil {
		c.dead = true
		return fmt.Errorf("send query: %w", err)
	}
	return nil
}

// flushSocket drains the outbound buffer through the raw fd. A full socket
// buffer is waited out with poll, mirroring a blocking PQflush; in practice
// pipelined point queries never fill it.
func (c *connection) flushSocket() error {
	for len(c.out.buf) > 0 {
		n, err := unix.Write(c.fd, c.out.buf)
		if n > 0 {
			if n == len(c.out.buf) {
				c.out.buf = c.out.buf[:0]
				break
			}
			rem := copy(c.out.buf, c.out.buf[n:])
			c.out.buf = c.out.buf[:rem]
		}
		if err != nil {
			switch err {
			case unix.EINTR:
			case unix.EAGAIN:
				pfd := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLOUT}}
				if _, perr := unix.Poll(pfd, -1); perr != nil && perr != unix.EINTR {
					return perr
				}
			default:
				return err
			}
		}
	}
	return nil
}

// drainResults consumes all available input from the socket and pushes one
// Response into sink for every complete server result, popping callbacks in
// strict FIFO order. Sync results are consumed without advancing the FIFO.
// Returns an error only when the connection itself has failed; per-query
// server errors are delivered through the responses.
func (c *connection) drainResults(sink chan<- query.Response) error {
	var buf [16384]byte
	for {
		n, err := unix.Read(c.fd, buf[:])
		if n > 0 {
			c.in = append(c.in, buf[:n]...)
			continue
		}
		if err == nil {
			c.dead = true
			return errors.New("server closed the connection")
		}
		if err == unix.EAGAIN {
			break
		}
		if err == unix.EINTR {
			continue
		}
		c.dead = true
		return fmt.Errorf("read: %w", err)
	}

	for {
		typ, body, ok := c.nextMessage()
		if !ok {
			return nil
		}
		if err := c.handleMessage(typ, body, sink); err != nil {
			c.dead = true
			return err
		}
	}
}

func (c *connection) handleMessage(typ byte, body []byte, sink chan<- query.Response) error {
	switch typ {
	case msgReadyForQuery:
		// The sync marker: consumed, never pops a callback.
		c.skipToSync = false
		return nil
	case msgNoticeResponse, msgParameterStatus, msgNotificationArrived:
		// Non-fatal warnings and async traffic are discarded.
		return nil
	}

	if c.skipToSync {
		return nil
	}

	switch typ {
	case msgRowDescription:
		var rd pgproto3.RowDescription
		if err := rd.Decode(body); err != nil {
			return fmt.Errorf("malformed row description: %w", err)
		}
		c.fields = c.fields[:0]
		for _, f := range rd.Fields {
			c.fields = append(c.fields, string(f.Name))
		}
	case msgDataRow:
		var dr pgproto3.DataRow
		if err := dr.Decode(body); err != nil {
			return fmt.Errorf("malformed data row: %w", err)
		}
		row := make(query.Row, len(dr.Values))
		for i, v := range dr.Values {
			if i >= len(c.fields) {
				break
			}
			if v == nil {
				row[c.fields[i]] = ""
			} else {
				row[c.fields[i]] = string(v)
			}
		}
		c.rows = append(c.rows, row)
	case msgCommandComplete:
		var cc pgproto3.CommandComplete
		if err := cc.Decode(body); err != nil {
			return fmt.Errorf("malformed command complete: %w", err)
		}
		return c.finishResult(sink, "", string(cc.CommandTag))
	case msgEmptyQueryResponse:
		return c.finishResult(sink, "", "")
	case msgErrorResponse:
		var er pgproto3.ErrorResponse
		if err := er.Decode(body); err != nil {
			return fmt.Errorf("malformed error response: %w", err)
		}
		msg := er.Message
		if msg == "" {
			msg = "server reported an unspecified error"
		} else if er.Severity != "" {
			msg = er.Severity + ":  " + msg
		}
		c.skipToSync = true
		return c.finishResult(sink, msg, "")
	case msgCopyInResponse, msgCopyBothResponse:
		// COPY is outside the engine's protocol subset. Refuse the transfer
		// so the server aborts the statement, and report the empty result.
		c.frontend.Send(&pgproto3.CopyFail{Message: "COPY is not supported"})
		c.frontend.Flush()
		if err := c.flushSocket(); err != nil {
			return fmt.Errorf("refuse copy: %w", err)
		}
		c.skipToSync = true
		return c.finishResult(sink, "", "")
	case msgCopyOutResponse, msgPortalSuspended:
		c.skipToSync = true
		return c.finishResult(sink, "", "")
	}
	// ParseComplete, BindComplete, NoData and friends carry no result
	// content.
	return nil
}

// finishResult pops the oldest pending callback and emits its Response.
func (c *connection) finishResult(sink chan<- query.Response, errMsg, tag string) error {
	if len(c.pending) == 0 {
		return errors.New("server result with no pending query")
	}
	cb := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]

	rs := query.ResultSet{
		ErrorMsg:   errMsg,
		Rows:       c.rows,
		CommandTag: tag,
	}
	if len(c.fields) > 0 && errMsg == "" {
		rs.Fields = append([]string(nil), c.fields...)
	}
	c.rows = nil
	c.fields = c.fields[:0]

	sink <- query.Response{ResultSet: rs, Callback: cb}
	return nil
}

// failPending delivers a connection-level failure to every pending callback,
// preserving FIFO order. The connection is unusable afterwards.
func (c *connection) failPending(sink chan<- query.Response, cause error) {
	c.dead = true
	msg := fmt.Sprintf("connection failed: %v", cause)
	for _, cb := range c.pending {
		sink <- query.Response{
			ResultSet: query.ResultSet{ErrorMsg: msg},
			Callback:  cb,
		}
	}
	c.pending = nil
	c.rows = nil
}

func (c *connection) close() {
	if c.netConn != nil {
		c.netConn.Close()
	}
}
