package fcgiapp

import (
	"bytes"
	"net"
	"time"
)

// fakeConn is a minimal net.Conn backed by an in-memory buffer, enough to
// exercise transaction.WriteStdout/WriteStderr/End without a real socket.
type fakeConn struct {
	out    bytes.Buffer
	closed bool
}

func (c *fakeConn) Read(b []byte) (int, error)         { return 0, net.ErrClosed }
func (c *fakeConn) Write(b []byte) (int, error)         { return c.out.Write(b) }
func (c *fakeConn) Close() error                        { c.closed = true; return nil }
func (c *fakeConn) LocalAddr() net.Addr                 { return fakeAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr                { return fakeAddr{} }
func (c *fakeConn) SetDeadline(t time.Time) error       { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error   { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error  { return nil }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "127.0.0.1:0" }

// newTestTransaction builds a transaction over a fakeConn with env as its
// decoded PARAMS and body pre-loaded as the already-complete STDIN stream,
// for tests that exercise Request/Response without the wire.
func newTestTransaction(env map[string]string, body string) (*transaction, *fakeConn) {
	conn := &fakeConn{}
	tx := &transaction{
		conn:     conn,
		reqID:    1,
		env:      env,
		stdin:    bytes.NewBufferString(body),
		stdinEOF: true,
	}
	return tx, conn
}
