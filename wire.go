package fcgiapp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
)

// FastCGI protocol constants, transcribed from fcgx.go's client-side
// constants (this module uses the same record layout in the opposite
// direction: decoding PARAMS/STDIN instead of encoding them, and writing
// STDOUT/STDERR/END_REQUEST instead of reading them).
const (
	fcgiHeaderLen = 8
	fcgiVersion1  = 1

	fcgiBeginRequest = 1
	fcgiAbortRequest = 2
	fcgiEndRequest   = 3
	fcgiParams       = 4
	fcgiStdin        = 5
	fcgiStdout       = 6
	fcgiStderr       = 7

	fcgiResponder = 1

	fcgiRequestComplete = 0
	fcgiCantMpxConn     = 1
	fcgiOverloaded      = 2
	fcgiUnknownRole     = 3

	fcgiKeepConn = 1

	fcgiMaxContentLen = 0xffff
)

// bufferPool recycles record-sized buffers across requests, matching the
// teacher's sync.Pool-of-*bytes.Buffer idiom in fcgx.go.
var bufferPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

func getBuffer() *bytes.Buffer {
	b := bufferPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

func putBuffer(b *bytes.Buffer) {
	bufferPool.Put(b)
}

// header is the 8-byte FastCGI record header, field-for-field the same as
// fcgx.go's header struct.
type header struct {
	Version       uint8
	Type          uint8
	RequestID     uint16
	ContentLength uint16
	PaddingLength uint8
	Reserved      uint8
}

func (h *header) marshal() []byte {
	b := make([]byte, fcgiHeaderLen)
	b[0] = h.Version
	b[1] = h.Type
	binary.BigEndian.PutUint16(b[2:4], h.RequestID)
	binary.BigEndian.PutUint16(b[4:6], h.ContentLength)
	b[6] = h.PaddingLength
	b[7] = h.Reserved
	return b
}

func readHeader(r io.Reader) (*header, error) {
	b := make([]byte, fcgiHeaderLen)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, wrap(err, ErrWire, "reading record header")
	}
	h := &header{
		Version:       b[0],
		Type:          b[1],
		RequestID:     binary.BigEndian.Uint16(b[2:4]),
		ContentLength: binary.BigEndian.Uint16(b[4:6]),
		PaddingLength: b[6],
		Reserved:      b[7],
	}
	if h.Version != fcgiVersion1 {
		return nil, wrap(fmt.Errorf("unsupported version %d", h.Version), ErrWire, "reading record header")
	}
	return h, nil
}

// writeRecord writes content as one or more records (chunked to
// fcgiMaxContentLen), each padded to a multiple of 8 bytes the way
// fcgx.go's writeRecord does. An empty content writes nothing at all;
// callers needing an explicit stream terminator use writeEmptyRecord.
func writeRecord(w io.Writer, typ uint8, reqID uint16, content []byte) error {
	if len(content) == 0 {
		return nil
	}
	for len(content) > 0 {
		chunk := content
		if len(chunk) > fcgiMaxContentLen {
			chunk = chunk[:fcgiMaxContentLen]
		}
		pad := (8 - (len(chunk) % 8)) % 8
		h := &header{
			Version:       fcgiVersion1,
			Type:          typ,
			RequestID:     reqID,
			ContentLength: uint16(len(chunk)),
			PaddingLength: uint8(pad),
		}
		if _, err := w.Write(h.marshal()); err != nil {
			return wrap(err, ErrWire, "writing record header")
		}
		if _, err := w.Write(chunk); err != nil {
			return wrap(err, ErrWire, "writing record content")
		}
		if pad > 0 {
			if _, err := w.Write(make([]byte, pad)); err != nil {
				return wrap(err, ErrWire, "writing record padding")
			}
		}
		content = content[len(chunk):]
	}
	return nil
}

// writeEmptyRecord writes a zero-length record, used to terminate a
// PARAMS/STDOUT/STDERR stream.
func writeEmptyRecord(w io.Writer, typ uint8, reqID uint16) error {
	h := &header{Version: fcgiVersion1, Type: typ, RequestID: reqID}
	_, err := w.Write(h.marshal())
	if err != nil {
		return wrap(err, ErrWire, "writing terminator record")
	}
	return nil
}

// decodePair reads one FastCGI name-value pair off b, inverting fcgx.go's
// encodePair (short length: high bit clear, one byte; long length: high
// bit set, four bytes big-endian with the high bit masked off).
func decodePair(b *bytes.Buffer) (name, value string, err error) {
	nameLen, err := decodeLength(b)
	if err != nil {
		return "", "", err
	}
	valLen, err := decodeLength(b)
	if err != nil {
		return "", "", err
	}

	nameBuf := make([]byte, nameLen)
	if _, err := io.ReadFull(b, nameBuf); err != nil {
		return "", "", wrap(err, ErrWire, "reading pair name")
	}
	valBuf := make([]byte, valLen)
	if _, err := io.ReadFull(b, valBuf); err != nil {
		return "", "", wrap(err, ErrWire, "reading pair value")
	}
	return string(nameBuf), string(valBuf), nil
}

func decodeLength(b *bytes.Buffer) (int, error) {
	first, err := b.ReadByte()
	if err != nil {
		return 0, wrap(err, ErrWire, "reading pair length")
	}
	if first&0x80 == 0 {
		return int(first), nil
	}
	rest := make([]byte, 3)
	if _, err := io.ReadFull(b, rest); err != nil {
		return 0, wrap(err, ErrWire, "reading long pair length")
	}
	v := (uint32(first&0x7f) << 24) | (uint32(rest[0]) << 16) | (uint32(rest[1]) << 8) | uint32(rest[2])
	return int(v), nil
}

// decodeParams decodes a concatenated PARAMS content stream into a flat
// environment map, mirroring the shape of FCGX_GetParam/GetStr's env view.
func decodeParams(content []byte) (map[string]string, error) {
	env := make(map[string]string)
	buf := bytes.NewBuffer(content)
	for buf.Len() > 0 {
		name, val, err := decodePair(buf)
		if err != nil {
			return nil, err
		}
		env[name] = val
	}
	return env, nil
}

// OpenSocket binds a FastCGI listen socket. It accepts ":PORT",
// "HOST:PORT", "*:PORT" (bound to all interfaces), or an absolute
// filesystem path for a UNIX domain socket, matching the forms spec.md
// documents for the responder's bind address. backlog is not applied;
// net.Listen always uses the OS default.
func OpenSocket(addr string, backlog int) (net.Listener, error) {
	if strings.HasPrefix(addr, "/") {
		ln, err := net.Listen("unix", addr)
		if err != nil {
			return nil, wrap(err, ErrWire, "binding unix socket")
		}
		return ln, nil
	}

	tcpAddr := addr
	if strings.HasPrefix(tcpAddr, "*:") {
		tcpAddr = ":" + tcpAddr[2:]
	}
	ln, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		return nil, wrap(err, ErrWire, "binding tcp socket")
	}
	return ln, nil
}

// acceptConn accepts one connection, honoring ctx cancellation: ln.Accept
// runs in a goroutine, and acceptConn returns ctx.Err() as soon as ctx is
// done without waiting for it (net.Listener has no native context
// support). That goroutine returns once the listener is closed.
func acceptConn(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		ch <- result{c, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, wrap(r.err, ErrWire, "accepting connection")
		}
		return r.conn, nil
	}
}

// transaction represents one FastCGI request/response cycle bound to a
// single accepted connection. The responder in this module does not
// multiplex multiple request IDs per connection, matching the common
// single-request-per-connection contract most FastCGI web servers use.
type transaction struct {
	conn           net.Conn
	reader         *bufio.Reader
	reqID          uint16
	role           uint16
	keepConn       bool
	env            map[string]string
	stdin          *bytes.Buffer
	stdinEOF       bool
	wroteAnyStdout bool
}

// acceptTransaction reads BEGIN_REQUEST and the full PARAMS stream off
// conn, returning a transaction ready for stdin reads and stdout/stderr
// writes. Returns (nil, nil) if the connection closed before a request
// began (a management-only or idle-close connection).
func acceptTransaction(ctx context.Context, conn net.Conn) (*transaction, error) {
	br := bufio.NewReader(conn)

	h, err := readHeader(br)
	if err != nil {
		if err == io.EOF || errIsEOF(err) {
			return nil, nil
		}
		return nil, err
	}
	if h.Type != fcgiBeginRequest {
		return nil, wrap(fmt.Errorf("unexpected record type %d, want BEGIN_REQUEST", h.Type), ErrProtocol, "accepting transaction")
	}

	body := make([]byte, int(h.ContentLength)+int(h.PaddingLength))
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, wrap(err, ErrWire, "reading BEGIN_REQUEST body")
	}
	role := binary.BigEndian.Uint16(body[0:2])
	flags := body[2]

	tx := &transaction{
		conn:     conn,
		reqID:    h.RequestID,
		role:     role,
		keepConn: flags&fcgiKeepConn != 0,
		stdin:    new(bytes.Buffer),
	}

	paramsBuf := getBuffer()
	defer putBuffer(paramsBuf)

	for {
		ph, err := readHeader(br)
		if err != nil {
			return nil, err
		}
		if ph.RequestID != tx.reqID && ph.RequestID != 0 {
			if err := discardBody(br, ph); err != nil {
				return nil, err
			}
			continue
		}
		if ph.Type != fcgiParams {
			return nil, wrap(fmt.Errorf("unexpected record type %d, want PARAMS", ph.Type), ErrProtocol, "reading params stream")
		}
		if ph.ContentLength == 0 {
			if ph.PaddingLength > 0 {
				if _, err := io.CopyN(io.Discard, br, int64(ph.PaddingLength)); err != nil {
					return nil, wrap(err, ErrWire, "discarding params padding")
				}
			}
			break
		}
		if _, err := io.CopyN(paramsBuf, br, int64(ph.ContentLength)); err != nil {
			return nil, wrap(err, ErrWire, "reading params content")
		}
		if ph.PaddingLength > 0 {
			if _, err := io.CopyN(io.Discard, br, int64(ph.PaddingLength)); err != nil {
				return nil, wrap(err, ErrWire, "discarding params padding")
			}
		}
	}

	env, err := decodeParams(paramsBuf.Bytes())
	if err != nil {
		return nil, err
	}
	tx.env = env
	tx.reader = br
	return tx, nil
}

func discardBody(r io.Reader, h *header) error {
	n := int64(h.ContentLength) + int64(h.PaddingLength)
	if n == 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, n)
	if err != nil {
		return wrap(err, ErrWire, "discarding foreign record body")
	}
	return nil
}

func errIsEOF(err error) bool {
	return err != nil && strings.Contains(err.Error(), io.EOF.Error())
}

// fillStdin reads STDIN records off the connection until the terminating
// empty record, buffering the full body. Streaming parsers (multipart)
// read from the returned io.Reader without needing the whole body
// materialized twice.
func (tx *transaction) fillStdin() error {
	if tx.stdinEOF {
		return nil
	}
	for {
		h, err := readHeader(tx.reader)
		if err != nil {
			return err
		}
		if h.RequestID != tx.reqID && h.RequestID != 0 {
			if err := discardBody(tx.reader, h); err != nil {
				return err
			}
			continue
		}
		if h.Type != fcgiStdin {
			return wrap(fmt.Errorf("unexpected record type %d, want STDIN", h.Type), ErrProtocol, "reading stdin stream")
		}
		if h.ContentLength == 0 {
			if h.PaddingLength > 0 {
				if _, err := io.CopyN(io.Discard, tx.reader, int64(h.PaddingLength)); err != nil {
					return wrap(err, ErrWire, "discarding stdin padding")
				}
			}
			tx.stdinEOF = true
			return nil
		}
		if _, err := io.CopyN(tx.stdin, tx.reader, int64(h.ContentLength)); err != nil {
			return wrap(err, ErrWire, "reading stdin content")
		}
		if h.PaddingLength > 0 {
			if _, err := io.CopyN(io.Discard, tx.reader, int64(h.PaddingLength)); err != nil {
				return wrap(err, ErrWire, "discarding stdin padding")
			}
		}
	}
}

// Body returns the fully-buffered request body as an io.Reader, reading
// the remaining STDIN records off the wire first if needed.
func (tx *transaction) Body() (io.Reader, error) {
	if err := tx.fillStdin(); err != nil {
		return nil, err
	}
	return bytes.NewReader(tx.stdin.Bytes()), nil
}

// WriteStdout streams p to the client as one or more STDOUT records.
func (tx *transaction) WriteStdout(p []byte) error {
	tx.wroteAnyStdout = true
	return writeRecord(tx.conn, fcgiStdout, tx.reqID, p)
}

// WriteStderr streams p to the client as one or more STDERR records,
// surfaced by the web server as error-log lines.
func (tx *transaction) WriteStderr(p []byte) error {
	return writeRecord(tx.conn, fcgiStderr, tx.reqID, p)
}

// End terminates STDOUT/STDERR and writes END_REQUEST with appStatus,
// then closes the connection unless the begin-request flags asked to
// keep it alive for another request.
func (tx *transaction) End(appStatus int32) error {
	if err := writeEmptyRecord(tx.conn, fcgiStdout, tx.reqID); err != nil {
		return err
	}
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], uint32(appStatus))
	body[4] = fcgiRequestComplete
	if err := writeRecord(tx.conn, fcgiEndRequest, tx.reqID, body); err != nil {
		return err
	}
	if !tx.keepConn {
		return tx.conn.Close()
	}
	return nil
}

// reqIDString renders the request id for logging.
func (tx *transaction) reqIDString() string {
	return strconv.Itoa(int(tx.reqID))
}

// Env returns the decoded PARAMS environment for this transaction.
func (tx *transaction) Env() map[string]string {
	return tx.env
}

// RemoteAddr returns the underlying connection's remote address string.
func (tx *transaction) RemoteAddr() string {
	if tx.conn == nil {
		return ""
	}
	return tx.conn.RemoteAddr().String()
}
