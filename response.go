package fcgiapp

import (
	"fmt"
	"strings"
)

// Response composes and streams the output half of a transaction: a
// lazily-emitted header block followed by a body stream, mirroring
// smisk.core.Response's begin/write/writelines/send_file contract.
type Response struct {
	app *Application
	req *Request
	tx  *transaction

	headers   []Header
	hasBegun  bool
	newCookie *Cookie
}

func newResponse(app *Application, req *Request, tx *transaction) *Response {
	return &Response{app: app, req: req, tx: tx}
}

// SetHeader appends a raw "Name: value" header line to be emitted when the
// response begins. Duplicate names are allowed (e.g. multiple Set-Cookie
// lines), matching the original's list-of-strings header storage.
func (resp *Response) SetHeader(name, value string) {
	resp.headers = append(resp.headers, Header{Name: name, Value: value})
}

// FindHeader returns the index of the first header whose name starts with
// prefix (case-insensitive), or -1 if none match.
func (resp *Response) FindHeader(prefix string) int {
	return FindHeaderByPrefix(resp.headers, prefix)
}

// SetCookie queues a Set-Cookie header for the next Begin call. It cannot
// be called once the response has begun.
func (resp *Response) SetCookie(c Cookie) error {
	if resp.hasBegun {
		return wrap(fmt.Errorf("cookies cannot be set after output has begun"), ErrResponseBegun, "setting cookie")
	}
	resp.SetHeader("Set-Cookie", FormatSetCookie(c))
	return nil
}

// SendFile asks the host web server to stream filename directly, using
// whichever offload header its SERVER_SOFTWARE identifies support for
// (X-LIGHTTPD-send-file, X-Sendfile, or X-Accel-Redirect), per
// smisk_Response_send_file. Returns ErrSendfileUnsupported if the server
// identifies as something this module doesn't recognize.
func (resp *Response) SendFile(filename string) error {
	if resp.hasBegun {
		return wrap(fmt.Errorf("output has already begun"), ErrResponseBegun, "sending file")
	}

	server := resp.req.Env()["SERVER_SOFTWARE"]
	if server == "" {
		server = "unknown server software"
	}

	var headerName string
	switch {
	case strings.Contains(server, "lighttpd/1.4"):
		headerName = "X-LIGHTTPD-send-file"
	case strings.Contains(server, "lighttpd/"), strings.Contains(server, "Apache/2"):
		headerName = "X-Sendfile"
	case strings.Contains(server, "nginx/"):
		headerName = "X-Accel-Redirect"
	default:
		return wrap(fmt.Errorf("server software %q", server), ErrSendfileUnsupported, "sending file")
	}

	resp.SetHeader(headerName, filename)
	return nil
}

// Begin emits the status/header block if it hasn't been sent yet: a
// Set-Cookie for a freshly minted session id (if any), a Server header,
// then every queued header, then the blank line separating headers from
// body. Calling Begin twice is an error.
func (resp *Response) Begin() error {
	if resp.hasBegun {
		return wrap(fmt.Errorf("output has already begun"), ErrResponseBegun, "beginning response")
	}

	var b strings.Builder

	if resp.req.sessionIDSet && resp.req.sessionID != "" && !resp.req.hasInitialHash {
		cookie := Cookie{
			Name:   resp.app.sessions.Name(),
			Value:  resp.req.sessionID,
			Path:   "/",
			MaxAge: -1,
		}
		b.WriteString("Set-Cookie: ")
		b.WriteString(fmt.Sprintf("%s=%s;Version=1;Path=/", Encode(cookie.Name, true), Encode(cookie.Value, true)))
		b.WriteString("\r\n")
	}

	serverSoftware := resp.req.Env()["SERVER_SOFTWARE"]
	if serverSoftware != "" {
		// Env has already appended " fcgiapp/<Version>" to this value.
		fmt.Fprintf(&b, "Server: %s\r\n", serverSoftware)
	} else {
		fmt.Fprintf(&b, "Server: fcgiapp/%s\r\n", Version)
	}

	for _, h := range resp.headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}

	b.WriteString("\r\n")

	if err := resp.tx.WriteStdout([]byte(b.String())); err != nil {
		return err
	}
	resp.hasBegun = true
	return nil
}

func (resp *Response) beginIfNeeded() error {
	if resp.hasBegun {
		return nil
	}
	return resp.Begin()
}

// Write sends data to the client, emitting headers first if this is the
// first write. An empty write is a no-op that does not trigger Begin.
func (resp *Response) Write(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if err := resp.beginIfNeeded(); err != nil {
		return 0, err
	}
	if err := resp.tx.WriteStdout(data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// WriteString is a convenience wrapper around Write.
func (resp *Response) WriteString(s string) error {
	_, err := resp.Write([]byte(s))
	return err
}

// WriteLines writes each non-empty string in lines, beginning the
// response before the first non-empty one, matching writelines'
// skip-empty-strings behavior.
func (resp *Response) WriteLines(lines []string) error {
	for _, line := range lines {
		if line == "" {
			continue
		}
		if _, err := resp.Write([]byte(line)); err != nil {
			return err
		}
	}
	return nil
}

// Finish ensures headers have been sent even if the handler never wrote a
// body (a headers-only response), matching smisk_Response_finish.
func (resp *Response) Finish() error {
	return resp.beginIfNeeded()
}

// reset clears per-request response state. Application.serve builds a
// fresh Response for every request, so the accept loop does not call it.
func (resp *Response) reset() {
	resp.headers = nil
	resp.hasBegun = false
}
