package fcgiapp

import (
	"context"
	"strconv"
	"strings"
)

// Request is a single FastCGI invocation's input: environment, URL,
// parsed query/form/cookie data, uploaded files, and — lazily — the
// caller's session. Every accessor is lazy and memoized exactly once per
// request, mirroring smisk.core.Request's getter properties.
type Request struct {
	app *Application
	tx  *transaction

	env     map[string]string
	url     *URL
	get     QueryValues
	post    map[string]interface{}
	files   map[string]*UploadedFile
	cookies map[string]interface{}

	sessionID      string
	sessionIDSet   bool
	session        SessionData
	sessionHash    uint64
	hasInitialHash bool

	referringURL    *URL
	referringURLSet bool

	bodyParsed bool
}

func newRequest(app *Application, tx *transaction) *Request {
	return &Request{app: app, tx: tx}
}

// Env returns the full decoded PARAMS environment, with SERVER_SOFTWARE
// rewritten to "<original> fcgiapp/<Version>" the way the original
// interned and rewrote it once per process.
func (r *Request) Env() map[string]string {
	if r.env != nil {
		return r.env
	}
	r.env = make(map[string]string, len(r.tx.Env()))
	for k, v := range r.tx.Env() {
		if k == "SERVER_SOFTWARE" {
			v = v + " fcgiapp/" + Version
		}
		r.env[k] = v
	}
	return r.env
}

// URL returns the request's URL, built from SERVER_NAME/SERVER_PORT (or a
// "host:port" SERVER_NAME), SCRIPT_NAME+PATH_INFO, QUERY_STRING, and an
// HTTPS-derived scheme, per smisk_Request_get_url.
func (r *Request) URL() *URL {
	if r.url != nil {
		return r.url
	}

	env := r.Env()
	u := &URL{Scheme: "http"}

	if https := strings.ToLower(env["HTTPS"]); len(https) > 1 && https[:2] == "on" {
		u.Scheme = "https"
	}
	if user := env["REMOTE_USER"]; user != "" {
		u.User = user
	}

	serverName := env["SERVER_NAME"]
	if idx := strings.IndexByte(serverName, ':'); idx >= 0 {
		u.Host = serverName[:idx]
		if p, err := strconv.Atoi(serverName[idx+1:]); err == nil {
			u.Port = uint16(p)
		}
	} else if portStr := env["SERVER_PORT"]; portStr != "" {
		u.Host = serverName
		if p, err := strconv.Atoi(portStr); err == nil {
			u.Port = uint16(p)
		}
	} else {
		u.Host = serverName
	}

	u.Path = env["SCRIPT_NAME"] + env["PATH_INFO"]
	u.Query = env["QUERY_STRING"]

	r.url = u
	return r.url
}

// Get returns the decomposed query string (GET parameters).
func (r *Request) Get() QueryValues {
	if r.get != nil {
		return r.get
	}
	u := r.URL()
	r.get = DecomposeQuery(u.Query, r.app.config.Charset)
	return r.get
}

// parseBody decodes CONTENT_TYPE-driven urlencoded or multipart bodies
// into post/files exactly once, per _parse_request_body. Any other
// content type leaves post/files empty; the raw body is still available
// via the transaction for a handler that wants it directly.
func (r *Request) parseBody(ctx context.Context) error {
	if r.bodyParsed {
		return nil
	}
	r.bodyParsed = true
	r.post = make(map[string]interface{})
	r.files = make(map[string]*UploadedFile)

	contentType := r.Env()["CONTENT_TYPE"]
	if contentType == "" {
		return nil
	}

	body, err := r.tx.Body()
	if err != nil {
		return err
	}

	switch {
	case strings.Contains(contentType, "multipart/"):
		boundary := parseBoundary(contentType)
		if boundary == "" {
			return nil
		}
		post, files, err := ParseMultipart(body, boundary, r.app.config.TempDir, r.app.config.MaxFormBytes, r.app.logger)
		if err != nil {
			return err
		}
		r.post = post
		r.files = files

	case strings.Contains(contentType, "/x-www-form-urlencoded"):
		buf := make([]byte, r.app.config.MaxFormBytes)
		n, _ := body.Read(buf)
		values := DecomposeQuery(string(buf[:n]), r.app.config.Charset)
		for k, v := range values {
			r.post[k] = v
		}
	}

	return nil
}

func parseBoundary(contentType string) string {
	for _, field := range strings.Split(contentType, ";") {
		field = strings.TrimSpace(field)
		if strings.HasPrefix(field, "boundary=") {
			return strings.Trim(field[len("boundary="):], `"`)
		}
	}
	return ""
}

// Post returns decoded POST form fields, parsing the body on first call.
func (r *Request) Post(ctx context.Context) (map[string]interface{}, error) {
	if err := r.parseBody(ctx); err != nil {
		return nil, err
	}
	return r.post, nil
}

// Files returns uploaded file parts, parsing the body on first call.
func (r *Request) Files(ctx context.Context) (map[string]*UploadedFile, error) {
	if err := r.parseBody(ctx); err != nil {
		return nil, err
	}
	return r.files, nil
}

// Cookies returns the decoded HTTP_COOKIE header as a key/value map,
// splitting on bare ';' and left-trimming each key of spaces rather than
// requiring the "; " (semicolon-space) separator most clients happen to
// send — a header like "SID=abc;theme=dark" (no space) or
// "SID=abc;  theme=dark" (extra spaces) decodes the same as the common
// case.
func (r *Request) Cookies() map[string]interface{} {
	if r.cookies != nil {
		return r.cookies
	}
	r.cookies = make(map[string]interface{})
	if raw := r.Env()["HTTP_COOKIE"]; raw != "" {
		values := decomposeInput(raw, ";", true, r.app.config.Charset)
		for k, v := range values {
			r.cookies[k] = v
		}
	}
	return r.cookies
}

func isValidSID(s string, bits int) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch bits {
		case 6:
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' || c == '-') {
				return false
			}
		case 5:
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'v')) {
				return false
			}
		default:
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
				return false
			}
		}
	}
	return true
}

// SessionID returns the caller's session id, reading any cookie-carried
// id and validating/loading it, or minting a fresh one if absent or
// invalid — the single entry point smisk_Request_get_session_id is for
// this module, since SessionID, Session, and SetSession all route through
// it.
func (r *Request) SessionID(ctx context.Context) (string, error) {
	if r.sessionIDSet {
		return r.sessionID, nil
	}

	store := r.app.sessions
	bits := r.app.config.SessionBits

	if raw, ok := r.Cookies()[store.Name()]; ok {
		if s, ok := raw.(string); ok && isValidSID(s, bits) {
			data, err := store.Read(ctx, s)
			if err == nil {
				r.sessionID = s
				r.session = data
				hash, herr := hashSessionData(data)
				if herr != nil {
					return "", herr
				}
				r.sessionHash = hash
				r.hasInitialHash = true
				r.sessionIDSet = true
				return r.sessionID, nil
			}
			if !isErrInvalidSession(err) {
				return "", err
			}
		}
	}

	sid, err := newSessionID(bits)
	if err != nil {
		return "", err
	}
	r.sessionID = sid
	r.session = nil
	r.hasInitialHash = false
	r.sessionIDSet = true
	return r.sessionID, nil
}

func isErrInvalidSession(err error) bool {
	return err != nil && errorIs(err, ErrInvalidSession)
}

// Session returns the caller's session data, loading/minting the session
// id first if needed.
func (r *Request) Session(ctx context.Context) (SessionData, error) {
	if _, err := r.SessionID(ctx); err != nil {
		return nil, err
	}
	return r.session, nil
}

// SetSession replaces the request's in-memory session data. Passing nil
// removes any loaded data through the store's Destroy and clears the
// in-memory session; the session id itself is kept, and a response that
// begins afterwards sends a Set-Cookie for it.
func (r *Request) SetSession(ctx context.Context, data SessionData) error {
	if _, err := r.SessionID(ctx); err != nil {
		return err
	}
	if data == nil {
		if r.session != nil {
			if err := r.app.sessions.Destroy(ctx, r.sessionID); err != nil {
				return err
			}
		}
		r.session = nil
		r.hasInitialHash = false
		return nil
	}
	r.session = data
	return nil
}

// finalizeSession runs the write-back policy against whatever the
// handler left in r.session, per _cleanup_session.
func (r *Request) finalizeSession(ctx context.Context) error {
	if !r.sessionIDSet || r.sessionID == "" {
		return nil
	}
	return writeBackSession(ctx, r.app.sessions, r.sessionID, r.session, r.sessionHash, r.hasInitialHash)
}

// ReferringURL parses and returns HTTP_REFERER as a URL, or nil if absent.
func (r *Request) ReferringURL() *URL {
	if r.referringURLSet {
		return r.referringURL
	}
	r.referringURLSet = true
	if ref := r.Env()["HTTP_REFERER"]; ref != "" {
		u, err := ParseURL(ref)
		if err == nil {
			r.referringURL = u
		}
	}
	return r.referringURL
}

// Method returns REQUEST_METHOD.
func (r *Request) Method() string {
	return r.Env()["REQUEST_METHOD"]
}

// cleanupUploads removes any uploaded file parts the handler never
// consumed (moved/renamed away), matching _cleanup_uploads.
func (r *Request) cleanupUploads() {
	for _, f := range r.files {
		if f == nil {
			continue
		}
		removeIfExists(f.Path)
	}
}
