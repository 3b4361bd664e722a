package fcgiapp

import (
	"strconv"
	"strings"
)

// Character classes for URL encoding, transcribed from the reserved/unsafe
// table in the original smisk URL.c (itself derived from RFC 1738/2396).
const (
	urlchrReserved = 1 // rfc1738 reserved chars + "$" and ","
	urlchrUnsafe   = 2 // rfc1738 unsafe chars, plus non-printables
)

// urlchrTable mirrors urlchr_table from original_source/src/URL.c byte for
// byte: a reserved character changes the meaning of a URL if decoded (e.g.
// "/foo/%2f/bar" is not "/foo///bar"); an unsafe character must be encoded
// to safely appear in foreign contexts (HTML, shells, HTTP headers).
var urlchrTable = buildURLCharTable()

func buildURLCharTable() [256]byte {
	const R = urlchrReserved
	const U = urlchrUnsafe
	const RU = R | U

	var t [256]byte
	for i := 0; i < 32; i++ {
		t[i] = U
	}
	t[' '] = U
	t['!'] = 0
	t['"'] = U
	t['#'] = RU
	t['$'] = R
	t['%'] = U
	t['&'] = R
	t['\''] = 0
	t['('] = 0
	t[')'] = 0
	t['*'] = 0
	t['+'] = R
	t[','] = R
	t['-'] = 0
	t['.'] = 0
	t['/'] = R
	for i := '0'; i <= '9'; i++ {
		t[i] = 0
	}
	t[':'] = RU
	t[';'] = R
	t['<'] = U
	t['='] = R
	t['>'] = U
	t['?'] = R
	t['@'] = RU
	for i := 'A'; i <= 'Z'; i++ {
		t[i] = 0
	}
	t['['] = RU
	t['\\'] = U
	t[']'] = RU
	t['^'] = U
	t['_'] = 0
	t['`'] = U
	for i := 'a'; i <= 'z'; i++ {
		t[i] = 0
	}
	t['{'] = U
	t['|'] = U
	t['}'] = U
	t['~'] = 0
	t[127] = U
	for i := 128; i < 256; i++ {
		t[i] = U
	}
	return t
}

func urlCharTest(c byte, mask byte) bool {
	return urlchrTable[c]&mask != 0
}

const hexDigits = "0123456789ABCDEF"

// Encode quotes both reserved and unsafe characters, making s safe for use
// as a single URL component (path segment, query value). full mirrors the
// original encode()/escape() split: full=true is encode(), full=false is
// escape().
func Encode(s string, full bool) string {
	var mask byte = urlchrUnsafe
	if full {
		mask = urlchrReserved | urlchrUnsafe
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if urlCharTest(c, mask) {
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0xf])
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Escape quotes only unsafe characters, safe to pass a whole URL through an
// unsafe context (HTML, shell).
func Escape(s string) string {
	return Encode(s, false)
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

// Decode restores %HH and +->space. It is strict: a trailing "%" or "%X"
// (single hex digit) is left literal rather than consumed.
func Decode(s string) string {
	b := make([]byte, len(s))
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '+':
			b[n] = ' '
		case c == '%' && i+2 < len(s) && isHexDigit(s[i+1]) && isHexDigit(s[i+2]):
			b[n] = hexVal(s[i+1])<<4 | hexVal(s[i+2])
			i += 2
		default:
			b[n] = c
		}
		n++
	}
	return string(b[:n])
}

// URL holds the components of a parsed Uniform Resource Locator. Every
// string field is independently optional (empty string means absent);
// Port 0 means absent.
type URL struct {
	Scheme   string
	User     string
	Password string
	Host     string
	Port     uint16
	Path     string
	Query    string
	Fragment string
}

// field identifies which URL component the single-pass parser is currently
// filling, mirroring the `v` pointer in smisk's URL.c _parse().
type urlField int

const (
	fieldProto urlField = iota
	fieldUser
	fieldPass
	fieldHost
	fieldPort
	fieldURI
)

// ParseURL parses a URL string per RFC 1738/2396, reimplementing the
// single forward-pass state machine from original_source/src/URL.c's
// _parse(). It accepts partial URLs: "host[:port]/path" with no scheme,
// "user@host/path" with no password, and "[v6addr]:port" host literals
// (accepted verbatim into Host, no IPv6 disambiguation attempted).
func ParseURL(s string) (*URL, error) {
	type span struct{ start, length int }
	var proto, user, pass, host, port, uri span
	cur := &proto
	curField := fieldProto

	set := func(f urlField) {
		switch f {
		case fieldProto:
			cur = &proto
		case fieldUser:
			cur = &user
		case fieldPass:
			cur = &pass
		case fieldHost:
			cur = &host
		case fieldPort:
			cur = &port
		case fieldURI:
			cur = &uri
		}
		curField = f
	}

	i := 0
	for ; i < len(s); i++ {
		switch s[i] {
		case ':':
			switch curField {
			case fieldProto:
				if i+2 < len(s) && s[i+1] == '/' && s[i+2] == '/' {
					i += 2
					set(fieldUser)
				} else {
					user = proto
					proto = span{}
					set(fieldPass)
				}
			case fieldUser:
				set(fieldPass)
			case fieldHost:
				set(fieldPort)
			case fieldURI:
				// ':' is allowed in path or query
				cur.length++
			default:
				return nil, wrap(errMalformedURL(s), ErrProtocol, "parsing URL")
			}
		case '@':
			switch curField {
			case fieldProto:
				user = proto
				proto = span{}
				set(fieldHost)
			case fieldPass, fieldUser:
				set(fieldHost)
			case fieldURI:
				cur.length++
			default:
				return nil, wrap(errMalformedURL(s), ErrProtocol, "parsing URL")
			}
		case '/':
			switch {
			case (curField == fieldProto && proto.length == 0) || curField == fieldHost || curField == fieldPort:
				uri = span{start: i, length: 1}
				set(fieldURI)
			case curField == fieldProto:
				host = proto
				proto = span{}
				uri = span{start: i, length: 1}
				set(fieldURI)
			case curField == fieldUser:
				host = user
				user = span{}
				uri = span{start: i, length: 1}
				set(fieldURI)
			case curField == fieldPass:
				host = user
				port = pass
				user, pass = span{}, span{}
				uri = span{start: i, length: 1}
				set(fieldURI)
			case curField == fieldURI:
				cur.length++
			default:
				return nil, wrap(errMalformedURL(s), ErrProtocol, "parsing URL")
			}
		case '[':
			// A bracketed host literal such as "[::1]" is taken verbatim,
			// colons included.
			if j := strings.IndexByte(s[i:], ']'); j > 0 && cur.length == 0 &&
				(curField == fieldProto || curField == fieldUser || curField == fieldHost) {
				cur.start = i
				cur.length = j + 1
				i += j
				continue
			}
			if cur.length == 0 {
				cur.start = i
			}
			cur.length++
		default:
			if cur.length == 0 {
				cur.start = i
			}
			cur.length++
		}
	}

	switch curField {
	case fieldProto:
		if proto.length > 0 {
			if s[proto.start] == '/' {
				uri = proto
			} else {
				host = proto
			}
			proto = span{}
		}
	case fieldUser:
		host = user
		user = span{}
	case fieldPass:
		host = user
		port = pass
		user, pass = span{}, span{}
	}

	u := &URL{}
	extract := func(sp span) string {
		if sp.length == 0 {
			return ""
		}
		return s[sp.start : sp.start+sp.length]
	}

	u.Scheme = strings.ToLower(extract(proto))
	u.User = extract(user)
	u.Password = extract(pass)
	u.Host = extract(host)

	if port.length > 0 {
		p, err := strconv.Atoi(extract(port))
		if err != nil || p < 0 {
			p = 0
		}
		u.Port = uint16(p)
	}

	if uri.length > 0 {
		rest := extract(uri)
		qIdx := strings.IndexByte(rest, '?')
		fIdx := strings.IndexByte(rest, '#')

		switch {
		case qIdx != -1 && fIdx != -1:
			if qIdx < fIdx {
				u.Path = rest[:qIdx]
				u.Query = rest[qIdx+1 : fIdx]
				u.Fragment = rest[fIdx+1:]
			} else {
				u.Path = rest[:fIdx]
				u.Fragment = rest[fIdx+1:]
			}
		case qIdx != -1:
			u.Path = rest[:qIdx]
			u.Query = rest[qIdx+1:]
		case fIdx != -1:
			u.Path = rest[:fIdx]
			u.Fragment = rest[fIdx+1:]
		default:
			u.Path = rest
		}
	}

	return u, nil
}

func errMalformedURL(s string) error {
	return &malformedURLError{s}
}

type malformedURLError struct{ s string }

func (e *malformedURLError) Error() string { return "malformed URL: " + strconv.Quote(e.s) }

// URLStringOptions controls which components ToString renders.
type URLStringOptions struct {
	Scheme, User, Password, Host, Port, Path, Query, Fragment bool
	// Port80 includes ":80" even when Port==80; by default it is omitted.
	Port80 bool
}

// AllComponents returns options rendering every present component,
// equivalent to the original to_s(all=true) round-trip contract.
func AllComponents() URLStringOptions {
	return URLStringOptions{true, true, true, true, true, true, true, true, false}
}

// ToString renders the URL selectively per opts, mirroring
// original_source/src/URL.c's smisk_URL_to_s.
func (u *URL) ToString(opts URLStringOptions) string {
	var b strings.Builder

	if opts.Scheme && u.Scheme != "" {
		b.WriteString(u.Scheme)
		b.WriteString("://")
	}

	if opts.User && u.User != "" {
		b.WriteString(u.User)
		if opts.Password && u.Password != "" {
			b.WriteByte(':')
			b.WriteString(u.Password)
		}
		b.WriteByte('@')
	}

	if opts.Host && u.Host != "" {
		b.WriteString(u.Host)
	}

	if opts.Port && u.Port > 0 {
		if u.Port != 80 || opts.Port80 {
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(int(u.Port)))
		}
	}

	if opts.Path {
		b.WriteString(u.Path)
	}

	if opts.Query && u.Query != "" {
		b.WriteByte('?')
		b.WriteString(u.Query)
	}

	if opts.Fragment && u.Fragment != "" {
		b.WriteByte('#')
		b.WriteString(u.Fragment)
	}

	return b.String()
}

func (u *URL) String() string {
	return u.ToString(AllComponents())
}

// URI returns path+query+fragment, mirroring the `uri` property of the
// original URL type.
func (u *URL) URI() string {
	var b strings.Builder
	b.WriteString(u.Path)
	if u.Query != "" {
		b.WriteByte('?')
		b.WriteString(u.Query)
	}
	if u.Fragment != "" {
		b.WriteByte('#')
		b.WriteString(u.Fragment)
	}
	return b.String()
}

// QueryValues maps a decomposed query string's keys to their values: a
// single string for a one-value key, nil for a bare key with no '=', or a
// []interface{} of (string | nil) elements for repeats — the slice form
// uses interface{} rather than []string specifically so a later bare
// occurrence of an already-repeated key can still be represented as nil
// instead of being coerced into "".
type QueryValues map[string]interface{}

// Get returns the first value for key, or "" if absent or bare.
func (q QueryValues) Get(key string) string {
	switch v := q[key].(type) {
	case string:
		return v
	case []interface{}:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

// DecomposeQuery splits a query string on '&' then '='. Keys with no '='
// map to a nil value. Repeated keys collapse into an ordered []interface{}
// of (string | nil) elements, preserving a bare occurrence among repeats.
// Keys and values are percent-decoded; charset is passed to recodeValue,
// which returns every value unchanged, so no charset conversion is done.
func DecomposeQuery(s string, charset string) QueryValues {
	return decomposeInput(s, "&", false, charset)
}

// decomposeInput is the shared pair-decomposition this module's query
// string and cookie header parsers both reduce to, mirroring
// smisk_parse_input_data's single routine backing both
// smisk_URL_decompose_query and the Request cookie parser: split on sep,
// then split each pair on the first '=', optionally left-trimming spaces
// off the key (cookie headers pad continuation pairs with a space after
// ';', query strings never do).
func decomposeInput(s, sep string, ltrimKey bool, charset string) QueryValues {
	out := make(QueryValues)
	if s == "" {
		return out
	}

	for _, pair := range strings.Split(s, sep) {
		if ltrimKey {
			pair = strings.TrimLeft(pair, " ")
		}
		if pair == "" {
			continue
		}

		var key, val string
		hasVal := false
		if idx := strings.IndexByte(pair, '='); idx >= 0 {
			key, val = pair[:idx], pair[idx+1:]
			hasVal = true
		} else {
			key = pair
		}
		if ltrimKey {
			key = strings.TrimLeft(key, " ")
		}

		key = Decode(key)
		var decodedVal interface{}
		if hasVal {
			decodedVal = decodeQueryValue(val, charset)
		}

		assocQueryValue(out, key, decodedVal, hasVal)
	}

	return out
}

func decodeQueryValue(val, charset string) string {
	decoded := Decode(val)
	return recodeValue(decoded, charset)
}

// recodeValue is a hook point for non-UTF-8 charsets; this module only
// ships UTF-8 handling (see DESIGN.md), so charset is accepted but only
// "utf-8"/"" are meaningful — any other value passes the bytes through
// unchanged, matching the original's charset=None passthrough behavior.
func recodeValue(s, charset string) string {
	return s
}

func assocQueryValue(out QueryValues, key string, val interface{}, hasVal bool) {
	existing, present := out[key]

	var next interface{}
	if hasVal {
		next = val
	}

	if !present {
		out[key] = next
		return
	}

	switch e := existing.(type) {
	case []interface{}:
		out[key] = append(e, next)
	default:
		out[key] = []interface{}{existing, next}
	}
}
