package fcgiapp

import (
	"fmt"
	"strings"
	"time"
)

// Cookie mirrors the fields smisk's Response.set_cookie accepts, per
// original_source/src/Response.c.
type Cookie struct {
	Name     string
	Value    string
	Comment  string
	Domain   string
	Path     string
	Secure   bool
	Version  int
	MaxAge   int // -1 means absent (Discard is sent instead)
	HTTPOnly bool
}

// FormatSetCookie renders c as an RFC 2965-style Set-Cookie header value
// (without the leading "Set-Cookie: " prefix), field order and encoding
// matching smisk_Response_set_cookie exactly: mandatory name/value/version,
// then optional Comment/Domain/Path (all percent-encoded with full=true),
// then either Max-Age+Expires or Discard, then Secure/HttpOnly flags.
func FormatSetCookie(c Cookie) string {
	version := c.Version
	if version == 0 {
		version = 1
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s=%s;Version=%d", Encode(c.Name, true), Encode(c.Value, true), version)

	if c.Comment != "" {
		fmt.Fprintf(&b, ";Comment=%s", Encode(c.Comment, true))
	}
	if c.Domain != "" {
		fmt.Fprintf(&b, ";Domain=%s", Encode(c.Domain, true))
	}
	if c.Path != "" {
		fmt.Fprintf(&b, ";Path=%s", Encode(c.Path, true))
	}

	if c.MaxAge > -1 {
		fmt.Fprintf(&b, ";Max-Age=%d", c.MaxAge)
		expires := time.Now().UTC().Add(time.Duration(c.MaxAge) * time.Second)
		b.WriteString(";Expires=")
		b.WriteString(expires.Format("Mon, 02-Jan-06 15:04:05 GMT"))
	} else {
		b.WriteString(";Discard")
	}

	if c.Secure {
		b.WriteString(";Secure")
	}
	if c.HTTPOnly {
		b.WriteString(";HttpOnly")
	}

	return b.String()
}

// Header is a single response header line (name kept in the case the
// handler set it; matching is always case-insensitive).
type Header struct {
	Name  string
	Value string
}

// FindHeaderByPrefix returns the index of the first header in headers
// whose name starts with prefix (case-insensitive), or -1 if none match,
// mirroring smisk_find_string_by_prefix_in_dict's linear scan contract.
func FindHeaderByPrefix(headers []Header, prefix string) int {
	prefix = strings.ToLower(prefix)
	for i, h := range headers {
		if strings.HasPrefix(strings.ToLower(h.Name), prefix) {
			return i
		}
	}
	return -1
}
