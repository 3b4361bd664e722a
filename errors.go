// Package fcgiapp implements a FastCGI application runtime: the responder
// side of the FastCGI protocol that an upstream web server connects to.
//
// It owns the accept loop, per-request lifecycle, request decoding
// (environment, URL, query, cookies, urlencoded and multipart bodies),
// response composition and streaming, and a pluggable session subsystem
// with a disk-backed default store.
//
// Example usage:
//
//	cfg, err := fcgiapp.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	app := fcgiapp.New(cfg, logger)
//	app.Handler = func(ctx context.Context, req *fcgiapp.Request, resp *fcgiapp.Response) {
//		resp.WriteString("hello")
//	}
//
//	if err := app.Run(context.Background()); err != nil {
//		log.Fatal(err)
//	}
package fcgiapp

import (
	"errors"
	"fmt"
	"strings"
)

// Version is the runtime's self-reported version, appended to
// SERVER_SOFTWARE and the Server response header.
const Version = "1.0.0"

var (
	ErrWire                = errors.New("fcgiapp: wire error")
	ErrProtocol            = errors.New("fcgiapp: protocol error")
	ErrInvalidSession      = errors.New("fcgiapp: invalid session")
	ErrConfig              = errors.New("fcgiapp: config error")
	ErrSendfileUnsupported = errors.New("fcgiapp: sendfile not supported")
	ErrResponseBegun       = errors.New("fcgiapp: response has already begun")
	ErrNoApplication       = errors.New("fcgiapp: application not initialized")
)

// wrap enhances errors with contextual information and error classification.
func wrap(err, kind error, msg string) error {
	return fmt.Errorf("%w: %s: %v", kind, msg, err)
}

// wrapWithContext enhances errors with additional debugging context.
func wrapWithContext(err, kind error, msg string, context map[string]interface{}) error {
	if len(context) == 0 {
		return wrap(err, kind, msg)
	}

	parts := make([]string, 0, len(context))
	for k, v := range context {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return fmt.Errorf("%w: %s (%s): %v", kind, msg, strings.Join(parts, " "), err)
}
