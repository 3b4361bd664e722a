package fcgiapp

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/creasty/defaults"
)

var errEmptyListenAddr = fmt.Errorf("listen address must not be empty")

func errInvalidSessionBits(bits int) error {
	return fmt.Errorf("invalid session bit width %d, want 4, 5 or 6", bits)
}

// Config holds process-wide configuration for an Application. Zero values
// are filled in by LoadConfig from environment variables, falling back to
// the struct tag defaults below.
type Config struct {
	// ListenAddr is the FastCGI listen socket: ":PORT", "HOST:PORT",
	// "*:PORT", or an absolute filesystem path for a UNIX domain socket.
	ListenAddr string `env:"FCGIAPP_LISTEN" envDefault:":9000" default:":9000"`

	// ListenBacklog is passed to OpenSocket, which does not apply it: the
	// listen socket always gets the OS default backlog.
	ListenBacklog int `env:"FCGIAPP_BACKLOG" envDefault:"0" default:"0"`

	// Charset is passed to the form-value decoders, which return values
	// unchanged; Response does not apply it to the text it writes.
	Charset string `env:"FCGIAPP_CHARSET" envDefault:"utf-8" default:"utf-8"`

	// MaxFormBytes caps the body size read by the multipart/urlencoded
	// parsers. Multipart parsing stops at the first part that starts past
	// this size, with a logged warning; an urlencoded body is read into a
	// buffer of this size and any excess is dropped without a warning.
	MaxFormBytes int64 `env:"FCGIAPP_MAX_FORM_BYTES" envDefault:"1073741824" default:"1073741824"`

	// TempDir is where uploaded file parts are spooled. Empty means
	// os.TempDir().
	TempDir string `env:"FCGIAPP_TEMP_DIR" envDefault:""`

	// SessionBits selects the session id alphabet: 4 (hex-like, 40 chars),
	// 5 (base32-like, 32 chars), or 6 (base64url-like, 27 chars).
	SessionBits int `env:"FCGIAPP_SESSION_BITS" envDefault:"6" default:"6"`

	// SessionCookie is the cookie name carrying the session id.
	SessionCookie string `env:"FCGIAPP_SESSION_COOKIE" envDefault:"SID" default:"SID"`

	// SessionTTL is how long a session file may go untouched before it is
	// considered garbage.
	SessionTTL time.Duration `env:"FCGIAPP_SESSION_TTL" envDefault:"24h" default:"24h"`

	// GCProbability is the chance, on any given session read, that the
	// file session store scans its directory for expired files.
	GCProbability float64 `env:"FCGIAPP_GC_PROBABILITY" envDefault:"0.1" default:"0.1"`

	// Forks is the number of additional worker processes to pre-fork
	// before entering the accept loop. 0 disables pre-fork.
	Forks int `env:"FCGIAPP_FORKS" envDefault:"0" default:"0"`

	// ShowTraceback controls whether the default error page includes a
	// stack trace.
	ShowTraceback bool `env:"FCGIAPP_SHOW_TRACEBACK" envDefault:"true" default:"true"`
}

// LoadConfig builds a Config from environment variables, applying struct
// defaults first so unset variables fall back to sane values.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, wrap(err, ErrConfig, "applying config defaults")
	}
	if err := env.Parse(cfg); err != nil {
		return nil, wrap(err, ErrConfig, "parsing config from environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants LoadConfig cannot express as struct tags.
func (c *Config) Validate() error {
	switch c.SessionBits {
	case 4, 5, 6:
	default:
		return wrap(errInvalidSessionBits(c.SessionBits), ErrConfig, "validating session bit width")
	}
	if c.ListenAddr == "" {
		return wrap(errEmptyListenAddr, ErrConfig, "validating listen address")
	}
	return nil
}
