package fcgiapp

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
)

// forkChildEnvVar marks a process as an already-forked worker, preventing
// the re-exec in preFork from recursing. Go has no raw fork(2) that
// preserves a live goroutine scheduler, so pre-forking here means
// re-executing the same binary (os/exec), the idiomatic Go replacement
// for smisk's literal fork() in _fork.
const forkChildEnvVar = "FCGIAPP_FORK_CHILD"

// Handler processes one request/response transaction. Panics inside a
// Handler are recovered by the accept loop and turned into a 500-class
// error response, replacing the exception triad (type, value, traceback)
// smisk_Application_error received.
type Handler func(ctx context.Context, req *Request, resp *Response)

// ErrorHandler is invoked when Handler panics, with the recovered value
// and a stack trace. It runs with the same Request/Response the panicking
// Handler had; if the Handler already wrote output, the response has begun
// and headers can no longer be added.
type ErrorHandler func(ctx context.Context, req *Request, resp *Response, recovered interface{}, stack []byte)

var (
	currentMu sync.Mutex
	current   *Application
)

// Current returns the process-wide Application installed by SetCurrent,
// or nil if none has been installed yet.
func Current() *Application {
	currentMu.Lock()
	defer currentMu.Unlock()
	return current
}

// SetCurrent installs app as the process-wide singleton, mirroring
// smisk_Application_set_current. Passing nil clears it.
func SetCurrent(app *Application) {
	currentMu.Lock()
	defer currentMu.Unlock()
	current = app
}

// Application runs the FastCGI accept loop: bind, accept, decode, hand
// off to Handler, encode the response, and repeat until a shutdown signal
// or context cancellation.
type Application struct {
	config   *Config
	logger   *zap.Logger
	sessions SessionStore

	Handler      Handler
	ErrorHandler ErrorHandler

	listener    net.Listener
	shutdown    atomic.Bool
	forkedPIDs  []int
	inFlight    sync.WaitGroup
	childProcs  []*exec.Cmd
}

// New builds an Application from cfg, wiring the default disk-backed
// session store. A nil logger falls back to zap.NewNop().
func New(cfg *Config, logger *zap.Logger) *Application {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &Application{
		config: cfg,
		logger: logger,
	}
	app.sessions = NewFileSessionStore(cfg.TempDir, cfg.SessionTTL, cfg.GCProbability, cfg.SessionCookie, logger)
	return app
}

// SetSessionStore overrides the default FileSessionStore, e.g. for tests
// or an alternative backend implementing SessionStore.
func (app *Application) SetSessionStore(store SessionStore) {
	app.sessions = store
}

// preFork spawns Forks additional copies of the current process (each
// re-exec'd with FCGIAPP_FORK_CHILD=1 so they don't recurse), and returns
// immediately in the parent without blocking — the parent still runs its
// own accept loop same as a forked child would. If any child fails to
// start, already-started children are killed and an error is returned
// rather than continuing with a partial worker pool: reap-and-abort
// instead of limping on with fewer workers than configured.
func (app *Application) preFork(ctx context.Context) error {
	if app.config.Forks <= 0 || os.Getenv(forkChildEnvVar) == "1" {
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return wrap(err, ErrConfig, "resolving executable for pre-fork")
	}

	for i := 0; i < app.config.Forks; i++ {
		cmd := exec.CommandContext(ctx, exe, os.Args[1:]...)
		cmd.Env = append(os.Environ(), forkChildEnvVar+"=1")
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			app.killForkedChildren()
			return wrap(err, ErrConfig, "starting forked worker")
		}
		app.childProcs = append(app.childProcs, cmd)
		app.forkedPIDs = append(app.forkedPIDs, cmd.Process.Pid)
		app.logger.Debug("started forked worker", zap.Int("pid", cmd.Process.Pid))
	}
	return nil
}

func (app *Application) killForkedChildren() {
	for _, cmd := range app.childProcs {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
	for _, cmd := range app.childProcs {
		_ = cmd.Wait()
	}
	app.childProcs = nil
	app.forkedPIDs = nil
}

// waitForkedChildren reaps pre-forked workers after the parent's own
// accept loop exits, mirroring _wait_for_child_procs.
func (app *Application) waitForkedChildren() {
	for _, cmd := range app.childProcs {
		if err := cmd.Wait(); err != nil {
			app.logger.Debug("forked worker exited", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
		}
	}
}

// Run pre-forks worker processes if configured, binds config.ListenAddr,
// then accepts and services requests one at a time until ctx is cancelled
// or SIGINT/SIGHUP/SIGTERM/SIGUSR1 arrives. After the loop ends, a trapped
// SIGINT, SIGHUP or SIGTERM is re-raised with its default disposition so
// the process exit status reflects it; SIGUSR1 requests the same graceful
// shutdown without the re-raise, matching _sighandler_close_fcgi's
// special-casing.
func (app *Application) Run(ctx context.Context) error {
	if app.Handler == nil {
		return wrap(fmt.Errorf("Handler is nil"), ErrConfig, "running application")
	}

	if err := app.preFork(ctx); err != nil {
		return err
	}

	ln, err := OpenSocket(app.config.ListenAddr, app.config.ListenBacklog)
	if err != nil {
		return err
	}
	app.listener = ln

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	var trapped atomic.Value
	go func() {
		select {
		case sig := <-sigCh:
			app.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			trapped.Store(sig)
			app.shutdown.Store(true)
			cancel()
			_ = ln.Close()
		case <-runCtx.Done():
		}
	}()

	app.logger.Info("accepting requests", zap.String("addr", app.config.ListenAddr))

	for !app.shutdown.Load() {
		conn, err := acceptConn(runCtx, ln)
		if err != nil {
			if runCtx.Err() != nil {
				break
			}
			app.logger.Debug("accept failed", zap.Error(err))
			break
		}

		tx, err := acceptTransaction(runCtx, conn)
		if err != nil {
			app.logger.Debug("reading transaction failed", zap.Error(err))
			_ = conn.Close()
			continue
		}
		if tx == nil {
			_ = conn.Close()
			continue
		}

		app.inFlight.Add(1)
		app.serve(runCtx, tx)
		app.inFlight.Done()
	}

	_ = ln.Close()
	app.inFlight.Wait()
	app.waitForkedChildren()

	app.logger.Info("stopped accepting requests")

	signal.Stop(sigCh)
	if sig, ok := trapped.Load().(syscall.Signal); ok && sig != syscall.SIGUSR1 {
		signal.Reset(sig)
		_ = syscall.Kill(os.Getpid(), sig)
	}
	return nil
}

// serve runs one request/response cycle through Handler, recovering a
// panic into ErrorHandler (or a minimal default 500 response if none is
// set), then finalizes the session write-back and releases unconsumed
// uploaded files, mirroring the accept loop's per-iteration service() /
// error() / reset() sequence.
func (app *Application) serve(ctx context.Context, tx *transaction) {
	req := newRequest(app, tx)
	resp := newResponse(app, req, tx)

	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			app.logger.Error("handler panicked", zap.Any("recovered", r))
			if app.ErrorHandler != nil {
				app.ErrorHandler(ctx, req, resp, r, stack)
			} else {
				app.defaultErrorResponse(resp, r, stack)
			}
		}

		if err := resp.Finish(); err != nil {
			app.logger.Debug("finishing response failed", zap.Error(err))
		}
		if err := req.finalizeSession(ctx); err != nil {
			app.logger.Debug("writing back session failed", zap.Error(err))
		}
		req.cleanupUploads()

		if err := tx.End(0); err != nil {
			app.logger.Debug("ending transaction failed", zap.Error(err))
		}
	}()

	app.Handler(ctx, req, resp)
}

func (app *Application) defaultErrorResponse(resp *Response, recovered interface{}, stack []byte) {
	if resp.hasBegun {
		return
	}
	resp.SetHeader("Status", "500 Internal Server Error")
	resp.SetHeader("Content-Type", "text/plain; charset=utf-8")
	body := "Internal Server Error\n"
	if app.config.ShowTraceback {
		body += fmt.Sprintf("\n%v\n\n%s", recovered, stack)
	}
	_ = resp.WriteString(body)
}
