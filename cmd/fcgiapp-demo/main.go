// Command fcgiapp-demo runs a minimal FastCGI responder exercising the
// request/response/session surface of the fcgiapp package. It is a demo
// harness, not a production server; a real deployment is expected to embed
// the fcgiapp package directly rather than shell out to this binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/gophpeek/fcgiapp"
	"go.uber.org/zap"
)

func main() {
	var (
		listenAddr string
		showVer    bool
	)

	flag.StringVar(&listenAddr, "listen", "", "override FCGIAPP_LISTEN (e.g. :9000 or /tmp/fcgiapp.sock)")
	flag.BoolVar(&showVer, "version", false, "print version and exit")
	flag.Parse()

	if showVer {
		fmt.Println("fcgiapp-demo " + fcgiapp.Version)
		os.Exit(0)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fcgiapp-demo: building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := fcgiapp.LoadConfig()
	if err != nil {
		logger.Fatal("loading config", zap.Error(err))
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	app := fcgiapp.New(cfg, logger)
	app.Handler = demoHandler

	logger.Info("starting fcgiapp-demo", zap.String("listen", cfg.ListenAddr))
	if err := app.Run(context.Background()); err != nil {
		logger.Fatal("application exited", zap.Error(err))
	}
}

func demoHandler(ctx context.Context, req *fcgiapp.Request, resp *fcgiapp.Response) {
	sess, err := req.Session(ctx)
	if err != nil {
		resp.SetHeader("Content-Type", "text/plain; charset=utf-8")
		_ = resp.WriteString(fmt.Sprintf("session error: %v\n", err))
		return
	}

	visits, _ := sess["visits"].(int)
	visits++
	_ = req.SetSession(ctx, fcgiapp.SessionData{"visits": visits})

	resp.SetHeader("Content-Type", "text/plain; charset=utf-8")
	_ = resp.WriteString(fmt.Sprintf("hello from fcgiapp-demo\nmethod: %s\npath: %s\nvisit: %d\n",
		req.Method(), req.URL().Path, visits))
}
