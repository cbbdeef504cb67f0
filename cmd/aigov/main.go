// Command aigov runs the AI request governance service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimbushq/aigov/internal/app"
	"github.com/nimbushq/aigov/internal/logging"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "probe the running server's /healthz and exit")
	flag.Parse()

	cfg := app.FromEnv()

	if *healthcheck {
		os.Exit(probe(cfg.Addr))
	}

	log := logging.Setup(cfg.LogLevel)

	srv, err := app.New(cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(context.Background()) }()

	for {
		select {
		case err := <-errCh:
			if err != nil {
				log.Error("server error", "error", err)
				srv.Stop()
				os.Exit(1)
			}
			return
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				// Reload the log level without restarting.
				level := app.FromEnv().LogLevel
				logging.SetLevel(level)
				log.Info("log level reloaded", "level", level)
				continue
			}
			log.Info("shutting down", "signal", sig.String())
			srv.Stop()
			return
		}
	}
}

// probe hits the local /healthz endpoint. Exit status 0 means healthy.
func probe(addr string) int {
	if addr != "" && addr[0] == ':' {
		addr = "localhost" + addr
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		fmt.Fprintln(os.Stderr, "unreachable:", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(os.Stderr, "unhealthy:", resp.Status)
		return 1
	}
	return 0
}
