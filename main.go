// main.go
// In main.go we wire everything together: load config, build the logger and telemetry,
// start the client manager loop, and serve the WebSocket endpoint over HTTP.
// Shutdown stops the HTTP server first, then the manager loop, then flushes traces and metrics.

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"chat-relay/internal/config"
	"chat-relay/internal/telemetry"

	gfshutdown "github.com/gelmium/graceful-shutdown"
)

func newMux(m *ClientManager) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("chat relay running"))
	})
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		m.serveWS(w, r)
	})
	return mux
}

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatalf("load .env: %v", err)
	}
	cfg, err := config.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}

	logger, err := telemetry.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	slog.SetDefault(logger)

	shutdownTelemetry, err := telemetry.Setup(context.Background(), cfg.OTelEndpoint, cfg.MetricInterval)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	manager := newClientManager(cfg, logger, metrics)
	go manager.start(loopCtx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newMux(manager),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("relay listening", "addr", cfg.HTTPAddr, "track_messages", cfg.TrackMessages)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"relay": func(ctx context.Context) error {
				logger.Info("graceful shutdown initiated")
				err := srv.Shutdown(ctx)
				stopLoop()
				return errors.Join(err, manager.wait(ctx), shutdownTelemetry(ctx))
			},
		},
	)

	exitCode := <-wait
	logger.Info("relay exited", "code", exitCode)
	os.Exit(exitCode)
}
