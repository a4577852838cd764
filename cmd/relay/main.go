package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/Jelly-Party/jelly-party-next/cmd/config"
	"github.com/Jelly-Party/jelly-party-next/lib/logger"
	"github.com/Jelly-Party/jelly-party-next/lib/relay"
)

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	config, err := config.Load()
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger.Info("relay configuration", "port", config.Port, "metricsPort", config.MetricsPort)

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := relay.NewMetrics()
	server := relay.NewServer(relay.Config{
		HeartbeatInterval: time.Duration(config.HeartbeatIntervalSeconds) * time.Second,
	}, slogger, metrics)

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Logger,
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxWithLogger := logger.AddToContext(r.Context(), slogger)
				next.ServeHTTP(w, r.WithContext(ctxWithLogger))
			})
		},
	)
	r.Get("/", server.HandleSocket)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	wsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: r,
	}

	// Prometheus scrapes a separate port so the metrics surface is never
	// exposed alongside the public websocket.
	metricsMux := chi.NewRouter()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.MetricsPort),
		Handler: metricsMux,
	}

	go func() {
		slogger.Info("websocket server starting", "addr", wsSrv.Addr)
		if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("websocket server failed", "err", err)
			stop()
		}
	}()
	go func() {
		slogger.Info("metrics server starting", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("metrics server failed", "err", err)
			stop()
		}
	}()

	// graceful shutdown
	<-ctx.Done()
	slogger.Info("shutdown signal received")

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		return wsSrv.Shutdown(context.Background())
	})
	g.Go(func() error {
		return metricsSrv.Shutdown(context.Background())
	})
	if err := g.Wait(); err != nil {
		slogger.Error("server failed to shutdown", "err", err)
	}
}
