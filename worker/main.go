// worker/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"guided-audio-stream/app"
	"guided-audio-stream/shared"
)

func main() {
	if err := run(); err != nil {
		shared.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	shared.Info("Worker Service starting", "port", cfg.WorkerPort, "max_workers", cfg.MaxWorkers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()
	if !a.Distributed() {
		// an in-memory queue is private to this process; nothing would ever arrive
		return errors.New("worker requires REDIS_ADDR; without redis the gateway runs jobs itself")
	}

	pool := app.NewWorkerPool(a.Queue, a.Coordinator, cfg.MaxWorkers)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":         "ok",
			"message":        "Worker Service is healthy",
			"active_workers": fmt.Sprintf("%d/%d", pool.Active(), pool.Capacity()),
		})
	})
	mux.Handle("GET /metrics", a.Metrics.Handler())
	srv := &http.Server{
		Addr:              ":" + cfg.WorkerPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error {
		a.Coordinator.RunJanitor(gctx, cfg.Pipeline.JanitorInterval)
		return nil
	})
	g.Go(func() error {
		shared.Info("Worker Service listening", "addr", "http://localhost:"+cfg.WorkerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
