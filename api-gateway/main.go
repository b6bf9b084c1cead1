// api-gateway/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"guided-audio-stream/api"
	"guided-audio-stream/app"
	"guided-audio-stream/shared"
)

const shutdownGrace = 15 * time.Second

func main() {
	if err := run(); err != nil {
		shared.Error("api gateway exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	shared.Info("API Gateway starting", "port", cfg.APIGatewayPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	deps := api.Deps{
		Coordinator: a.Coordinator,
		Files:       a.Files,
		RateLimiter: a.RateLimiter,
		Metrics:     a.Metrics,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Without Redis there is no shared queue, so the gateway runs the
	// workers and the janitor itself.
	if !a.Distributed() {
		pool := app.NewWorkerPool(a.Queue, a.Coordinator, cfg.MaxWorkers)
		deps.Health = func() map[string]string {
			return map[string]string{
				"mode":           "embedded",
				"active_workers": fmt.Sprintf("%d/%d", pool.Active(), pool.Capacity()),
			}
		}
		g.Go(func() error { return pool.Run(gctx) })
		g.Go(func() error {
			a.Coordinator.RunJanitor(gctx, cfg.Pipeline.JanitorInterval)
			return nil
		})
		shared.Info("no redis configured, running workers in-process", "max_workers", cfg.MaxWorkers)
	} else {
		deps.Health = func() map[string]string {
			return map[string]string{"mode": "distributed"}
		}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.APIGatewayPort,
		Handler:           api.NewServer(cfg, deps).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		shared.Info("API Gateway listening", "addr", "http://localhost:"+cfg.APIGatewayPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		shared.Info("API Gateway shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
