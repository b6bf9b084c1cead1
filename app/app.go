// Package app builds the service graph from configuration. Both binaries
// share it: the gateway serves HTTP (and runs workers itself when no Redis is
// configured), the worker only consumes the queue.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"guided-audio-stream/coordinator"
	"guided-audio-stream/download"
	"guided-audio-stream/encoder"
	"guided-audio-stream/segstore"
	"guided-audio-stream/shared"
	"guided-audio-stream/tracker"
)

const (
	redisPingTimeout = 2 * time.Second
	claimMargin      = 5 * time.Minute
)

// App holds every long-lived component.
type App struct {
	Config      *shared.Config
	Metrics     *shared.Metrics
	Redis       *redis.Client
	Repo        shared.JobRepository
	Queue       shared.MessageQueueClient
	RateLimiter *shared.RateLimiter
	Objects     segstore.ObjectStore
	// Files is set only for the local object store; the gateway serves it.
	Files       *segstore.FileStore
	Store       *segstore.Store
	Tracker     *tracker.Tracker
	Coordinator *coordinator.Coordinator

	closers []func() error
}

// Options override collaborators, mainly for tests.
type Options struct {
	Runner encoder.Runner
	Synth  coordinator.Synthesizer
}

// Build wires the components described by cfg.
func Build(ctx context.Context, cfg *shared.Config, opts Options) (*App, error) {
	a := &App{Config: cfg, Metrics: shared.NewMetrics()}

	if cfg.RedisAddr != "" {
		client, err := connectRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.Redis = client
		a.closers = append(a.closers, a.Redis.Close)
		a.Repo = shared.NewRedisDB(a.Redis)
		// A delivery is only reclaimed once it has been idle longer than any
		// job may run, so a slow job is never handed to a second worker.
		a.Queue = shared.NewRedisQueue(a.Redis, cfg.QueueName, cfg.QueueMaxLength, cfg.Pipeline.GenerationTimeout+claimMargin)
		shared.Info("using redis job store and queue", "addr", cfg.RedisAddr, "queue", cfg.QueueName)
	} else {
		if cfg.SQLitePath != "" {
			db, err := shared.OpenSQLiteDB(cfg.SQLitePath)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, db.Close)
			a.Repo = db
			shared.Info("using sqlite job store", "path", cfg.SQLitePath)
		} else {
			a.Repo = shared.NewInMemoryDB()
			shared.Info("using in-memory job store")
		}
		size := cfg.QueueMaxLength
		if size <= 0 {
			size = 100
		}
		a.Queue = shared.NewInMemoryQueue(size)
	}
	a.closers = append(a.closers, func() error { a.Queue.Close(); return nil })
	a.RateLimiter = shared.NewRateLimiter(cfg.RateLimitRPM, a.Redis)

	if err := a.buildObjects(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.Store = segstore.New(a.Objects, segstore.Options{
		TargetDuration: cfg.Encoder.SegmentSeconds,
		URLTTL:         cfg.Storage.SignedURLTTL,
		SegmentURLTTL:  cfg.Storage.SegmentURLTTL,
	})
	a.Tracker = tracker.New(a.Repo,
		tracker.WithMaxAttempts(cfg.Pipeline.MaxAttempts),
		tracker.WithCleaner(segstore.JobCleaner{Store: a.Store}),
	)

	runner := opts.Runner
	if runner == nil {
		runner = encoder.ExecRunner{}
	}
	synth := opts.Synth
	if synth == nil {
		synth = coordinator.NewSpeechClient(cfg.TTS)
	}
	orchestrator := encoder.NewOrchestrator(
		encoder.ConfigFrom(cfg.Encoder),
		runner,
		encoder.NewDirLibrary(cfg.Encoder.TracksDir, cfg.Encoder.DefaultTrack),
		a.Store,
	)
	downloads := download.New(download.Config{
		FFmpegPath: cfg.Encoder.FFmpegPath,
		WorkDir:    cfg.Encoder.WorkDir,
		URLTTL:     cfg.Storage.SignedURLTTL,
	}, a.Tracker, a.Store, runner, a.Metrics)

	a.Coordinator = coordinator.New(coordinator.Config{
		GenerationTimeout: cfg.Pipeline.GenerationTimeout,
		ArtifactTTL:       cfg.Pipeline.ArtifactTTL,
		PendingTimeout:    cfg.Pipeline.PendingTimeout,
		URLTTL:            cfg.Storage.SignedURLTTL,
	}, coordinator.Deps{
		Jobs:      a.Tracker,
		Store:     a.Store,
		Encoder:   orchestrator,
		Downloads: downloads,
		Synth:     synth,
		Queue:     a.Queue,
		Metrics:   a.Metrics,
	})
	return a, nil
}

// connectRedis dials Redis and fails fast when it is unreachable.
func connectRedis(ctx context.Context, cfg *shared.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  10 * time.Second, // above the stream read block
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

func (a *App) buildObjects(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Storage.Backend {
	case shared.StorageBackendS3:
		s3, err := segstore.NewS3Store(ctx, segstore.S3Config{
			Bucket:    cfg.Storage.S3Bucket,
			Region:    cfg.Storage.S3Region,
			Endpoint:  cfg.Storage.S3Endpoint,
			PathStyle: cfg.Storage.S3PathStyle,
			AccessKey: cfg.Storage.S3AccessKey,
			SecretKey: cfg.Storage.S3SecretKey,
		})
		if err != nil {
			return err
		}
		a.Objects = s3
		shared.Info("using s3 object store", "bucket", cfg.Storage.S3Bucket)
	default:
		secret := cfg.Storage.SigningSecret
		if secret == "" {
			secret = randomSecret()
			shared.Warn("STORAGE_SIGNING_SECRET not set. Generated a per-process secret; signed URLs will not survive restarts or work across processes.")
		}
		baseURL := cfg.PublicAPIBaseURL
		if strings.TrimSpace(baseURL) == "" {
			baseURL = "http://localhost:" + cfg.APIGatewayPort
		}
		files, err := segstore.NewFileStore(cfg.Storage.LocalDir, baseURL, secret)
		if err != nil {
			return err
		}
		a.Objects = files
		a.Files = files
		shared.Info("using local object store", "dir", cfg.Storage.LocalDir, "base_url", baseURL)
	}
	return nil
}

// Distributed reports whether jobs are dispatched to separate worker processes.
func (a *App) Distributed() bool { return a.Redis != nil }

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			shared.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("read random secret: %v", err))
	}
	return hex.EncodeToString(b)
}
