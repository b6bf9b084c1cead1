// shared/config.go
package shared

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIGatewayPort = "8080"
	DefaultWorkerPort     = "8081" // Workers expose health and metrics here
	DefaultMaxWorkers     = 3
	DefaultAdminToken     = "super-secret-admin-token-change-me" // CHANGE THIS IN PRODUCTION
	DefaultRateLimitRPM   = 300
	DefaultQueueName      = "generation-jobs"
	DefaultMaxAttempts    = 3
	DefaultSegmentSeconds = 10
)

const (
	StorageBackendLocal = "local"
	StorageBackendS3    = "s3"
)

// Config holds global configuration for the services. Values come from
// defaults, then an optional YAML file (CONFIG_FILE), then the environment.
type Config struct {
	APIGatewayPort string `yaml:"api_gateway_port" env:"API_GATEWAY_PORT"`
	WorkerPort     string `yaml:"worker_port" env:"WORKER_PORT"`
	MaxWorkers     int    `yaml:"max_workers" env:"MAX_WORKERS"`
	AdminToken     string `yaml:"admin_token" env:"ADMIN_TOKEN"`
	// Redis (optional). If RedisAddr is empty, local implementations are used.
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
	// SQLitePath selects the SQLite job store when Redis is not configured.
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	// Queue configuration
	QueueName      string `yaml:"queue_name" env:"QUEUE_NAME"`
	QueueMaxLength int    `yaml:"queue_max_length" env:"QUEUE_MAX_LENGTH"`
	// CORS and rate limiting (requests per minute per IP)
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	RateLimitRPM   int      `yaml:"rate_limit_rpm" env:"RATE_LIMIT_RPM"`
	// Public base URL of the gateway, used to build local signed object URLs
	PublicAPIBaseURL string `yaml:"public_api_base_url" env:"PUBLIC_API_BASE_URL"`

	Storage  StorageConfig  `yaml:"storage" envPrefix:"STORAGE_"`
	Encoder  EncoderConfig  `yaml:"encoder" envPrefix:"ENCODER_"`
	Pipeline PipelineConfig `yaml:"pipeline" envPrefix:"PIPELINE_"`
	TTS      TTSConfig      `yaml:"tts" envPrefix:"TTS_"`
}

// StorageConfig selects and configures the object store.
type StorageConfig struct {
	Backend       string `yaml:"backend" env:"BACKEND"`
	LocalDir      string `yaml:"local_dir" env:"LOCAL_DIR"`
	SigningSecret string `yaml:"signing_secret" env:"SIGNING_SECRET"`
	S3Bucket      string `yaml:"s3_bucket" env:"S3_BUCKET"`
	S3Region      string `yaml:"s3_region" env:"S3_REGION"`
	S3Endpoint    string `yaml:"s3_endpoint" env:"S3_ENDPOINT"`
	S3PathStyle   bool   `yaml:"s3_path_style" env:"S3_PATH_STYLE"`
	S3AccessKey   string `yaml:"s3_access_key" env:"S3_ACCESS_KEY"`
	S3SecretKey   string `yaml:"s3_secret_key" env:"S3_SECRET_KEY"`
	// SignedURLTTL bounds URLs handed to clients in status and download responses.
	SignedURLTTL time.Duration `yaml:"signed_url_ttl" env:"SIGNED_URL_TTL"`
	// SegmentURLTTL bounds segment URLs embedded in playlists.
	SegmentURLTTL time.Duration `yaml:"segment_url_ttl" env:"SEGMENT_URL_TTL"`
}

// EncoderConfig configures the external encoder and its mix.
type EncoderConfig struct {
	FFmpegPath       string  `yaml:"ffmpeg_path" env:"FFMPEG_PATH"`
	WorkDir          string  `yaml:"work_dir" env:"WORK_DIR"`
	TracksDir        string  `yaml:"tracks_dir" env:"TRACKS_DIR"`
	DefaultTrack     string  `yaml:"default_track" env:"DEFAULT_TRACK"`
	SegmentSeconds   int     `yaml:"segment_seconds" env:"SEGMENT_SECONDS"`
	LeadInSeconds    float64 `yaml:"lead_in_seconds" env:"LEAD_IN_SECONDS"`
	BackgroundVolume float64 `yaml:"background_volume" env:"BACKGROUND_VOLUME"`
	Bitrate          string  `yaml:"bitrate" env:"BITRATE"`
}

// PipelineConfig bounds generation attempts and artifact retention.
type PipelineConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	GenerationTimeout time.Duration `yaml:"generation_timeout" env:"GENERATION_TIMEOUT"`
	ArtifactTTL       time.Duration `yaml:"artifact_ttl" env:"ARTIFACT_TTL"`
	JanitorInterval   time.Duration `yaml:"janitor_interval" env:"JANITOR_INTERVAL"`
	// PendingTimeout fails jobs no worker picked up in time.
	PendingTimeout time.Duration `yaml:"pending_timeout" env:"PENDING_TIMEOUT"`
}

// TTSConfig points at an OpenAI-compatible speech endpoint.
type TTSConfig struct {
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	APIKey  string        `yaml:"api_key" env:"API_KEY"`
	Model   string        `yaml:"model" env:"MODEL"`
	Voice   string        `yaml:"voice" env:"VOICE"`
	Format  string        `yaml:"format" env:"FORMAT"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// DefaultConfig returns the baseline configuration before file and env overlays.
func DefaultConfig() *Config {
	return &Config{
		APIGatewayPort: DefaultAPIGatewayPort,
		WorkerPort:     DefaultWorkerPort,
		MaxWorkers:     DefaultMaxWorkers,
		QueueName:      DefaultQueueName,
		AllowedOrigins: []string{"*"},
		RateLimitRPM:   DefaultRateLimitRPM,
		Storage: StorageConfig{
			Backend:       StorageBackendLocal,
			LocalDir:      "./data/objects",
			SignedURLTTL:  time.Hour,
			SegmentURLTTL: 6 * time.Hour,
		},
		Encoder: EncoderConfig{
			FFmpegPath:       "ffmpeg",
			WorkDir:          os.TempDir(),
			TracksDir:        "./tracks",
			DefaultTrack:     "ambient",
			SegmentSeconds:   DefaultSegmentSeconds,
			LeadInSeconds:    3,
			BackgroundVolume: 0.25,
			Bitrate:          "128k",
		},
		Pipeline: PipelineConfig{
			MaxAttempts:       DefaultMaxAttempts,
			GenerationTimeout: 15 * time.Minute,
			ArtifactTTL:       7 * 24 * time.Hour,
			JanitorInterval:   5 * time.Minute,
			PendingTimeout:    24 * time.Hour,
		},
		TTS: TTSConfig{
			BaseURL: "https://api.openai.com",
			Model:   "tts-1",
			Voice:   "alloy",
			Format:  "mp3",
			Timeout: 2 * time.Minute,
		},
	}
}

// LoadConfig loads configuration from CONFIG_FILE (if set) and the environment.
func LoadConfig() (*Config, error) {
	return LoadConfigFile(os.Getenv("CONFIG_FILE"))
}

// LoadConfigFile is LoadConfig with an explicit file path; empty means none.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	if c.MaxWorkers <= 0 {
		Warn("max_workers invalid, using default", "default", DefaultMaxWorkers)
		c.MaxWorkers = DefaultMaxWorkers
	}
	if strings.TrimSpace(c.AdminToken) == "" {
		c.AdminToken = DefaultAdminToken
		Warn("ADMIN_TOKEN not set. Using default development token. DO NOT USE IN PRODUCTION.")
	}
	c.AllowedOrigins = cleanList(c.AllowedOrigins)
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.Encoder.SegmentSeconds <= 0 {
		c.Encoder.SegmentSeconds = DefaultSegmentSeconds
	}
	if c.Pipeline.MaxAttempts <= 0 {
		c.Pipeline.MaxAttempts = DefaultMaxAttempts
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.QueueName = valueOrDefault(c.QueueName, DefaultQueueName)
}

// Validate rejects configurations the services cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageBackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case StorageBackendS3:
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("storage.s3_bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.SignedURLTTL <= 0 {
		return fmt.Errorf("storage.signed_url_ttl must be positive")
	}
	return nil
}

// valueOrDefault returns fallback if s is empty
func valueOrDefault(s string, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

// cleanList trims entries and drops empty ones
func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
