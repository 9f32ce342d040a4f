// Package config loads the server configuration. Values come from, in
// increasing precedence: built-in defaults, an optional YAML file, and
// PAGEQA_* environment variables (a .env file in the working directory is
// loaded into the environment first when present).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PAGEQA_"

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// ComputeConfig locates the embedding compute service.
type ComputeConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	// PollRate and PollBurst bound task status requests per second.
	PollRate  float64 `yaml:"poll_rate"`
	PollBurst int     `yaml:"poll_burst"`
	// HealthGRPC is an optional gRPC health endpoint used instead of GET /health.
	HealthGRPC    string `yaml:"health_grpc"`
	HealthService string `yaml:"health_service"`
}

// EmbeddingConfig tunes the embedding orchestrator.
type EmbeddingConfig struct {
	BatchSize       int           `yaml:"batch_size"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	MetricsCapacity int           `yaml:"metrics_capacity"`
}

// ChunkerConfig bounds chunk sizes.
type ChunkerConfig struct {
	MaxChars     int `yaml:"max_chars"`
	MaxWords     int `yaml:"max_words"`
	OverlapWords int `yaml:"overlap_words"`
}

// CacheConfig configures the tab cache.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// GenerationConfig configures the text generation backend and prompting.
type GenerationConfig struct {
	Addresses     []string      `yaml:"addresses"`
	Model         string        `yaml:"model"`
	Timeout       time.Duration `yaml:"timeout"`
	Temperature   float64       `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
	ContextWindow int           `yaml:"context_window"`
	PromptBudget  int           `yaml:"prompt_budget"`
}

// NATSConfig configures the push channel and event forwarding. An empty URL
// disables NATS; tasks are then settled by polling only.
type NATSConfig struct {
	URL          string `yaml:"url"`
	PushPrefix   string `yaml:"push_prefix"`
	EventsPrefix string `yaml:"events_prefix"`
}

// Config is the full server configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	HTTP       HTTPConfig       `yaml:"http"`
	Compute    ComputeConfig    `yaml:"compute"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Chunker    ChunkerConfig    `yaml:"chunker"`
	Cache      CacheConfig      `yaml:"cache"`
	Generation GenerationConfig `yaml:"generation"`
	NATS       NATSConfig       `yaml:"nats"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		HTTP:     HTTPConfig{Port: "8080", CORSOrigin: "*"},
		Compute: ComputeConfig{
			URL:       "http://localhost:8765",
			Timeout:   15 * time.Second,
			PollRate:  20,
			PollBurst: 10,
		},
		Embedding: EmbeddingConfig{
			BatchSize:       4,
			TaskTimeout:     30 * time.Second,
			PollInterval:    time.Second,
			MetricsCapacity: 1000,
		},
		Chunker: ChunkerConfig{MaxChars: 800, MaxWords: 200, OverlapWords: 50},
		Cache:   CacheConfig{TTL: 30 * time.Minute},
		Generation: GenerationConfig{
			Addresses: []string{
				"http://localhost:11434",
				"http://127.0.0.1:11434",
				"http://host.docker.internal:11434",
			},
			Model:         "llama3.2",
			Timeout:       60 * time.Second,
			Temperature:   0.3,
			MaxTokens:     512,
			ContextWindow: 4096,
			PromptBudget:  6000,
		},
		NATS: NATSConfig{
			PushPrefix:   "compute.jobs",
			EventsPrefix: "pageqa.events",
		},
	}
}

// Load builds the configuration. An empty path or a missing file leaves the
// defaults in place.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.Embedding.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("embedding.batch_size must be positive, got %d", c.Embedding.BatchSize))
	}
	if c.Embedding.TaskTimeout <= 0 {
		errs = append(errs, fmt.Errorf("embedding.task_timeout must be positive, got %s", c.Embedding.TaskTimeout))
	}
	if c.Embedding.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("embedding.poll_interval must be positive, got %s", c.Embedding.PollInterval))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must be positive, got %s", c.Cache.TTL))
	}
	if len(c.Generation.Addresses) == 0 {
		errs = append(errs, errors.New("generation.addresses must not be empty"))
	}
	if c.Generation.PromptBudget <= 0 {
		errs = append(errs, fmt.Errorf("generation.prompt_budget must be positive, got %d", c.Generation.PromptBudget))
	}
	if c.Generation.Temperature < 0 {
		errs = append(errs, fmt.Errorf("generation.temperature must not be negative, got %g", c.Generation.Temperature))
	}
	if c.HTTP.Port == "" {
		errs = append(errs, errors.New("http.port must be set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// applyEnv overrides fields from PAGEQA_* variables.
func (c *Config) applyEnv() error {
	e := envReader{}
	e.str("LOG_LEVEL", &c.LogLevel)
	e.str("PORT", &c.HTTP.Port)
	e.str("CORS_ORIGIN", &c.HTTP.CORSOrigin)

	e.str("COMPUTE_URL", &c.Compute.URL)
	e.duration("COMPUTE_TIMEOUT", &c.Compute.Timeout)
	e.float("POLL_RATE", &c.Compute.PollRate)
	e.int("POLL_BURST", &c.Compute.PollBurst)
	e.str("COMPUTE_HEALTH_GRPC", &c.Compute.HealthGRPC)
	e.str("COMPUTE_HEALTH_SERVICE", &c.Compute.HealthService)

	e.int("BATCH_SIZE", &c.Embedding.BatchSize)
	e.duration("TASK_TIMEOUT", &c.Embedding.TaskTimeout)
	e.duration("POLL_INTERVAL", &c.Embedding.PollInterval)
	e.duration("JOB_TIMEOUT", &c.Embedding.JobTimeout)
	e.int("METRICS_CAPACITY", &c.Embedding.MetricsCapacity)

	e.int("CHUNK_MAX_CHARS", &c.Chunker.MaxChars)
	e.int("CHUNK_MAX_WORDS", &c.Chunker.MaxWords)
	e.int("CHUNK_OVERLAP_WORDS", &c.Chunker.OverlapWords)

	e.duration("CACHE_TTL", &c.Cache.TTL)

	e.list("GENERATION_ADDRESSES", &c.Generation.Addresses)
	e.str("GENERATION_MODEL", &c.Generation.Model)
	e.duration("GENERATION_TIMEOUT", &c.Generation.Timeout)
	e.float("TEMPERATURE", &c.Generation.Temperature)
	e.int("MAX_TOKENS", &c.Generation.MaxTokens)
	e.int("CONTEXT_WINDOW", &c.Generation.ContextWindow)
	e.int("PROMPT_BUDGET", &c.Generation.PromptBudget)

	e.str("NATS_URL", &c.NATS.URL)
	e.str("NATS_PUSH_PREFIX", &c.NATS.PushPrefix)
	e.str("NATS_EVENTS_PREFIX", &c.NATS.EventsPrefix)
	return errors.Join(e.errs...)
}

// envReader collects parse errors so every bad variable is reported at once.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) fail(key, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s%s=%q: %w", EnvPrefix, key, v, err))
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}

// list splits a comma separated value, dropping blanks.
func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}
