package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Provider names accepted in AI_PROVIDER.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

type Config struct {
	AI         AIConfig
	Landmark   ServiceConfig
	Annotation AnnotationConfig
	Storage    StorageConfig
	Database   DatabaseConfig
	Tasks      TasksConfig
}

type AIConfig struct {
	Provider     string // "openai" (default) or "gemini"
	OpenAIToken  string
	GeminiAPIKey string
	OpenAIModel  string
	GeminiModel  string
	Timeout      time.Duration
}

type ServiceConfig struct {
	URL     string
	Timeout time.Duration
}

type AnnotationConfig struct {
	URL           string
	Timeout       time.Duration
	DetachTimeout time.Duration // budget for fire-and-forget annotation runs
}

type StorageConfig struct {
	Endpoint         string
	Bucket           string
	AccessKey        string
	SecretKey        string
	UseSSL           bool
	PresignTTL       time.Duration
	MaxOverlaySizePx int
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

// TasksConfig points at the daily-task regeneration service. Optional;
// when the URL is empty, plan-change regeneration is logged and skipped.
type TasksConfig struct {
	URL string
}

// defaults mirrors the embedded defaults.yaml file.
type defaults struct {
	AI struct {
		OpenAIModel    string `yaml:"openai_model"`
		GeminiModel    string `yaml:"gemini_model"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"ai"`
	Landmark struct {
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"landmark"`
	Annotation struct {
		TimeoutSeconds       int `yaml:"timeout_seconds"`
		DetachTimeoutSeconds int `yaml:"detach_timeout_seconds"`
	} `yaml:"annotation"`
	Storage struct {
		PresignTTLSeconds int `yaml:"presign_ttl_seconds"`
		MaxOverlaySizePx  int `yaml:"max_overlay_size_px"`
	} `yaml:"storage"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func Load() *Config {
	var d defaults
	if err := yaml.Unmarshal(defaultsYAML, &d); err != nil {
		// Embedded file, so this can only fail on a bad edit.
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	return &Config{
		AI: AIConfig{
			Provider:     envOr("AI_PROVIDER", ProviderOpenAI),
			OpenAIToken:  os.Getenv("OPENAI_TOKEN"),
			GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
			OpenAIModel:  envOr("OPENAI_MODEL", d.AI.OpenAIModel),
			GeminiModel:  envOr("GEMINI_MODEL", d.AI.GeminiModel),
			Timeout:      time.Duration(envInt("AI_TIMEOUT_SECONDS", d.AI.TimeoutSeconds)) * time.Second,
		},
		Landmark: ServiceConfig{
			URL:     os.Getenv("LANDMARK_SERVICE_URL"),
			Timeout: time.Duration(envInt("LANDMARK_TIMEOUT_SECONDS", d.Landmark.TimeoutSeconds)) * time.Second,
		},
		Annotation: AnnotationConfig{
			URL:           os.Getenv("ANNOTATION_SERVICE_URL"),
			Timeout:       time.Duration(envInt("ANNOTATION_TIMEOUT_SECONDS", d.Annotation.TimeoutSeconds)) * time.Second,
			DetachTimeout: time.Duration(d.Annotation.DetachTimeoutSeconds) * time.Second,
		},
		Storage: StorageConfig{
			Endpoint:         os.Getenv("STORAGE_ENDPOINT"),
			Bucket:           envOr("STORAGE_BUCKET", "dermatrack"),
			AccessKey:        os.Getenv("STORAGE_ACCESS_KEY"),
			SecretKey:        os.Getenv("STORAGE_SECRET_KEY"),
			UseSSL:           os.Getenv("STORAGE_USE_SSL") == "true",
			PresignTTL:       time.Duration(d.Storage.PresignTTLSeconds) * time.Second,
			MaxOverlaySizePx: d.Storage.MaxOverlaySizePx,
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Tasks: TasksConfig{
			URL: os.Getenv("TASKS_SERVICE_URL"),
		},
	}
}

// Validate checks the configuration required to run the analysis pipeline.
// Missing AI credentials or service URLs are startup errors, not per-request
// errors, so serve refuses to start on any of these.
func (c *Config) Validate() error {
	switch c.AI.Provider {
	case ProviderOpenAI:
		if c.AI.OpenAIToken == "" {
			return errors.New("OPENAI_TOKEN is required when AI_PROVIDER=openai")
		}
	case ProviderGemini:
		if c.AI.GeminiAPIKey == "" {
			return errors.New("GEMINI_API_KEY is required when AI_PROVIDER=gemini")
		}
	default:
		return fmt.Errorf("unknown AI_PROVIDER %q (expected %q or %q)", c.AI.Provider, ProviderOpenAI, ProviderGemini)
	}

	if c.Landmark.URL == "" {
		return errors.New("LANDMARK_SERVICE_URL is required")
	}
	if c.Annotation.URL == "" {
		return errors.New("ANNOTATION_SERVICE_URL is required")
	}
	if c.Database.URL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.Storage.Endpoint != "" && (c.Storage.AccessKey == "" || c.Storage.SecretKey == "") {
		return errors.New("STORAGE_ACCESS_KEY and STORAGE_SECRET_KEY are required when STORAGE_ENDPOINT is set")
	}
	return nil
}
