package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Overflow policies for the gateway event channel.
const (
	OverflowBlock      = "block"
	OverflowDropOldest = "drop_oldest"
)

const (
	defaultPort          = ":8080"
	defaultDBFile        = "./incidents.db"
	defaultGatewayBuffer = 64
	minGatewayBuffer     = 8
	maxGatewayBuffer     = 1024
	defaultRetryLimit    = 3
	maxRetryLimit        = 10
	defaultExtractTO     = 30
)

// SinkConfig holds the per-sink settings recognized for every dispatch sink.
type SinkConfig struct {
	Enabled    bool
	Target     string
	RetryLimit int
}

// Config holds all environment-driven settings for the incident core.
type Config struct {
	HTTPPort    string
	DBPath      string
	Environment string

	BridgeURL         string
	BridgeAPIKey      string
	BridgeParticipant string
	GatewayBuffer     int
	GatewayOverflow   string

	ExtractBaseURL    string
	ExtractModel      string
	ExtractAPIKey     string
	ExtractRetryLimit int
	ExtractTimeoutSec int
	PromptVersion     string

	SheetSink SinkConfig
	MailSink  SinkConfig
	MailTo    string
	ChatSink  SinkConfig
	ChatBotID string

	ReplayDir           string
	EnableReplayWatcher bool
}

type fileSinkConfig struct {
	Enabled    *bool  `yaml:"enabled"`
	Target     string `yaml:"target"`
	RetryLimit *int   `yaml:"retry_limit"`
}

type fileConfig struct {
	HTTPPort  string `yaml:"http_port"`
	DBPath    string `yaml:"db_path"`
	ReplayDir string `yaml:"replay_dir"`
	Extract   struct {
		BaseURL       string `yaml:"base_url"`
		Model         string `yaml:"model"`
		PromptVersion string `yaml:"prompt_version"`
	} `yaml:"extract"`
	Sinks struct {
		Sheet fileSinkConfig `yaml:"sheet"`
		Mail  fileSinkConfig `yaml:"mail"`
		Chat  fileSinkConfig `yaml:"chat"`
	} `yaml:"sinks"`
}

// Load reads configuration from the environment, an optional .env file, and
// an optional YAML file named by CONFIG_PATH. Environment values win over
// file values, file values win over defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPPort:            defaultPort,
		DBPath:              defaultDBFile,
		Environment:         getEnv("ENVIRONMENT", "local"),
		BridgeURL:           getEnv("BRIDGE_URL", "https://vocalbridgeai.com"),
		BridgeAPIKey:        os.Getenv("BRIDGE_API_KEY"),
		BridgeParticipant:   getEnv("BRIDGE_PARTICIPANT", "bystander"),
		GatewayBuffer:       clampInt(getEnvInt("GATEWAY_BUFFER", defaultGatewayBuffer), minGatewayBuffer, maxGatewayBuffer),
		GatewayOverflow:     getEnv("GATEWAY_OVERFLOW", OverflowBlock),
		ExtractBaseURL:      getEnv("EXTRACT_BASE_URL", "https://api.openai.com"),
		ExtractModel:        getEnv("EXTRACT_MODEL", "gpt-4o-mini"),
		ExtractAPIKey:       strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		ExtractRetryLimit:   clampInt(getEnvInt("EXTRACT_RETRY_LIMIT", defaultRetryLimit), 1, maxRetryLimit),
		ExtractTimeoutSec:   clampInt(getEnvInt("EXTRACT_TIMEOUT_SEC", defaultExtractTO), 1, 300),
		PromptVersion:       getEnv("PROMPT_VERSION", "v1"),
		SheetSink:           loadSinkEnv("SHEET"),
		MailSink:            loadSinkEnv("MAIL"),
		MailTo:              os.Getenv("MAIL_TO"),
		ChatSink:            loadSinkEnv("CHAT"),
		ChatBotID:           os.Getenv("CHAT_BOT_ID"),
		ReplayDir:           getEnv("REPLAY_DIR", "./replay"),
		EnableReplayWatcher: getEnvBool("ENABLE_REPLAY_WATCHER", true),
	}

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := applyFileConfig(&cfg, path); err != nil {
			return cfg, err
		}
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		cfg.HTTPPort = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("REPLAY_DIR"); v != "" {
		cfg.ReplayDir = v
	}
	if !strings.HasPrefix(cfg.HTTPPort, ":") {
		cfg.HTTPPort = ":" + cfg.HTTPPort
	}

	switch cfg.GatewayOverflow {
	case OverflowBlock, OverflowDropOldest:
	default:
		log.Printf("config: unknown gateway overflow %q, using %s", cfg.GatewayOverflow, OverflowBlock)
		cfg.GatewayOverflow = OverflowBlock
	}

	log.Printf("config: db=%s port=%s env=%s sinks sheet=%v mail=%v chat=%v",
		cfg.DBPath, cfg.HTTPPort, cfg.Environment,
		cfg.SheetSink.Enabled, cfg.MailSink.Enabled, cfg.ChatSink.Enabled)
	return cfg, nil
}

func applyFileConfig(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if fc.HTTPPort != "" {
		cfg.HTTPPort = fc.HTTPPort
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.ReplayDir != "" {
		cfg.ReplayDir = fc.ReplayDir
	}
	if fc.Extract.BaseURL != "" {
		cfg.ExtractBaseURL = fc.Extract.BaseURL
	}
	if fc.Extract.Model != "" {
		cfg.ExtractModel = fc.Extract.Model
	}
	if fc.Extract.PromptVersion != "" {
		cfg.PromptVersion = fc.Extract.PromptVersion
	}
	mergeSink(&cfg.SheetSink, fc.Sinks.Sheet)
	mergeSink(&cfg.MailSink, fc.Sinks.Mail)
	mergeSink(&cfg.ChatSink, fc.Sinks.Chat)
	return nil
}

func mergeSink(dst *SinkConfig, src fileSinkConfig) {
	if src.Enabled != nil {
		dst.Enabled = *src.Enabled
	}
	if src.Target != "" {
		dst.Target = src.Target
	}
	if src.RetryLimit != nil {
		dst.RetryLimit = clampInt(*src.RetryLimit, 1, maxRetryLimit)
	}
}

func loadSinkEnv(name string) SinkConfig {
	prefix := "SINK_" + name + "_"
	return SinkConfig{
		Enabled:    getEnvBool(prefix+"ENABLED", false),
		Target:     os.Getenv(prefix + "TARGET"),
		RetryLimit: clampInt(getEnvInt(prefix+"RETRY_LIMIT", defaultRetryLimit), 1, maxRetryLimit),
	}
}

func getEnv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Now returns a UTC timestamp truncated for stable persistence.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
