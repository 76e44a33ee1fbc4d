package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"transcribe-client/pkg/models"
)

const DefaultPrompt = `Your task is to provide a direct transcription of an audio file. The output must contain ONLY the transcribed text. Omit any preambles, introductory phrases, or notes.
Key requirements:
1.  Extract speech only and ignore background sounds.
2.  If any speech is in Chinese, transcribe it using Traditional Chinese characters.`

// Environment overrides, applied after the YAML file.
const (
	EnvConfigPath = "TRANSCRIBE_CONFIG"
	EnvBackendURL = "TRANSCRIBE_BACKEND_URL"
	EnvListenAddr = "TRANSCRIBE_LISTEN_ADDR"
	EnvLogLevel   = "TRANSCRIBE_LOG_LEVEL"
)

type Config struct {
	Backend  BackendConfig `yaml:"backend"`
	Server   ServerConfig  `yaml:"server"`
	Defaults FormDefaults  `yaml:"defaults"`
	History  HistoryConfig `yaml:"history"`
	LogLevel string        `yaml:"log_level"`
}

type BackendConfig struct {
	URL            string        `yaml:"url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

type ServerConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PushInterval time.Duration `yaml:"push_interval"`
}

// FormDefaults pre-fill the submission form.
type FormDefaults struct {
	Model           models.ModelChoice `yaml:"model" json:"model_choice"`
	ChunkLength     int                `yaml:"chunk_length" json:"chunk_length"`
	Prompt          string             `yaml:"prompt" json:"prompt"`
	Temperature     float64            `yaml:"temperature" json:"temperature"`
	TopP            float64            `yaml:"top_p" json:"top_p"`
	MaxOutputTokens int                `yaml:"max_output_tokens" json:"max_output_tokens"`
}

type HistoryConfig struct {
	Limit int `yaml:"limit"`
}

func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			URL:            "http://localhost:8000",
			RequestTimeout: 5 * time.Minute,
			DialTimeout:    10 * time.Second,
		},
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Minute,
			WriteTimeout: 5 * time.Minute,
			PushInterval: 500 * time.Millisecond,
		},
		Defaults: FormDefaults{
			Model:           models.ModelVertexAI,
			ChunkLength:     30,
			Prompt:          DefaultPrompt,
			Temperature:     0,
			TopP:            0.95,
			MaxOutputTokens: 65535,
		},
		History: HistoryConfig{
			Limit: 50,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration from defaults, the YAML file at path (if it
// exists), then .env and the process environment. An empty path falls back
// to TRANSCRIBE_CONFIG.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvBackendURL)); v != "" {
		c.Backend.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvListenAddr)); v != "" {
		c.Server.Address = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.LogLevel = v
	}
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid backend url %q", c.Backend.URL)
	}
	if c.Server.Address == "" {
		return errors.New("server address is required")
	}
	if c.Server.PushInterval <= 0 {
		return fmt.Errorf("invalid push_interval %s", c.Server.PushInterval)
	}
	if !c.Defaults.Model.Valid() {
		return fmt.Errorf("invalid default model %q", c.Defaults.Model)
	}
	if n := c.Defaults.ChunkLength; n != 0 && (n < models.MinChunkLength || n > models.MaxChunkLength) {
		return fmt.Errorf("invalid chunk_length %d: want %d..%d seconds", n, models.MinChunkLength, models.MaxChunkLength)
	}
	return nil
}
