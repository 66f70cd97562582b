package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rzbill/chatrelay/internal/llm"
	amqpdispatch "github.com/rzbill/chatrelay/internal/taskqueue/amqp"
	logpkg "github.com/rzbill/chatrelay/pkg/log"
)

// Dispatch modes.
const (
	DispatchQueue  = "queue"
	DispatchAMQP   = "amqp"
	DispatchInline = "inline"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Relay    RelayConfig    `json:"relay" yaml:"relay"`
	Registry RegistryConfig `json:"registry" yaml:"registry"`
	Janitor  JanitorConfig  `json:"janitor" yaml:"janitor"`
	Dispatch DispatchConfig `json:"dispatch" yaml:"dispatch"`
	LLM      LLMConfig      `json:"llm" yaml:"llm"`
	Log      logpkg.Config  `json:"log" yaml:"log"`
}

type StorageConfig struct {
	DataDir string `json:"dataDir" yaml:"dataDir"`
	// Fsync is one of always, interval, never.
	Fsync         string   `json:"fsync" yaml:"fsync"`
	FsyncInterval Duration `json:"fsyncInterval" yaml:"fsyncInterval"`
}

type ServerConfig struct {
	HTTPAddr string `json:"httpAddr" yaml:"httpAddr"`
	GRPCAddr string `json:"grpcAddr" yaml:"grpcAddr"`
	// PrincipalHeader carries the caller identity set by a trusted proxy.
	PrincipalHeader string `json:"principalHeader" yaml:"principalHeader"`
}

type RelayConfig struct {
	PageSize     int      `json:"pageSize" yaml:"pageSize"`
	BlockTimeout Duration `json:"blockTimeout" yaml:"blockTimeout"`
	Budget       Duration `json:"budget" yaml:"budget"`
}

type RegistryConfig struct {
	LivenessTTL Duration `json:"livenessTTL" yaml:"livenessTTL"`
	Retention   Duration `json:"retention" yaml:"retention"`
	TrimLength  int      `json:"trimLength" yaml:"trimLength"`
}

type JanitorConfig struct {
	Interval Duration `json:"interval" yaml:"interval"`
}

type DispatchConfig struct {
	Mode          string     `json:"mode" yaml:"mode"`
	Workers       int        `json:"workers" yaml:"workers"`
	Lease         Duration   `json:"lease" yaml:"lease"`
	MaxDeliveries uint32     `json:"maxDeliveries" yaml:"maxDeliveries"`
	AMQP          AMQPConfig `json:"amqp" yaml:"amqp"`
}

type AMQPConfig struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
}

type LLMConfig struct {
	Provider         string   `json:"provider" yaml:"provider"`
	BaseURL          string   `json:"baseURL" yaml:"baseURL"`
	Model            string   `json:"model" yaml:"model"`
	APIKeyEnv        string   `json:"apiKeyEnv" yaml:"apiKeyEnv"`
	Timeout          Duration `json:"timeout" yaml:"timeout"`
	MaxContextTokens int      `json:"maxContextTokens" yaml:"maxContextTokens"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Fsync:         "interval",
			FsyncInterval: Duration(5 * time.Millisecond),
		},
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":50051",
			PrincipalHeader: "X-User-ID",
		},
		Relay: RelayConfig{
			PageSize:     100,
			BlockTimeout: Duration(5 * time.Second),
			Budget:       Duration(5 * time.Minute),
		},
		Registry: RegistryConfig{
			LivenessTTL: Duration(time.Minute),
			Retention:   Duration(10 * time.Minute),
			TrimLength:  1000,
		},
		Janitor: JanitorConfig{Interval: Duration(30 * time.Second)},
		Dispatch: DispatchConfig{
			Mode:          DispatchQueue,
			Workers:       4,
			Lease:         Duration(30 * time.Second),
			MaxDeliveries: 1,
			AMQP:          AMQPConfig{Queue: "ai.process_message_stream", Prefetch: 4},
		},
		LLM: LLMConfig{
			Provider:         "gemini",
			Model:            "gemini-2.5-flash",
			APIKeyEnv:        "GEMINI_API_KEY",
			Timeout:          Duration(2 * time.Minute),
			MaxContextTokens: 8000,
		},
		Log: logpkg.Config{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// WriteYAML renders cfg as YAML with any broker password masked.
func WriteYAML(w io.Writer, cfg Config) error {
	if u, err := url.Parse(cfg.Dispatch.AMQP.URL); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
			cfg.Dispatch.AMQP.URL = u.String()
		}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

// Validate reports every problem found in cfg.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Fsync {
	case "", "always", "interval", "never":
	default:
		errs = append(errs, fmt.Errorf("storage.fsync: unknown mode %q", c.Storage.Fsync))
	}
	if c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("server.httpAddr is required"))
	}
	if c.Relay.PageSize < 1 {
		errs = append(errs, errors.New("relay.pageSize must be >= 1"))
	}
	if c.Relay.BlockTimeout <= 0 || c.Relay.Budget <= 0 {
		errs = append(errs, errors.New("relay.blockTimeout and relay.budget must be positive"))
	}
	if c.Relay.BlockTimeout > c.Relay.Budget {
		errs = append(errs, errors.New("relay.blockTimeout must not exceed relay.budget"))
	}
	if c.Registry.LivenessTTL <= 0 || c.Registry.Retention <= 0 {
		errs = append(errs, errors.New("registry.livenessTTL and registry.retention must be positive"))
	}
	if c.Registry.TrimLength < 1 {
		errs = append(errs, errors.New("registry.trimLength must be >= 1"))
	}
	if c.Janitor.Interval <= 0 {
		errs = append(errs, errors.New("janitor.interval must be positive"))
	}
	switch c.Dispatch.Mode {
	case DispatchQueue, DispatchInline:
	case DispatchAMQP:
		if c.Dispatch.AMQP.URL == "" {
			errs = append(errs, errors.New("dispatch.amqp.url is required in amqp mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("dispatch.mode: unknown mode %q", c.Dispatch.Mode))
	}
	if c.Dispatch.Workers < 1 {
		errs = append(errs, errors.New("dispatch.workers must be >= 1"))
	}
	if _, err := logpkg.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.LLM.Provider {
	case "openai", "gemini", "echo":
	default:
		errs = append(errs, fmt.Errorf("llm.provider: unknown provider %q", c.LLM.Provider))
	}
	return errors.Join(errs...)
}

// LLMClient returns the provider config with the API key resolved from the
// environment.
func (c Config) LLMClient() llm.Config {
	cfg := llm.Config{
		Provider:         c.LLM.Provider,
		BaseURL:          c.LLM.BaseURL,
		Model:            c.LLM.Model,
		Timeout:          c.LLM.Timeout.Std(),
		MaxContextTokens: c.LLM.MaxContextTokens,
	}
	if c.LLM.APIKeyEnv != "" {
		cfg.APIKey = os.Getenv(c.LLM.APIKeyEnv)
	}
	return cfg
}

// AMQPClient returns the RabbitMQ dispatcher config.
func (c Config) AMQPClient() amqpdispatch.Config {
	return amqpdispatch.Config{
		URL:           c.Dispatch.AMQP.URL,
		Queue:         c.Dispatch.AMQP.Queue,
		PrefetchCount: c.Dispatch.AMQP.Prefetch,
		Workers:       c.Dispatch.Workers,
	}
}
