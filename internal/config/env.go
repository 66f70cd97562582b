package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays CHATRELAY_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	dur := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}

	str("CHATRELAY_DATA_DIR", &cfg.Storage.DataDir)
	str("CHATRELAY_FSYNC", &cfg.Storage.Fsync)
	str("CHATRELAY_HTTP_ADDR", &cfg.Server.HTTPAddr)
	str("CHATRELAY_GRPC_ADDR", &cfg.Server.GRPCAddr)
	str("CHATRELAY_PRINCIPAL_HEADER", &cfg.Server.PrincipalHeader)

	num("CHATRELAY_RELAY_PAGE_SIZE", &cfg.Relay.PageSize)
	dur("CHATRELAY_RELAY_BLOCK_TIMEOUT", &cfg.Relay.BlockTimeout)
	dur("CHATRELAY_RELAY_BUDGET", &cfg.Relay.Budget)

	dur("CHATRELAY_LIVENESS_TTL", &cfg.Registry.LivenessTTL)
	dur("CHATRELAY_RETENTION", &cfg.Registry.Retention)
	num("CHATRELAY_TRIM_LENGTH", &cfg.Registry.TrimLength)
	dur("CHATRELAY_JANITOR_INTERVAL", &cfg.Janitor.Interval)

	str("CHATRELAY_DISPATCH_MODE", &cfg.Dispatch.Mode)
	num("CHATRELAY_DISPATCH_WORKERS", &cfg.Dispatch.Workers)
	str("CHATRELAY_AMQP_URL", &cfg.Dispatch.AMQP.URL)
	str("CHATRELAY_AMQP_QUEUE", &cfg.Dispatch.AMQP.Queue)

	str("CHATRELAY_LLM_PROVIDER", &cfg.LLM.Provider)
	str("CHATRELAY_LLM_BASE_URL", &cfg.LLM.BaseURL)
	str("CHATRELAY_LLM_MODEL", &cfg.LLM.Model)
	str("CHATRELAY_LLM_API_KEY_ENV", &cfg.LLM.APIKeyEnv)
	num("CHATRELAY_LLM_MAX_CONTEXT_TOKENS", &cfg.LLM.MaxContextTokens)

	str("CHATRELAY_LOG_LEVEL", &cfg.Log.Level)
	str("CHATRELAY_LOG_FORMAT", &cfg.Log.Format)
}
