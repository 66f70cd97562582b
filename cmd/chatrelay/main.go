package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/chatrelay/internal/cmd/client"
	serverrun "github.com/rzbill/chatrelay/internal/cmd/server"
	cfgpkg "github.com/rzbill/chatrelay/internal/config"
	logpkg "github.com/rzbill/chatrelay/pkg/log"
)

func main() {
	// CLI logger; the server builds its own from config.
	level, err := logpkg.ParseLevel(os.Getenv("CHATRELAY_LOG_LEVEL"))
	if err != nil || os.Getenv("CHATRELAY_LOG_LEVEL") == "" {
		level = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(level),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := clientcmd.NewRoot(apiURL)
	rootCmd.Short = "chatrelay CLI"
	rootCmd.Long = "chatrelay relays streamed LLM replies to reconnectable SSE clients. This CLI runs the server and talks to it."
	rootCmd.SilenceUsage = true

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start chatrelay server (HTTP and gRPC)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	f := serverStartCmd.Flags()
	f.String("config", os.Getenv("CHATRELAY_CONFIG"), "Config file (yaml or json)")
	f.String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	f.String("http", "", "HTTP listen address")
	f.String("grpc", "", "gRPC listen address (empty string in config disables)")
	f.String("fsync", "", "Fsync mode: always|interval|never")
	f.Int("fsync-interval-ms", 0, "When --fsync=interval, group-commit window in ms")
	f.String("dispatch", "", "Dispatch mode: queue|amqp|inline")
	f.String("amqp-url", "", "RabbitMQ URL for --dispatch=amqp")
	f.String("llm", "", "LLM provider: gemini|openai|echo")
	f.String("log-level", "", "Log level: debug|info|warn|error")
	f.String("log-format", "", "Log format: text|json")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective server configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := cfgpkg.Load(path)
			if err != nil {
				return err
			}
			cfgpkg.FromEnv(&cfg)
			if err := cfg.Validate(); err != nil {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "warning:", err)
			}
			return cfgpkg.WriteYAML(cmd.OutOrStdout(), cfg)
		},
	}
	configCmd.Flags().String("config", os.Getenv("CHATRELAY_CONFIG"), "Config file (yaml or json)")
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, CHATRELAY_* env and flags.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	f := cmd.Flags()
	path, _ := f.GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfg, err
	}
	cfgpkg.FromEnv(&cfg)

	str := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	str("data-dir", &cfg.Storage.DataDir)
	str("http", &cfg.Server.HTTPAddr)
	str("grpc", &cfg.Server.GRPCAddr)
	str("fsync", &cfg.Storage.Fsync)
	str("dispatch", &cfg.Dispatch.Mode)
	str("amqp-url", &cfg.Dispatch.AMQP.URL)
	str("llm", &cfg.LLM.Provider)
	str("log-level", &cfg.Log.Level)
	str("log-format", &cfg.Log.Format)
	if f.Changed("fsync-interval-ms") {
		ms, _ := f.GetInt("fsync-interval-ms")
		cfg.Storage.FsyncInterval = cfgpkg.Duration(time.Duration(ms) * time.Millisecond)
	}
	return cfg, nil
}

func apiURL() string {
	if v := os.Getenv("CHATRELAY_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
