// Package main is the entry point for the TTLock bridge server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ttlock-bridge/backend/internal/config"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
// Defaults to "dev" when not provided.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)
	config.BindEnv(v)

	var configFile string

	cmd := &cobra.Command{
		Use:           "ttlock-bridge",
		Short:         "Keeps TTLock cloud locks in sync and dispatches commands to them",
		Version:       version,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if configFile == "" {
				return nil
			}
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("reading %s: %w", configFile, err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if envVer := os.Getenv("VERSION"); envVer != "" {
				version = envVer
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "optional YAML/JSON/TOML config file")
	flags.String("addr", ":8099", "HTTP server address")
	flags.String("data", "/data", "data directory for the SQLite database")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("webhook-mode", config.WebhookModePath, "webhook verification: path or hmac")

	mustBindFlag(v, config.KeyHTTPAddr, flags.Lookup("addr"))
	mustBindFlag(v, config.KeyDataDir, flags.Lookup("data"))
	mustBindFlag(v, config.KeyLogLevel, flags.Lookup("log-level"))
	mustBindFlag(v, config.KeyWebhookMode, flags.Lookup("webhook-mode"))

	cmd.AddCommand(newHealthCheckCommand(v))
	return cmd
}

func newHealthCheckCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "health-check",
		Short: "Probe a running server and exit non-zero unless it is healthy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			return runHealthCheck(cmd.Context(), v.GetString(config.KeyHTTPAddr))
		},
	}
}

func mustBindFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for %s not defined", key))
	}
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}
