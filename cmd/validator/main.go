package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/makt28/vigil/internal/agent"
)

var (
	hubURL    string
	reportIP  string
	levelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "vigil-validator",
	Short: "Validator node for the vigil hub",
	Long: `Connects to a vigil hub over websocket, signs up with an Ed25519 key
and answers check requests. The key is read from PRIVATE_KEY; without one an
ephemeral keypair is generated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogger(levelFlag)

		a := agent.New(hubURL, agent.LoadKey(os.Getenv("PRIVATE_KEY")))
		a.IP = reportIP
		slog.Info("starting validator", "hub", hubURL, "public_key", a.PublicKey())

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := a.Run(ctx); err != nil {
			return err
		}
		slog.Info("validator stopped gracefully")
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVar(&hubURL, "hub", envOr("HUB_URL", "ws://localhost:8081/ws"), "hub websocket URL")
	rootCmd.Flags().StringVar(&reportIP, "ip", envOr("VALIDATOR_IP", "127.0.0.1"), "IP reported at signup")
	rootCmd.Flags().StringVar(&levelFlag, "log-level", envOr("LOG_LEVEL", "info"), "debug, info, warn or error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}
