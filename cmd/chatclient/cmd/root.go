package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/clock"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/logger"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/outbox"
)

var (
	storePath string
	serverURL string
	token     string
	logLevel  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chatclient",
	Short: "Offline-first EventFlow messaging client",
	Long: `chatclient queues outgoing messages in a local outbox and delivers
them to an EventFlow server, retrying with backoff until each one is
acknowledged or fails permanently.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.InitTo(os.Stderr, logLevel, false)
	},
}

// Execute adds all child commands to the root command and runs it until
// completion or an interrupt.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	rootCmd.PersistentFlags().StringVar(&storePath, "store", defaultStorePath(), "outbox database directory")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("EVENTFLOW_SERVER", "http://localhost:8080"), "server base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("EVENTFLOW_TOKEN"), "access token")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")
}

func defaultStorePath() string {
	if v := os.Getenv("EVENTFLOW_OUTBOX"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".eventflow-outbox"
	}
	return filepath.Join(home, ".eventflow", "outbox")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// openOutbox opens the on-disk outbox. The returned close func must be called.
func openOutbox(cfg outbox.Config) (*outbox.Outbox, func(), error) {
	store, err := outbox.OpenPebbleStore(storePath)
	if err != nil {
		return nil, nil, err
	}
	ob, err := outbox.Open(cfg, store, outbox.NewHTTPTransport(serverURL, token), clock.Real{})
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return ob, func() { _ = store.Close() }, nil
}
