// Command ConvoPipe runs the conversation engine as an HTTP and messaging
// service (serve) or as an interactive terminal chat (chat).
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ConvoPipe",
	Short: "ConvoPipe runs stage-based conversations with humans",
	Long: `ConvoPipe drives conversations through a fixed set of stages, pausing whenever
it waits for the human. Conversations are remembered between turns and can be
reached from the terminal, over HTTP, or over Twilio and WhatsApp.`,
	SilenceUsage: true,
}

// config is loaded once before any command runs.
var config Config

func init() {
	rootCmd.PersistentFlags().StringVar(&config.StateDir, "state-dir", "", "state directory for ConvoPipe data (overrides $CONVOPIPE_STATE_DIR)")
	rootCmd.PersistentFlags().StringVar(&config.DatabaseURL, "db-dsn", "", "conversation store DSN: SQLite path, postgres://, redis:// or json://dir (overrides $DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&config.StoreBackend, "store", "", "force a store backend: memory, sqlite3, postgres, redis or file (overrides $STORE_BACKEND)")
	rootCmd.PersistentFlags().StringVar(&config.Playbook, "playbook", "", "path to a playbook YAML file (overrides $CONVOPIPE_PLAYBOOK)")
	rootCmd.PersistentFlags().StringVar(&config.LogLevel, "log-level", "", "log level: debug, info, warn or error (overrides $LOG_LEVEL)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return prepareConfig(cmd)
	}
}

// prepareConfig loads the environment and applies the flags that were set explicitly.
func prepareConfig(cmd *cobra.Command) error {
	flags := config
	env, err := loadEnvironmentConfig()
	if err != nil {
		return err
	}
	config = env
	pf := cmd.Flags()
	if pf.Changed("state-dir") {
		config.StateDir = flags.StateDir
	}
	if pf.Changed("db-dsn") {
		config.DatabaseURL = flags.DatabaseURL
	}
	if pf.Changed("store") {
		config.StoreBackend = flags.StoreBackend
	}
	if pf.Changed("playbook") {
		config.Playbook = flags.Playbook
	}
	if pf.Changed("log-level") {
		config.LogLevel = flags.LogLevel
	}
	initializeLogger(config.LogLevel)
	config.resolveDefaults()
	slog.Debug("Final configuration", "state_dir", config.StateDir, "dsn_set", config.DatabaseURL != "",
		"store", config.StoreBackend, "channel", config.Channel, "api_addr", config.APIAddr)
	return nil
}

// initializeLogger installs a text slog handler at the requested level.
func initializeLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
