package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/api"
	"github.com/BTreeMap/ConvoPipe/internal/flow"
	"github.com/BTreeMap/ConvoPipe/internal/genai"
	"github.com/BTreeMap/ConvoPipe/internal/store"
	"github.com/BTreeMap/ConvoPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ConvoPipe/internal/whatsapp"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ConvoPipe state data
	DefaultStateDir = "/var/lib/convopipe"
	// DefaultAppDBFileName is the default SQLite database filename for conversations
	DefaultAppDBFileName = "convopipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for whatsmeow
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// Messaging channels accepted by MESSAGING_CHANNEL.
const (
	ChannelNone     = "none"
	ChannelTwilio   = "twilio"
	ChannelWhatsApp = "whatsapp"
)

// Config holds environment configuration. Flags override individual fields.
type Config struct {
	StateDir     string        `envconfig:"CONVOPIPE_STATE_DIR"`
	DatabaseURL  string        `envconfig:"DATABASE_URL"`
	StoreBackend string        `envconfig:"STORE_BACKEND"`
	RedisTTL     time.Duration `envconfig:"REDIS_TTL"`

	OpenAIKey   string `envconfig:"OPENAI_API_KEY"`
	OpenAIModel string `envconfig:"OPENAI_MODEL"`

	APIAddr      string  `envconfig:"API_ADDR" default:":8080"`
	APIKey       string  `envconfig:"API_KEY"`
	APIRateLimit float64 `envconfig:"API_RATE_LIMIT" default:"20"`
	APIRateBurst int     `envconfig:"API_RATE_BURST" default:"40"`

	Playbook       string   `envconfig:"CONVOPIPE_PLAYBOOK"`
	RequiredFields []string `envconfig:"REQUIRED_CONTACT_FIELDS"`

	Channel          string `envconfig:"MESSAGING_CHANNEL" default:"none"`
	TwilioAccountSID string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioFrom       string `envconfig:"TWILIO_FROM_NUMBER"`
	TwilioWebhookURL string `envconfig:"TWILIO_WEBHOOK_URL"`
	WhatsAppDBDSN    string `envconfig:"WHATSAPP_DB_DSN"`
	WhatsAppQROutput string `envconfig:"WHATSAPP_QR_OUTPUT"`
	WhatsAppNumeric  bool   `envconfig:"WHATSAPP_NUMERIC_CODE"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid environment configuration: %w", err)
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	cfg.Channel = strings.ToLower(strings.TrimSpace(cfg.Channel))
	return cfg, nil
}

// resolveDefaults fills DSNs that depend on the (possibly overridden) state directory.
func (c *Config) resolveDefaults() {
	if c.DatabaseURL == "" {
		switch c.StoreBackend {
		case "", store.BackendSQLite:
			c.DatabaseURL = filepath.Join(c.StateDir, DefaultAppDBFileName)
			slog.Debug("No DATABASE_URL set, defaulting to SQLite", "sqlite_path", c.DatabaseURL)
		case store.BackendFile:
			c.DatabaseURL = "json://" + filepath.Join(c.StateDir, "conversations")
		}
	}
	if c.WhatsAppDBDSN == "" {
		c.WhatsAppDBDSN = "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
}

// usesStateDir reports whether the conversation store keeps files under the state directory.
func (c Config) usesStateDir() bool {
	backend := c.StoreBackend
	if backend == "" {
		backend = store.DetectDSNType(c.DatabaseURL)
	}
	return backend == store.BackendSQLite || backend == store.BackendFile
}

// validate rejects combinations that cannot run.
func (c Config) validate() error {
	switch c.Channel {
	case ChannelNone, ChannelTwilio, ChannelWhatsApp:
	default:
		return fmt.Errorf("unknown MESSAGING_CHANNEL %q (want none, twilio or whatsapp)", c.Channel)
	}
	if c.Channel == ChannelTwilio && (c.TwilioAccountSID == "" || c.TwilioAuthToken == "" || c.TwilioFrom == "") {
		return fmt.Errorf("twilio channel requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER")
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(cfg Config) []store.Option {
	var opts []store.Option
	if cfg.DatabaseURL != "" {
		opts = append(opts, store.WithDSN(cfg.DatabaseURL))
	}
	if cfg.StoreBackend != "" {
		opts = append(opts, store.WithBackend(cfg.StoreBackend))
	}
	if cfg.RedisTTL > 0 {
		opts = append(opts, store.WithRedisTTL(cfg.RedisTTL))
	}
	return opts
}

// buildCompleter returns the OpenAI client when a key is configured and the deterministic stub otherwise.
func buildCompleter(cfg Config) (genai.Completer, error) {
	if cfg.OpenAIKey == "" {
		slog.Info("No OPENAI_API_KEY set, using the offline stub completer")
		return genai.NewStubClient(), nil
	}
	opts := []genai.Option{genai.WithAPIKey(cfg.OpenAIKey)}
	if cfg.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(cfg.OpenAIModel))
	}
	return genai.NewClient(opts...)
}

// buildEngineOptions constructs engine configuration options
func buildEngineOptions(cfg Config, completer genai.Completer, recorder flow.Recorder) ([]flow.Option, error) {
	opts := []flow.Option{flow.WithCompleter(completer)}
	if recorder != nil {
		opts = append(opts, flow.WithRecorder(recorder))
	}
	if cfg.Playbook != "" {
		pb, err := flow.LoadPlaybook(cfg.Playbook)
		if err != nil {
			return nil, err
		}
		opts = append(opts, flow.WithPlaybook(pb))
	}
	if len(cfg.RequiredFields) > 0 {
		opts = append(opts, flow.WithRequiredFields(cfg.RequiredFields...))
	}
	return opts, nil
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(cfg Config, insecure bool) []api.Option {
	return []api.Option{
		api.WithAddr(cfg.APIAddr),
		api.WithAPIKey(cfg.APIKey),
		api.WithInsecure(insecure),
		api.WithRateLimit(cfg.APIRateLimit, cfg.APIRateBurst),
	}
}

// buildTwilioOptions constructs Twilio client options
func buildTwilioOptions(cfg Config) []twiliowhatsapp.Option {
	return []twiliowhatsapp.Option{
		twiliowhatsapp.WithAccountSID(cfg.TwilioAccountSID),
		twiliowhatsapp.WithAuthToken(cfg.TwilioAuthToken),
		twiliowhatsapp.WithFrom(cfg.TwilioFrom),
	}
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(cfg Config) []whatsapp.Option {
	opts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsAppDBDSN)}
	if cfg.WhatsAppQROutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(cfg.WhatsAppQROutput))
	}
	if cfg.WhatsAppNumeric {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

// ensureStateDir creates the state directory for file-based backends.
func ensureStateDir(cfg Config) error {
	if !cfg.usesStateDir() {
		return nil
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", cfg.StateDir, err)
	}
	return nil
}
