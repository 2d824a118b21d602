package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/BTreeMap/ConvoPipe/internal/api"
	"github.com/BTreeMap/ConvoPipe/internal/flow"
	"github.com/BTreeMap/ConvoPipe/internal/lockfile"
	"github.com/BTreeMap/ConvoPipe/internal/messaging"
	"github.com/BTreeMap/ConvoPipe/internal/metrics"
	"github.com/BTreeMap/ConvoPipe/internal/store"
	"github.com/BTreeMap/ConvoPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ConvoPipe/internal/whatsapp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// TwilioWebhookPath is where Twilio posts inbound messages.
const TwilioWebhookPath = "/webhooks/twilio"

var serveFlags struct {
	addr     string
	insecure bool
	channel  string
	qrOutput string
	numeric  bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP bridge and the configured messaging channel",
	RunE: func(cmd *cobra.Command, _ []string) error {
		f := cmd.Flags()
		if f.Changed("addr") {
			config.APIAddr = serveFlags.addr
		}
		if f.Changed("channel") {
			config.Channel = serveFlags.channel
		}
		if f.Changed("qr-output") {
			config.WhatsAppQROutput = serveFlags.qrOutput
		}
		if f.Changed("numeric-code") {
			config.WhatsAppNumeric = serveFlags.numeric
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, config, serveFlags.insecure)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveFlags.addr, "addr", "", "API server address (overrides $API_ADDR)")
	serveCmd.Flags().BoolVar(&serveFlags.insecure, "insecure", false, "allow running the API without $API_KEY")
	serveCmd.Flags().StringVar(&serveFlags.channel, "channel", "", "messaging channel: none, twilio or whatsapp (overrides $MESSAGING_CHANNEL)")
	serveCmd.Flags().StringVar(&serveFlags.qrOutput, "qr-output", "", "path to write the WhatsApp login QR code")
	serveCmd.Flags().BoolVar(&serveFlags.numeric, "numeric-code", false, "use a numeric WhatsApp login code instead of a QR code")
}

// runtime holds what serve and chat share: the store and the session manager.
type runtime struct {
	store    store.MemoryStore
	sessions *flow.SessionManager
	lock     *lockfile.Lock
}

func (r *runtime) Close() {
	if err := r.store.Close(); err != nil {
		slog.Error("Failed to close store", "error", err)
	}
	if err := r.lock.Release(); err != nil {
		slog.Error("Failed to release state directory lock", "error", err)
	}
}

// openRuntime locks the state directory when the store lives there, opens the store and builds the engine.
func openRuntime(cfg Config, purpose string, recorder flow.Recorder) (*runtime, error) {
	if err := ensureStateDir(cfg); err != nil {
		return nil, err
	}
	rt := &runtime{}
	if cfg.usesStateDir() {
		lock, err := lockfile.AcquireLock(cfg.StateDir, purpose)
		if err != nil {
			return nil, err
		}
		rt.lock = lock
	}

	st, err := store.New(buildStoreOptions(cfg)...)
	if err != nil {
		rt.lock.Release()
		return nil, fmt.Errorf("failed to open conversation store: %w", err)
	}
	rt.store = st

	completer, err := buildCompleter(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	engineOpts, err := buildEngineOptions(cfg, completer, recorder)
	if err != nil {
		rt.Close()
		return nil, err
	}
	engine, err := flow.NewEngine(engineOpts...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.sessions = flow.NewSessionManager(engine, st)
	return rt, nil
}

// openChannel connects the configured messaging service. It returns nil when no channel is configured.
func openChannel(ctx context.Context, cfg Config) (messaging.Service, []api.Option, error) {
	switch cfg.Channel {
	case ChannelTwilio:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(cfg)...)
		if err != nil {
			return nil, nil, err
		}
		var opts []messaging.TwilioOption
		if cfg.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithSignatureValidation(client.Validator(), cfg.TwilioWebhookURL))
		} else {
			slog.Warn("TWILIO_WEBHOOK_URL not set, inbound webhook signatures are not verified")
		}
		svc := messaging.NewTwilioService(client, opts...)
		return svc, []api.Option{api.WithWebhook(TwilioWebhookPath, http.HandlerFunc(svc.TwilioWebhookHandler))}, nil
	case ChannelWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(cfg)...)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewWhatsAppService(client), nil, nil
	default:
		return nil, nil, nil
	}
}

// runServe runs the API server, the messaging bridge and the outbox sender until ctx ends.
func runServe(ctx context.Context, cfg Config, insecure bool) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	recorder := metrics.New(prometheus.NewRegistry())
	rt, err := openRuntime(cfg, "serve", recorder)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc, webhookOpts, err := openChannel(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s channel: %w", cfg.Channel, err)
	}

	apiOpts := append(buildAPIOptions(cfg, insecure), api.WithMetricsHandler(recorder.Handler()))
	server, err := api.NewServer(rt.sessions, append(apiOpts, webhookOpts...)...)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	if svc != nil {
		startBridge(ctx, g, cfg.Channel, svc, rt, recorder)
	}

	slog.Info("ConvoPipe serving", "addr", cfg.APIAddr, "channel", cfg.Channel)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("ConvoPipe exited successfully")
	return nil
}

// startBridge wires a messaging service to the sessions and, when the store
// supports it, to inbound dedup and the durable reply outbox.
func startBridge(ctx context.Context, g *errgroup.Group, channel string, svc messaging.Service, rt *runtime, recorder *metrics.Recorder) {
	opts := []messaging.BridgeOption{messaging.WithRecorder(recorder)}
	if dedup, ok := rt.store.(store.DedupRepo); ok {
		opts = append(opts, messaging.WithDedup(dedup))
	}
	outbox, hasOutbox := rt.store.(store.OutboxRepo)
	if hasOutbox {
		opts = append(opts, messaging.WithOutbox(outbox))
	} else {
		slog.Info("Store has no outbox, replies are sent inline", "channel", channel)
	}
	bridge := messaging.NewBridge(channel, svc, rt.sessions, opts...)

	g.Go(func() error {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s service: %w", channel, err)
		}
		defer svc.Stop()
		return bridge.Run(ctx)
	})
	if hasOutbox {
		sender := store.NewOutboxSender(outbox, bridge.SendOutboxMessage, store.DefaultOutboxPollInterval)
		g.Go(func() error {
			if err := sender.RecoverStaleMessages(ctx); err != nil {
				slog.Error("Outbox recovery failed", "error", err)
			}
			sender.Run(ctx)
			return nil
		})
	}
}
