// Package api provides HTTP handlers and the main server logic for DialScribe.
//
// It exposes the telephony webhook endpoint that drives the IVR state
// machine, REST endpoints for registering and placing calls, scenario
// management, notification metrics, and health. Run wires the store, IVR,
// notification pipeline, and scheduler together and serves until interrupted.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dialscribe/DialScribe/internal/ivr"
	"github.com/dialscribe/DialScribe/internal/kvcache"
	"github.com/dialscribe/DialScribe/internal/ledger"
	"github.com/dialscribe/DialScribe/internal/messaging"
	"github.com/dialscribe/DialScribe/internal/models"
	"github.com/dialscribe/DialScribe/internal/notify"
	"github.com/dialscribe/DialScribe/internal/scheduler"
	"github.com/dialscribe/DialScribe/internal/store"
	"github.com/dialscribe/DialScribe/internal/telephony"
	"github.com/dialscribe/DialScribe/internal/util"
)

// Default configuration constants
const (
	// DefaultAddr is the API listen address when none is configured.
	DefaultAddr = ":8080"
	// DefaultRetentionDays is how long delivered notification rows are kept.
	DefaultRetentionDays = 30
	// retentionCronExpr runs the nightly cleanup during the quiet hours.
	retentionCronExpr = "30 3 * * *"
	// shutdownTimeout bounds graceful HTTP shutdown.
	shutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	ChatRelayURL  string
	ChatService   messaging.ChatService
	RedisAddr     string
	RetentionDays int
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the API listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithChatRelayURL sets the chat relay endpoint notifications are posted to.
func WithChatRelayURL(url string) Option {
	return func(o *Opts) { o.ChatRelayURL = url }
}

// WithChatService injects a chat service directly, bypassing the relay.
func WithChatService(svc messaging.ChatService) Option {
	return func(o *Opts) { o.ChatService = svc }
}

// WithRedisAddr backs the delivery caches with Redis instead of process memory.
func WithRedisAddr(addr string) Option {
	return func(o *Opts) { o.RedisAddr = addr }
}

// WithRetentionDays overrides the notification retention window.
func WithRetentionDays(days int) Option {
	return func(o *Opts) { o.RetentionDays = days }
}

// Server holds the HTTP handler dependencies.
type Server struct {
	st        store.Store
	scenarios *ivr.ScenarioRegistry
	sessions  *ivr.SessionManager
	responder *ivr.Responder
	creator   *notify.Creator
	dialer    telephony.Dialer
	addr      string
}

// NewServer creates an API server over already-constructed components.
// dialer may be nil when call placement is not configured.
func NewServer(st store.Store, scenarios *ivr.ScenarioRegistry, sessions *ivr.SessionManager, responder *ivr.Responder, creator *notify.Creator, dialer telephony.Dialer, addr string) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{
		st:        st,
		scenarios: scenarios,
		sessions:  sessions,
		responder: responder,
		creator:   creator,
		dialer:    dialer,
		addr:      addr,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ivr.DefaultWebhookPath, s.voiceWebhookHandler)
	mux.HandleFunc("/calls", s.callsHandler)
	mux.HandleFunc("/calls/", s.callsHandler)
	mux.HandleFunc("/scenarios", s.scenariosHandler)
	mux.HandleFunc("/metrics/notifications", s.notificationMetricsHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run wires all modules together and serves until SIGINT or SIGTERM.
// telephonyOpts may be empty, which disables the call placement endpoint.
func Run(storeOpts []store.Option, telephonyOpts []telephony.Option, apiOpts []Option) error {
	var cfg Opts
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = util.ParseIntEnv("NOTIFY_RETENTION_DAYS", DefaultRetentionDays)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	scenarios := ivr.NewScenarioRegistry()
	scenarios.RegisterDefaults()
	sessions := ivr.NewSessionManager(st, scenarios)
	lw := ledger.NewWriter(st)
	creator := notify.NewCreator(st)
	responder := ivr.NewResponder(st, lw, sessions, creator)

	var dialer telephony.Dialer
	if len(telephonyOpts) > 0 {
		client, err := telephony.NewClient(telephonyOpts...)
		if err != nil {
			return fmt.Errorf("failed to initialize telephony client: %w", err)
		}
		dialer = client
	} else {
		slog.Info("Run: telephony not configured, call placement endpoint disabled")
	}

	chat, err := buildChatService(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize chat service: %w", err)
	}

	if chat != nil {
		cache, err := buildDeliveryCache(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize delivery cache: %w", err)
		}
		metrics := notify.NewMetricsRecorder(st)
		queues := notify.NewQueueManager(st, chat, cache, cache, metrics,
			notify.WithPacing(util.ParseDurationEnv("NOTIFY_PACING", notify.DefaultPacing)),
			notify.WithMaxRetries(util.ParseIntEnv("NOTIFY_MAX_RETRIES", models.DefaultMaxDeliveryRetries)))
		dispatcher := notify.NewDispatcher(st, queues,
			notify.WithPollInterval(util.ParseDurationEnv("NOTIFY_POLL_INTERVAL", notify.DefaultPollInterval)))
		go dispatcher.Run(ctx)
		defer queues.Wait()
	} else {
		slog.Warn("Run: chat delivery not configured, notifications will accumulate undelivered")
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	if err := sched.AddJob("notification-retention", retentionCronExpr, func() {
		deleted, err := st.DeleteNotificationsBefore(time.Now().Add(-retention))
		if err != nil {
			slog.Error("Run: notification retention cleanup failed", "error", err)
			return
		}
		slog.Info("Run: notification retention cleanup finished", "deleted", deleted, "retentionDays", cfg.RetentionDays)
	}); err != nil {
		return fmt.Errorf("failed to schedule retention cleanup: %w", err)
	}

	server := NewServer(st, scenarios, sessions, responder, creator, dialer, cfg.Addr)
	httpServer := &http.Server{Addr: server.addr, Handler: server.Handler()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Run: DialScribe API listening", "addr", server.addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Run: shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// buildStore selects a backend from the configured options: Postgres or
// SQLite when a DSN is present, in-memory otherwise.
func buildStore(storeOpts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range storeOpts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		slog.Info("buildStore: no DSN configured, using in-memory store")
		return store.NewInMemoryStore(), nil
	case store.DetectDSNType(cfg.DSN) == "postgres":
		return store.NewPostgresStore(storeOpts...)
	default:
		return store.NewSQLiteStore(storeOpts...)
	}
}

func buildChatService(cfg Opts) (messaging.ChatService, error) {
	if cfg.ChatService != nil {
		return cfg.ChatService, nil
	}
	if cfg.ChatRelayURL == "" {
		return nil, nil
	}
	return messaging.NewWebhookChatService(cfg.ChatRelayURL)
}

func buildDeliveryCache(ctx context.Context, cfg Opts) (kvcache.KeyedStore, error) {
	if cfg.RedisAddr == "" {
		return kvcache.NewMemoryStore(), nil
	}
	return kvcache.NewRedisStore(ctx, cfg.RedisAddr, "dialscribe")
}
