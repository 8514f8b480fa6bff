package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.io/infrasutra/mailboxsync/internal/api"
	"github.io/infrasutra/mailboxsync/internal/auth"
	"github.io/infrasutra/mailboxsync/internal/config"
	"github.io/infrasutra/mailboxsync/internal/graph"
	"github.io/infrasutra/mailboxsync/internal/imapmail"
	"github.io/infrasutra/mailboxsync/internal/mailsync"
	"github.io/infrasutra/mailboxsync/internal/push"
	"github.io/infrasutra/mailboxsync/internal/smtpserver"
	"github.io/infrasutra/mailboxsync/internal/store"
	"github.io/infrasutra/mailboxsync/internal/watch"
	"github.io/infrasutra/mailboxsync/internal/webhook"
	webassets "github.io/infrasutra/mailboxsync/web"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	if err := run(cfg, logger); err != nil {
		logger.Error("mailboxsync stopped", "error", err)
		os.Exit(1)
	}
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	backend, err := store.BuildDocumentBackend(ctx, cfg.DocumentDSN)
	if err != nil {
		return fmt.Errorf("document backend: %w", err)
	}
	if closer, ok := backend.(io.Closer); ok {
		defer closer.Close()
	}
	policy, err := store.ParseMergePolicy(cfg.MergePolicy)
	if err != nil {
		return err
	}
	mirror := store.New(backend, store.Options{Policy: policy, Logger: logger})

	sessions, err := auth.NewSessions(cfg.AuthSecret, cfg.SessionTTL, cfg.CookieSecure)
	if err != nil {
		return fmt.Errorf("init sessions: %w", err)
	}
	if cfg.AuthSecret == "" {
		logger.Warn("AUTH_SECRET not set; sessions reset on restart")
	}

	hub := push.NewHub()
	coordinator := mailsync.New(mirror, mailsync.Options{PageSize: cfg.PageSize, Notifier: hub, Logger: logger})

	opts := api.Options{
		Store:           mirror,
		DB:              db,
		Sessions:        sessions,
		Sync:            coordinator,
		Hub:             hub,
		NotificationURL: cfg.NotificationURL,
		SubscriptionTTL: cfg.SubscriptionTTL,
		PageSize:        cfg.PageSize,
		Logger:          logger,
	}
	if static, err := webassets.Dist(); err != nil {
		logger.Warn("ui assets not embedded", "error", err)
	} else {
		opts.Static = static
	}

	var relayUser string
	switch cfg.MailProvider {
	case config.ProviderIMAP:
		sender := &imapmail.Sender{
			Addr:     cfg.SMTPUpstreamAddr,
			Username: firstNonEmpty(cfg.SMTPUpstreamUsername, cfg.IMAPUsername),
			Password: firstNonEmpty(cfg.SMTPUpstreamPassword, cfg.IMAPPassword),
			Security: cfg.SMTPUpstreamSecurity,
		}
		client := imapmail.New(imapmail.Config{
			Addr:     cfg.IMAPAddr,
			Username: cfg.IMAPUsername,
			Password: cfg.IMAPPassword,
			Security: cfg.IMAPSecurity,
		}, sender, logger)
		opts.Mail = client
		opts.Passwords = client
		relayUser = client.UserID()
		logger.Info("mail provider: imap", "addr", cfg.IMAPAddr, "user", cfg.IMAPUsername)
	default:
		provider, err := auth.NewProvider(auth.OAuthConfig{
			ClientID:     cfg.GraphClientID,
			ClientSecret: cfg.GraphClientSecret,
			TenantID:     cfg.GraphTenantID,
			RedirectURL:  cfg.GraphRedirectURL,
			Scopes:       cfg.Scopes(),
		}, auth.NewTokenCache(db), logger)
		if err != nil {
			return fmt.Errorf("init oauth: %w", err)
		}
		factory := &graph.Factory{BaseURL: cfg.GraphBaseURL, Tokens: provider}
		opts.Mail = factory
		opts.OAuth = provider
		opts.Profiles = factory
		opts.Subscriptions = factory
		relayUser = cfg.SMTPRelayUserID

		receiver, err := webhook.NewReceiver(webhook.Options{
			Subscriptions: db,
			Queue:         webhook.NewQueue(cfg.NotificationQueueSize, 0),
			Apply:         coordinator.ApplyForUser(factory),
			Notifier:      hub,
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("init webhook receiver: %w", err)
		}
		defer receiver.Wait()
		opts.Receiver = receiver
		go pruneSubscriptions(ctx, db, logger)
		if cfg.NotificationURL == "" {
			logger.Warn("NOTIFICATION_URL not set; push subscriptions are disabled")
		}
	}

	if fileBackend, ok := backend.(*store.JSONFileBackend); ok && cfg.WatchDocument {
		watcher := watch.NewDocumentWatcher(fileBackend.Path, 0, func() {
			hub.PublishAll(push.Event{Type: push.EventDocument})
		}, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("document watcher stopped", "error", err)
			}
		}()
	}

	var relay *smtpserver.Server
	if cfg.SMTPRelayEnabled {
		if relayUser == "" {
			return errors.New("SMTP_RELAY_USER_ID is required to relay through the graph provider")
		}
		relay = smtpserver.New(opts.Mail, relayUser, logger, net.JoinHostPort(cfg.SMTPRelayHost, strconv.Itoa(cfg.SMTPPort)), smtpserver.AuthConfig{
			Enabled:  true,
			Username: cfg.SMTPRelayUsername,
			Password: cfg.SMTPRelayPassword,
		})
		go func() {
			if err := relay.ListenAndServe(); err != nil {
				logger.Error("smtp relay stopped", "error", err)
			}
		}()
	}

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           api.NewServer(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown http", "error", err)
	}
	if relay != nil {
		if err := relay.Close(); err != nil {
			logger.Error("shutdown smtp relay", "error", err)
		}
	}
	return nil
}

// pruneSubscriptions drops expired subscriptions so stale client states
// stop matching.
func pruneSubscriptions(ctx context.Context, db *store.DB, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := db.DeleteExpiredSubscriptions(ctx, now)
			if err != nil {
				logger.Warn("prune subscriptions", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("expired subscriptions pruned", "count", removed)
			}
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
