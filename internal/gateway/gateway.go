// Package gateway hosts the HTTP surface of botbridge: one webhook route per
// configured platform adapter, plus health, metrics and the live console.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"botbridge/internal/activity"
	"botbridge/internal/adapter"
	"botbridge/internal/botlogic"
	"botbridge/internal/config"
	"botbridge/internal/feed"
	"botbridge/internal/metrics"
	"botbridge/internal/store"
)

// Gateway wires adapters, bot logic, the activity feed and optional
// persistence into a single HTTP server.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	adapters  map[string]*adapter.Adapter
	facebook  *adapter.Facebook
	responder *botlogic.Responder
	feed      *feed.Feed
	store     *store.TranscriptStore
	console   *Console

	mux    *http.ServeMux
	server *http.Server
}

// New assembles a Gateway from config. Every enabled adapter is constructed
// eagerly so credential mistakes surface at startup, not on first webhook.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		cfg:      cfg,
		logger:   logger,
		adapters: make(map[string]*adapter.Adapter),
		feed:     feed.New(logger),
	}

	var rules []botlogic.Rule
	if cfg.Logic.RulesDir != "" {
		loaded, err := botlogic.LoadRules(cfg.Logic.RulesDir, logger)
		if err != nil {
			return nil, fmt.Errorf("load rules: %w", err)
		}
		rules = loaded
	}
	responder, err := botlogic.NewResponder(rules, cfg.Logic.Echo, logger)
	if err != nil {
		return nil, fmt.Errorf("build responder: %w", err)
	}
	g.responder = responder

	if cfg.Transcript.Enabled {
		ts, err := store.NewTranscriptStore(cfg.Transcript.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("open transcript store: %w", err)
		}
		g.store = ts
		g.feed.On("*", func(entry feed.Entry) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ts.Append(ctx, entry); err != nil {
				logger.Warn("transcript append failed", "channel", entry.Channel, "err", err)
			}
		})
	}

	if err := g.buildAdapters(); err != nil {
		if g.store != nil {
			g.store.Close()
		}
		return nil, err
	}

	g.mux = http.NewServeMux()
	for name, a := range g.adapters {
		g.mux.HandleFunc("/webhook/"+name, g.webhookHandler(name, a))
	}
	g.mux.HandleFunc("/healthz", g.handleHealth)
	g.mux.HandleFunc("/metrics", metrics.Collector.Handler())

	if cfg.Console.Enabled {
		g.console = NewConsole(g.feed, logger)
		g.mux.HandleFunc(cfg.Console.Path, g.console.HandleUpgrade)
	}

	return g, nil
}

func (g *Gateway) buildAdapters() error {
	ac := g.cfg.Adapters

	if ac.Twilio.Enabled {
		tw, err := adapter.NewTwilio(adapter.TwilioConfig{
			AccountSID:    ac.Twilio.AccountSID,
			AuthToken:     ac.Twilio.AuthToken,
			Number:        ac.Twilio.Number,
			ValidationURL: ac.Twilio.ValidationURL,
			Logger:        g.logger,
		})
		if err != nil {
			return err
		}
		if err := g.register("twilio", tw, tw, tw, nil); err != nil {
			return err
		}
	}

	if ac.Facebook.Enabled {
		fb, err := adapter.NewFacebook(adapter.FacebookConfig{
			VerifyToken: ac.Facebook.VerifyToken,
			AppSecret:   ac.Facebook.AppSecret,
			AccessToken: ac.Facebook.AccessToken,
			APIVersion:  ac.Facebook.APIVersion,
			Logger:      g.logger,
		})
		if err != nil {
			return err
		}
		g.facebook = fb
		if err := g.register("facebook", fb, fb, fb, nil); err != nil {
			return err
		}
	}

	if ac.Hangouts.Enabled {
		hg, err := adapter.NewHangouts(adapter.HangoutsConfig{
			Token:       ac.Hangouts.Token,
			AccessToken: ac.Hangouts.AccessToken,
			Logger:      g.logger,
		})
		if err != nil {
			return err
		}
		if err := g.register("hangouts", hg, hg, hg, hg.AckEarly); err != nil {
			return err
		}
	}

	if ac.Webex.Enabled {
		wx, err := adapter.NewWebex(adapter.WebexConfig{
			AccessToken: ac.Webex.AccessToken,
			Secret:      ac.Webex.Secret,
			Logger:      g.logger,
		})
		if err != nil {
			return err
		}
		if err := g.register("webex", wx, wx, wx, nil); err != nil {
			return err
		}
	}

	if ac.Telegram.Enabled {
		tg, err := adapter.NewTelegram(adapter.TelegramConfig{
			Token:       ac.Telegram.Token,
			SecretToken: ac.Telegram.SecretToken,
			Logger:      g.logger,
		})
		if err != nil {
			return err
		}
		if err := g.register("telegram", tg, tg, tg, nil); err != nil {
			return err
		}
	}

	if ac.Slack.Enabled {
		sl, err := adapter.NewSlack(adapter.SlackConfig{
			BotToken:      ac.Slack.BotToken,
			SigningSecret: ac.Slack.SigningSecret,
			Logger:        g.logger,
		})
		if err != nil {
			return err
		}
		if err := g.register("slack", sl, sl, sl, nil); err != nil {
			return err
		}
	}

	if len(g.adapters) == 0 {
		return fmt.Errorf("no adapters enabled")
	}
	return nil
}

func (g *Gateway) register(name string, v adapter.Verifier, in adapter.InboundTranslator, s adapter.Sender, ackEarly func([]activity.Activity) bool) error {
	a, err := adapter.New(adapter.Config{
		Verifier: v,
		Inbound:  in,
		Sender:   s,
		Logger:   g.logger,
		AckEarly: ackEarly,
	})
	if err != nil {
		return fmt.Errorf("build %s adapter: %w", name, err)
	}

	a.OnActivity = func(direction string, act activity.Activity) {
		if direction == feed.DirectionOutbound {
			metrics.SendsTotal(name).Inc()
		}
		g.feed.Emit(feed.Entry{
			Direction:  direction,
			Channel:    name,
			Activity:   act,
			ObservedAt: time.Now(),
		})
	}
	a.OnRejected = func() {
		metrics.VerificationFailures(name).Inc()
	}

	g.adapters[name] = a
	return nil
}

// webhookHandler wraps one adapter's webhook lifecycle with metrics. The
// Facebook route also answers the GET subscription challenge.
func (g *Gateway) webhookHandler(name string, a *adapter.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if name == "facebook" && r.Method == http.MethodGet {
			g.facebook.HandleVerification(w, r)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		start := time.Now()
		metrics.WebhooksTotal(name).Inc()

		if err := a.ServeWebhook(w, r, g.responder.Handle); err != nil {
			g.logger.Error("webhook dispatch failed", "channel", name, "err", err)
		}

		metrics.WebhookLatency(name).Observe(time.Since(start).Seconds())
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","adapters":%d}`, len(g.adapters))
}

// Handler exposes the route table. Used by tests and by Run.
func (g *Gateway) Handler() http.Handler { return g.mux }

// Adapter returns a registered adapter by channel name, or nil.
func (g *Gateway) Adapter(name string) *adapter.Adapter { return g.adapters[name] }

// Run serves HTTP until ctx is cancelled, then shuts down gracefully. When
// the transcript store is enabled a daily prune runs in the background.
func (g *Gateway) Run(ctx context.Context) error {
	g.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", g.cfg.General.Host, g.cfg.General.Port),
		Handler:           g.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if g.store != nil && g.cfg.Transcript.RetentionDays > 0 {
		go g.pruneLoop(ctx)
	}

	g.logger.Info("gateway starting",
		"addr", g.server.Addr,
		"adapters", len(g.adapters),
		"console", g.console != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := g.server.Shutdown(shutdownCtx)
		if g.console != nil {
			g.console.Close()
		}
		if g.store != nil {
			g.store.Close()
		}
		return err
	case err := <-errCh:
		if g.store != nil {
			g.store.Close()
		}
		return err
	}
}

func (g *Gateway) pruneLoop(ctx context.Context) {
	retention := time.Duration(g.cfg.Transcript.RetentionDays) * 24 * time.Hour
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.store.Prune(ctx, retention)
			if err != nil {
				g.logger.Warn("transcript prune failed", "err", err)
				continue
			}
			if n > 0 {
				g.logger.Info("transcript pruned", "removed", n)
			}
		}
	}
}
