package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	osignal "os/signal"
	"syscall"
	"time"

	"github.com/wardenbot/warden/automod/dispatch"
	"github.com/wardenbot/warden/automod/engine"
	"github.com/wardenbot/warden/automod/ledger"
	"github.com/wardenbot/warden/automod/scope"
	"github.com/wardenbot/warden/automod/signal"
	"github.com/wardenbot/warden/util"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	slogecho "github.com/samber/slog-echo"
	"golang.org/x/time/rate"
)

type Server struct {
	echo   *echo.Echo
	httpd  *http.Server
	logger *slog.Logger
	engine *engine.Engine
	ledger ledger.Ledger
	scope  scope.Store
	cron   *cron.Cron

	communities []string
	adminToken  string
}

type Config struct {
	Logger            *slog.Logger
	DatabaseURL       string
	MaxDBConnections  int
	RedisURL          string
	Bind              string
	PerspectiveAPIKey string
	OpenAIAPIKey      string
	ProviderRateLimit int
	ModLogWebhookURL  string
	StrikeWindow      time.Duration
	Communities       []string
	AdminToken        string
}

func NewServer(config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	var led ledger.Ledger
	var scp scope.Store
	if config.RedisURL != "" {
		rl, err := ledger.NewRedisLedger(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis ledger: %v", err)
		}
		led = rl
		scp = scope.NewRedisStoreWithClient(rl.Client)
		logger.Info("reputation state in redis")
	} else {
		db, err := util.SetupDatabase(config.DatabaseURL, config.MaxDBConnections)
		if err != nil {
			return nil, fmt.Errorf("opening database: %v", err)
		}
		gl, err := ledger.NewGormLedger(db)
		if err != nil {
			return nil, err
		}
		led = gl
		scp = scope.NewMemStore()
		logger.Info("reputation state in SQL database")
	}

	var providers []signal.Provider
	if config.PerspectiveAPIKey != "" {
		logger.Info("configuring Perspective toxicity provider")
		pc := signal.NewPerspectiveClient(config.PerspectiveAPIKey)
		pc.Limiter = rate.NewLimiter(rate.Limit(config.ProviderRateLimit), 1)
		providers = append(providers, pc)
	}
	if config.OpenAIAPIKey != "" {
		logger.Info("configuring OpenAI moderation provider")
		providers = append(providers, signal.NewOpenAIModerationClient(config.OpenAIAPIKey))
	}
	if len(providers) == 0 {
		logger.Warn("no toxicity providers configured, relying on fallback patterns and rules only")
	}
	agg := signal.NewAggregator(logger, providers...)

	// the chat-platform gateway is external; it reads the verdict from the
	// ingest response and applies actions itself, so the in-process platform
	// adapter only records what was decided
	platform := &logPlatform{logger: logger.With("system", "platform")}
	dispatcher := dispatch.NewDispatcher(logger, platform, platform)

	eng := engine.NewEngine(logger, led, scp, agg, dispatcher)
	if config.StrikeWindow > 0 {
		eng.StrikeWindow = config.StrikeWindow
	}
	if config.ModLogWebhookURL != "" {
		logger.Info("configuring mod-log webhook notifier")
		eng.Notifier = &engine.WebhookNotifier{
			WebhookURL: config.ModLogWebhookURL,
			Client:     util.RobustHTTPClient(),
		}
	}

	s := &Server{
		logger:      logger,
		engine:      eng,
		ledger:      led,
		scope:       scp,
		communities: config.Communities,
		adminToken:  config.AdminToken,
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(echoprometheus.NewMiddleware("warden"))
	e.Use(middleware.BodyLimit("1M"))
	s.registerRoutes(e)

	s.echo = e
	s.httpd = &http.Server{
		Handler:        e,
		Addr:           config.Bind,
		WriteTimeout:   time.Minute,
		ReadTimeout:    time.Minute,
		MaxHeaderBytes: 1 * (1024 * 1024),
	}

	s.cron = cron.New()
	s.scheduleMaintenance()

	return s, nil
}

// scheduleMaintenance wires the periodic ledger jobs: hourly expired-window
// cleanup and a daily weekly-bonus sweep pass, per configured community.
func (s *Server) scheduleMaintenance() {
	if len(s.communities) == 0 {
		s.logger.Info("no communities configured, skipping scheduled maintenance")
		return
	}
	s.cron.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		for _, community := range s.communities {
			deleted, err := s.ledger.CleanupExpired(ctx, community)
			if err != nil {
				s.logger.Error("scheduled cleanup failed", "communityID", community, "err", err)
				continue
			}
			s.logger.Info("scheduled cleanup complete", "communityID", community, "deleted", deleted)
		}
	})
	s.cron.AddFunc("@daily", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()
		for _, community := range s.communities {
			awards, err := s.ledger.WeeklyBonusSweep(ctx, community)
			if err != nil {
				s.logger.Error("scheduled bonus sweep failed", "communityID", community, "err", err)
				continue
			}
			s.logger.Info("scheduled bonus sweep complete", "communityID", community, "awards", len(awards))
		}
	})
}

func (s *Server) Run(ctx context.Context) error {
	s.cron.Start()
	defer s.cron.Stop()

	s.logger.Info("starting server", "bind", s.httpd.Addr)
	go func() {
		if err := s.httpd.ListenAndServe(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("HTTP server shutting down unexpectedly", "err", err)
			}
		}
	}()

	quit := make(chan struct{})
	exitSignals := make(chan os.Signal, 1)
	osignal.Notify(exitSignals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-exitSignals:
			s.logger.Info("received OS exit signal", "signal", sig)
		case <-ctx.Done():
		}
		if err := s.Shutdown(); err != nil {
			s.logger.Error("HTTP server shutdown error", "err", err)
		}
		close(quit)
	}()
	<-quit
	s.logger.Info("graceful shutdown complete")
	return nil
}

func (s *Server) Shutdown() error {
	s.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpd.Shutdown(ctx)
}

func (s *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

// logPlatform satisfies the dispatcher's capability interfaces without a
// live chat-platform connection: every action is recorded in the log and in
// the outcome the gateway reads back.
type logPlatform struct {
	logger *slog.Logger
}

var _ dispatch.Messenger = (*logPlatform)(nil)
var _ dispatch.Moderator = (*logPlatform)(nil)

func (p *logPlatform) DeleteMessage(ctx context.Context, communityID, channelID, messageID string) error {
	p.logger.Info("delete message", "communityID", communityID, "channelID", channelID, "messageID", messageID)
	return nil
}

func (p *logPlatform) DirectMessage(ctx context.Context, userID, text string) error {
	p.logger.Info("direct message", "userID", userID, "length", len(text))
	return nil
}

func (p *logPlatform) Timeout(ctx context.Context, communityID, userID string, until time.Time, reason string) error {
	p.logger.Info("timeout member", "communityID", communityID, "userID", userID, "until", until, "reason", reason)
	return nil
}

func (p *logPlatform) Kick(ctx context.Context, communityID, userID string, reason string) error {
	p.logger.Info("kick member", "communityID", communityID, "userID", userID, "reason", reason)
	return nil
}
