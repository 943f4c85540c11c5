package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "warden",
		Usage:   "chat moderation daemon (keeps the peace)",
		Version: versioninfo.Short(),
	}

	app.Commands = []*cli.Command{
		runCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Value:   "sqlite://data/warden/warden.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   40,
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL; if set, reputation state lives in redis instead of SQL",
			EnvVars: []string{"WARDEN_REDIS_URL", "REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3999",
			EnvVars: []string{"WARDEN_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3998",
			EnvVars: []string{"WARDEN_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "perspective-api-key",
			Usage:   "API key for the Perspective comment analyzer; provider disabled when empty",
			EnvVars: []string{"WARDEN_PERSPECTIVE_API_KEY", "PERSPECTIVE_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "openai-api-key",
			Usage:   "API key for the OpenAI moderation endpoint; provider disabled when empty",
			EnvVars: []string{"WARDEN_OPENAI_API_KEY", "OPENAI_API_KEY"},
		},
		&cli.IntFlag{
			Name:    "provider-rate-limit",
			Usage:   "max requests per second to each toxicity provider",
			Value:   10,
			EnvVars: []string{"WARDEN_PROVIDER_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "modlog-webhook-url",
			Usage:   "incoming-webhook URL for mod-log incident notifications",
			EnvVars: []string{"WARDEN_MODLOG_WEBHOOK_URL"},
		},
		&cli.IntFlag{
			Name:    "strike-window-minutes",
			Usage:   "how long strikes stay active",
			Value:   60,
			EnvVars: []string{"WARDEN_STRIKE_WINDOW_MINUTES"},
		},
		&cli.StringSliceFlag{
			Name:    "communities",
			Usage:   "community IDs for scheduled cleanup and weekly bonus jobs",
			EnvVars: []string{"WARDEN_COMMUNITIES"},
		},
		&cli.StringFlag{
			Name:    "admin-token",
			Usage:   "bearer token for the admin API; admin routes disabled when empty",
			EnvVars: []string{"WARDEN_ADMIN_TOKEN"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		slog.SetDefault(logger)

		// Enable OTLP HTTP exporter
		// For relevant environment variables:
		// https://pkg.go.dev/go.opentelemetry.io/otel/exporters/otlp/otlptrace#readme-environment-variables
		// At a minimum, you need to set
		// OTEL_EXPORTER_OTLP_ENDPOINT=http://localhost:4318
		if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
			slog.Info("setting up trace exporter", "endpoint", ep)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			exp, err := otlptracehttp.New(ctx)
			if err != nil {
				log.Fatal("failed to create trace exporter", "error", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := exp.Shutdown(ctx); err != nil {
					slog.Error("failed to shutdown trace exporter", "error", err)
				}
			}()

			tp := tracesdk.NewTracerProvider(
				tracesdk.WithBatcher(exp),
				tracesdk.WithResource(resource.NewWithAttributes(
					semconv.SchemaURL,
					semconv.ServiceNameKey.String("warden"),
					attribute.String("env", os.Getenv("ENVIRONMENT")),         // DataDog
					attribute.String("environment", os.Getenv("ENVIRONMENT")), // Others
					attribute.Int64("ID", 1),
				)),
			)
			otel.SetTracerProvider(tp)
		}

		srv, err := NewServer(Config{
			Logger:            logger,
			DatabaseURL:       cctx.String("database-url"),
			MaxDBConnections:  cctx.Int("max-db-connections"),
			RedisURL:          cctx.String("redis-url"),
			Bind:              cctx.String("bind"),
			PerspectiveAPIKey: cctx.String("perspective-api-key"),
			OpenAIAPIKey:      cctx.String("openai-api-key"),
			ProviderRateLimit: cctx.Int("provider-rate-limit"),
			ModLogWebhookURL:  cctx.String("modlog-webhook-url"),
			StrikeWindow:      time.Duration(cctx.Int("strike-window-minutes")) * time.Minute,
			Communities:       cctx.StringSlice("communities"),
			AdminToken:        cctx.String("admin-token"),
		})
		if err != nil {
			return err
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("failed to run moderation service: %w", err)
		}
		return nil
	},
}
