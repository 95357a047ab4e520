package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldline/leadrelay/internal/autoreply"
	"github.com/fieldline/leadrelay/internal/config"
	"github.com/fieldline/leadrelay/internal/db"
	"github.com/fieldline/leadrelay/internal/inbound"
	"github.com/fieldline/leadrelay/internal/outbound"
	"github.com/fieldline/leadrelay/internal/provider"
	"github.com/fieldline/leadrelay/internal/queue"
	"github.com/fieldline/leadrelay/internal/tasks"
	"github.com/fieldline/leadrelay/internal/thread"
	"github.com/fieldline/leadrelay/internal/webhook"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and background maintenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "leadrelay.yaml", "path to config file")
	return cmd
}

func runServe(configPath string) error {
	log := newLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	gdb, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return err
	}

	guard, err := inbound.NewGuard(gdb, log)
	if err != nil {
		return err
	}
	registry, err := thread.NewRegistry(gdb, log)
	if err != nil {
		return err
	}

	var gateway outbound.Provider
	if cfg.Provider.BaseURL != "" && cfg.Provider.Token != "" {
		gw, err := provider.NewGateway(provider.GatewayOpts{
			BaseURL: cfg.Provider.BaseURL,
			Token:   cfg.Provider.Token,
			Name:    cfg.Provider.Name,
			Timeout: time.Duration(cfg.Provider.TimeoutSeconds) * time.Second,
			Rate:    cfg.Provider.RatePerSecond,
			Log:     log,
		})
		if err != nil {
			return err
		}
		gateway = gw
	} else {
		log.Warn().Msg("messaging gateway not configured; outbound sends will be refused")
	}

	sanitizer, err := outbound.NewSanitizer(cfg.Policy.BannedTerms, cfg.Policy.BlockedPhrases)
	if err != nil {
		return err
	}
	ledger, err := outbound.NewLedger(outbound.LedgerOpts{
		DB:             gdb,
		Provider:       gateway,
		Sanitizer:      sanitizer,
		Recorder:       registry,
		QuestionWindow: cfg.QuestionWindow(),
		Log:            log,
	})
	if err != nil {
		return err
	}

	taskSvc, err := tasks.NewService(tasks.ServiceOpts{
		DB:        gdb,
		BotToken:  cfg.Slack.BotToken,
		ChannelID: cfg.Slack.ChannelID,
		Log:       log,
	})
	if err != nil {
		return err
	}

	var generator autoreply.Generator
	var retrieval autoreply.RetrievalGuard
	if cfg.Generator.BaseURL != "" {
		timeout := time.Duration(cfg.Generator.TimeoutSeconds) * time.Second
		gen, err := provider.NewGeneratorClient(cfg.Generator.BaseURL, cfg.Generator.Token, timeout)
		if err != nil {
			return err
		}
		generator = gen
		ret, err := provider.NewRetrievalClient(cfg.Generator.BaseURL, cfg.Generator.Token, timeout)
		if err != nil {
			return err
		}
		retrieval = ret
	} else {
		log.Warn().Msg("generator not configured; replies will use fallbacks")
	}

	engine, err := autoreply.NewEngine(autoreply.EngineOpts{
		DB:        gdb,
		Registry:  registry,
		Ledger:    ledger,
		Generator: generator,
		Retrieval: retrieval,
		Tasks:     taskSvc,
		Policy: autoreply.Policy{
			RateLimit:        cfg.RateLimit(),
			SkipPatterns:     cfg.Policy.SkipPatterns,
			EscalatePatterns: cfg.Policy.EscalatePatterns,
			Hours: autoreply.HoursPolicy{
				Start:           cfg.Policy.BusinessHoursStart,
				End:             cfg.Policy.BusinessHoursEnd,
				DefaultTimezone: cfg.Policy.Timezone,
				AfterHours:      cfg.Policy.AfterHours,
			},
			EscalationAck: cfg.Policy.EscalationAck,
			AckText:       cfg.Policy.EscalationAckText,
		},
		Log: log,
	})
	if err != nil {
		return err
	}

	jobStore, err := queue.NewStore(gdb, log)
	if err != nil {
		return err
	}

	server, err := webhook.NewServer(webhook.ServerOpts{
		Guard:    guard,
		Registry: registry,
		Engine:   engine,
		Queue:    jobStore,
		Port:     cfg.Server.Port,
		Log:      log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := cron.New()
	_, err = scheduler.AddFunc("@every 10m", func() {
		if _, err := guard.SweepStale(ctx, inbound.DefaultStaleAfter); err != nil {
			log.Error().Err(err).Msg("stale receipt sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("serve: schedule sweep: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	return server.Start(ctx)
}

// openDatabase connects using the configured driver.
func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	if cfg.Database.Driver == "sqlite" {
		return db.ConnectSQLite(cfg.Database.Path)
	}
	return db.Connect(cfg.Database.User, cfg.Database.Password,
		cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)
}

// newLogger builds the process logger. LEADRELAY_LOG_LEVEL selects verbosity.
func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if v := os.Getenv("LEADRELAY_LOG_LEVEL"); v != "" {
		if parsed, err := zerolog.ParseLevel(v); err == nil {
			level = parsed
		}
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}
