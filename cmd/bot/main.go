package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog/log"

	"emabot/internal/broker"
	"emabot/internal/config"
	"emabot/internal/engine"
	"emabot/internal/logging"
	"emabot/internal/metrics"
	"emabot/internal/news"
	"emabot/internal/notify"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		os.Exit(1)
	}
}

// run returns the error that ended the process. It is logged before the log
// output is closed.
func run(args []string) (err error) {
	cfg, err := config.Load(args)
	if err != nil {
		log.Error().Err(err).Msg("config error")
		return err
	}

	logCloser, err := logging.Setup(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		log.Error().Err(err).Msg("logger error")
		return err
	}
	defer func() {
		if err != nil {
			log.Error().Err(err).Msg("bot exited")
		}
		_ = logCloser.Close()
	}()

	runID := generateRunID()
	decisions, err := engine.NewDecisionLogger(cfg.DecisionsPath, runID)
	if err != nil {
		return fmt.Errorf("decision logger: %w", err)
	}
	defer func() {
		if err := decisions.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close decision logger")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := recorder.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Telegram.Enabled() {
		tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			log.Warn().Err(err).Msg("telegram notifications disabled")
		} else {
			notifier = tg
		}
	}

	terminal := broker.New(broker.Options{
		APIKey:    cfg.Alpaca.APIKey,
		APISecret: cfg.Alpaca.APISecret,
		BaseURL:   cfg.Alpaca.BaseURL,
		Feed:      cfg.Alpaca.Feed,
	})
	if err := terminal.Connect(ctx); err != nil {
		return fmt.Errorf("failed to initialize terminal: %w", err)
	}
	defer func() {
		if err := terminal.Disconnect(); err != nil {
			log.Error().Err(err).Msg("failed to disconnect terminal")
		}
	}()

	bot, err := engine.New(cfg, terminal, news.Unchecked{}, recorder, decisions, notifier)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	log.Info().Str("run_id", runID).Str("mode", string(cfg.Mode)).Str("symbol", cfg.Symbol).Msg("starting bot")
	if err := bot.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("decision loop: %w", err)
	}
	log.Info().Msg("bot stopped by user")
	return nil
}

func generateRunID() string {
	timestamp := time.Now().UTC().Format("20060102T150405")
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return timestamp
	}
	return timestamp + "-" + hex.EncodeToString(randomBytes)
}
