// Command notifier consumes order notifications from RabbitMQ and delivers
// them as email through Resend.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lootvault/lootvault/internal/config"
	"github.com/lootvault/lootvault/internal/logging"
	"github.com/lootvault/lootvault/internal/notify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("component", "notifier")

	if cfg.AMQPURL == "" || cfg.ResendAPIKey == "" {
		logger.Error("AMQP_URL and RESEND_API_KEY are required")
		os.Exit(1)
	}

	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	sink := notify.NewEmailSender(cfg.ResendAPIKey, cfg.NotifyFromEmail,
		notify.NewStaticDirectory(cfg.NotifyUserEmails), cfg.NotifyAdminEmails)
	consumer := notify.NewConsumer(conn, sink, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("notifier stopped")
}
