// Package notifier delivers formatted text to the configured notification
// channels.
package notifier

import (
	"context"

	"positionwatch/config"
	"positionwatch/logger"
)

// Sink delivers one formatted message. route selects a subset of the
// configured targets; an empty route means every target. Implementations
// must be safe for concurrent use.
type Sink interface {
	Deliver(ctx context.Context, text, route string) error
}

// New returns the Telegram sink when it is enabled and a logging sink
// otherwise.
func New(cfg config.TelegramConfig) Sink {
	if cfg.Enabled && len(cfg.Bots) > 0 {
		return NewTelegram(cfg)
	}
	logger.GetLogger().WithComponent("notifier").Warn("telegram disabled; notifications are only logged")
	return LogSink{}
}

// LogSink writes every message to the log.
type LogSink struct{}

func (LogSink) Deliver(_ context.Context, text, route string) error {
	logger.GetLogger().WithComponent("notifier").WithFields(logger.Fields{
		"route": route,
		"text":  text,
	}).Info("notification")
	return nil
}
