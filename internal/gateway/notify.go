package gateway

import (
	"context"
	"fmt"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier shows desktop notifications.
type Notifier struct {
	appName string
	notify  func(title, message string) error
	logger  *zap.Logger
}

// NewNotifier creates a desktop notifier.
func NewNotifier(cfg DesktopConfig, logger *zap.Logger) *Notifier {
	name := cfg.AppName
	if name == "" {
		name = "CogLoop"
	}
	return &Notifier{
		appName: name,
		notify: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
		logger: logger,
	}
}

// Notify shows one notification. An empty title uses the app name.
func (n *Notifier) Notify(_ context.Context, title, message string) error {
	if title == "" {
		title = n.appName
	}
	if err := n.notify(title, message); err != nil {
		n.logger.Warn("desktop notification failed", zap.Error(err))
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}
