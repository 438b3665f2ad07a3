// Package notifier tells form owners that a delivery failed for good
package notifier

import (
	"context"

	"go.uber.org/zap"

	"github.com/marminbh/hook-svc/internal/models"
)

// Failure describes a log that has just reached FAILED
type Failure struct {
	Log  models.HookLog
	Hook models.Hook
	Form *models.Form
}

// Notifier is fire-and-forget: implementations must not block the caller on
// the delivery channel and report problems only through logs.
type Notifier interface {
	NotifyTerminalFailure(ctx context.Context, failure Failure)
}

// LogNotifier only records terminal failures in the service log. It is used
// when mail is disabled.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyTerminalFailure(_ context.Context, failure Failure) {
	n.logger.Warn("Delivery failed permanently",
		zap.String("log_id", failure.Log.ID.String()),
		zap.String("hook_id", failure.Hook.ID.String()),
		zap.String("form_id", failure.Hook.FormID),
		zap.Int("tries", failure.Log.Tries),
	)
}

var _ Notifier = (*LogNotifier)(nil)
