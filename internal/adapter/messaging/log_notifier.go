package messaging

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier writes notifications to the log instead of delivering them.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, recipient, subject string) error {
	n.logger.Info("notification", zap.String("recipient", recipient), zap.String("subject", subject))
	return nil
}
