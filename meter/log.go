package meter

import (
	"go.uber.org/zap"

	"github.com/nm2tech/tokenmeter"
)

// LogMeter logs spend and credit events using zap.
type LogMeter struct {
	Logger *zap.Logger
}

var _ tokenmeter.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, zap.L() is used.
func NewLogMeter(logger *zap.Logger) *LogMeter {
	if logger == nil {
		logger = zap.L()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnSpend(e tokenmeter.SpendEvent) {
	fields := []zap.Field{
		zap.String("user_id", e.UserID),
		zap.String("action", string(e.Action)),
		zap.Int64("cost", e.Cost),
		zap.Int64("balance", e.Balance),
		zap.Int64("duration_ms", e.Duration.Milliseconds()),
	}
	switch {
	case !e.Allowed:
		m.Logger.Info("spend_refused", fields...)
	case e.Error != nil:
		m.Logger.Warn("spend_error", append(fields, zap.Bool("refunded", e.Refunded), zap.Error(e.Error))...)
	default:
		m.Logger.Info("spend", fields...)
	}
}

func (m *LogMeter) OnCredit(e tokenmeter.CreditEvent) {
	fields := []zap.Field{
		zap.String("user_id", e.UserID),
		zap.String("tier", e.Tier),
		zap.Int64("amount", e.Amount),
		zap.String("source", string(e.Source)),
	}
	if e.Key != "" {
		fields = append(fields, zap.String("key", e.Key))
	}
	switch {
	case e.Error != nil:
		m.Logger.Error("credit_error", append(fields, zap.Error(e.Error))...)
	case e.Reason != "":
		m.Logger.Warn("credit_skipped", append(fields, zap.String("reason", e.Reason))...)
	default:
		m.Logger.Info("credit", fields...)
	}
}
