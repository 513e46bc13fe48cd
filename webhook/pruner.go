package webhook

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nm2tech/tokenmeter"
)

// DefaultPruneInterval is how often the processed-credit ledger is pruned.
const DefaultPruneInterval = time.Hour

// Pruner periodically forgets processed credit keys past the gate's retention.
type Pruner struct {
	gate     *tokenmeter.Gate
	interval time.Duration
	logger   *zap.Logger
}

// NewPruner creates a Pruner. A non-positive interval uses DefaultPruneInterval.
func NewPruner(gate *tokenmeter.Gate, interval time.Duration, logger *zap.Logger) *Pruner {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pruner{gate: gate, interval: interval, logger: logger}
}

// Run prunes once immediately and then on every tick until ctx is done.
// Prune failures are logged and retried on the next tick.
func (p *Pruner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.prune(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	n, err := p.gate.PruneProcessed(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("prune processed credits", zap.Error(err))
		}
		return
	}
	if n > 0 {
		p.logger.Info("pruned processed credits", zap.Int64("removed", n))
	}
}
