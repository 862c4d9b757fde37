package assistant

import (
	"context"
	"time"

	"github.com/lexhq/legal-ai-platform/pkg/logging"
)

// Reaper periodically expires conversations that sat idle past the
// inactivity window. It runs inside the API binary; multiple instances may
// run concurrently since every expiry is a conditional row update.
type Reaper struct {
	engine   *Engine
	logger   *logging.Logger
	interval time.Duration
}

func NewReaper(engine *Engine, interval time.Duration, logger *logging.Logger) *Reaper {
	if engine == nil {
		panic("assistant: engine is required")
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Reaper{engine: engine, logger: logger, interval: interval}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	count, err := r.engine.ExpireStaleConversations(ctx, time.Now().UTC())
	if err != nil {
		r.logger.Error("reaper sweep failed", "error", err, "expired", count)
	}
}
