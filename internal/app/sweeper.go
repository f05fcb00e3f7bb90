package app

import (
	"context"
	"time"

	"github.com/vidfriends/accessgate/internal/access"
	"github.com/vidfriends/accessgate/internal/logging"
)

type sweeper interface {
	Sweep(ctx context.Context) (access.SweepReport, error)
}

// runSweeper calls Sweep every interval until ctx is done. A non-positive
// interval disables it.
func runSweeper(ctx context.Context, s sweeper, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				logging.FromContext(ctx).Error("periodic sweep failed", "error", err)
			}
		}
	}
}
