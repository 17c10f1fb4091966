package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper drops expired state and reports how many entries it removed.
type Sweeper interface {
	Sweep() int
}

// StartJanitor runs s.Sweep every interval until ctx is cancelled. The
// returned channel is closed once the loop has exited.
func StartJanitor(ctx context.Context, name string, s Sweeper, every time.Duration, logger *zap.Logger) <-chan struct{} {
	done := make(chan struct{})
	if s == nil || every <= 0 {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					logger.Debug("janitor sweep", zap.String("janitor", name), zap.Int("removed", n))
				}
			}
		}
	}()
	return done
}
