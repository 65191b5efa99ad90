package recovery

import (
	"context"
	"time"

	"github.com/lthibault/jitterbug/v2"
)

// RunPeriodic re-runs the scanner on a jittered interval until ctx is
// cancelled. The scan cooldown still applies, so a tight interval degrades
// to no-ops rather than scan storms.
func (s *Scanner) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := jitterbug.New(interval, &jitterbug.Norm{Stdev: 30 * time.Second, Mean: 0})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Run(ctx, false)
		}
	}
}
