package recovery

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const minStartupTimeout = time.Second

// RunOnStartup runs one recovery scan bounded by timeout. It is fail-open:
// a timed-out or failed scan is logged and the host application starts
// serving regardless.
func RunOnStartup(ctx context.Context, scanner *Scanner, timeout time.Duration, force bool) {
	logger := zap.S().Named("recovery")

	if timeout < minStartupTimeout {
		timeout = minStartupTimeout
	}

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		done <- scanner.Run(scanCtx, force)
	}()

	select {
	case ran := <-done:
		if ran {
			logger.Info("startup recovery scan completed")
		} else {
			logger.Warn("startup recovery scan did not run, continuing startup")
		}
	case <-scanCtx.Done():
		logger.Warnw("startup recovery timed out, continuing startup", "timeout", timeout)
	}
}
