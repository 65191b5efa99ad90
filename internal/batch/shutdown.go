package batch

import (
	"errors"
	"sync/atomic"
)

// ErrShuttingDown marks an item that was skipped because the process is
// stopping. It is not an item failure: the job stays in progress and the
// recovery scanner picks it up on the next start.
var ErrShuttingDown = errors.New("shutdown in progress")

// ShutdownGate is the process-wide shutdown signal. It is checked at the
// start of each item attempt, never mid-flight.
type ShutdownGate struct {
	closed atomic.Bool
}

func NewShutdownGate() *ShutdownGate {
	return &ShutdownGate{}
}

func (g *ShutdownGate) Begin() {
	g.closed.Store(true)
}

func (g *ShutdownGate) InProgress() bool {
	return g.closed.Load()
}
