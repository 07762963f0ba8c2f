package cycle

import (
	"context"
	"errors"
	"sync"
)

// ErrCycleInProgress indicates another cycle holds the run token.
var ErrCycleInProgress = errors.New("cycle: another cycle is in progress")

// Guard hands out a single run token so overlapping cycles cannot interleave.
// Acquire returns a release function or ErrCycleInProgress.
type Guard interface {
	Acquire(ctx context.Context, runID string) (release func(), err error)
}

// LocalGuard serializes cycles within one process.
type LocalGuard struct {
	mu      sync.Mutex
	running bool
}

// NewLocalGuard constructs an in-process guard.
func NewLocalGuard() *LocalGuard {
	return &LocalGuard{}
}

// Acquire takes the run token without blocking.
func (g *LocalGuard) Acquire(_ context.Context, _ string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return nil, ErrCycleInProgress
	}
	g.running = true
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.running = false
			g.mu.Unlock()
		})
	}, nil
}
