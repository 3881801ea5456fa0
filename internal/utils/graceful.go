package utils

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
)

type shutdownStep struct {
	name string
	fn   func() error
}

// GracefulShutdown runs registered teardown steps in reverse registration
// order under a single deadline.
type GracefulShutdown struct {
	mu      sync.Mutex
	steps   []shutdownStep
	timeout time.Duration
	done    bool
	logger  *slog.Logger
}

// NewGracefulShutdown creates a shutdown manager with the given deadline.
func NewGracefulShutdown(timeout time.Duration, logger *slog.Logger) *GracefulShutdown {
	if logger == nil {
		logger = slog.Default()
	}
	return &GracefulShutdown{
		timeout: timeout,
		logger:  logger.With("component", "shutdown"),
	}
}

// Register adds a named teardown step. Steps registered later run first.
func (g *GracefulShutdown) Register(name string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.steps = append(g.steps, shutdownStep{name: name, fn: fn})
}

// Shutdown runs every step once, LIFO. Failed steps do not stop later ones;
// their errors are joined. If the deadline passes first, Shutdown returns a
// TIMEOUT error and the remaining steps keep running in the background.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		return nil
	}
	g.done = true
	steps := make([]shutdownStep, len(g.steps))
	copy(steps, g.steps)
	g.mu.Unlock()

	g.logger.Info("starting graceful shutdown", "components", len(steps))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		var errs []error
		for i := len(steps) - 1; i >= 0; i-- {
			step := steps[i]
			start := time.Now()
			if err := step.fn(); err != nil {
				g.logger.Error("shutdown step failed", "step", step.name, "error", err)
				errs = append(errs, err)
				continue
			}
			g.logger.Debug("shutdown step done", "step", step.name, "took", time.Since(start))
		}
		result <- errors.Join(errs...)
	}()

	select {
	case err := <-result:
		if err == nil {
			g.logger.Info("graceful shutdown complete")
		}
		return err
	case <-shutdownCtx.Done():
		g.logger.Warn("graceful shutdown timed out", "timeout", g.timeout)
		return common.WrapError(common.ErrCodeTimeout, "shutdown timeout", shutdownCtx.Err())
	}
}
