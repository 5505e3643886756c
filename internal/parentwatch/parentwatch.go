// Package parentwatch ends the process context when a supervising parent
// process exits. On Linux the kernel is also asked to deliver SIGTERM on
// parent death; every platform polls the parent's liveness as a fallback.
package parentwatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"pkt.systems/docstore/internal/clock"
	"pkt.systems/docstore/internal/loggingutil"
	"pkt.systems/pslog"
)

// DefaultPollInterval is how often the parent is probed.
const DefaultPollInterval = 2 * time.Second

// ErrParentExited is the cancellation cause once the parent is gone.
var ErrParentExited = errors.New("parent process exited")

// Config controls Watch.
type Config struct {
	PID          int32
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       pslog.Logger
	// Alive overrides the liveness probe; defaults to process.PidExistsWithContext.
	Alive func(ctx context.Context, pid int32) (bool, error)
	// SkipDeathSignal leaves PR_SET_PDEATHSIG unset, for callers that are
	// not the direct child of PID.
	SkipDeathSignal bool
}

// Watch returns a context that is cancelled with ErrParentExited when the
// parent disappears. It fails immediately when the parent is already gone.
func Watch(ctx context.Context, cfg Config) (context.Context, error) {
	if cfg.PID <= 0 {
		return nil, fmt.Errorf("parentwatch: invalid parent pid %d", cfg.PID)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Alive == nil {
		cfg.Alive = process.PidExistsWithContext
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "parentwatch").With("parent_pid", cfg.PID)

	alive, err := cfg.Alive(ctx, cfg.PID)
	if err != nil {
		return nil, fmt.Errorf("parentwatch: probe parent %d: %w", cfg.PID, err)
	}
	if !alive {
		logger.Info("parentwatch.parent_gone_at_start")
		return nil, ErrParentExited
	}
	if !cfg.SkipDeathSignal {
		if err := armDeathSignal(); err != nil {
			logger.Warn("parentwatch.death_signal.unavailable", "error", err)
		} else {
			logger.Debug("parentwatch.death_signal.armed")
		}
	}

	watched, cancel := context.WithCancelCause(ctx)
	go func() {
		for {
			select {
			case <-watched.Done():
				return
			case <-cfg.Clock.After(cfg.PollInterval):
			}
			alive, err := cfg.Alive(watched, cfg.PID)
			if err != nil {
				logger.Debug("parentwatch.probe.error", "error", err)
				continue
			}
			if !alive {
				logger.Info("parentwatch.parent_exited")
				cancel(ErrParentExited)
				return
			}
		}
	}()
	logger.Info("parentwatch.start", "interval", cfg.PollInterval)
	return watched, nil
}
