package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/docstore/internal/lock"
	"pkt.systems/docstore/internal/storage"
	"pkt.systems/docstore/internal/uuidv7"
	"pkt.systems/pslog"
)

const (
	indexLockAttempts = 10
	indexLockBackoff  = 50 * time.Millisecond
)

type mutationState int

const (
	stateIdle mutationState = iota
	stateAcquiringLock
	stateMutating
	stateReleasing
	stateDone
)

var mutationStateNames = [...]string{"idle", "acquiring_lock", "mutating", "releasing", "done"}

func (s mutationState) String() string {
	if int(s) < len(mutationStateNames) {
		return mutationStateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// indexGuard walks one index operation through
// idle -> acquiring_lock -> mutating -> releasing -> done. Once the lock is
// held, releasing always runs, whatever the outcome of the mutation.
type indexGuard struct {
	srv    *Server
	tenant string
	holder string
	state  mutationState
	logger pslog.Logger
}

func (s *Server) newIndexGuard(ctx context.Context, tenant string) *indexGuard {
	holder := uuidv7.NewString()
	return &indexGuard{
		srv:    s,
		tenant: tenant,
		holder: holder,
		state:  stateIdle,
		logger: s.loggerFrom(ctx).With("holder", holder),
	}
}

func (g *indexGuard) transition(next mutationState) {
	g.logger.Trace("index.lock.state", "from", g.state.String(), "to", next.String())
	g.state = next
	if g.srv.onIndexState != nil {
		g.srv.onIndexState(g.tenant, next)
	}
}

func (g *indexGuard) acquire(ctx context.Context) error {
	g.transition(stateAcquiringLock)
	for attempt := 0; attempt < indexLockAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-g.srv.clock.After(indexLockBackoff * time.Duration(attempt)):
			}
		}
		res, err := g.srv.locks.Acquire(ctx, g.tenant, lock.IndexResource, g.holder, g.srv.lockTTL)
		if err != nil {
			return err
		}
		if res.Acquired {
			g.logger.Trace("index.lock.acquired", "attempt", attempt+1)
			return nil
		}
		g.srv.metrics.lockContended(ctx, g.tenant)
		g.logger.Trace("index.lock.contended", "attempt", attempt+1, "current_holder", res.CurrentHolder)
	}
	g.logger.Warn("index.lock.exhausted", "attempts", indexLockAttempts)
	return fmt.Errorf("could not acquire index lock: %w", storage.ErrLockContended)
}

func (g *indexGuard) release(ctx context.Context) {
	g.transition(stateReleasing)
	if err := g.srv.locks.Release(context.WithoutCancel(ctx), g.tenant, lock.IndexResource, g.holder); err != nil {
		g.logger.Warn("index.lock.release_failed", "error", err)
	}
}

// withIndexLock runs fn while holding the tenant's index lock.
func (s *Server) withIndexLock(ctx context.Context, tenant string, fn func(context.Context) error) error {
	g := s.newIndexGuard(ctx, tenant)
	if err := g.acquire(ctx); err != nil {
		g.transition(stateDone)
		return err
	}
	defer func() {
		g.release(ctx)
		g.transition(stateDone)
	}()
	g.transition(stateMutating)
	return fn(ctx)
}

// mutateIndex loads the tenant index under the index lock, applies fn and
// saves the result when fn reports a change. A missing index starts empty.
func (s *Server) mutateIndex(ctx context.Context, tenant string, fn func(*storage.SessionIndex) (bool, error)) error {
	return s.withIndexLock(ctx, tenant, func(ctx context.Context) error {
		index, err := s.store.LoadIndex(ctx, tenant)
		if errors.Is(err, storage.ErrNotFound) {
			index = storage.NewSessionIndex()
		} else if err != nil {
			return err
		}
		changed, err := fn(index)
		if err != nil || !changed {
			return err
		}
		return s.store.SaveIndex(ctx, tenant, index)
	})
}
