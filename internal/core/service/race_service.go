package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tbui-lab/occprobe/internal/core/domain"
	"github.com/tbui-lab/occprobe/internal/port"
)

var (
	// ErrConcurrentUpdate is the distinguished conflict outcome: the two
	// conditional updates of one writer disagreed, so a peer advanced the
	// version in between.
	ErrConcurrentUpdate = errors.New("concurrent update detected")

	ErrRunInProgress = errors.New("a probe run already holds this key")
)

type RaceConfig struct {
	Isolation sql.IsolationLevel

	// Hold is how long a writer keeps its first transaction open at the
	// rendezvous, simulating a long-running transaction.
	Hold time.Duration

	// RollbackBeforeHold rolls the first transaction back as soon as both
	// writers have arrived and spends the hold window outside any
	// transaction. What the peer's in-flight update observes then differs
	// by isolation level.
	RollbackBeforeHold bool
}

// RaceService drives two writers through the forced interleaving and
// classifies each writer's outcome.
type RaceService struct {
	store port.RecordStore
	lock  port.RunLocker // optional
	cfg   RaceConfig
}

func NewRaceService(store port.RecordStore, lock port.RunLocker, cfg RaceConfig) *RaceService {
	return &RaceService{store: store, lock: lock, cfg: cfg}
}

// RunScenario races writers "a" and "b" on the same (key, expected
// version) pair. Both writers' outcomes are always reported; a writer's
// conflict or failure never cancels its peer. The returned result carries
// the final committed version from a closing read.
func (s *RaceService) RunScenario(ctx context.Context, key uuid.UUID, expected int64) (*domain.ScenarioResult, error) {
	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx, key.String())
		if err != nil {
			return nil, fmt.Errorf("acquire run lease: %w", err)
		}
		if !ok {
			return nil, ErrRunInProgress
		}
		defer func() {
			// release even when ctx already expired
			_ = s.lock.Release(context.Background(), key.String())
		}()
	}

	rv := NewRendezvous(s.cfg.Hold)
	var result domain.ScenarioResult

	var wg sync.WaitGroup
	for i, name := range []string{"a", "b"} {
		wg.Add(1)
		go func(slot int, writer string) {
			defer wg.Done()
			result.Writers[slot] = s.runWriter(ctx, writer, rv, key, expected)
		}(i, name)
	}
	wg.Wait()

	final, err := s.store.ReadRecord(ctx, key, s.cfg.Isolation)
	if err != nil {
		return &result, fmt.Errorf("final read: %w", err)
	}
	result.FinalVersion = final.Version

	return &result, nil
}

// runWriter is the per-writer protocol: conditional update inside a held
// transaction, rendezvous with the peer, roll back, then a second attempt
// in a fresh transaction that commits only if it matched the first.
func (s *RaceService) runWriter(ctx context.Context, name string, rv *Rendezvous, key uuid.UUID, expected int64) domain.WriterOutcome {
	out := domain.WriterOutcome{Writer: name}

	tx1, err := s.store.Begin(ctx, s.cfg.Isolation)
	if err != nil {
		out.Err = err
		return out
	}

	out.FirstCount, err = tx1.TryAdvance(ctx, key, expected)
	if err != nil {
		tx1.Rollback()
		rv.Arrive() // do not strand the peer
		rv.Wake()
		out.Err = err
		return out
	}

	if s.cfg.RollbackBeforeHold {
		rv.Arrive()
		tx1.Rollback()
		rv.Wake()
		select {
		case <-time.After(s.cfg.Hold):
		case <-ctx.Done():
			out.Err = fmt.Errorf("hold window: %w", ctx.Err())
			return out
		}
	} else {
		waitErr := rv.Await(ctx)
		tx1.Rollback()
		rv.Wake()
		if waitErr != nil {
			out.Err = waitErr
			return out
		}
	}

	tx2, err := s.store.Begin(ctx, s.cfg.Isolation)
	if err != nil {
		out.Err = err
		return out
	}

	out.SecondCount, err = tx2.TryAdvance(ctx, key, expected)
	if err != nil {
		tx2.Rollback()
		out.Err = err
		return out
	}

	if err := checkConsistency(out.FirstCount, out.SecondCount); err != nil {
		// the second attempt saw a different world than the first; keep
		// nothing from this writer
		tx2.Rollback()
		out.Err = err
		return out
	}

	if err := tx2.Commit(); err != nil {
		out.Err = fmt.Errorf("commit second attempt: %w", err)
	}
	return out
}

// checkConsistency is the conflict detector: a writer whose two attempts
// affected different row counts lost the race to its peer.
func checkConsistency(first, second int64) error {
	if first == second {
		return nil
	}
	return ErrConcurrentUpdate
}

// IsConflict reports whether err is the distinguished OCC conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrentUpdate)
}
