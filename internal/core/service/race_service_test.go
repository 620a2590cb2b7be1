package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbui-lab/occprobe/internal/core/domain"
	"github.com/tbui-lab/occprobe/internal/port"
)

var errNoSuchRecord = errors.New("no such record")

// fakeStore is an in-memory record store that emulates row locking: a
// transaction whose conditional update touched the row holds its lock
// until commit or rollback, and a peer's update blocks on it. That is the
// behavior the coordinator has to stay live against.
type fakeStore struct {
	mu       sync.Mutex
	versions map[uuid.UUID]int64
	rowLock  chan struct{} // token; held by the tx that updated the row

	beginCalls  int
	failBeginAt int           // fail the nth Begin (1-based), 0 disables
	advanceErrs map[int]error // fail the nth TryAdvance (1-based)
	advanceCall int
}

func newFakeStore(key uuid.UUID, version int64) *fakeStore {
	s := &fakeStore{
		versions:    map[uuid.UUID]int64{key: version},
		rowLock:     make(chan struct{}, 1),
		advanceErrs: map[int]error{},
	}
	s.rowLock <- struct{}{}
	return s
}

func (s *fakeStore) CreateRecord(ctx context.Context, id uuid.UUID, iso sql.IsolationLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[id] = 1
	return nil
}

func (s *fakeStore) ReadRecord(ctx context.Context, id uuid.UUID, iso sql.IsolationLevel) (*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, errNoSuchRecord
	}
	return &domain.Record{ID: id, Version: v}, nil
}

func (s *fakeStore) DeleteRecord(ctx context.Context, id uuid.UUID, iso sql.IsolationLevel) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[id]; !ok {
		return 0, nil
	}
	delete(s.versions, id)
	return 1, nil
}

func (s *fakeStore) Begin(ctx context.Context, iso sql.IsolationLevel) (port.RecordTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.beginCalls++
	n := s.beginCalls
	s.mu.Unlock()
	if s.failBeginAt != 0 && n >= s.failBeginAt {
		return nil, errors.New("begin failed")
	}
	return &fakeTx{store: s}, nil
}

type fakeTx struct {
	store   *fakeStore
	holding bool
	applied bool
	key     uuid.UUID
	done    bool
}

func (t *fakeTx) TryAdvance(ctx context.Context, id uuid.UUID, expected int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.store.mu.Lock()
	t.store.advanceCall++
	if err := t.store.advanceErrs[t.store.advanceCall]; err != nil {
		t.store.mu.Unlock()
		return 0, err
	}
	t.store.mu.Unlock()

	select {
	case <-t.store.rowLock:
		t.holding = true
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.key = id
	if t.store.versions[id] == expected {
		t.store.versions[id] = expected + 1
		t.applied = true
		return 1, nil
	}
	return 0, nil
}

func (t *fakeTx) Commit() error {
	return t.finish(true)
}

func (t *fakeTx) Rollback() error {
	return t.finish(false)
}

func (t *fakeTx) finish(commit bool) error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	t.store.mu.Lock()
	if t.applied && !commit {
		t.store.versions[t.key]--
	}
	t.store.mu.Unlock()
	if t.holding {
		t.store.rowLock <- struct{}{}
	}
	return nil
}

func TestRunScenario_ExactlyOneConflict(t *testing.T) {
	key := uuid.New()
	store := newFakeStore(key, 1)
	svc := NewRaceService(store, nil, RaceConfig{Hold: 20 * time.Millisecond})

	result, err := svc.RunScenario(context.Background(), key, 1)
	require.NoError(t, err)

	conflicts := 0
	oks := 0
	for _, w := range result.Writers {
		switch {
		case IsConflict(w.Err):
			conflicts++
			assert.NotEqual(t, w.FirstCount, w.SecondCount)
		case w.Err == nil:
			oks++
			assert.Equal(t, w.FirstCount, w.SecondCount)
		default:
			t.Fatalf("writer %s failed: %v", w.Writer, w.Err)
		}
	}

	assert.Equal(t, 1, conflicts, "exactly one writer must detect the conflict")
	assert.Equal(t, 1, oks)
	assert.Equal(t, int64(2), result.FinalVersion, "version must advance exactly once for the pair")
}

func TestRunScenario_RollbackBeforeHold(t *testing.T) {
	key := uuid.New()
	store := newFakeStore(key, 5)
	svc := NewRaceService(store, nil, RaceConfig{
		Hold:               10 * time.Millisecond,
		RollbackBeforeHold: true,
	})

	result, err := svc.RunScenario(context.Background(), key, 5)
	require.NoError(t, err)

	conflicts := result.Conflicts(IsConflict)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, int64(6), result.FinalVersion)
}

func TestRunScenario_WriterErrorDoesNotCancelPeer(t *testing.T) {
	key := uuid.New()
	store := newFakeStore(key, 1)
	scripted := errors.New("statement failed")
	store.advanceErrs[1] = scripted

	svc := NewRaceService(store, nil, RaceConfig{Hold: 10 * time.Millisecond})

	result, err := svc.RunScenario(context.Background(), key, 1)
	require.NoError(t, err)

	var failed, clean int
	for _, w := range result.Writers {
		if w.Err != nil {
			assert.ErrorIs(t, w.Err, scripted)
			failed++
		} else {
			assert.Equal(t, int64(1), w.FirstCount)
			assert.Equal(t, int64(1), w.SecondCount)
			clean++
		}
	}
	assert.Equal(t, 1, failed, "the failing writer's error must be reported")
	assert.Equal(t, 1, clean, "the peer must run to completion")
	assert.Equal(t, int64(2), result.FinalVersion)
}

func TestRunScenario_BothOutcomesReportedOnBeginFailure(t *testing.T) {
	key := uuid.New()
	store := newFakeStore(key, 1)
	store.failBeginAt = 3 // both first transactions open, both seconds fail

	svc := NewRaceService(store, nil, RaceConfig{Hold: 10 * time.Millisecond})

	result, err := svc.RunScenario(context.Background(), key, 1)
	require.NoError(t, err)

	for _, w := range result.Writers {
		assert.Error(t, w.Err, "writer %s", w.Writer)
		assert.False(t, IsConflict(w.Err))
	}
	assert.Equal(t, int64(1), result.FinalVersion, "no second attempt committed")
}

func TestRunScenario_DeadlineRollsBackAndSurfacesTimeout(t *testing.T) {
	key := uuid.New()
	store := newFakeStore(key, 1)

	svc := NewRaceService(store, nil, RaceConfig{Hold: 10 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	type scenarioRun struct {
		result *domain.ScenarioResult
		err    error
	}
	done := make(chan scenarioRun, 1)
	go func() {
		result, err := svc.RunScenario(ctx, key, 1)
		done <- scenarioRun{result: result, err: err}
	}()

	select {
	case run := <-done:
		require.NotNil(t, run.result)
		timedOut := 0
		for _, w := range run.result.Writers {
			if errors.Is(w.Err, context.DeadlineExceeded) {
				timedOut++
			}
		}
		assert.GreaterOrEqual(t, timedOut, 1, "expiry must surface as a deadline error, not a hang")
	case <-time.After(2 * time.Second):
		t.Fatal("scenario did not return after context expiry")
	}

	// no writer committed, so the version is untouched
	rec, err := store.ReadRecord(context.Background(), key, sql.LevelDefault)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
}

func TestRunScenario_RunLease(t *testing.T) {
	key := uuid.New()
	store := newFakeStore(key, 1)

	lock := &fakeLocker{}
	svc := NewRaceService(store, lock, RaceConfig{Hold: 10 * time.Millisecond})

	_, err := svc.RunScenario(context.Background(), key, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, lock.releases, "lease must be released after the run")

	lock.held = true
	_, err = svc.RunScenario(context.Background(), key, 1)
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestCheckConsistency(t *testing.T) {
	assert.NoError(t, checkConsistency(1, 1))
	assert.NoError(t, checkConsistency(0, 0))
	assert.ErrorIs(t, checkConsistency(1, 0), ErrConcurrentUpdate)
	assert.ErrorIs(t, checkConsistency(0, 1), ErrConcurrentUpdate)
}

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	releases int
}

func (l *fakeLocker) Acquire(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *fakeLocker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.releases++
	return nil
}
