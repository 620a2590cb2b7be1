package port

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/tbui-lab/occprobe/internal/core/domain"
)

type RecordStore interface {
	// CreateRecord inserts the record with version 1 in its own committed
	// transaction at the given isolation level
	CreateRecord(ctx context.Context, id uuid.UUID, iso sql.IsolationLevel) error

	// ReadRecord returns the committed record; the read transaction is
	// always rolled back so no lock state survives the call
	ReadRecord(ctx context.Context, id uuid.UUID, iso sql.IsolationLevel) (*domain.Record, error)

	// DeleteRecord removes the record unconditionally and reports the
	// number of rows removed (0 or 1)
	DeleteRecord(ctx context.Context, id uuid.UUID, iso sql.IsolationLevel) (int64, error)

	// Begin opens a transaction the caller commits or rolls back; the
	// race coordinator holds it open across the rendezvous
	Begin(ctx context.Context, iso sql.IsolationLevel) (RecordTx, error)
}

// RecordTx is a single open transaction. It is owned by one writer and
// must not be shared across goroutines.
type RecordTx interface {
	// TryAdvance increments the version if it still matches expected,
	// returning the affected-row count (0 or 1). It never commits.
	TryAdvance(ctx context.Context, id uuid.UUID, expected int64) (int64, error)

	Commit() error
	Rollback() error
}
