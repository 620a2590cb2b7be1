package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/tbui-lab/occprobe/internal/core/domain"
	"github.com/tbui-lab/occprobe/internal/port"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateKey = errors.New("duplicate key")
)

// mysqlDuplicateEntry is the server error number for a unique-key violation.
const mysqlDuplicateEntry = 1062

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// EnsureSchema creates the records table if it does not exist, so the
// probe can run against a bare database.
func (m *MySQLAdapter) EnsureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS records (
			id      CHAR(36) NOT NULL PRIMARY KEY,
			version BIGINT   NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) CreateRecord(ctx context.Context, id uuid.UUID, iso sql.IsolationLevel) error {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: iso})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO records (id, version) VALUES (?, 1)`, id.String())
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert record: %w", err)
	}

	return tx.Commit()
}

func (m *MySQLAdapter) ReadRecord(ctx context.Context, id uuid.UUID, iso sql.IsolationLevel) (*domain.Record, error) {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: iso, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	// the read transaction is never committed
	defer tx.Rollback()

	var rec domain.Record
	var rawID string
	err = tx.QueryRowContext(ctx, `SELECT id, version FROM records WHERE id = ?`, id.String()).
		Scan(&rawID, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query record: %w", err)
	}

	rec.ID, err = uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse record id: %w", err)
	}
	return &rec, nil
}

func (m *MySQLAdapter) DeleteRecord(ctx context.Context, id uuid.UUID, iso sql.IsolationLevel) (int64, error) {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: iso})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id.String())
	if err != nil {
		return 0, fmt.Errorf("delete record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return rows, tx.Commit()
}

func (m *MySQLAdapter) Begin(ctx context.Context, iso sql.IsolationLevel) (port.RecordTx, error) {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: iso})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &mysqlTx{tx: tx}, nil
}

type mysqlTx struct {
	tx *sql.Tx
}

func (t *mysqlTx) TryAdvance(ctx context.Context, id uuid.UUID, expected int64) (int64, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE records SET version = version + 1
		WHERE id = ? AND version = ?`,
		id.String(), expected,
	)
	if err != nil {
		return 0, fmt.Errorf("conditional update: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return rows, nil
}

func (t *mysqlTx) Commit() error {
	return t.tx.Commit()
}

func (t *mysqlTx) Rollback() error {
	return t.tx.Rollback()
}
