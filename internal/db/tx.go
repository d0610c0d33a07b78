package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"courier/internal/types"
)

// TxManager provides the scoped-transaction contract: acquire a
// transactional context, execute writes, commit on normal completion, roll
// back and propagate the error on any failure, release the context on
// every exit path.
type TxManager struct {
	pool *pgxpool.Pool
}

// NewTxManager creates a TxManager over the given connection pool.
func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

// RunInTx executes fn inside a transaction. The DBTX passed to fn is the
// transaction itself, so repositories constructed over it write atomically.
func (m *TxManager) RunInTx(ctx context.Context, fn func(ctx context.Context, tx DBTX) error) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	// Rollback after commit is a no-op; this covers every early return
	// and panic path.
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit transaction", err)
	}
	return nil
}
