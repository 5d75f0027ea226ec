package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNestedTx names the case of a context that already carries an open
// transaction. WithTx does not return it: a nested call runs inside the
// outer transaction instead of starting a second one.
var ErrNestedTx = errors.New("database: transaction already in progress on this context")

type txKey struct{}

// WithTx runs fn inside a transaction on db, committing on a nil return and
// rolling back otherwise. If ctx already carries a transaction started by an
// outer WithTx call, fn runs against that same transaction instead of opening
// a new one — the outer call owns the commit/rollback, so a re-entrant call
// never double-commits.
func WithTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx, tx)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true

	return nil
}
