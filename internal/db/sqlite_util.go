package db

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

type QueryRunner interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

func TxRunner[T any](ctx context.Context, db *sql.DB, fn func(*sql.Tx) (T, error)) (result T, err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				zap.L().Error("failed to rollback transaction", zap.Error(rbErr))
			}
		} else {
			if cmErr := tx.Commit(); cmErr != nil {
				zap.L().Error("failed to commit transaction", zap.Error(cmErr))
				err = fmt.Errorf("failed to commit transaction: %w", cmErr)
			}
		}
	}()

	// Execute the user-defined function
	result, err = fn(tx)
	if err != nil {
		return result, fmt.Errorf("failed to execute transaction: %w", err)
	}

	// Check if context was canceled after fn completed
	if ctx.Err() != nil {
		// This ensures we don't commit if the context is already canceled
		err = ctx.Err()
		return result, fmt.Errorf("context canceled before commit: %w", err)
	}

	return result, nil
}
