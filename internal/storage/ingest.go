package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xtxerr/livedata/internal/errors"
	"github.com/xtxerr/livedata/internal/storage/types"
)

// logArgs maps a record onto the insert column order.
func logArgs(rec types.LogRecord) []any {
	known, extra := types.Schema.Split(rec.Fields)

	args := make([]any, 0, len(types.Schema.Columns())+3)
	args = append(args, rec.Timestamp.UTC(), rec.MinuteKey())
	args = append(args, types.Schema.Values(&known)...)
	if raw := types.EncodeExtra(extra); raw != "" {
		args = append(args, raw)
	} else {
		args = append(args, nil)
	}
	return args
}

// AddRecord appends one log record in its own auto-committed statement.
func (e *Engine) AddRecord(ctx context.Context, rec types.LogRecord) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if _, err := e.exec(ctx, e.insertLogSQL, logArgs(rec)...); err != nil {
		return fmt.Errorf("insert log record: %w", err)
	}
	return nil
}

// =============================================================================
// Batch
// =============================================================================

// Batch is an explicit write transaction over log records.
// It holds the engine's write mutex until Commit or Rollback.
type Batch struct {
	e    *Engine
	ctx  context.Context
	tx   *sql.Tx
	stmt *sql.Stmt
	n    int
	done bool
}

// Begin starts a batch. It blocks while another write is in flight.
// The caller must finish the batch with Commit or Rollback.
func (e *Engine) Begin(ctx context.Context) (*Batch, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	e.writeMu.Lock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		e.writeMu.Unlock()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, e.insertLogSQL)
	if err != nil {
		tx.Rollback()
		e.writeMu.Unlock()
		return nil, fmt.Errorf("prepare insert: %w", err)
	}

	e.trace.statement("BEGIN TRANSACTION", nil)
	return &Batch{e: e, ctx: ctx, tx: tx, stmt: stmt}, nil
}

// AddRecord appends a record to the batch.
func (b *Batch) AddRecord(rec types.LogRecord) error {
	if b.done {
		return errors.ErrTransactionDone
	}

	args := logArgs(rec)
	b.e.trace.statement(b.e.insertLogSQL, args)
	if _, err := b.stmt.ExecContext(b.ctx, args...); err != nil {
		return fmt.Errorf("insert log record: %w", err)
	}
	b.n++
	return nil
}

// Len returns the number of records added so far.
func (b *Batch) Len() int {
	return b.n
}

// Commit makes every record in the batch durable.
func (b *Batch) Commit() error {
	if b.done {
		return errors.ErrTransactionDone
	}
	defer b.finish()

	b.stmt.Close()
	b.e.trace.statement("COMMIT", nil)
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Rollback discards every record in the batch.
// Rolling back a finished batch is a no-op.
func (b *Batch) Rollback() error {
	if b.done {
		return nil
	}
	defer b.finish()

	b.stmt.Close()
	b.e.trace.statement("ROLLBACK", nil)
	if err := b.tx.Rollback(); err != nil {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

func (b *Batch) finish() {
	b.done = true
	b.e.writeMu.Unlock()
}

// WithTransaction runs fn inside a batch. Any error or panic from fn rolls
// back every record it added.
func (e *Engine) WithTransaction(ctx context.Context, fn func(*Batch) error) error {
	b, err := e.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			b.Rollback()
			panic(p)
		}
	}()

	if err := fn(b); err != nil {
		if rbErr := b.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	return b.Commit()
}
