package backend

import (
	"context"
	"fmt"
)

// Transaction wraps a backend transaction with hooks. Hooks registered with
// BeforeCommit run inside the transaction, OnCommit hooks run after a
// successful commit and OnComplete hooks run after the transaction ended
// either way.
type Transaction struct {
	Tx

	beforeCommit []func(ctx context.Context) error
	afterCommit  []func(ctx context.Context)
	complete     []func(ctx context.Context, committed bool)
}

func (t *Transaction) BeforeCommit(fn func(ctx context.Context) error) {
	t.beforeCommit = append(t.beforeCommit, fn)
}

func (t *Transaction) OnCommit(fn func(ctx context.Context)) {
	t.afterCommit = append(t.afterCommit, fn)
}

func (t *Transaction) OnComplete(fn func(ctx context.Context, committed bool)) {
	t.complete = append(t.complete, fn)
}

// RunInTx runs fn in a new transaction and commits it if fn succeeds. A
// panic inside fn rolls the transaction back and is returned as error.
func RunInTx(ctx context.Context, b Backend, fn func(ctx context.Context, tx *Transaction) error) (err error) {
	btx, err := b.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}

	tx := &Transaction{Tx: btx}
	committed := false

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in transaction: %v", r)
		}

		if !committed {
			if rerr := tx.Rollback(); rerr != nil {
				b.Options().Logger.ErrorContext(ctx, "rolling back transaction", "error", rerr)
			}
		}

		// Completion hooks run in reverse registration order, like defers
		for i := len(tx.complete) - 1; i >= 0; i-- {
			tx.complete[i](ctx, committed)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	for _, hook := range tx.beforeCommit {
		if err := hook(ctx); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	committed = true

	for _, hook := range tx.afterCommit {
		hook(ctx)
	}

	return nil
}
