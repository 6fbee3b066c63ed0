package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	Tx
	committed  bool
	rolledBack bool
	commitErr  error
}

func (f *fakeTx) Commit() error {
	if f.commitErr != nil {
		return f.commitErr
	}

	f.committed = true
	return nil
}

func (f *fakeTx) Rollback() error {
	if !f.committed {
		f.rolledBack = true
	}

	return nil
}

type fakeBackend struct {
	Backend
	tx *fakeTx
}

func (f *fakeBackend) Begin(context.Context) (Tx, error) {
	return f.tx, nil
}

func (f *fakeBackend) Options() Options {
	return ApplyOptions()
}

func Test_RunInTx_Commit(t *testing.T) {
	b := &fakeBackend{tx: &fakeTx{}}

	var order []string

	err := RunInTx(context.Background(), b, func(ctx context.Context, tx *Transaction) error {
		tx.BeforeCommit(func(ctx context.Context) error {
			order = append(order, "before")
			return nil
		})
		tx.OnCommit(func(ctx context.Context) {
			order = append(order, "commit")
		})
		tx.OnComplete(func(ctx context.Context, committed bool) {
			require.True(t, committed)
			order = append(order, "complete")
		})

		return nil
	})

	require.NoError(t, err)
	require.True(t, b.tx.committed)
	require.False(t, b.tx.rolledBack)
	require.Equal(t, []string{"before", "commit", "complete"}, order)
}

func Test_RunInTx_ErrorRollsBack(t *testing.T) {
	b := &fakeBackend{tx: &fakeTx{}}
	errFn := errors.New("boom")

	committedHook := false
	var completed *bool

	err := RunInTx(context.Background(), b, func(ctx context.Context, tx *Transaction) error {
		tx.OnCommit(func(ctx context.Context) {
			committedHook = true
		})
		tx.OnComplete(func(ctx context.Context, committed bool) {
			completed = &committed
		})

		return errFn
	})

	require.ErrorIs(t, err, errFn)
	require.True(t, b.tx.rolledBack)
	require.False(t, committedHook)
	require.NotNil(t, completed)
	require.False(t, *completed)
}

func Test_RunInTx_CommitError(t *testing.T) {
	errCommit := errors.New("serialization failure")
	b := &fakeBackend{tx: &fakeTx{commitErr: errCommit}}

	completed := false
	err := RunInTx(context.Background(), b, func(ctx context.Context, tx *Transaction) error {
		tx.OnComplete(func(ctx context.Context, committed bool) {
			completed = !committed
		})
		return nil
	})

	require.ErrorIs(t, err, errCommit)
	require.True(t, completed)
}

func Test_RunInTx_Panic(t *testing.T) {
	b := &fakeBackend{tx: &fakeTx{}}

	unlocked := false
	err := RunInTx(context.Background(), b, func(ctx context.Context, tx *Transaction) error {
		tx.OnComplete(func(ctx context.Context, committed bool) {
			unlocked = true
		})
		panic("boom")
	})

	require.ErrorContains(t, err, "panic in transaction: boom")
	require.True(t, b.tx.rolledBack)
	require.True(t, unlocked)
}
