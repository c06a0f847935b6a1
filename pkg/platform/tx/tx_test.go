package tx

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTxIgnoresNil(t *testing.T) {
	ctx := WithTx(context.Background(), nil)

	_, ok := From(ctx)
	assert.False(t, ok)
}

func TestWithTxRoundTrip(t *testing.T) {
	want := &sql.Tx{}
	ctx := WithTx(context.Background(), want)

	got, ok := From(ctx)
	require.True(t, ok)
	assert.Same(t, want, got)
}

func TestExecutorFallsBackToDB(t *testing.T) {
	db := &sql.DB{}

	assert.Equal(t, Execer(db), Executor(context.Background(), db))
}

func TestSQLRunnerJoinsOuterTransaction(t *testing.T) {
	outer := &sql.Tx{}
	ctx := WithTx(context.Background(), outer)
	runner := NewSQLRunner(nil)

	var seen *sql.Tx
	err := runner.RunInTx(ctx, func(txCtx context.Context) error {
		seen, _ = From(txCtx)
		return nil
	})

	require.NoError(t, err)
	assert.Same(t, outer, seen)
}

func TestNopRunnerPropagatesError(t *testing.T) {
	boom := errors.New("boom")

	err := NopRunner{}.RunInTx(context.Background(), func(context.Context) error { return boom })

	assert.ErrorIs(t, err, boom)
}
