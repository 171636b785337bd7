package storage

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandoffWhere(t *testing.T) {
	t.Run("empty filter adds nothing", func(t *testing.T) {
		where, args := handoffWhere(HandoffFilter{}, 1)
		assert.Empty(t, where)
		assert.Empty(t, args)
	})

	t.Run("placeholders follow offset", func(t *testing.T) {
		where, args := handoffWhere(HandoffFilter{SessionID: "s", AgentType: "frontend", ProjectID: "p"}, 3)
		assert.Equal(t, " AND session_id = $3 AND agent_type = $4 AND project_id = $5", where)
		assert.Equal(t, []any{"s", "frontend", "p"}, args)
	})

	t.Run("skipped fields do not consume placeholders", func(t *testing.T) {
		where, args := handoffWhere(HandoffFilter{ProjectID: "p"}, 1)
		assert.Equal(t, " AND project_id = $1", where)
		assert.Equal(t, []any{"p"}, args)
	})
}

func TestMigrationFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"002_more.sql":    {Data: []byte("SELECT 2")},
		"001_initial.sql": {Data: []byte("SELECT 1")},
		"embed.go":        {Data: []byte("package migrations")},
		"nested/003.sql":  {Data: []byte("SELECT 3")},
	}
	names, err := migrationFiles(fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_initial.sql", "002_more.sql"}, names)
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, isRetriable(&pgconn.PgError{Code: "40001"}))
	assert.True(t, isRetriable(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, isRetriable(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isRetriable(errors.New("boom")))
	assert.False(t, isRetriable(ErrAlreadySuperseded))
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("retries serialization failures", func(t *testing.T) {
		calls := 0
		err := WithRetry(ctx, 3, time.Millisecond, func() error {
			calls++
			if calls < 3 {
				return &pgconn.PgError{Code: "40001"}
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := WithRetry(ctx, 2, time.Millisecond, func() error {
			calls++
			return &pgconn.PgError{Code: "40P01"}
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry other errors", func(t *testing.T) {
		calls := 0
		err := WithRetry(ctx, 3, time.Millisecond, func() error {
			calls++
			return ErrNotFound
		})
		require.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, 1, calls)
	})
}
