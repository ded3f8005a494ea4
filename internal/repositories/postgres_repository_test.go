package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"chat-core/internal/db"
)

func setupPostgres(t *testing.T) *sqlx.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("chat_test"),
		postgres.WithUsername("chat"),
		postgres.WithPassword("chat"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	database, err := db.Connect(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestPostgresRepositories(t *testing.T) {
	database := setupPostgres(t)
	ctx := context.Background()
	messages := NewMessageRepo(database)
	users := NewUserRepo(database)

	t.Run("append keeps insertion order", func(t *testing.T) {
		first, err := messages.Append(ctx, 42, 1, "one")
		require.NoError(t, err)
		second, err := messages.Append(ctx, 42, 2, "two")
		require.NoError(t, err)
		_, err = messages.Append(ctx, 43, 1, "elsewhere")
		require.NoError(t, err)

		assert.Greater(t, second.ID, first.ID)
		assert.Equal(t, 42, second.ChatID)
		assert.False(t, second.CreatedAt.Before(first.CreatedAt))

		msgs, err := messages.ListByRoom(ctx, 42)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "one", msgs[0].Content)
		assert.Equal(t, "two", msgs[1].Content)
		assert.Equal(t, 2, msgs[1].UserID)
	})

	t.Run("created_at never goes backwards within a chat", func(t *testing.T) {
		future := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
		_, err := database.ExecContext(ctx,
			`INSERT INTO messages (chat_id, user_id, content, created_at) VALUES ($1, $2, $3, $4)`,
			50, 1, "from a fast clock", future)
		require.NoError(t, err)

		msg, err := messages.Append(ctx, 50, 2, "after")
		require.NoError(t, err)
		assert.False(t, msg.CreatedAt.Before(future))

		other, err := messages.Append(ctx, 51, 2, "unaffected")
		require.NoError(t, err)
		assert.True(t, other.CreatedAt.Before(future))
	})

	t.Run("equal timestamps are ordered by id", func(t *testing.T) {
		at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		for _, content := range []string{"a", "b", "c"} {
			_, err := database.ExecContext(ctx,
				`INSERT INTO messages (chat_id, user_id, content, created_at) VALUES ($1, $2, $3, $4)`,
				60, 1, content, at)
			require.NoError(t, err)
		}

		msgs, err := messages.ListByRoom(ctx, 60)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		for i, want := range []string{"a", "b", "c"} {
			assert.Equal(t, want, msgs[i].Content)
		}
		assert.Less(t, msgs[0].ID, msgs[1].ID)
		assert.Less(t, msgs[1].ID, msgs[2].ID)
	})

	t.Run("empty chat lists nothing", func(t *testing.T) {
		msgs, err := messages.ListByRoom(ctx, 1000)
		require.NoError(t, err)
		assert.NotNil(t, msgs)
		assert.Empty(t, msgs)
	})

	t.Run("user lookup", func(t *testing.T) {
		_, err := database.ExecContext(ctx, `INSERT INTO users (id, username) VALUES ($1, $2)`, 7, "alice")
		require.NoError(t, err)

		user, err := users.Lookup(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, 7, user.ID)
		assert.Equal(t, "alice", user.Username)

		_, err = users.Lookup(ctx, 404)
		assert.ErrorIs(t, err, ErrUserNotFound)
	})
}
