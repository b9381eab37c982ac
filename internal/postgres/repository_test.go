package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/bluesky-reader/internal/domain"
	"github.com/blackmichael/bluesky-reader/internal/feedcache"
)

var (
	_ feedcache.Store  = (*Repository)(nil)
	_ feedcache.Pruner = (*Repository)(nil)
)

func newMock(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Repository{db: db}, mock
}

func TestRepository_Migrate(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS feed_cache").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Put(t *testing.T) {
	repo, mock := newMock(t)
	stamp := time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO feed_cache").
		WithArgs("timeline:{}", stamp, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Put(context.Background(), feedcache.Entry{Key: "timeline:{}", Timestamp: stamp, Cursor: "c"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Get(t *testing.T) {
	repo, mock := newMock(t)
	stamp := time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC)

	p := domain.EmptyPost()
	p.URI = "at://x/app.bsky.feed.post/1"
	body, err := feedcache.EncodePayload(feedcache.Entry{Key: "k", Posts: []domain.Post{p}, Cursor: "next"})
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT stored_at, payload FROM feed_cache WHERE key = $1`)).
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"stored_at", "payload"}).AddRow(stamp, body))

	entry, ok, err := repo.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stamp, entry.Timestamp)
	assert.Equal(t, "next", entry.Cursor)
	require.Len(t, entry.Posts, 1)
	assert.Equal(t, p.URI, entry.Posts[0].URI)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_GetMissing(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectQuery("SELECT stored_at, payload FROM feed_cache").
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"stored_at", "payload"}))

	_, ok, err := repo.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRepository_GetError(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectQuery("SELECT stored_at, payload FROM feed_cache").
		WithArgs("k").
		WillReturnError(errors.New("connection reset"))

	_, _, err := repo.Get(context.Background(), "k")
	assert.ErrorContains(t, err, "connection reset")
}

func TestRepository_KeysAndDelete(t *testing.T) {
	repo, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT key FROM feed_cache").
		WillReturnRows(sqlmock.NewRows([]string{"key"}).AddRow("a").AddRow("b"))
	mock.ExpectExec("DELETE FROM feed_cache WHERE key").
		WithArgs("a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	keys, err := repo.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
	require.NoError(t, repo.Delete(ctx, "a"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_DeleteBefore(t *testing.T) {
	repo, mock := newMock(t)
	before := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("DELETE FROM feed_cache WHERE stored_at").
		WithArgs(before).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.DeleteBefore(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
