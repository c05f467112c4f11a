package sqldb

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetrove/trove/pkg/core"
	"github.com/spacetrove/trove/pkg/model"
	"github.com/spacetrove/trove/pkg/storage"
)

func newMockAdapter(t *testing.T) (*Adapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Adapter{
		db:    db,
		blobs: &dbBlobStore{db: db},
		now:   time.Now,
	}, mock
}

func TestLoadDatabaseFailure(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	mock.ExpectQuery("SELECT document FROM entries").
		WillReturnError(errors.New("connection reset"))

	_, err := adapter.Load(context.Background(), "data", "articles", "a1", model.ResourceTypeContent)
	require.Error(t, err)
	assert.False(t, core.IsCode(err, core.CodeObjectNotFound))
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRollsBackOnHistoryFailure(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	entry := newContent("a1", "alice", true, model.JSON{"title": "old"})
	next := newContent("a1", "alice", true, model.JSON{"title": "new"})
	old, err := storage.FlattenResource(entry)
	require.NoError(t, err)
	newFlat, err := storage.FlattenResource(next)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO histories").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = adapter.Update(context.Background(), storage.UpdateInput{
		Space: "data", Subpath: "articles", Resource: next,
		Old: old, New: newFlat, Caller: "alice",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryDatabaseFailure(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	mock.ExpectQuery("SELECT subpath, document, resource_type").
		WillReturnError(errors.New("relation missing"))

	_, err := adapter.Query(context.Background(), storage.Query{
		Type: storage.QuerySubpath, Space: "data", Subpath: "articles",
	}, storage.AccessFilter{Unrestricted: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relation missing")
	assert.NoError(t, mock.ExpectationsWereMet())
}
