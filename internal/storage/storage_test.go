package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/care-sync/internal/models"
)

func sampleEntries() []models.CacheEntry {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return []models.CacheEntry{
		{Request: models.Request{ID: "b2", Status: models.StatusSearching, AilmentCategory: "Cough"}, UpdatedAt: now},
		{Request: models.Request{ID: "a1", Status: models.StatusAccepted, AilmentCategory: "Flu"}, AcceptedAt: now.UnixMilli(), UpdatedAt: now},
	}
}

func TestMemoryStoreIsolatesUsers(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.Save(ctx, "u1", sampleEntries()))

	got, err := m.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	other, err := m.Load(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f, err := NewFileStore(dir)
	require.NoError(t, err)

	empty, err := f.Load(ctx, "pat/1")
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, f.Save(ctx, "pat/1", sampleEntries()))
	got, err := f.Load(ctx, "pat/1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].Request.ID)
	assert.Equal(t, sampleEntries()[1].AcceptedAt, got[0].AcceptedAt)

	// The document is a JSON map keyed by request id.
	raw, err := os.ReadFile(filepath.Join(dir, "requests_pat_1.json"))
	require.NoError(t, err)
	var byID map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &byID))
	assert.Contains(t, byID, "a1")
	assert.Contains(t, byID, "b2")

	require.NoError(t, f.Save(ctx, "pat/1", sampleEntries()[:1]))
	got, err = f.Load(ctx, "pat/1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFileStoreCorruptDocument(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "requests_u1.json"), []byte("{nope"), 0o644))
	_, err = f.Load(context.Background(), "u1")
	assert.Error(t, err)
}

type fakeHash struct {
	data    map[string]map[string]string
	failSet bool
}

func (f *fakeHash) HGetAll(_ context.Context, key string) (map[string]string, error) {
	return f.data[key], nil
}

func (f *fakeHash) Replace(_ context.Context, key string, fields map[string]interface{}) error {
	if f.failSet {
		return errors.New("redis down")
	}
	m := make(map[string]string, len(fields))
	for k, v := range fields {
		m[k] = v.(string)
	}
	f.data[key] = m
	return nil
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	fh := &fakeHash{data: map[string]map[string]string{}}
	r := NewRedisStoreWithClient(fh)

	require.NoError(t, r.Save(ctx, "prov1", sampleEntries()))
	assert.Len(t, fh.data["request-cache:prov1"], 2)

	got, err := r.Load(ctx, "prov1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].Request.ID)
	assert.Equal(t, models.StatusAccepted, got[0].Request.Status)

	fh.failSet = true
	assert.Error(t, r.Save(ctx, "prov1", nil))
}

func TestPostgresStoreSaveReplacesUserRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	p := NewPostgresStoreWithDB(db)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM request_cache").WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO request_cache").
		WithArgs("u1", "a1", "accepted", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO request_cache").
		WithArgs("u1", "b2", "searching", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, p.Save(context.Background(), "u1", sampleEntries()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreSaveRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	p := NewPostgresStoreWithDB(db)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM request_cache").WithArgs("u1").WillReturnError(errors.New("conn reset"))
	mock.ExpectRollback()

	assert.Error(t, p.Save(context.Background(), "u1", sampleEntries()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreLoad(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	p := NewPostgresStoreWithDB(db)

	b, err := json.Marshal(sampleEntries()[1])
	require.NoError(t, err)
	mock.ExpectQuery("SELECT entry FROM request_cache").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"entry"}).AddRow(b))

	got, err := p.Load(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].Request.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	p := NewPostgresStoreWithDB(db)

	path := filepath.Join(t.TempDir(), "001.sql")
	require.NoError(t, os.WriteFile(path, []byte("CREATE TABLE IF NOT EXISTS request_cache (user_id TEXT)"), 0o644))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS request_cache").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.Migrate(context.Background(), path))
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Error(t, p.Migrate(context.Background(), filepath.Join(t.TempDir(), "missing.sql")))
}
