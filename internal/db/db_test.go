package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDB(t *testing.T) {
	path := t.TempDir() + "/test.db"
	database, err := New(path)
	if err != nil {
		t.Fatalf("failed to create db: %v", err)
	}
	defer database.Close()

	// Verify WAL mode is enabled
	var journalMode string
	err = database.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	if err != nil {
		t.Fatalf("failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected journal_mode=wal, got %s", journalMode)
	}
}

func setupTestDB(t *testing.T) (*DB, func()) {
	path := t.TempDir() + "/test.db"
	database, err := New(path)
	if err != nil {
		t.Fatalf("failed to create db: %v", err)
	}
	err = database.RunMigrations()
	if err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return database, func() { database.Close() }
}

func TestChangesRejectUnknownOp(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := database.Exec(`INSERT INTO changes (resource, op, created_at) VALUES ('messages', 'UPSERT', '2026-01-01T00:00:00Z')`)
	assert.Error(t, err)

	_, err = database.Exec(`INSERT INTO changes (resource, op, new_row, created_at) VALUES ('messages', 'INSERT', 'not json', '2026-01-01T00:00:00Z')`)
	assert.Error(t, err)
}

func TestChangesIDsIncrease(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()

	var ids []int64
	for i := 0; i < 3; i++ {
		res, err := database.Exec(`INSERT INTO changes (resource, op, new_row, created_at) VALUES ('messages', 'INSERT', '{"n":1}', '2026-01-01T00:00:00Z')`)
		require.NoError(t, err)
		id, err := res.LastInsertId()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, []int64{1, 2, 3}, ids)

	// AUTOINCREMENT never reuses an id after a delete
	_, err := database.Exec(`DELETE FROM changes WHERE id = 3`)
	require.NoError(t, err)
	res, err := database.Exec(`INSERT INTO changes (resource, op, created_at) VALUES ('messages', 'DELETE', '2026-01-01T00:00:00Z')`)
	require.NoError(t, err)
	id, _ := res.LastInsertId()
	assert.Equal(t, int64(4), id)
}
