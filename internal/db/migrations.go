package db

import "fmt"

// changeLogSchema holds every row change in append order. The id doubles as
// the resume cursor handed to subscribers.
const changeLogSchema = `
CREATE TABLE IF NOT EXISTS changes (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    resource    TEXT NOT NULL,
    op          TEXT NOT NULL CHECK (op IN ('INSERT', 'UPDATE', 'DELETE')),
    new_row     TEXT CHECK (new_row IS NULL OR json_valid(new_row)),
    old_row     TEXT CHECK (old_row IS NULL OR json_valid(old_row)),
    actor       TEXT,
    created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_changes_resource_id ON changes(resource, id);
`

// retentionSchema records how far the log has been pruned, so a cursor
// older than the horizon can be told apart from one that is merely quiet.
const retentionSchema = `
CREATE TABLE IF NOT EXISTS changes_horizon (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    pruned_to  INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO changes_horizon (id, pruned_to) VALUES (1, 0);
`

func (db *DB) RunMigrations() error {
	_, err := db.Exec(changeLogSchema)
	if err != nil {
		return fmt.Errorf("failed to create change log: %w", err)
	}

	_, err = db.Exec(retentionSchema)
	if err != nil {
		return fmt.Errorf("failed to create retention table: %w", err)
	}

	return nil
}
