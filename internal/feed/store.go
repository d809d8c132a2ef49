package feed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/juju/clock"

	"github.com/markb/livesync/internal/db"
	"github.com/markb/livesync/internal/protocol"
)

// ErrInvalidCursor is returned for a resume cursor that is not a change id.
var ErrInvalidCursor = errors.New("invalid cursor")

// Change is a row change submitted for appending to the log.
type Change struct {
	Resource string             `json:"resource"`
	Op       protocol.Operation `json:"op"`
	New      map[string]any     `json:"new,omitempty"`
	Old      map[string]any     `json:"old,omitempty"`
	Actor    string             `json:"actor,omitempty"`
}

// Validate checks the fields the log requires.
func (c Change) Validate() error {
	if c.Resource == "" {
		return fmt.Errorf("change: missing resource")
	}
	if !c.Op.Valid() {
		return fmt.Errorf("change: unknown op %q", c.Op)
	}
	if c.Op != protocol.OpDelete && c.New == nil {
		return fmt.Errorf("change: %s needs a new row", c.Op)
	}
	return nil
}

// Store is the append-only change log. Event ids are the decimal row ids,
// so they increase with append order.
type Store struct {
	db    *db.DB
	clock clock.Clock
}

// NewStore wraps an open, migrated database.
func NewStore(database *db.DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{db: database, clock: clk}
}

// OpenStore opens the database at path and runs migrations.
func OpenStore(path string, clk clock.Clock) (*Store, error) {
	database, err := db.New(path)
	if err != nil {
		return nil, err
	}
	if err := database.RunMigrations(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return NewStore(database, clk), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append stores c and returns it as an event carrying its log id.
func (s *Store) Append(ctx context.Context, c Change) (protocol.Event, error) {
	if err := c.Validate(); err != nil {
		return protocol.Event{}, err
	}

	newRow, err := marshalRow(c.New)
	if err != nil {
		return protocol.Event{}, err
	}
	oldRow, err := marshalRow(c.Old)
	if err != nil {
		return protocol.Event{}, err
	}

	ts := s.clock.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO changes (resource, op, new_row, old_row, actor, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.Resource, string(c.Op), newRow, oldRow, nullString(c.Actor), ts.Format(time.RFC3339Nano))
	if err != nil {
		return protocol.Event{}, fmt.Errorf("failed to append change: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return protocol.Event{}, fmt.Errorf("failed to read change id: %w", err)
	}

	return protocol.Event{
		Type:      protocol.TypeChange,
		ID:        strconv.FormatInt(id, 10),
		Resource:  c.Resource,
		Op:        c.Op,
		New:       c.New,
		Old:       c.Old,
		Timestamp: ts,
		ActorID:   c.Actor,
	}, nil
}

// Since returns up to limit changes to resource with ids greater than after,
// oldest first.
func (s *Store) Since(ctx context.Context, resource string, after int64, limit int) ([]protocol.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, resource, op, new_row, old_row, actor, created_at FROM changes
		 WHERE resource = ? AND id > ? ORDER BY id LIMIT ?`,
		resource, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	return scanEvents(rows)
}

// Range returns up to limit changes to any resource with after < id <= upTo,
// oldest first.
func (s *Store) Range(ctx context.Context, after, upTo int64, limit int) ([]protocol.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, resource, op, new_row, old_row, actor, created_at FROM changes
		 WHERE id > ? AND id <= ? ORDER BY id LIMIT ?`,
		after, upTo, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]protocol.Event, error) {
	defer rows.Close()

	var events []protocol.Event
	for rows.Next() {
		var (
			id                      int64
			resource, op, createdAt string
			newRow, oldRow          sql.NullString
			actor                   sql.NullString
		)
		if err := rows.Scan(&id, &resource, &op, &newRow, &oldRow, &actor, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		ev := protocol.Event{
			Type:     protocol.TypeChange,
			ID:       strconv.FormatInt(id, 10),
			Resource: resource,
			Op:       protocol.Operation(op),
			ActorID:  actor.String,
		}
		var err error
		if ev.New, err = unmarshalRow(newRow); err != nil {
			return nil, err
		}
		if ev.Old, err = unmarshalRow(oldRow); err != nil {
			return nil, err
		}
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("change %d: bad timestamp: %w", id, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ArchiveFunc receives a batch of changes about to be pruned.
type ArchiveFunc func(ctx context.Context, batch []protocol.Event) error

// Prune deletes all but the newest keep changes and advances the retention
// horizon. It returns the number of rows removed.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	return s.PruneArchived(ctx, keep, 0, nil)
}

// PruneArchived is Prune that first hands the doomed changes to archive in
// batches of batchSize. If archiving fails nothing is deleted.
func (s *Store) PruneArchived(ctx context.Context, keep, batchSize int, archive ArchiveFunc) (int64, error) {
	var maxID sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM changes`).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("failed to read log head: %w", err)
	}
	cutoff := maxID.Int64 - int64(keep)
	if cutoff <= 0 {
		return 0, nil
	}
	horizon, err := s.Horizon(ctx)
	if err != nil {
		return 0, err
	}
	if cutoff <= horizon {
		return 0, nil
	}

	// New rows always get ids above cutoff, so the range is stable.
	if archive != nil {
		if batchSize <= 0 {
			batchSize = DefaultReplayBatch
		}
		for after := horizon; after < cutoff; {
			batch, err := s.Range(ctx, after, cutoff, batchSize)
			if err != nil {
				return 0, err
			}
			if len(batch) == 0 {
				break
			}
			if err := archive(ctx, batch); err != nil {
				return 0, fmt.Errorf("failed to archive changes: %w", err)
			}
			after, _ = ParseCursor(batch[len(batch)-1].ID)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin prune: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM changes WHERE id <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune changes: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE changes_horizon SET pruned_to = MAX(pruned_to, ?) WHERE id = 1`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to advance horizon: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return res.RowsAffected()
}

// Horizon returns the highest change id removed by Prune.
func (s *Store) Horizon(ctx context.Context) (int64, error) {
	var h int64
	err := s.db.QueryRowContext(ctx, `SELECT pruned_to FROM changes_horizon WHERE id = 1`).Scan(&h)
	if err != nil {
		return 0, fmt.Errorf("failed to read horizon: %w", err)
	}
	return h, nil
}

// Head returns the id of the newest change ever appended, pruned or not.
// Every later change has a greater id.
func (s *Store) Head(ctx context.Context) (int64, error) {
	var maxID sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM changes`).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("failed to read log head: %w", err)
	}
	horizon, err := s.Horizon(ctx)
	if err != nil {
		return 0, err
	}
	return max(maxID.Int64, horizon), nil
}

// ParseCursor converts a resume cursor into a change id.
func ParseCursor(cursor string) (int64, error) {
	id, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	return id, nil
}

func marshalRow(row map[string]any) (sql.NullString, error) {
	if row == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(row)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode row: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalRow(s sql.NullString) (map[string]any, error) {
	if !s.Valid {
		return nil, nil
	}
	var row map[string]any
	if err := json.Unmarshal([]byte(s.String), &row); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	return row, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
