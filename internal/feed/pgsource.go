package feed

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/markb/livesync/internal/log"
	"github.com/markb/livesync/internal/protocol"
)

// DefaultNotifyChannel is the Postgres NOTIFY channel PGSource listens on.
const DefaultNotifyChannel = "livesync_changes"

// Appender accepts changes for the log.
type Appender interface {
	Append(ctx context.Context, c Change) (protocol.Event, error)
}

// PGSource ingests row changes from Postgres LISTEN/NOTIFY into the change
// log. Each notification payload is a JSON object produced by the trigger
// from TriggerSQL.
type PGSource struct {
	DSN     string
	Channel string
	Sink    Appender

	MinReconnect time.Duration
	MaxReconnect time.Duration
	// PingInterval bounds how long a dead connection goes unnoticed.
	PingInterval time.Duration
}

// pgPayload is the notification body. table/type/record/old_record are
// accepted as aliases for the Supabase-style trigger payload.
type pgPayload struct {
	Resource  string         `json:"resource"`
	Table     string         `json:"table"`
	Op        string         `json:"op"`
	Type      string         `json:"type"`
	New       map[string]any `json:"new"`
	Record    map[string]any `json:"record"`
	Old       map[string]any `json:"old"`
	OldRecord map[string]any `json:"old_record"`
	Actor     string         `json:"actor"`
}

// ParseNotification converts a NOTIFY payload into a Change.
func ParseNotification(payload string) (Change, error) {
	var p pgPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return Change{}, fmt.Errorf("invalid notification payload: %w", err)
	}

	c := Change{
		Resource: firstNonEmpty(p.Resource, p.Table),
		Op:       protocol.Operation(strings.ToUpper(firstNonEmpty(p.Op, p.Type))),
		New:      p.New,
		Old:      p.Old,
		Actor:    p.Actor,
	}
	if c.New == nil {
		c.New = p.Record
	}
	if c.Old == nil {
		c.Old = p.OldRecord
	}
	if err := c.Validate(); err != nil {
		return Change{}, err
	}
	return c, nil
}

// Run listens until ctx is done. Malformed payloads are logged and skipped.
func (s *PGSource) Run(ctx context.Context) error {
	channel := firstNonEmpty(s.Channel, DefaultNotifyChannel)
	minRe, maxRe := s.MinReconnect, s.MaxReconnect
	if minRe <= 0 {
		minRe = time.Second
	}
	if maxRe <= 0 {
		maxRe = time.Minute
	}
	ping := s.PingInterval
	if ping <= 0 {
		ping = 90 * time.Second
	}

	listener := pq.NewListener(s.DSN, minRe, maxRe, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			log.Info("feed: postgres listener connected", "channel", channel)
		case pq.ListenerEventReconnected:
			log.Info("feed: postgres listener reconnected", "channel", channel)
		case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
			if err != nil {
				log.Warn("feed: postgres listener", "channel", channel, "error", err.Error())
			}
		}
	})
	defer listener.Close()

	if err := listener.Listen(channel); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}

	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// Reconnected; notifications sent while down are lost.
				log.Warn("feed: postgres listener lost notifications during reconnect", "channel", channel)
				continue
			}
			s.ingest(ctx, n.Extra)
		case <-ticker.C:
			go listener.Ping()
		}
	}
}

func (s *PGSource) ingest(ctx context.Context, payload string) {
	c, err := ParseNotification(payload)
	if err != nil {
		log.Warn("feed: skipping notification", "error", err.Error())
		return
	}
	if _, err := s.Sink.Append(ctx, c); err != nil {
		log.Error("feed: ingest failed", "resource", c.Resource, "error", err.Error())
	}
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// TriggerSQL returns DDL that makes table publish its row changes on the
// NOTIFY channel.
func TriggerSQL(table, channel string) (string, error) {
	if !identRe.MatchString(table) || !identRe.MatchString(channel) {
		return "", fmt.Errorf("invalid identifier in %q/%q", table, channel)
	}
	return fmt.Sprintf(`
CREATE OR REPLACE FUNCTION livesync_notify() RETURNS trigger AS $$
BEGIN
  PERFORM pg_notify(TG_ARGV[0], json_build_object(
    'resource', TG_TABLE_NAME,
    'op', TG_OP,
    'new', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
    'old', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END,
    'actor', current_setting('livesync.actor', true)
  )::text);
  RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS livesync_%[1]s ON %[1]s;
CREATE TRIGGER livesync_%[1]s AFTER INSERT OR UPDATE OR DELETE ON %[1]s
  FOR EACH ROW EXECUTE FUNCTION livesync_notify('%[2]s');
`, table, channel), nil
}

// InstallTriggers connects to dsn and installs the notify trigger on each
// table.
func InstallTriggers(ctx context.Context, dsn, channel string, tables ...string) error {
	pg, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open postgres: %w", err)
	}
	defer pg.Close()

	channel = firstNonEmpty(channel, DefaultNotifyChannel)
	for _, table := range tables {
		ddl, err := TriggerSQL(table, channel)
		if err != nil {
			return err
		}
		if _, err := pg.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("install trigger on %s: %w", table, err)
		}
		log.Info("feed: installed change trigger", "table", table, "channel", channel)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
