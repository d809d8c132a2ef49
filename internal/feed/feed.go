// Package feed is the reference change-feed server: a SQLite change log
// with resumable cursors, streamed to subscribers over WebSocket, with
// presence relayed between the members of each channel.
package feed

import (
	"context"
	"time"

	"github.com/juju/clock"

	"github.com/markb/livesync/internal/archive"
	"github.com/markb/livesync/internal/log"
	"github.com/markb/livesync/internal/metrics"
	"github.com/markb/livesync/internal/protocol"
)

// DefaultReplayBatch is the page size used when replaying from a cursor.
const DefaultReplayBatch = 500

// Config holds feed server configuration
type Config struct {
	JWTSecret  string
	AnonKey    string
	ServiceKey string

	ReplayBatch int
	// Retain keeps the newest Retain changes; zero keeps everything.
	Retain        int
	PruneInterval time.Duration
}

// DefaultConfig returns the server defaults. Keys must still be set.
func DefaultConfig() Config {
	return Config{
		ReplayBatch:   DefaultReplayBatch,
		PruneInterval: 10 * time.Minute,
	}
}

// Service provides the change feed
type Service struct {
	hub     *Hub
	store   *Store
	archive *archive.Archive
	cfg     Config
	clock   clock.Clock
}

// NewService creates a feed service over store.
func NewService(store *Store, cfg Config, m *metrics.Metrics) *Service {
	clk := clock.Clock(clock.WallClock)
	if store != nil {
		clk = store.clock
	}
	return &Service{
		hub:   NewHub(store, cfg.ReplayBatch, m),
		store: store,
		cfg:   cfg,
		clock: clk,
	}
}

// SetArchive makes retention archive pruned changes to a, and lets cursors
// behind the horizon replay from it. Call before serving.
func (s *Service) SetArchive(a *archive.Archive) {
	s.archive = a
	s.hub.archive = a
}

// ArchiveTo adapts an archive for Store.PruneArchived: every batch becomes
// one segment.
func ArchiveTo(a *archive.Archive) ArchiveFunc {
	if a == nil {
		return nil
	}
	return func(ctx context.Context, batch []protocol.Event) error {
		seg, err := a.Put(ctx, batch)
		if err != nil {
			return err
		}
		log.Debug("feed: archived segment", "key", seg.Key, "from", seg.From, "to", seg.To)
		return nil
	}
}

// Hub returns the connection hub
func (s *Service) Hub() *Hub {
	return s.hub
}

// Stats returns feed statistics
func (s *Service) Stats() HubStats {
	return s.hub.Stats()
}

// Append stores a change and delivers it to live subscribers.
func (s *Service) Append(ctx context.Context, c Change) (protocol.Event, error) {
	return s.hub.Append(ctx, c)
}

// RunRetention prunes the log every PruneInterval until ctx is done. It
// returns immediately when retention is disabled.
func (s *Service) RunRetention(ctx context.Context) {
	if s.cfg.Retain <= 0 || s.cfg.PruneInterval <= 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.cfg.PruneInterval):
		}
		n, err := s.Prune(ctx)
		if err != nil {
			log.Error("feed: prune failed", "error", err.Error())
			continue
		}
		if n > 0 {
			log.Info("feed: pruned change log", "removed", n, "retain", s.cfg.Retain)
		}
	}
}

// Prune applies the retention policy once, archiving first when an archive
// is set. Appends and subscribes wait for it, so a replay never straddles a
// prune.
func (s *Service) Prune(ctx context.Context) (int64, error) {
	if s.cfg.Retain <= 0 {
		return 0, nil
	}
	s.hub.pubMu.Lock()
	defer s.hub.pubMu.Unlock()
	return s.store.PruneArchived(ctx, s.cfg.Retain, s.cfg.ReplayBatch, ArchiveTo(s.archive))
}

// Close disconnects every subscriber.
func (s *Service) Close() {
	s.hub.closeAll()
}
