package archive

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru"

	"github.com/markb/livesync/internal/log"
	"github.com/markb/livesync/internal/protocol"
)

const (
	segmentPrefix = "changes/"
	segmentExt    = ".jsonl"
	contentType   = "application/x-ndjson"

	// DefaultCacheSegments is how many decoded segments stay in memory.
	DefaultCacheSegments = 16
)

// Segment is one archived run of consecutive change ids, From through To.
type Segment struct {
	Key  string `json:"key"`
	From int64  `json:"from"`
	To   int64  `json:"to"`
	Size int64  `json:"size"`
}

// Archive stores change log segments as JSON lines objects on a Backend.
// Segments are immutable once written.
type Archive struct {
	backend Backend
	cache   *lru.Cache // key -> []protocol.Event
}

// New wraps a backend.
func New(b Backend) *Archive {
	cache, _ := lru.New(DefaultCacheSegments)
	return &Archive{backend: b, cache: cache}
}

// Config selects and configures the backend.
type Config struct {
	// Kind is "local" or "s3"; empty disables archiving.
	Kind string
	Dir  string
	S3   S3Config
}

// Open builds the archive described by cfg. It returns nil when archiving is
// disabled.
func Open(ctx context.Context, cfg Config) (*Archive, error) {
	switch cfg.Kind {
	case "", "none":
		return nil, nil
	case "local":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("archive: dir is required for the local backend")
		}
		b, err := NewLocal(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return New(b), nil
	case "s3":
		b, err := NewS3(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return New(b), nil
	default:
		return nil, fmt.Errorf("archive: unknown backend %q", cfg.Kind)
	}
}

// SegmentKey names the segment holding ids from through to. Zero padding
// keeps key order equal to id order.
func SegmentKey(from, to int64) string {
	return fmt.Sprintf("%s%020d-%020d%s", segmentPrefix, from, to, segmentExt)
}

// ParseSegmentKey is the inverse of SegmentKey.
func ParseSegmentKey(key string) (from, to int64, ok bool) {
	name, found := strings.CutPrefix(key, segmentPrefix)
	if !found {
		return 0, 0, false
	}
	name, found = strings.CutSuffix(name, segmentExt)
	if !found {
		return 0, 0, false
	}
	lo, hi, found := strings.Cut(name, "-")
	if !found {
		return 0, 0, false
	}
	var err error
	if from, err = strconv.ParseInt(lo, 10, 64); err != nil {
		return 0, 0, false
	}
	if to, err = strconv.ParseInt(hi, 10, 64); err != nil || to < from {
		return 0, 0, false
	}
	return from, to, true
}

// Put writes events, which must be in id order, as one segment. Segments are
// immutable: when the key is already archived, from a prune whose delete
// never committed, the stored copy is kept.
func (a *Archive) Put(ctx context.Context, events []protocol.Event) (Segment, error) {
	if len(events) == 0 {
		return Segment{}, fmt.Errorf("archive: empty segment")
	}
	from, err := strconv.ParseInt(events[0].ID, 10, 64)
	if err != nil {
		return Segment{}, fmt.Errorf("archive: bad event id %q", events[0].ID)
	}
	to, err := strconv.ParseInt(events[len(events)-1].ID, 10, 64)
	if err != nil || to < from {
		return Segment{}, fmt.Errorf("archive: bad event id %q", events[len(events)-1].ID)
	}

	key := SegmentKey(from, to)
	exists, err := a.backend.Exists(ctx, key)
	if err != nil {
		return Segment{}, err
	}
	if exists {
		files, _, err := a.backend.List(ctx, key, 1, "")
		if err != nil {
			return Segment{}, err
		}
		seg := Segment{Key: key, From: from, To: to}
		if len(files) > 0 {
			seg.Size = files[0].Size
		}
		log.Debug("archive: segment already stored", "key", key)
		return seg, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return Segment{}, fmt.Errorf("archive: encode event %s: %w", events[i].ID, err)
		}
	}

	info, err := a.backend.Write(ctx, key, &buf, contentType)
	if err != nil {
		return Segment{}, err
	}
	return Segment{Key: key, From: from, To: to, Size: info.Size}, nil
}

// Segments lists every archived segment in id order.
func (a *Archive) Segments(ctx context.Context) ([]Segment, error) {
	var out []Segment
	cursor := ""
	for {
		files, next, err := a.backend.List(ctx, segmentPrefix, 1000, cursor)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if from, to, ok := ParseSegmentKey(f.Key); ok {
				out = append(out, Segment{Key: f.Key, From: from, To: to, Size: f.Size})
			}
		}
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

// Since returns archived changes to resource with after < id <= upTo, oldest
// first.
func (a *Archive) Since(ctx context.Context, resource string, after, upTo int64) ([]protocol.Event, error) {
	segments, err := a.Segments(ctx)
	if err != nil {
		return nil, err
	}

	var out []protocol.Event
	for _, seg := range segments {
		if seg.To <= after || seg.From > upTo {
			continue
		}
		events, err := a.read(ctx, seg.Key)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			id, _ := strconv.ParseInt(ev.ID, 10, 64)
			if id > after && id <= upTo && ev.Resource == resource {
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

func (a *Archive) read(ctx context.Context, key string) ([]protocol.Event, error) {
	if v, ok := a.cache.Get(key); ok {
		return v.([]protocol.Event), nil
	}

	r, _, err := a.backend.Reader(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var events []protocol.Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var ev protocol.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("archive: %s: %w", key, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", key, err)
	}

	a.cache.Add(key, events)
	return events, nil
}

// Close releases the backend.
func (a *Archive) Close() error {
	return a.backend.Close()
}
