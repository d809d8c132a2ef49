package log

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
)

// RingBuffer keeps the most recent formatted log lines.
type RingBuffer struct {
	mu    sync.RWMutex
	lines []string
	next  int // write position once full
	cap   int
}

// NewRingBuffer creates a buffer holding up to capacity lines.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &RingBuffer{lines: make([]string, 0, capacity), cap: capacity}
}

// Add appends a line, evicting the oldest when full.
func (rb *RingBuffer) Add(line string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(rb.lines) < rb.cap {
		rb.lines = append(rb.lines, line)
		return
	}
	rb.lines[rb.next] = line
	rb.next = (rb.next + 1) % rb.cap
}

// Lines returns the last n lines, oldest first.
func (rb *RingBuffer) Lines(n int) []string {
	return rb.Grep("", n)
}

// Grep returns the last n lines containing substr, oldest first.
func (rb *RingBuffer) Grep(substr string, n int) []string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := []string{}
	if n <= 0 {
		return result
	}
	// Walk newest to oldest, then reverse.
	for i := len(rb.lines) - 1; i >= 0 && len(result) < n; i-- {
		line := rb.lines[(rb.next+i)%len(rb.lines)]
		if substr == "" || strings.Contains(line, substr) {
			result = append(result, line)
		}
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result
}

// Total returns the number of lines currently held.
func (rb *RingBuffer) Total() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return len(rb.lines)
}

// Capacity returns the buffer capacity.
func (rb *RingBuffer) Capacity() int {
	return rb.cap
}

// BufferHandler captures every record into a RingBuffer and forwards it to
// the wrapped handler.
type BufferHandler struct {
	wrapped slog.Handler
	buffer  *RingBuffer
	attrs   []slog.Attr
}

// NewBufferHandler creates a handler that stores logs in buffer and
// forwards to wrapped, which may be nil.
func NewBufferHandler(wrapped slog.Handler, buffer *RingBuffer) *BufferHandler {
	return &BufferHandler{wrapped: wrapped, buffer: buffer}
}

// Enabled is always true: the buffer captures debug lines even when the
// wrapped handler filters them.
func (h *BufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

// Handle implements slog.Handler.
func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	var buf bytes.Buffer
	var text slog.Handler = slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	if len(h.attrs) > 0 {
		text = text.WithAttrs(h.attrs)
	}
	if err := text.Handle(ctx, r); err == nil {
		h.buffer.Add(strings.TrimRight(buf.String(), "\n"))
	}

	if h.wrapped != nil && h.wrapped.Enabled(ctx, r.Level) {
		return h.wrapped.Handle(ctx, r)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &BufferHandler{buffer: h.buffer, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
	if h.wrapped != nil {
		next.wrapped = h.wrapped.WithAttrs(attrs)
	}
	return next
}

// WithGroup implements slog.Handler. Groups only apply to the wrapped
// handler; buffered lines stay flat.
func (h *BufferHandler) WithGroup(name string) slog.Handler {
	next := &BufferHandler{buffer: h.buffer, attrs: h.attrs}
	if h.wrapped != nil {
		next.wrapped = h.wrapped.WithGroup(name)
	}
	return next
}
