// Package logging provides the edge agent's rolling plain-text log file
// handler, used alongside the default structured stderr logger.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// timeFormat renders a slog.Record's time the way the agent's on-disk log
// file is specified to look: "%Y-%m-%d %H:%M:%S".
const timeFormat = "2006-01-02 15:04:05"

// FileHandler is a minimal slog.Handler that writes one line per record to
// w in the fixed format "TIMESTAMP LEVEL message key=value ...". It carries
// none of slog's grouping or attribute-tree features; the agent's log file
// is a flat operational trail, not a structured sink.
type FileHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	level slog.Leveler
	attrs []slog.Attr
}

// NewFileHandler creates a FileHandler writing to w at the given minimum
// level.
func NewFileHandler(w io.Writer, level slog.Leveler) *FileHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &FileHandler{mu: &sync.Mutex{}, w: w, level: level}
}

// Enabled implements slog.Handler.
func (h *FileHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler.
func (h *FileHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.Format(timeFormat))
	b.WriteByte(' ')
	b.WriteString(r.Level.String())
	b.WriteByte(' ')
	b.WriteString(r.Message)

	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

// WithAttrs implements slog.Handler.
func (h *FileHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &FileHandler{
		mu:    h.mu,
		w:     h.w,
		level: h.level,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

// WithGroup implements slog.Handler. Groups are not supported; attributes
// added inside a group are flattened as if no group had been opened.
func (h *FileHandler) WithGroup(_ string) slog.Handler {
	return h
}

