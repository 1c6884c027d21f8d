// Package bootlog provides the ASCII log stream the orchestrator narrates
// every boot phase through. It wraps an io.Writer (the real UART on
// device, stdout in cmd/bootsim, a bytes.Buffer in tests) with a
// slog.Handler that renders each record as one plain key=value line, the
// only protocol a serial console needs.
package bootlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// Handler implements slog.Handler over an io.Writer, rendering each
// record as a single ASCII line: "TIME LEVEL msg key=value key=value\n",
// where TIME is the record's time in UTC, RFC 3339. It
// carries no buffering and no background goroutine: every Handle call
// writes synchronously, matching the bare-metal UART write it stands in
// for.
type Handler struct {
	w     io.Writer
	level slog.Leveler
	attrs []slog.Attr
	group string
}

// New returns a Handler writing to w at minLevel (nil means slog.LevelInfo).
func New(w io.Writer, minLevel slog.Leveler) *Handler {
	if minLevel == nil {
		minLevel = slog.LevelInfo
	}
	return &Handler{w: w, level: minLevel}
}

// NewLogger is a convenience wrapper returning a ready-to-use *slog.Logger.
func NewLogger(w io.Writer, minLevel slog.Leveler) *slog.Logger {
	return slog.New(New(w, minLevel))
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.UTC().Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(r.Level.String())
	b.WriteByte(' ')
	b.WriteString(r.Message)

	// attrs were qualified with the group open at WithAttrs time; only
	// record-level attrs take the handler's current group.
	for _, a := range h.attrs {
		writeAttr(&b, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})
	b.WriteByte('\n')

	_, err := io.WriteString(h.w, b.String())
	return err
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	b.WriteByte(' ')
	if group != "" {
		b.WriteString(group)
		b.WriteByte('.')
	}
	b.WriteString(a.Key)
	b.WriteByte('=')
	fmt.Fprintf(b, "%v", a.Value.Any())
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *Handler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group == "" {
		next.group = name
	} else {
		next.group = next.group + "." + name
	}
	return &next
}
