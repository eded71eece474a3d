// ABOUTME: Logger setup for the conductor CLI, including the colorized
// ABOUTME: text handler used in interactive terminals.

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/batonhq/baton/internal/config"
)

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(newTTYHandler(os.Stdout, level))
}

// levelTags maps each level to its colored three-letter tag, computed once.
var levelTags = map[slog.Level]string{
	slog.LevelDebug: color.MagentaString("DBG"),
	slog.LevelInfo:  color.CyanString("INF"),
	slog.LevelWarn:  color.YellowString("WRN"),
	slog.LevelError: color.New(color.FgRed, color.Bold).Sprint("ERR"),
}

// ttyHandler renders compact single-line records for interactive use:
// dim timestamp, colored level tag, message, then key=value attrs with
// group-qualified keys.
type ttyHandler struct {
	out    io.Writer
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	prefix string // dotted group path applied to attr keys
}

func newTTYHandler(out io.Writer, level slog.Level) *ttyHandler {
	return &ttyHandler{out: out, mu: &sync.Mutex{}, level: level}
}

func (h *ttyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *ttyHandler) Handle(_ context.Context, r slog.Record) error {
	var line strings.Builder
	line.WriteString(color.HiBlackString(r.Time.Format("15:04:05")))
	line.WriteByte(' ')
	if tag, ok := levelTags[r.Level]; ok {
		line.WriteString(tag)
	} else {
		line.WriteString(r.Level.String())
	}
	line.WriteByte(' ')
	line.WriteString(r.Message)

	for _, a := range h.attrs {
		// Handler attrs were key-qualified when WithAttrs captured them.
		appendAttr(&line, a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&line, h.prefix+a.Key, a.Value)
		return true
	})
	line.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, line.String())
	return err
}

func appendAttr(line *strings.Builder, key string, v slog.Value) {
	line.WriteString(color.HiBlackString(" " + key + "="))
	line.WriteString(v.String())
}

func (h *ttyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *ttyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}
