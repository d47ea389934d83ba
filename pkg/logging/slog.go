// Package logging provides the process-wide slog setup: a human-readable
// color console handler for interactive use and helpers to install it as the
// default logger.
package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fatih/color"
)

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

type PrettyHandlerOptions struct {
	SlogOpts       slog.HandlerOptions
	UseColor       bool
	TimeFormat     string
	FieldSeparator string
}

func DefaultOptions() PrettyHandlerOptions {
	return PrettyHandlerOptions{
		SlogOpts:       slog.HandlerOptions{Level: slog.LevelInfo},
		UseColor:       true,
		TimeFormat:     time.RFC3339,
		FieldSeparator: " | ",
	}
}

// PrettyHandler renders records as a single aligned line:
//
//	2026-01-02T15:04:05Z INFO  message | key=value | key=value
type PrettyHandler struct {
	opts   PrettyHandlerOptions
	writer io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr
	groups []string

	colorTime    func(...any) string
	colorMessage func(...any) string
	colorFields  func(...any) string
	colorLevel   map[slog.Level]func(...any) string
}

func NewPrettyHandler(w io.Writer, opts *PrettyHandlerOptions) *PrettyHandler {
	if opts == nil {
		def := DefaultOptions()
		opts = &def
	}
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.RFC3339
	}
	if opts.FieldSeparator == "" {
		opts.FieldSeparator = " | "
	}

	h := &PrettyHandler{
		opts:   *opts,
		writer: w,
		mu:     &sync.Mutex{},
	}
	h.initColorFuncs()

	return h
}

func (h *PrettyHandler) initColorFuncs() {
	plain := func(a ...any) string { return fmt.Sprint(a...) }

	if !h.opts.UseColor {
		h.colorTime = plain
		h.colorMessage = plain
		h.colorFields = plain
		h.colorLevel = map[slog.Level]func(...any) string{
			slog.LevelDebug: plain, slog.LevelInfo: plain,
			slog.LevelWarn: plain, slog.LevelError: plain,
		}
		return
	}

	h.colorTime = color.New(color.FgHiBlack).SprintFunc()
	h.colorMessage = color.New(color.FgCyan).SprintFunc()
	h.colorFields = color.New(color.FgHiBlack).SprintFunc()
	h.colorLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgGreen).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed, color.Bold).SprintFunc(),
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.SlogOpts.Level != nil {
		minLevel = h.opts.SlogOpts.Level.Level()
	}
	return level >= minLevel
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)

	if !r.Time.IsZero() {
		buf.WriteString(h.colorTime(r.Time.Format(h.opts.TimeFormat)))
		buf.WriteByte(' ')
	}

	levelFn, ok := h.colorLevel[r.Level]
	if !ok {
		levelFn = fmt.Sprint
	}
	buf.WriteString(levelFn(fmt.Sprintf("%-5s", r.Level.String())))
	buf.WriteByte(' ')
	buf.WriteString(h.colorMessage(r.Message))

	writeAttr := func(a slog.Attr) {
		buf.WriteString(h.opts.FieldSeparator)
		key := a.Key
		for i := len(h.groups) - 1; i >= 0; i-- {
			key = h.groups[i] + "." + key
		}
		buf.WriteString(h.colorFields(key, "=", a.Value.String()))
	}

	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(a)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &cp
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	cp := *h
	cp.groups = append(append([]string(nil), h.groups...), name)
	return &cp
}

// Setup installs a PrettyHandler writing to w as the slog default and returns
// the logger.
func Setup(w io.Writer, level slog.Level, useColor bool) *slog.Logger {
	opts := DefaultOptions()
	opts.SlogOpts.Level = level
	opts.UseColor = useColor

	log := slog.New(NewPrettyHandler(w, &opts))
	slog.SetDefault(log)

	return log
}
