// Package logging provides a colorized, single-line slog.Handler for
// terminal output, plus a small Setup helper that wires it in as the
// process-wide default logger.
package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Options controls how Handler renders a record.
type Options struct {
	Level      slog.Leveler
	UseColor   bool
	ShowSource bool
	TimeFormat string
	Separator  string
}

func DefaultOptions() Options {
	return Options{
		Level:      slog.LevelInfo,
		UseColor:   true,
		ShowSource: false,
		TimeFormat: time.RFC3339,
		Separator:  " | ",
	}
}

// Handler is a slog.Handler that renders one record per line:
// time | LEVEL | [source] | message | {json attrs}
type Handler struct {
	opts   Options
	writer io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr
	groups []string

	colorTime, colorMessage, colorSource, colorFields func(...any) string
	colorLevel                                        map[slog.Level]func(...any) string
}

func NewHandler(w io.Writer, opts Options) *Handler {
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.RFC3339
	}
	if opts.Separator == "" {
		opts.Separator = " | "
	}
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}

	h := &Handler{opts: opts, writer: w, mu: &sync.Mutex{}}
	h.initColors()
	return h
}

func (h *Handler) initColors() {
	if !h.opts.UseColor {
		plain := func(a ...any) string { return fmt.Sprint(a...) }
		h.colorTime, h.colorMessage, h.colorSource, h.colorFields = plain, plain, plain, plain
		h.colorLevel = map[slog.Level]func(...any) string{
			slog.LevelDebug: plain, slog.LevelInfo: plain, slog.LevelWarn: plain, slog.LevelError: plain,
		}
		return
	}

	h.colorTime = color.New(color.FgHiBlack).SprintFunc()
	h.colorMessage = color.New(color.FgCyan).SprintFunc()
	h.colorSource = color.New(color.FgHiBlack).SprintFunc()
	h.colorFields = color.New(color.FgWhite).SprintFunc()
	h.colorLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed, color.Bold).SprintFunc(),
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() { buf.Reset(); bufPool.Put(buf) }()

	h.mu.Lock()
	defer h.mu.Unlock()

	buf.WriteString(h.colorTime(r.Time.Format(h.opts.TimeFormat)))
	buf.WriteString(h.opts.Separator)

	level := strings.ToUpper(r.Level.String())
	if colorize, ok := h.colorLevel[r.Level]; ok {
		buf.WriteString(colorize(fmt.Sprintf("%-5s", level)))
	} else {
		buf.WriteString(fmt.Sprintf("%-5s", level))
	}
	buf.WriteString(h.opts.Separator)

	if h.opts.ShowSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.Function != "" {
			buf.WriteString(h.colorSource(fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)))
			buf.WriteString(h.opts.Separator)
		}
	}

	buf.WriteString(h.colorMessage(r.Message))

	attrs := h.collectAttrs(r)
	if len(attrs) > 0 {
		buf.WriteString(h.opts.Separator)
		encoded, err := json.Marshal(attrs)
		if err != nil {
			buf.WriteString(fmt.Sprintf("(bad attrs: %v)", err))
		} else {
			buf.WriteString(h.colorFields(string(encoded)))
		}
	}

	buf.WriteByte('\n')
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	n := &Handler{opts: h.opts, writer: h.writer, mu: &sync.Mutex{},
		groups: append([]string(nil), h.groups...),
		attrs:  append(append([]slog.Attr(nil), h.attrs...), attrs...)}
	n.initColors()
	return n
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	n := &Handler{opts: h.opts, writer: h.writer, mu: &sync.Mutex{},
		groups: append(append([]string(nil), h.groups...), name),
		attrs:  append([]slog.Attr(nil), h.attrs...)}
	n.initColors()
	return n
}

func (h *Handler) collectAttrs(r slog.Record) map[string]any {
	out := make(map[string]any)
	target := out
	for _, g := range h.groups {
		nested := make(map[string]any)
		target[g] = nested
		target = nested
	}
	for _, a := range h.attrs {
		target[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		target[a.Key] = a.Value.Resolve().Any()
		return true
	})
	return out
}

// Setup installs a Handler as the process-wide default logger and returns it.
func Setup(w io.Writer, verbose bool) *slog.Logger {
	opts := DefaultOptions()
	if verbose {
		opts.Level = slog.LevelDebug
		opts.ShowSource = true
	}
	log := slog.New(NewHandler(w, opts))
	slog.SetDefault(log)
	return log
}
