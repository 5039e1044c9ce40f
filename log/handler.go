// Copyright 2024 The go-lagoon Authors
// This file is part of the go-lagoon library.
//
// The go-lagoon library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-lagoon library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-lagoon library. If not, see <http://www.gnu.org/licenses/>.

package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const timeFormat = "2006-01-02T15:04:05-0700"
const termTimeFormat = "01-02|15:04:05.000"

var (
	critColor  = color.New(color.FgHiRed, color.Bold)
	errorColor = color.New(color.FgRed)
	warnColor  = color.New(color.FgYellow)
	infoColor  = color.New(color.FgGreen)
	debugColor = color.New(color.FgCyan)
	traceColor = color.New(color.FgMagenta)
)

type discardHandler struct{}

// DiscardHandler returns a no-op handler
func DiscardHandler() slog.Handler {
	return &discardHandler{}
}

func (h *discardHandler) Handle(_ context.Context, r slog.Record) error {
	return nil
}

func (h *discardHandler) Enabled(_ context.Context, level slog.Level) bool {
	return false
}

func (h *discardHandler) WithGroup(name string) slog.Handler {
	panic("not implemented")
}

func (h *discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &discardHandler{}
}

// TerminalHandler formats records for human readability on a terminal, with
// level coloring when the output is a tty.
type TerminalHandler struct {
	mu       sync.Mutex
	wr       io.Writer
	lvl      slog.Level
	useColor bool
	attrs    []slog.Attr

	buf []byte
}

// NewTerminalHandler creates a handler writing to wr. Coloring is enabled
// when wr is os.Stderr/os.Stdout on a terminal.
func NewTerminalHandler(wr io.Writer, lvl slog.Level) *TerminalHandler {
	useColor := false
	if f, ok := wr.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		useColor = true
		wr = colorable.NewColorable(f)
	}
	return &TerminalHandler{
		wr:       wr,
		lvl:      lvl,
		useColor: useColor,
	}
}

func (h *TerminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.lvl
}

func (h *TerminalHandler) WithGroup(name string) slog.Handler {
	panic("not implemented")
}

func (h *TerminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TerminalHandler{
		wr:       h.wr,
		lvl:      h.lvl,
		useColor: h.useColor,
		attrs:    append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *TerminalHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := h.buf[:0]
	lvl := LevelAlignedString(r.Level)
	if h.useColor {
		lvl = levelColor(r.Level).Sprint(lvl)
	}
	buf = append(buf, lvl...)
	buf = append(buf, '[')
	buf = r.Time.AppendFormat(buf, termTimeFormat)
	buf = append(buf, "] "...)
	buf = append(buf, r.Message...)

	pad := 44 - len(r.Message)
	for i := 0; i < pad; i++ {
		buf = append(buf, ' ')
	}
	for _, attr := range h.attrs {
		buf = appendAttr(buf, attr)
	}
	r.Attrs(func(attr slog.Attr) bool {
		buf = appendAttr(buf, attr)
		return true
	})
	buf = append(buf, '\n')
	h.buf = buf
	_, err := h.wr.Write(buf)
	return err
}

func levelColor(lvl slog.Level) *color.Color {
	switch {
	case lvl >= LevelCrit:
		return critColor
	case lvl >= slog.LevelError:
		return errorColor
	case lvl >= slog.LevelWarn:
		return warnColor
	case lvl >= slog.LevelInfo:
		return infoColor
	case lvl >= slog.LevelDebug:
		return debugColor
	default:
		return traceColor
	}
}

func appendAttr(buf []byte, attr slog.Attr) []byte {
	buf = append(buf, ' ')
	buf = append(buf, attr.Key...)
	buf = append(buf, '=')
	return appendValue(buf, attr.Value)
}

func appendValue(buf []byte, v slog.Value) []byte {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return appendEscaped(buf, v.String())
	case slog.KindInt64:
		return strconv.AppendInt(buf, v.Int64(), 10)
	case slog.KindUint64:
		return strconv.AppendUint(buf, v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.AppendFloat(buf, v.Float64(), 'g', -1, 64)
	case slog.KindBool:
		return strconv.AppendBool(buf, v.Bool())
	case slog.KindDuration:
		return append(buf, v.Duration().String()...)
	case slog.KindTime:
		return v.Time().AppendFormat(buf, timeFormat)
	default:
		return appendEscaped(buf, fmt.Sprintf("%+v", v.Any()))
	}
}

func appendEscaped(buf []byte, s string) []byte {
	needsQuoting := false
	for _, r := range s {
		if r <= ' ' || r == '=' || r == '"' {
			needsQuoting = true
			break
		}
	}
	if !needsQuoting {
		return append(buf, s...)
	}
	return strconv.AppendQuote(buf, s)
}

// LogfmtHandler formats records as logfmt lines, one record per line. Used
// for the file sink.
type LogfmtHandler struct {
	mu    sync.Mutex
	wr    io.Writer
	lvl   slog.Level
	attrs []slog.Attr
}

// NewLogfmtHandler creates a logfmt handler writing to wr.
func NewLogfmtHandler(wr io.Writer, lvl slog.Level) *LogfmtHandler {
	return &LogfmtHandler{wr: wr, lvl: lvl}
}

func (h *LogfmtHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.lvl
}

func (h *LogfmtHandler) WithGroup(name string) slog.Handler {
	panic("not implemented")
}

func (h *LogfmtHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogfmtHandler{
		wr:    h.wr,
		lvl:   h.lvl,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *LogfmtHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := make([]byte, 0, 256)
	buf = append(buf, "t="...)
	buf = r.Time.AppendFormat(buf, timeFormat)
	buf = append(buf, " lvl="...)
	buf = append(buf, LevelString(r.Level)...)
	buf = append(buf, " msg="...)
	buf = appendEscaped(buf, r.Message)
	for _, attr := range h.attrs {
		buf = appendAttr(buf, attr)
	}
	r.Attrs(func(attr slog.Attr) bool {
		buf = appendAttr(buf, attr)
		return true
	})
	buf = append(buf, '\n')
	_, err := h.wr.Write(buf)
	return err
}
