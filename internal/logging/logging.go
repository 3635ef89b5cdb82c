// Package logging wires up the process-wide slog logger. Output is
// colorized when stderr is a terminal and plain JSON when it is not,
// so container logs stay machine-parseable.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

var level = new(slog.LevelVar) // info unless Init says otherwise

// Init installs the default logger. levelName is one of "debug",
// "info", "warn" or "error" (case-insensitive); an empty or unknown
// name keeps the info default, and unknown names are reported on the
// freshly installed logger.
func Init(levelName string) {
	slog.SetDefault(slog.New(newHandler(os.Stderr)))
	if levelName == "" {
		return
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(levelName))); err != nil {
		slog.Warn("unknown log level, keeping info", "level", levelName)
		return
	}
	level.Set(l)
}

func newHandler(w *os.File) slog.Handler {
	if isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd()) {
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}
