package flowgate

import (
	"io"
	"log/slog"

	"github.com/davidroman0O/flowgate/internal/logs"
)

// Logger is the interface that wraps the basic logging methods.
type Logger = logs.Logger

type LogFormat = logs.LogFormat

const (
	TextFormat = logs.TextFormat
	JSONFormat = logs.JSONFormat
)

func NewDefaultLogger(level slog.Leveler, format LogFormat) Logger {
	return logs.NewDefaultLogger(level, format)
}

func NewLogger(w io.Writer, level slog.Leveler, format LogFormat) Logger {
	return logs.NewLogger(w, level, format)
}

// NopLogger discards everything.
func NopLogger() Logger {
	return logs.Nop()
}
