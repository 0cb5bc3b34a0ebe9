// Package logger configures the process-wide zerolog logger. Lines are
// written as "[<timestamp>] LEVEL: <message>" to the configured
// destination; logging must never abort a request, so setup failures
// fall back to stderr instead of erroring out.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SUCCESS marks completed swaps and melts. zerolog has no such level,
// so it rides in the level field of a level-less event.
const successLevel = "SUCCESS"

type Logger struct {
	log zerolog.Logger
}

func New(logFile string) *Logger {
	var out io.Writer = os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			out = f
		}
	}

	writer := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    true,
		FormatTimestamp: func(i interface{}) string {
			return fmt.Sprintf("[%s]", i)
		},
		FormatLevel: func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("%s", i)) + ":"
		},
	}

	return &Logger{log: zerolog.New(writer).With().Timestamp().Logger()}
}

func (l *Logger) Info(format string, v ...any) {
	l.log.Info().Msgf(format, v...)
}

func (l *Logger) Success(format string, v ...any) {
	l.log.Log().Str(zerolog.LevelFieldName, successLevel).Msgf(format, v...)
}

func (l *Logger) Error(format string, v ...any) {
	l.log.Error().Msgf(format, v...)
}
