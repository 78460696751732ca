package logger

import (
	"io"
	"log/slog"
	"os"
)

// New returns JSON logger on stderr. Level comes from APQ_LOG_LEVEL, then
// LOG_LEVEL, then fallback (default info).
func New(fallback string) *slog.Logger {
	return NewWriter(os.Stderr, fallback)
}

// NewWriter is New with an explicit destination.
func NewWriter(w io.Writer, fallback string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: Level(fallback)})
	return slog.New(h)
}

// Level resolves the effective log level.
func Level(fallback string) slog.Level {
	for _, v := range []string{os.Getenv("APQ_LOG_LEVEL"), os.Getenv("LOG_LEVEL"), fallback} {
		if v == "" {
			continue
		}
		var parsed slog.Level
		if err := parsed.UnmarshalText([]byte(v)); err == nil {
			return parsed
		}
	}
	return slog.LevelInfo
}
