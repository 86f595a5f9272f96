package obs

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	loggerMu   sync.RWMutex
	loggerOnce sync.Once
	logger     zerolog.Logger
)

// Logger returns the shared structured logger used across the service.
// Lines are JSON with a timestamp and level.
func Logger() zerolog.Logger {
	loggerOnce.Do(func() {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	})
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Component returns the shared logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}

// SetOutput redirects the shared logger and returns a func restoring the
// previous one.
func SetOutput(w io.Writer) (restore func()) {
	_ = Logger()
	loggerMu.Lock()
	prev := logger
	logger = logger.Output(w)
	loggerMu.Unlock()
	return func() {
		loggerMu.Lock()
		logger = prev
		loggerMu.Unlock()
	}
}

// SetLogLevel parses a level name ("debug", "info", "warn", "error").
// Unknown names fall back to info.
func SetLogLevel(name string) {
	_ = Logger()
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	loggerMu.Lock()
	logger = logger.Level(lvl)
	loggerMu.Unlock()
}
