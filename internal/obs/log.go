package obs

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	loggerMu sync.RWMutex
	logger   = newLogger(os.Stdout)
)

func newLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Str("service", "adhesion-api").Logger()
}

// Logger returns the shared structured logger used across the service.
func Logger() *zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	l := logger
	return &l
}

// SetOutput redirects the shared logger and returns a func restoring stdout.
func SetOutput(w io.Writer) func() {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = newLogger(w).Level(logger.GetLevel())
	return func() {
		loggerMu.Lock()
		defer loggerMu.Unlock()
		logger = newLogger(os.Stdout).Level(logger.GetLevel())
	}
}

// SetLevel parses a zerolog level name ("debug", "info", ...). Empty means info.
func SetLevel(level string) error {
	level = strings.TrimSpace(strings.ToLower(level))
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	loggerMu.Lock()
	logger = logger.Level(lvl)
	loggerMu.Unlock()
	return nil
}

// LogRequest emits a structured JSON log line with common HTTP fields.
func LogRequest(entry map[string]any) {
	Logger().Info().Fields(entry).Msg("http_request")
}
