// Package logging provides the process-wide structured logger: zerolog
// writing to both a dated file under ~/.voicemode/logs and the console,
// leveled by VOICEMODE_DEBUG.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	LogDir  string // directory for the dated log file
	Debug   bool   // VOICEMODE_DEBUG: debug level instead of info
	Console bool   // also log to stderr
}

// New builds the process zerolog.Logger, opening (and leaving open for the
// life of the process) a dated log file under cfg.LogDir.
func New(cfg Config) (zerolog.Logger, *os.File, error) {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("logging: create log dir: %w", err)
	}

	logPath := filepath.Join(cfg.LogDir, fmt.Sprintf("voicemoded_%s.log", time.Now().Format("2006-01-02")))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("logging: open log file: %w", err)
	}

	var writers []io.Writer
	writers = append(writers, file)
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	logger := zerolog.New(io.MultiWriter(writers...)).With().Timestamp().Str("app", "voicemoded").Logger()
	return logger, file, nil
}
