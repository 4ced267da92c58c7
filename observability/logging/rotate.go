package logging

import (
	"io"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOptions configures size-based rotation for a log file.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Output returns the destination for structured logs: stdout when no path is
// configured, otherwise a rotating file.
func Output(opts FileOptions) io.Writer {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return os.Stdout
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 100
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
}
