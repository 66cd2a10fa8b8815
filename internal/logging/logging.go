package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where and how verbosely the server logs.
type Options struct {
	Level      string
	File       string // empty logs to stdout only
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	JSON       bool
}

// Logger wraps a logrus logger and the rotating file behind it, if any.
type Logger struct {
	*logrus.Logger
	file *lumberjack.Logger
}

// New builds a logger writing to stdout and, when File is set, to a
// size-rotated log file.
func New(o Options) (*Logger, error) {
	level, err := logrus.ParseLevel(strings.TrimSpace(o.Level))
	if err != nil {
		if o.Level != "" {
			return nil, fmt.Errorf("invalid log level %q", o.Level)
		}
		level = logrus.InfoLevel
	}

	l := &Logger{Logger: logrus.New()}
	l.SetLevel(level)
	if o.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	}

	var out io.Writer = os.Stdout
	if o.File != "" {
		if dir := filepath.Dir(o.File); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create log directory %s: %w", dir, err)
			}
		}
		l.file = &lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    o.MaxSizeMB,
			MaxBackups: o.MaxBackups,
			MaxAge:     o.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, l.file)
	}
	l.SetOutput(out)
	return l, nil
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
