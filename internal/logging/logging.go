// Package logging builds the process logger: logrus, optionally teed into a
// size-rotated file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config configures New.
type Config struct {
	// Level is a logrus level name; unknown names fall back to info.
	Level string
	// File, when set, receives a copy of every entry and is rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Output is the console writer. Defaults to stderr.
	Output io.Writer
	// JSON switches to the JSON formatter.
	JSON bool
}

func (c Config) withDefaults() Config {
	if c.Output == nil {
		c.Output = os.Stderr
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 20
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 5
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 30
	}
	return c
}

// New returns a configured logger and a close function for its file.
func New(cfg Config) (*logrus.Logger, func() error, error) {
	cfg = cfg.withDefaults()

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.JSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	closeFn := func() error { return nil }
	out := cfg.Output
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		out = io.MultiWriter(cfg.Output, file)
		closeFn = file.Close
	}
	log.SetOutput(out)
	return log, closeFn, nil
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
