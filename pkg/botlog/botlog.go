// Package botlog writes a bot's log lines to per-day files:
//
//	<logsDir>/<botID>/<class>_<YYYYMMDD>.log
//
// where class is "chat" for lines received from the server and "console"
// for everything else. Each line is prefixed with a timestamp in the
// configured time zone.
package botlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"botfleet/pkg/protocol"
)

// File classes.
const (
	ClassChat    = "chat"
	ClassConsole = "console"
)

// DefaultMaxSizeMB caps a single day file before lumberjack rotates it.
const DefaultMaxSizeMB = 50

// ClassFor maps a log channel to its file class.
func ClassFor(ch protocol.Channel) string {
	if ch.IsConversation() {
		return ClassChat
	}
	return ClassConsole
}

// FileName returns the file name for class on the day of t.
func FileName(class string, t time.Time) string {
	return fmt.Sprintf("%s_%s.log", class, t.Format("20060102"))
}

// Writer appends lines to one bot's log files. It is safe for concurrent use.
type Writer struct {
	dir       string
	loc       *time.Location
	maxSizeMB int
	nowFunc   func() time.Time

	mu    sync.Mutex
	files map[string]*dayFile
}

type dayFile struct {
	day string
	out *lumberjack.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.nowFunc = now }
}

// WithMaxSize overrides the per-file size cap in megabytes.
func WithMaxSize(mb int) Option {
	return func(w *Writer) { w.maxSizeMB = mb }
}

// Open prepares the bot's log directory under logsDir.
func Open(logsDir, botID string, loc *time.Location, opts ...Option) (*Writer, error) {
	if loc == nil {
		loc = time.UTC
	}
	dir := filepath.Join(logsDir, botID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create bot log dir %s: %w", dir, err)
	}
	w := &Writer{
		dir:       dir,
		loc:       loc,
		maxSizeMB: DefaultMaxSizeMB,
		nowFunc:   time.Now,
		files:     make(map[string]*dayFile),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Dir returns the bot's log directory.
func (w *Writer) Dir() string { return w.dir }

// Write appends line to the file for ch's class.
func (w *Writer) Write(ch protocol.Channel, line string) error {
	now := w.nowFunc().In(w.loc)
	class := ClassFor(ch)
	day := now.Format("20060102")

	w.mu.Lock()
	defer w.mu.Unlock()

	f := w.files[class]
	if f == nil || f.day != day {
		if f != nil {
			_ = f.out.Close()
		}
		f = &dayFile{
			day: day,
			out: &lumberjack.Logger{
				Filename:   filepath.Join(w.dir, FileName(class, now)),
				MaxSize:    w.maxSizeMB,
				MaxBackups: 3,
			},
		}
		w.files[class] = f
	}

	entry := fmt.Sprintf("[%s] %s\n", now.Format("2006-01-02 15:04:05"), line)
	if _, err := f.out.Write([]byte(entry)); err != nil {
		return fmt.Errorf("write %s log: %w", class, err)
	}
	return nil
}

// Close closes all open files.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for class, f := range w.files {
		if err := f.out.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s log: %w", class, err)
		}
		delete(w.files, class)
	}
	return firstErr
}
