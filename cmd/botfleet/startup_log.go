package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// startupLog prints step-by-step `serve` progress, with a spinner on TTYs.
type startupLog struct {
	w     io.Writer
	isTTY bool
	mu    sync.Mutex
}

func newStartupLog(w io.Writer, isTTY bool) *startupLog {
	return &startupLog{w: w, isTTY: isTTY}
}

// Step prints a completed step with a checkmark.
func (s *startupLog) Step(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "✓ %s\n", msg)
}

// Fail prints a failed step.
func (s *startupLog) Fail(msg string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "✗ %s: %v\n", msg, err)
}

// StartSpinner shows msg until the returned stop function is called, which
// prints the final checkmark. Without a TTY it prints a static line.
func (s *startupLog) StartSpinner(msg string) func() {
	if !s.isTTY {
		s.mu.Lock()
		fmt.Fprintf(s.w, "%s\n", msg)
		s.mu.Unlock()
		return func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			fmt.Fprintf(s.w, "✓ %s\n", msg)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	frames := []rune{'⠋', '⠙', '⠹', '⠸', '⠼', '⠴', '⠦', '⠧', '⠇', '⠏'}

	wg.Go(func() {
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i = (i + 1) % len(frames) {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				fmt.Fprintf(s.w, "\r%c %s", frames[i], msg)
				s.mu.Unlock()
			}
		}
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			s.mu.Lock()
			defer s.mu.Unlock()
			fmt.Fprintf(s.w, "\r✓ %s\n", msg)
		})
	}
}
