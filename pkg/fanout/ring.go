package fanout

import "sync"

// LogRing is a bounded FIFO of log lines. When full, the oldest line is
// evicted to make room for the new one.
type LogRing struct {
	mu    sync.Mutex
	lines []LogLine
	cap   int
}

// NewLogRing creates a ring with the given capacity.
func NewLogRing(capacity int) *LogRing {
	capacity = max(capacity, 0)
	return &LogRing{
		lines: make([]LogLine, 0, capacity),
		cap:   capacity,
	}
}

// Add appends a line, evicting the oldest when full.
func (r *LogRing) Add(line LogLine) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cap <= 0 {
		return
	}
	if len(r.lines) >= r.cap {
		copy(r.lines, r.lines[1:])
		r.lines[len(r.lines)-1] = line
	} else {
		r.lines = append(r.lines, line)
	}
}

// Lines returns a copy of the buffered lines, oldest first.
func (r *LogRing) Lines() []LogLine {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.lines) == 0 {
		return nil
	}
	out := make([]LogLine, len(r.lines))
	copy(out, r.lines)
	return out
}

// Len returns the number of buffered lines.
func (r *LogRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}
