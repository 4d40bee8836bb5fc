package fanout

import (
	"sync"
	"sync/atomic"
)

// DefaultHistory is the number of recent log lines kept per bot.
const DefaultHistory = 200

// Hub broadcasts events to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and its drop counter increases.
type Hub struct {
	history int

	mu   sync.Mutex
	subs map[*Subscription]struct{}
	logs map[string]*LogRing
}

// NewHub creates a Hub keeping history recent log lines per bot.
func NewHub(history int) *Hub {
	return &Hub{
		history: history,
		subs:    make(map[*Subscription]struct{}),
		logs:    make(map[string]*LogRing),
	}
}

// Subscription receives events from a Hub.
type Subscription struct {
	hub     *Hub
	ch      chan Event
	dropped atomic.Int64
	once    sync.Once
}

// Subscribe registers a subscriber with the given buffer size.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	s := &Subscription{hub: h, ch: make(chan Event, buffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unregisters the subscriber and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		close(s.ch)
		s.hub.mu.Unlock()
	})
}

// Publish delivers ev to every subscriber. Log lines are also kept in the
// bot's history; bot:removed forgets it.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch ev.Type {
	case EventLog:
		if ev.Log != nil && ev.BotID != "" {
			ring := h.logs[ev.BotID]
			if ring == nil {
				ring = NewLogRing(h.history)
				h.logs[ev.BotID] = ring
			}
			ring.Add(*ev.Log)
		}
	case EventRemoved:
		delete(h.logs, ev.BotID)
	}

	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// RecentLogs returns the buffered log lines for botID, oldest first.
func (h *Hub) RecentLogs(botID string) []LogLine {
	h.mu.Lock()
	ring := h.logs[botID]
	h.mu.Unlock()
	if ring == nil {
		return nil
	}
	return ring.Lines()
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
