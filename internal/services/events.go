package services

import (
	"sync"
	"time"
)

const (
	subscriberBuffer = 64
	replaySize       = 128
)

// OpsEvent is an operational change pushed to connected admin dashboards.
type OpsEvent struct {
	ID        uint64    `json:"id"`
	Kind      string    `json:"kind"` // circuit, budget
	Severity  string    `json:"severity"`
	Provider  string    `json:"provider,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Threshold int       `json:"threshold,omitempty"`
	SpentUSD  float64   `json:"spentUSD,omitempty"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// EventHub fans out events to the dashboards connected to this instance.
// It keeps the last replaySize events so a dashboard that reconnects with
// the last id it saw does not miss anything in between.
type EventHub struct {
	mu     sync.Mutex
	lastID uint64
	recent []OpsEvent
	subs   map[*Subscription]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[*Subscription]struct{})}
}

// Subscription receives the events of the kinds it asked for, or all kinds
// when none were given.
type Subscription struct {
	hub   *EventHub
	kinds map[string]bool
	ch    chan OpsEvent
	once  sync.Once
}

func (s *Subscription) Events() <-chan OpsEvent { return s.ch }

func (s *Subscription) wants(e OpsEvent) bool {
	return len(s.kinds) == 0 || s.kinds[e.Kind]
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe registers a listener. Buffered events newer than afterID are
// delivered first; pass 0 for live events only.
func (h *EventHub) Subscribe(afterID uint64, kinds ...string) *Subscription {
	s := &Subscription{hub: h, ch: make(chan OpsEvent, subscriberBuffer)}
	if len(kinds) > 0 {
		s.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if afterID > 0 {
		for _, e := range h.recent {
			if e.ID > afterID && s.wants(e) {
				select {
				case s.ch <- e:
				default:
				}
			}
		}
	}
	h.subs[s] = struct{}{}
	return s
}

// Publish stamps the event and hands it to every matching subscriber. A
// subscriber whose buffer is full misses it.
func (h *EventHub) Publish(event OpsEvent) {
	if h == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastID++
	event.ID = h.lastID
	if len(h.recent) == replaySize {
		copy(h.recent, h.recent[1:])
		h.recent = h.recent[:replaySize-1]
	}
	h.recent = append(h.recent, event)

	for s := range h.subs {
		if !s.wants(event) {
			continue
		}
		select {
		case s.ch <- event:
		default:
		}
	}
}

func (h *EventHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
