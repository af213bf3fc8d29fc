// Package events fans run updates out to live subscribers (SSE clients).
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/storyreel/storyreel-agent/internal/generation"
)

// Event types.
const (
	TypeCard = "card"
	TypeLog  = "log"
	TypeRun  = "run"
)

// TopicAll receives every event published on any topic.
const TopicAll = "*"

// Event is one message on the stream.
type Event struct {
	Type  string    `json:"type"`
	RunID string    `json:"run_id"`
	Data  any       `json:"data"`
	Time  time.Time `json:"time"`
}

// Hub keeps topic subscriptions. The topic of a run is its id. Slow
// subscribers miss messages instead of blocking publishers.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]map[chan []byte]struct{}
	logger  *slog.Logger
	dropped atomic.Int64
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		topics: make(map[string]map[chan []byte]struct{}),
		logger: logger,
	}
}

// Subscribe registers a buffered channel for topic. The returned function
// unsubscribes and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(topic string, buffer int) (<-chan []byte, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan []byte, buffer)

	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[chan []byte]struct{})
		h.topics[topic] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if subs, ok := h.topics[topic]; ok {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(h.topics, topic)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish sends ev to the subscribers of topic and of TopicAll.
func (h *Hub) Publish(topic string, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("failed to encode event", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	h.send(h.topics[topic], msg)
	if topic != TopicAll {
		h.send(h.topics[TopicAll], msg)
	}
}

func (h *Hub) send(subs map[chan []byte]struct{}, msg []byte) {
	for ch := range subs {
		select {
		case ch <- msg:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of subscribers of topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Total returns the number of subscriptions over all topics.
func (h *Hub) Total() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.topics {
		n += len(subs)
	}
	return n
}

// Dropped returns how many messages were dropped for slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Observer publishes the card updates and log lines of a run.
func (h *Hub) Observer(runID string) generation.Observer {
	return runObserver{hub: h, runID: runID}
}

type runObserver struct {
	hub   *Hub
	runID string
}

func (o runObserver) OnCard(card generation.Card) {
	o.hub.Publish(o.runID, Event{Type: TypeCard, RunID: o.runID, Data: card})
}

func (o runObserver) OnLog(line generation.LogLine) {
	o.hub.Publish(o.runID, Event{Type: TypeLog, RunID: o.runID, Data: line, Time: line.Time})
}
