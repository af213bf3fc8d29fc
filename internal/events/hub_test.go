package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/storyreel/storyreel-agent/internal/generation"
)

func receive(t *testing.T, ch <-chan []byte) Event {
	t.Helper()
	select {
	case msg := <-ch:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("bad event %q: %v", msg, err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestHub_PublishToTopicAndAll(t *testing.T) {
	h := NewHub(nil)
	runCh, unsubRun := h.Subscribe("run-1", 4)
	defer unsubRun()
	allCh, unsubAll := h.Subscribe(TopicAll, 4)
	defer unsubAll()
	otherCh, unsubOther := h.Subscribe("run-2", 4)
	defer unsubOther()

	h.Publish("run-1", Event{Type: TypeRun, RunID: "run-1", Data: "running"})

	if ev := receive(t, runCh); ev.Type != TypeRun || ev.Data != "running" || ev.Time.IsZero() {
		t.Errorf("run event = %+v", ev)
	}
	if ev := receive(t, allCh); ev.RunID != "run-1" {
		t.Errorf("all event = %+v", ev)
	}
	select {
	case msg := <-otherCh:
		t.Errorf("other topic received %s", msg)
	default:
	}
}

func TestHub_DropsForSlowSubscriber(t *testing.T) {
	h := NewHub(nil)
	_, unsub := h.Subscribe("run-1", 1)
	defer unsub()

	h.Publish("run-1", Event{Type: TypeLog})
	h.Publish("run-1", Event{Type: TypeLog})
	h.Publish("run-1", Event{Type: TypeLog})

	if h.Dropped() != 2 {
		t.Errorf("dropped = %d, want 2", h.Dropped())
	}
}

func TestHub_UnsubscribeClosesOnce(t *testing.T) {
	h := NewHub(nil)
	ch, unsub := h.Subscribe("run-1", 1)
	if h.Subscribers("run-1") != 1 {
		t.Fatalf("subscribers = %d", h.Subscribers("run-1"))
	}
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Error("channel not closed")
	}
	if h.Subscribers("run-1") != 0 {
		t.Errorf("subscribers = %d after unsubscribe", h.Subscribers("run-1"))
	}
	h.Publish("run-1", Event{Type: TypeLog})
}

func TestHub_Observer(t *testing.T) {
	h := NewHub(nil)
	ch, unsub := h.Subscribe("run-1", 4)
	defer unsub()

	obs := h.Observer("run-1")
	obs.OnCard(generation.Card{RunID: "run-1", Scene: 2, Copy: 1, Status: generation.StatusReady})
	obs.OnLog(generation.LogLine{RunID: "run-1", Message: "hello", Time: time.Now()})

	card := receive(t, ch)
	data, _ := card.Data.(map[string]any)
	if card.Type != TypeCard || data["status"] != "READY" || data["scene"] != float64(2) {
		t.Errorf("card event = %+v", card)
	}
	if log := receive(t, ch); log.Type != TypeLog {
		t.Errorf("log event = %+v", log)
	}
}
