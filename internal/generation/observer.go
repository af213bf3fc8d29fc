package generation

import "time"

// LogLine is a progress message for the user, mirrored from the engine log.
type LogLine struct {
	RunID   string         `json:"run_id"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Time    time.Time      `json:"time"`
}

// Observer receives every card transition and log line of a run. Calls
// come from the goroutine running the engine, in order.
type Observer interface {
	OnCard(card Card)
	OnLog(line LogLine)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) OnCard(Card)    {}
func (NopObserver) OnLog(LogLine) {}

// MultiObserver fans out to several observers in order.
type MultiObserver []Observer

func (m MultiObserver) OnCard(card Card) {
	for _, o := range m {
		o.OnCard(card)
	}
}

func (m MultiObserver) OnLog(line LogLine) {
	for _, o := range m {
		o.OnLog(line)
	}
}

// ObserverFuncs adapts plain functions. Nil fields are skipped.
type ObserverFuncs struct {
	Card func(Card)
	Log  func(LogLine)
}

func (f ObserverFuncs) OnCard(card Card) {
	if f.Card != nil {
		f.Card(card)
	}
}

func (f ObserverFuncs) OnLog(line LogLine) {
	if f.Log != nil {
		f.Log(line)
	}
}
