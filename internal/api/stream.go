package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/storyreel/storyreel-agent/internal/events"
)

const (
	streamBuffer    = 64
	streamHeartbeat = 15 * time.Second
)

// runEventsHandler streams card, log and run events of a run as
// server-sent events. The stream opens with a snapshot of the cards.
func runEventsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Hub == nil {
			WriteError(w, http.StatusServiceUnavailable, "event stream is not available", "UNAVAILABLE")
			return
		}
		run, ok := loadRun(cfg, w, r)
		if !ok {
			return
		}
		topic := run.CardRunID()

		// Subscribe before the snapshot so no update falls between them.
		ch, unsubscribe := cfg.Hub.Subscribe(topic, streamBuffer)
		defer unsubscribe()

		cards, err := cfg.Service.ListCards(r.Context(), topic)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		rc := http.NewResponseController(w)
		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		fmt.Fprint(w, ": connected\n\n")
		for _, c := range cards {
			msg, err := json.Marshal(events.Event{Type: events.TypeCard, RunID: topic, Data: c, Time: c.UpdatedAt})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
		}
		if err := rc.Flush(); err != nil {
			cfg.Logger.Warn("event stream cannot flush", "error", err)
			return
		}

		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fmt.Fprintf(w, "data: %s\n\n", msg)
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
