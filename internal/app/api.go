package app

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/parley/internal/session"
)

// sessionList is the body of GET /api/sessions.
type sessionList struct {
	Sessions []session.Info `json:"sessions"`
	Active   int            `json:"active"`
	Max      int            `json:"max"`
}

// eventView is the JSON form of a lifecycle event.
type eventView struct {
	Type      string    `json:"type"`
	At        time.Time `json:"at"`
	Seq       int       `json:"seq,omitempty"`
	Role      string    `json:"role,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	LatencyMs int64     `json:"latency_ms,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

func (a *App) listSessions(w http.ResponseWriter, _ *http.Request) {
	list := a.registry.List()
	writeJSON(w, http.StatusOK, sessionList{Sessions: list, Active: len(list), Max: a.registry.Max()})
}

func (a *App) getSession(w http.ResponseWriter, r *http.Request) {
	c, ok := a.registry.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c.Info())
}

// sessionEvents serves the recorded events of a session, live or ended.
func (a *App) sessionEvents(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		http.Error(w, "event log disabled", http.StatusNotFound)
		return
	}
	id := r.PathValue("id")
	events, err := a.store.Events(r.Context(), id)
	if err != nil {
		slog.Warn("read session events failed", "session_id", id, "error", err)
		http.Error(w, "event log unavailable", http.StatusServiceUnavailable)
		return
	}
	if len(events) == 0 {
		if _, live := a.registry.Get(id); !live {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
	}

	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, eventView{
			Type:      string(e.Type),
			At:        e.At,
			Seq:       e.Seq,
			Role:      e.Role,
			Stage:     e.Stage,
			Kind:      e.Kind,
			Attempts:  e.Attempts,
			LatencyMs: e.Latency.Milliseconds(),
			Reason:    e.Reason,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
