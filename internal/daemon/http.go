package daemon

import (
	"encoding/json"
	"net/http"
	"time"

	"ctrlplane/internal/sessionstate"
	"ctrlplane/internal/supervisor"
)

// sessionInfo is the JSON-facing view of a supervisor.Session. The
// {id, name, path, state, isActive, agentId} field names are what the
// shipped front-ends consume and must stay bit-exact; the rest
// (detectionStrategy, command, createdAt) are CLI-convenience extras.
type sessionInfo struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Path              string             `json:"path"`
	AgentID           string             `json:"agentId"`
	DetectionStrategy string             `json:"detectionStrategy"`
	Command           string             `json:"command"`
	State             sessionstate.State `json:"state"`
	IsActive          bool               `json:"isActive"`
	CreatedAt         string             `json:"createdAt"`
}

// Handler returns the daemon's JSON API: session listing/creation/removal,
// mounted by the serve command alongside WS at /ws. This is deliberately
// thin — a CLI convenience surface, not a replacement for the two
// out-of-scope "real" front-ends, so it gets a hand-rolled encoding/json
// mux rather than a router dependency.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", d.handleSessions)
	mux.HandleFunc("/api/sessions/", d.handleSession)
	mux.Handle("/ws", d.WS)
	return mux
}

func (d *Daemon) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var out []sessionInfo
		for _, s := range d.Registry.List() {
			out = append(out, toSessionInfo(s))
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var req SessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s, err := d.CreateSession(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, toSessionInfo(s))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (d *Daemon) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/api/sessions/"):]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s, ok := d.Registry.Get(id)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, toSessionInfo(s))
	case http.MethodDelete:
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "stopped via CLI"
		}
		d.Registry.StopSession(id, reason)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func toSessionInfo(s *supervisor.Session) sessionInfo {
	return sessionInfo{
		ID:                s.ID,
		Name:              s.Name,
		Path:              s.WorktreePath,
		AgentID:           s.AgentID,
		DetectionStrategy: string(s.DetectionStrategy),
		Command:           s.Command,
		State:             s.State(),
		IsActive:          s.IsActive(),
		CreatedAt:         s.CreatedAt.Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
