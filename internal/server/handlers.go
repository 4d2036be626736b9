package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/voterd/voterd/internal/orchestrator"
	"github.com/voterd/voterd/internal/scheduler"
)

// HealthResponse is the payload the supervisor polls.
type HealthResponse struct {
	Healthy                    bool   `json:"healthy"`
	SecondsSinceLastTransition int64  `json:"seconds_since_last_transition"`
	IsTransitioningFast        bool   `json:"is_transitioning_fast"`
	AgentState                 string `json:"agent_state"`
	Timestamp                  int64  `json:"timestamp"`
}

// StatusResponse is the richer view behind GET /status.
type StatusResponse struct {
	State           string `json:"state"`
	RunID           string `json:"run_id,omitempty"`
	Running         bool   `json:"running"`
	LastTransition  int64  `json:"last_transition"`
	TransitionGapMS int64  `json:"transition_gap_ms"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.status.Status()
	now := s.now()

	last := st.LastTransition
	if last.IsZero() {
		// No run yet: measure from process start so a stuck startup still
		// trips the threshold.
		last = s.started
	}
	sinceLast := now.Sub(last)

	healthy := st.State != orchestrator.StateFailed && sinceLast <= s.config.UnhealthyAfter

	writeJSON(w, http.StatusOK, HealthResponse{
		Healthy:                    healthy,
		SecondsSinceLastTransition: int64(sinceLast.Seconds()),
		IsTransitioningFast:        st.TransitionGap > 0 && st.TransitionGap < s.config.FastTransitionBelow,
		AgentState:                 string(st.State),
		Timestamp:                  now.Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.status.Status()
	writeJSON(w, http.StatusOK, StatusResponse{
		State:           string(st.State),
		RunID:           st.RunID,
		Running:         s.trigger.Running(),
		LastTransition:  st.LastTransition.Unix(),
		TransitionGapMS: st.TransitionGap.Milliseconds(),
	})
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	err := s.trigger.TriggerNow()
	switch {
	case errors.Is(err, scheduler.ErrBusy):
		writeError(w, http.StatusConflict, "a run is already in progress")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
