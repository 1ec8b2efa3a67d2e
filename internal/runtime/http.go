package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/openscribe/scribe-core/internal/engine"
	"github.com/openscribe/scribe-core/internal/engine/summarize"
	"github.com/openscribe/scribe-core/internal/session"
)

func (r *Runtime) routes(metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.HandleFunc("/api/status", r.handleStatus)
	mux.HandleFunc("/api/sessions", r.handleSessions)
	mux.HandleFunc("/api/session/start", r.handleSessionStart)
	mux.HandleFunc("/api/session/stop", r.handleSessionStop)
	mux.HandleFunc("/api/engines/switch", r.handleEngineSwitch)
	mux.HandleFunc("/api/summarize", r.handleSummarize)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.busClient == nil || r.busClient.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.writeJSON(w, http.StatusOK, map[string]any{
		"session": r.controller.LiveStatus(),
		"engines": r.controller.EngineStatus(),
	})
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	records, err := r.store.ListSessions(req.Context(), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	r.writeJSON(w, http.StatusOK, map[string]any{"sessions": records})
}

func (r *Runtime) handleSessionStart(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var start session.StartRequest
	if err := json.NewDecoder(req.Body).Decode(&start); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	info, err := r.controller.StartSession(req.Context(), start)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrSessionActive) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	r.writeJSON(w, http.StatusCreated, info)
}

func (r *Runtime) handleSessionStop(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	final, err := r.controller.StopSession(req.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrNoActiveSession) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	r.writeJSON(w, http.StatusOK, final)
}

func (r *Runtime) handleEngineSwitch(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Capability string `json:"capability"`
		Name       string `json:"name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	err := r.controller.SwitchEngine(req.Context(), engine.Capability(body.Capability), body.Name)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, engine.ErrNotRegistered):
			status = http.StatusNotFound
		case errors.Is(err, engine.ErrBusy):
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	r.writeJSON(w, http.StatusOK, map[string]string{
		"capability": body.Capability,
		"current":    body.Name,
	})
}

func (r *Runtime) handleSummarize(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Text        string `json:"text"`
		ActionItems bool   `json:"action_items"`
		KeyPoints   bool   `json:"key_points"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Text == "" {
		http.Error(w, "text must not be empty", http.StatusBadRequest)
		return
	}
	summary, err := r.controller.SummarizeText(req.Context(), body.Text, summarize.Options{
		ActionItems: body.ActionItems,
		KeyPoints:   body.KeyPoints,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	r.writeJSON(w, http.StatusOK, summary)
}

func (r *Runtime) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}
