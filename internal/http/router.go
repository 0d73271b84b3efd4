package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"ai-voice-orchestrator-service/internal/app"
	"ai-voice-orchestrator-service/internal/service/fault"
	"ai-voice-orchestrator-service/internal/service/orchestrator"
)

const readinessTimeout = 2 * time.Second

// NewRouter constructs the HTTP router for the service.
func NewRouter(application *app.Application) http.Handler {
	h := &handlers{app: application}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", h.readiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/calls", func(r chi.Router) {
		r.Get("/", h.listCalls)
		r.Route("/{callID}", func(r chi.Router) {
			r.Get("/", h.getCall)
			r.Get("/turns", h.getTurns)
			r.Get("/tools", h.getToolAudit)
			r.Post("/interrupt", h.interrupt)
			r.Post("/end", h.end)
		})
	})
	r.Get("/v1/handoffs/{handoffID}", h.getHandoff)

	return r
}

type handlers struct {
	app *app.Application
}

func (h *handlers) readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	if err := h.app.Ready(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (h *handlers) listCalls(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"calls": h.app.Manager.ActiveCalls()})
}

func (h *handlers) getCall(w http.ResponseWriter, r *http.Request) {
	info, err := h.app.Manager.Call(chi.URLParam(r, "callID"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// getTurns returns the finalized turns of an active or recently ended call.
func (h *handlers) getTurns(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	turns, ok := h.app.Turns.Turns(callID)
	if !ok {
		writeError(w, http.StatusNotFound, orchestrator.ErrUnknownCall)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"call_id": callID, "turns": turns})
}

func (h *handlers) getToolAudit(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	writeJSON(w, http.StatusOK, map[string]any{"call_id": callID, "entries": h.app.Audit.Entries(callID)})
}

func (h *handlers) interrupt(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Manager.Interrupt(chi.URLParam(r, "callID")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) end(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "ended by operator"
	}
	if err := h.app.Manager.EndCall(callID, reason); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) getHandoff(w http.ResponseWriter, r *http.Request) {
	p, ok := h.app.Manager.Handoff(chi.URLParam(r, "handoffID"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown handoff"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownCall):
		return http.StatusNotFound
	case errors.Is(err, fault.ErrStateViolation):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
