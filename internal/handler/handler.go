package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clinsim/ecos/internal/exam"
	"github.com/clinsim/ecos/internal/i18n"
	"github.com/clinsim/ecos/internal/model"
	"github.com/clinsim/ecos/internal/quota"
	"github.com/clinsim/ecos/internal/store"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store     *store.Store
	manager   *exam.Manager
	evaluator *exam.Evaluator
	quota     *quota.Tracker
}

// New creates a new Handler.
func New(s *store.Store, m *exam.Manager, e *exam.Evaluator, q *quota.Tracker) *Handler {
	return &Handler{store: s, manager: m, evaluator: e, quota: q}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/sessions", h.handleStartSession)
	r.Post("/sessions/{id}/turns", h.handlePostTurn)
	r.Post("/sessions/{id}/complete", h.handleCompleteSession)
	r.Get("/sessions/{id}/report", h.handleGetReport)
	r.Get("/quota", h.handleQuota)

	r.Group(func(admin chi.Router) {
		admin.Use(h.requireInstructor)
		admin.Post("/scenarios", h.handleCreateScenario)
		admin.Get("/scenarios", h.handleListScenarios)
		admin.Get("/scenarios/{id}", h.handleGetScenario)
		admin.Put("/scenarios/{id}", h.handleUpdateScenario)
		admin.Delete("/scenarios/{id}", h.handleDeleteScenario)
		admin.Get("/sessions", h.handleListSessions)
	})
}

type startSessionRequest struct {
	StudentID  string `json:"studentId"`
	ScenarioID string `json:"scenarioId"`
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StudentID == "" || req.ScenarioID == "" {
		respondError(w, http.StatusBadRequest, "studentId and scenarioId are required")
		return
	}

	sessionID, err := h.manager.StartSession(r.Context(), req.ScenarioID, req.StudentID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"sessionId": sessionID})
}

type postTurnRequest struct {
	Text string `json:"text"`
}

func (h *Handler) handlePostTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req postTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return
	}

	sess, err := h.store.GetSession(sessionID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if sess == nil {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}

	// The quota charge and its check are one atomic statement; a refused
	// attempt leaves the counter untouched.
	if _, err := h.quota.Reserve(sess.StudentID, time.Now()); err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	reply, err := h.manager.PostStudentTurn(r.Context(), sessionID, req.Text)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

func (h *Handler) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	if err := h.manager.CompleteSession(r.Context(), sessionID); err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{})
}

func (h *Handler) handleGetReport(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	sess, err := h.store.GetSession(sessionID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if sess == nil {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}

	report, err := h.store.GetReport(sessionID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if report == nil {
		if sess.Status != model.StatusCompleted {
			respondError(w, http.StatusNotFound, "report not available")
			return
		}
		// Completed session without a report: the queued evaluation was
		// lost or failed. Regenerate on demand.
		slog.Info("regenerating missing report on demand", "session_id", sessionID)
		report, err = h.evaluator.Evaluate(r.Context(), sessionID)
		if err != nil {
			h.respondDomainError(w, r, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"report": report})
}

func (h *Handler) handleQuota(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "userId is required")
		return
	}
	status, err := h.quota.Status(userID, time.Now())
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps the error taxonomy onto HTTP statuses, with
// localized client-facing messages. Details stay in the server log.
func (h *Handler) respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, exam.ErrNotFound):
		respondError(w, http.StatusNotFound, i18n.T(ctx, "error.not_found"))
	case errors.Is(err, exam.ErrInvalidState):
		respondError(w, http.StatusConflict, i18n.T(ctx, "error.session_completed"))
	case errors.Is(err, quota.ErrQuotaExceeded):
		respondError(w, http.StatusTooManyRequests, i18n.T(ctx, "error.quota_exceeded"))
	default:
		slog.Error("internal error", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
