package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/clinsim/ecos/internal/model"
	"github.com/clinsim/ecos/internal/store"
)

// requireInstructor guards the scenario management endpoints. The caller
// presents an access key as a bearer token; it must match one of the active
// instructors seeded at startup. The matched instructor travels in the
// request context instead of any global allow-list.
func (h *Handler) requireInstructor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := bearerToken(r)
		if !ok {
			respondError(w, http.StatusUnauthorized, "instructor key required")
			return
		}

		instructors, err := h.store.ListActiveInstructors()
		if err != nil {
			slog.Error("failed to list instructors", "error", err)
			respondError(w, http.StatusInternalServerError, "internal error")
			return
		}

		for i := range instructors {
			ins := &instructors[i]
			if bcrypt.CompareHashAndPassword([]byte(ins.KeyHash), []byte(key)) == nil {
				ctx := model.ContextWithInstructor(r.Context(), ins)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		respondError(w, http.StatusForbidden, "invalid instructor key")
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(auth[len(prefix):])
	return token, token != ""
}

type scenarioRequest struct {
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	PersonaPrompt string            `json:"personaPrompt"`
	KnowledgeRef  string            `json:"knowledgeRef"`
	Rubric        []model.Criterion `json:"rubric"`
}

func (h *Handler) handleCreateScenario(w http.ResponseWriter, r *http.Request) {
	var req scenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" || req.PersonaPrompt == "" || len(req.Rubric) == 0 {
		respondError(w, http.StatusBadRequest, "title, personaPrompt and rubric are required")
		return
	}

	sc := model.Scenario{
		ID:            uuid.New().String(),
		Title:         req.Title,
		Description:   req.Description,
		PersonaPrompt: req.PersonaPrompt,
		KnowledgeRef:  req.KnowledgeRef,
		Rubric:        req.Rubric,
	}
	if err := h.store.CreateScenario(sc); err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	ins := model.InstructorFromContext(r.Context())
	slog.Info("scenario created", "scenario_id", sc.ID, "instructor", ins.Name)
	respondJSON(w, http.StatusCreated, map[string]string{"scenarioId": sc.ID})
}

func (h *Handler) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	scenarios, err := h.store.ListScenarios()
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if scenarios == nil {
		scenarios = []model.Scenario{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"scenarios": scenarios})
}

func (h *Handler) handleGetScenario(w http.ResponseWriter, r *http.Request) {
	sc, err := h.store.GetScenario(chi.URLParam(r, "id"))
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if sc == nil {
		respondError(w, http.StatusNotFound, "scenario not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"scenario": sc})
}

func (h *Handler) handleUpdateScenario(w http.ResponseWriter, r *http.Request) {
	var req scenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sc := model.Scenario{
		ID:            chi.URLParam(r, "id"),
		Title:         req.Title,
		Description:   req.Description,
		PersonaPrompt: req.PersonaPrompt,
		KnowledgeRef:  req.KnowledgeRef,
		Rubric:        req.Rubric,
	}
	found, err := h.store.UpdateScenario(sc)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "scenario not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{})
}

func (h *Handler) handleDeleteScenario(w http.ResponseWriter, r *http.Request) {
	err := h.store.DeleteScenario(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrScenarioInUse) {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions()
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}
