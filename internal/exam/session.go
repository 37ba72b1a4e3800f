package exam

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clinsim/ecos/internal/llm/prompts"
	"github.com/clinsim/ecos/internal/model"
	"github.com/clinsim/ecos/internal/retrieval"
	"github.com/clinsim/ecos/internal/store"
)

// PatientModel is the language-model collaborator as the session manager
// sees it.
type PatientModel interface {
	PatientReply(ctx context.Context, personaPrompt string, turns []model.Turn) (string, error)
}

// Manager owns the session state machine: creation, turn exchange and
// completion. Completed sessions are handed to the evaluation queue.
type Manager struct {
	store     *store.Store
	patient   PatientModel
	retriever retrieval.Retriever
	queue     *Queue
}

// NewManager creates a session Manager.
func NewManager(s *store.Store, p PatientModel, r retrieval.Retriever, q *Queue) *Manager {
	if r == nil {
		r = retrieval.Noop{}
	}
	return &Manager{store: s, patient: p, retriever: r, queue: q}
}

// StartSession creates a session in state in_progress for the scenario.
func (m *Manager) StartSession(ctx context.Context, scenarioID, studentID string) (string, error) {
	scenario, err := m.store.GetScenario(scenarioID)
	if err != nil {
		return "", fmt.Errorf("load scenario: %w", err)
	}
	if scenario == nil {
		return "", fmt.Errorf("scenario %s: %w", scenarioID, ErrNotFound)
	}

	sess := model.Session{
		ID:         uuid.New().String(),
		ScenarioID: scenarioID,
		StudentID:  studentID,
		StartedAt:  time.Now(),
	}
	if err := m.store.CreateSession(sess); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	slog.Info("session started", "session_id", sess.ID, "scenario_id", scenarioID, "student_id", studentID)
	return sess.ID, nil
}

// PostStudentTurn appends a student turn, asks the model for the patient's
// reply using the full ordered history, and persists the pair atomically.
// The pair lands only after the reply arrives, so the log never holds an
// unanswered student turn.
func (m *Manager) PostStudentTurn(ctx context.Context, sessionID, text string) (string, error) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return "", fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if sess.Status != model.StatusInProgress {
		return "", fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, ErrInvalidState)
	}

	scenario, err := m.store.GetScenario(sess.ScenarioID)
	if err != nil {
		return "", fmt.Errorf("load scenario: %w", err)
	}
	if scenario == nil {
		return "", fmt.Errorf("scenario %s: %w", sess.ScenarioID, ErrNotFound)
	}

	history, err := m.store.GetTurns(sessionID)
	if err != nil {
		return "", fmt.Errorf("load turns: %w", err)
	}

	// Retrieval failure is a degraded mode: the patient simply answers
	// without reference material.
	var passages []string
	if scenario.KnowledgeRef != "" {
		passages, err = m.retriever.Retrieve(ctx, scenario.KnowledgeRef, text)
		if err != nil {
			slog.Warn("retrieval failed, continuing without passages",
				"session_id", sessionID, "error", err)
			passages = nil
		}
	}

	persona := prompts.BuildPersonaPrompt(scenario, passages)
	pending := append(history, model.Turn{
		SessionID: sessionID,
		Role:      model.RoleStudent,
		Content:   prompts.SanitizeContent(text),
	})

	reply, err := m.patient.PatientReply(ctx, persona, pending)
	if err != nil {
		return "", fmt.Errorf("patient reply: %w", err)
	}

	if err := m.store.AppendTurnPair(sessionID, text, reply); err != nil {
		return "", fmt.Errorf("persist turns: %w", err)
	}
	return reply, nil
}

// CompleteSession flips the session to completed and enqueues its
// evaluation. The transition is single-shot: a second call fails with
// ErrInvalidState and performs no mutation. Evaluation is best-effort; a
// queue or grading failure never rolls back the completed status.
func (m *Manager) CompleteSession(ctx context.Context, sessionID string) error {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	completed, err := m.store.CompleteSession(sessionID, time.Now())
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if !completed {
		return fmt.Errorf("session %s already completed: %w", sessionID, ErrInvalidState)
	}

	slog.Info("session completed", "session_id", sessionID)
	if m.queue != nil {
		m.queue.Enqueue(sessionID)
	}
	return nil
}
