package model

import (
	"context"
	"time"
)

// Role represents the speaker of a conversation turn.
type Role string

const (
	RoleStudent Role = "student"
	RolePatient Role = "patient"
)

// SessionStatus represents the status of an exam session.
type SessionStatus string

const (
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
)

// DefaultMaxPoints is the point cap for a rubric criterion unless the
// scenario says otherwise.
const DefaultMaxPoints = 4

// Criterion is one named rubric entry of a scenario.
type Criterion struct {
	Name      string `json:"name"`
	MaxPoints int    `json:"max_points"`
}

// Scenario is an exam template: the patient persona plus the grading rubric.
// Mutated only through explicit instructor edits.
type Scenario struct {
	ID            string      `json:"id"`
	Title         string      `json:"title"`
	Description   string      `json:"description"`
	PersonaPrompt string      `json:"persona_prompt"`
	KnowledgeRef  string      `json:"knowledge_ref,omitempty"`
	Rubric        []Criterion `json:"rubric"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Session is a single exam attempt by a student.
type Session struct {
	ID         string        `json:"id"`
	ScenarioID string        `json:"scenario_id"`
	StudentID  string        `json:"student_id"`
	Status     SessionStatus `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
}

// Turn is one immutable conversation message. The ordered sequence of turns
// for a session is the sole input to grading.
type Turn struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// CriterionScore is the grader's verdict for one rubric criterion.
// Rows are never updated in place; re-evaluation inserts a fresh batch.
type CriterionScore struct {
	ID        int64   `json:"id"`
	SessionID string  `json:"session_id"`
	Criterion string  `json:"criterion"`
	Score     float64 `json:"score"`
	Feedback  string  `json:"feedback"`
	// Defaulted marks scores the heuristic extractor could not find in the
	// grader's output and filled with the neutral mid-score instead.
	Defaulted bool `json:"defaulted"`
}

// Report is the narrative evaluation summary for a completed session.
type Report struct {
	SessionID       string    `json:"session_id"`
	Summary         string    `json:"summary"`
	Strengths       []string  `json:"strengths"`
	Weaknesses      []string  `json:"weaknesses"`
	Recommendations []string  `json:"recommendations"`
	Insufficient    bool      `json:"insufficient_content"`
	AggregateScore  int       `json:"aggregate_score"`
	CreatedAt       time.Time `json:"created_at"`
}

// QuotaStatus is the per-user daily question budget as seen by clients.
type QuotaStatus struct {
	Used         int  `json:"used"`
	Remaining    int  `json:"remaining"`
	LimitReached bool `json:"limitReached"`
}

// Instructor is a member of the static admin allow-list. The access key is
// stored bcrypt-hashed; presenting the matching key grants the scenario
// management endpoints.
type Instructor struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	KeyHash   string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type instructorCtxKey struct{}

// ContextWithInstructor stores the authenticated instructor in the request
// context. Admin handlers read it back instead of consulting global state.
func ContextWithInstructor(ctx context.Context, ins *Instructor) context.Context {
	return context.WithValue(ctx, instructorCtxKey{}, ins)
}

// InstructorFromContext retrieves the authenticated instructor, or nil.
func InstructorFromContext(ctx context.Context) *Instructor {
	ins, _ := ctx.Value(instructorCtxKey{}).(*Instructor)
	return ins
}

// ScenarioImport is used for loading scenarios from JSON files at startup.
type ScenarioImport struct {
	ID            string      `json:"id"`
	Title         string      `json:"title"`
	Description   string      `json:"description"`
	PersonaPrompt string      `json:"persona_prompt"`
	KnowledgeRef  string      `json:"knowledge_ref"`
	Rubric        []Criterion `json:"rubric"`
}
