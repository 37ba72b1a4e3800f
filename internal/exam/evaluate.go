package exam

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clinsim/ecos/internal/llm/prompts"
	"github.com/clinsim/ecos/internal/model"
	"github.com/clinsim/ecos/internal/store"
)

// minGradeableTurns is the shortest transcript worth a grader call.
const minGradeableTurns = 2

// Grader is the language-model collaborator as the evaluator sees it.
type Grader interface {
	Grade(ctx context.Context, prompt string) (string, error)
}

// Evaluator grades a completed session's transcript against the scenario
// rubric and delegates the result to the Reporter.
type Evaluator struct {
	store    *store.Store
	grader   Grader
	reporter *Reporter
	timeout  time.Duration
}

// NewEvaluator creates an Evaluator. timeout bounds each grader call.
func NewEvaluator(s *store.Store, g Grader, r *Reporter, timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Evaluator{store: s, grader: g, reporter: r, timeout: timeout}
}

// Evaluate grades the session and persists scores and report. Transcripts
// with fewer than two turns, or with no student turn at all, short-circuit
// into an insufficient-content report without any model call: grading an
// empty or one-sided transcript burns a grader call only to hallucinate.
func (e *Evaluator) Evaluate(ctx context.Context, sessionID string) (*model.Report, error) {
	sess, err := e.store.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	scenario, err := e.store.GetScenario(sess.ScenarioID)
	if err != nil {
		return nil, fmt.Errorf("load scenario: %w", err)
	}
	if scenario == nil {
		return nil, fmt.Errorf("scenario %s: %w", sess.ScenarioID, ErrNotFound)
	}

	turns, err := e.store.GetTurns(sessionID)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}

	if !gradeable(turns) {
		slog.Info("transcript not gradeable, skipping grader call",
			"session_id", sessionID, "turns", len(turns))
		return e.reporter.BuildInsufficient(sessionID)
	}

	prompt := prompts.BuildGradingPrompt(scenario, turns)

	gradeCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	raw, err := e.grader.Grade(gradeCtx, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvaluationFailed, err)
	}

	outcome := parseGrading(raw, scenario.Rubric)
	if !outcome.Strict {
		slog.Warn("grader output was not JSON, used heuristic extraction",
			"session_id", sessionID)
	}

	scores := make([]model.CriterionScore, 0, len(scenario.Rubric))
	for _, c := range scenario.Rubric {
		scores = append(scores, model.CriterionScore{
			SessionID: sessionID,
			Criterion: c.Name,
			Score:     outcome.Scores[c.Name],
			Feedback:  outcome.Comments[c.Name],
			Defaulted: outcome.Defaulted[c.Name],
		})
	}
	if err := e.store.ReplaceCriterionScores(sessionID, scores); err != nil {
		return nil, fmt.Errorf("persist scores: %w", err)
	}

	report, err := e.reporter.Build(sessionID, scenario.Rubric, outcome)
	if err != nil {
		return nil, err
	}
	slog.Info("session evaluated",
		"session_id", sessionID,
		"aggregate", report.AggregateScore,
		"strict_parse", outcome.Strict)
	return report, nil
}

// gradeable reports whether the transcript has enough substance to grade.
func gradeable(turns []model.Turn) bool {
	if len(turns) < minGradeableTurns {
		return false
	}
	for _, t := range turns {
		if t.Role == model.RoleStudent {
			return true
		}
	}
	return false
}
