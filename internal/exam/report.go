package exam

import (
	"fmt"
	"math"

	"github.com/clinsim/ecos/internal/i18n"
	"github.com/clinsim/ecos/internal/model"
	"github.com/clinsim/ecos/internal/store"
)

// Reporter reduces a grading outcome into the persisted session report.
type Reporter struct {
	store *store.Store
	lang  string
}

// NewReporter creates a Reporter rendering narrative text in the given
// language.
func NewReporter(s *store.Store, lang string) *Reporter {
	return &Reporter{store: s, lang: lang}
}

// Build computes the aggregate percentage, classifies it into a qualitative
// band, renders the summary paragraph and persists the report, replacing any
// prior one for the session.
func (r *Reporter) Build(sessionID string, rubric []model.Criterion, outcome GradeOutcome) (*model.Report, error) {
	var sum, maxSum float64
	for _, c := range rubric {
		sum += outcome.Scores[c.Name]
		max := c.MaxPoints
		if max <= 0 {
			max = model.DefaultMaxPoints
		}
		maxSum += float64(max)
	}
	aggregate := 0
	if maxSum > 0 {
		aggregate = int(math.Round(sum / maxSum * 100))
	}

	loc := i18n.NewLocalizer(r.lang)
	band := i18n.L(loc, "report.band."+bandKey(aggregate))
	summary := i18n.Ld(loc, "report.summary", map[string]any{
		"Score": aggregate,
		"Band":  band,
	})

	report := model.Report{
		SessionID:       sessionID,
		Summary:         summary,
		Strengths:       orPlaceholder(outcome.Strengths, i18n.L(loc, "report.none.strength")),
		Weaknesses:      orPlaceholder(outcome.Weaknesses, i18n.L(loc, "report.none.weakness")),
		Recommendations: orPlaceholder(outcome.Recommendations, i18n.L(loc, "report.none.recommendation")),
		AggregateScore:  aggregate,
	}
	if err := r.store.UpsertReport(report); err != nil {
		return nil, fmt.Errorf("persist report: %w", err)
	}
	return &report, nil
}

// BuildInsufficient persists the distinguished report for transcripts too
// short or one-sided to grade. No aggregate is computed and the score set
// stays empty.
func (r *Reporter) BuildInsufficient(sessionID string) (*model.Report, error) {
	loc := i18n.NewLocalizer(r.lang)
	report := model.Report{
		SessionID:       sessionID,
		Summary:         i18n.L(loc, "report.insufficient"),
		Strengths:       []string{},
		Weaknesses:      []string{},
		Recommendations: []string{},
		Insufficient:    true,
	}
	if err := r.store.UpsertReport(report); err != nil {
		return nil, fmt.Errorf("persist insufficient report: %w", err)
	}
	return &report, nil
}

func bandKey(aggregate int) string {
	switch {
	case aggregate >= 80:
		return "excellent"
	case aggregate >= 70:
		return "good"
	case aggregate >= 60:
		return "satisfactory"
	default:
		return "needs_improvement"
	}
}

// orPlaceholder guarantees downstream report rendering never sees an empty
// list for a graded session.
func orPlaceholder(items []string, placeholder string) []string {
	if len(items) == 0 {
		return []string{placeholder}
	}
	return items
}
