package store

import (
	"fmt"
	"time"

	"github.com/clinsim/ecos/internal/model"
)

// ExportAllSessions builds export-ready results from all sessions, including
// transcripts, score batches and reports where present.
func (s *Store) ExportAllSessions() (*model.ResultsExport, error) {
	sessions, err := s.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	export := &model.ResultsExport{ExportedAt: time.Now()}
	for _, sess := range sessions {
		scenario, err := s.GetScenario(sess.ScenarioID)
		if err != nil {
			return nil, fmt.Errorf("get scenario %s: %w", sess.ScenarioID, err)
		}
		turns, err := s.GetTurns(sess.ID)
		if err != nil {
			return nil, fmt.Errorf("get turns for %s: %w", sess.ID, err)
		}
		scores, err := s.GetCriterionScores(sess.ID)
		if err != nil {
			return nil, fmt.Errorf("get scores for %s: %w", sess.ID, err)
		}
		report, err := s.GetReport(sess.ID)
		if err != nil {
			return nil, fmt.Errorf("get report for %s: %w", sess.ID, err)
		}

		var transcript []model.TranscriptMsg
		for _, t := range turns {
			transcript = append(transcript, model.TranscriptMsg{
				Role:    string(t.Role),
				Content: t.Content,
				At:      t.CreatedAt,
			})
		}

		result := model.SessionResult{
			SessionID:  sess.ID,
			ScenarioID: sess.ScenarioID,
			StudentID:  sess.StudentID,
			Status:     sess.Status,
			StartedAt:  sess.StartedAt,
			EndedAt:    sess.EndedAt,
			Transcript: transcript,
			Scores:     scores,
			Report:     report,
		}
		if scenario != nil {
			result.ScenarioTitle = scenario.Title
		}
		export.Sessions = append(export.Sessions, result)
	}

	return export, nil
}
