package model

import "time"

// ResultsExport is the top-level JSON structure for session result export.
type ResultsExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	Sessions   []SessionResult `json:"sessions"`
}

// SessionResult holds one session's full data for export.
type SessionResult struct {
	SessionID     string           `json:"session_id"`
	ScenarioID    string           `json:"scenario_id"`
	ScenarioTitle string           `json:"scenario_title"`
	StudentID     string           `json:"student_id"`
	Status        SessionStatus    `json:"status"`
	StartedAt     time.Time        `json:"started_at"`
	EndedAt       *time.Time       `json:"ended_at,omitempty"`
	Transcript    []TranscriptMsg  `json:"transcript"`
	Scores        []CriterionScore `json:"scores,omitempty"`
	Report        *Report          `json:"report,omitempty"`
}

// TranscriptMsg is a single message in an exported transcript.
type TranscriptMsg struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}
