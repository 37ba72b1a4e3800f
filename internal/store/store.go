package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clinsim/ecos/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scenarios (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		persona_prompt TEXT NOT NULL,
		knowledge_ref TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rubric_criteria (
		scenario_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		max_points INTEGER NOT NULL DEFAULT 4,
		PRIMARY KEY (scenario_id, position),
		FOREIGN KEY (scenario_id) REFERENCES scenarios(id)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		scenario_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'in_progress',
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		FOREIGN KEY (scenario_id) REFERENCES scenarios(id)
	);

	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS criterion_scores (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		criterion TEXT NOT NULL,
		score REAL NOT NULL,
		feedback TEXT NOT NULL DEFAULT '',
		defaulted INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS reports (
		session_id TEXT PRIMARY KEY,
		summary TEXT NOT NULL,
		strengths TEXT NOT NULL DEFAULT '[]',
		weaknesses TEXT NOT NULL DEFAULT '[]',
		recommendations TEXT NOT NULL DEFAULT '[]',
		insufficient INTEGER NOT NULL DEFAULT 0,
		aggregate_score INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS daily_counters (
		user_id TEXT NOT NULL,
		day TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, day)
	);

	CREATE TABLE IF NOT EXISTS instructors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		key_hash TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS import_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateScenario inserts a scenario and its ordered rubric in one transaction.
func (s *Store) CreateScenario(sc model.Scenario) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO scenarios (id, title, description, persona_prompt, knowledge_ref, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.Title, sc.Description, sc.PersonaPrompt, sc.KnowledgeRef, time.Now(),
	)
	if err != nil {
		return err
	}
	for i, c := range sc.Rubric {
		maxPoints := c.MaxPoints
		if maxPoints <= 0 {
			maxPoints = model.DefaultMaxPoints
		}
		_, err := tx.Exec(
			`INSERT INTO rubric_criteria (scenario_id, position, name, max_points) VALUES (?, ?, ?, ?)`,
			sc.ID, i, c.Name, maxPoints,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetScenario returns a scenario with its rubric, or nil if not found.
func (s *Store) GetScenario(id string) (*model.Scenario, error) {
	var sc model.Scenario
	err := s.db.QueryRow(
		`SELECT id, title, description, persona_prompt, knowledge_ref, created_at
		 FROM scenarios WHERE id = ?`, id,
	).Scan(&sc.ID, &sc.Title, &sc.Description, &sc.PersonaPrompt, &sc.KnowledgeRef, &sc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT name, max_points FROM rubric_criteria WHERE scenario_id = ? ORDER BY position`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c model.Criterion
		if err := rows.Scan(&c.Name, &c.MaxPoints); err != nil {
			return nil, err
		}
		sc.Rubric = append(sc.Rubric, c)
	}
	return &sc, rows.Err()
}

// ListScenarios returns all scenarios without their rubrics.
func (s *Store) ListScenarios() ([]model.Scenario, error) {
	rows, err := s.db.Query(
		`SELECT id, title, description, persona_prompt, knowledge_ref, created_at
		 FROM scenarios ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var scenarios []model.Scenario
	for rows.Next() {
		var sc model.Scenario
		if err := rows.Scan(&sc.ID, &sc.Title, &sc.Description, &sc.PersonaPrompt, &sc.KnowledgeRef, &sc.CreatedAt); err != nil {
			return nil, err
		}
		scenarios = append(scenarios, sc)
	}
	return scenarios, rows.Err()
}

// UpdateScenario replaces a scenario's fields and rubric in one transaction.
// Returns false when the scenario does not exist.
func (s *Store) UpdateScenario(sc model.Scenario) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE scenarios SET title = ?, description = ?, persona_prompt = ?, knowledge_ref = ? WHERE id = ?`,
		sc.Title, sc.Description, sc.PersonaPrompt, sc.KnowledgeRef, sc.ID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.Exec(`DELETE FROM rubric_criteria WHERE scenario_id = ?`, sc.ID); err != nil {
		return false, err
	}
	for i, c := range sc.Rubric {
		maxPoints := c.MaxPoints
		if maxPoints <= 0 {
			maxPoints = model.DefaultMaxPoints
		}
		_, err := tx.Exec(
			`INSERT INTO rubric_criteria (scenario_id, position, name, max_points) VALUES (?, ?, ?, ?)`,
			sc.ID, i, c.Name, maxPoints,
		)
		if err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

// ErrScenarioInUse is returned by DeleteScenario when sessions still
// reference the scenario.
var ErrScenarioInUse = fmt.Errorf("scenario is referenced by existing sessions")

// DeleteScenario removes a scenario and its rubric. It refuses when any
// session references the scenario.
func (s *Store) DeleteScenario(id string) error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE scenario_id = ?`, id).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return ErrScenarioInUse
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM rubric_criteria WHERE scenario_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM scenarios WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateSession creates a session in state in_progress.
func (s *Store) CreateSession(sess model.Session) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, scenario_id, student_id, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.ScenarioID, sess.StudentID, model.StatusInProgress, sess.StartedAt,
	)
	return err
}

// GetSession returns a session by ID, or nil if not found.
func (s *Store) GetSession(id string) (*model.Session, error) {
	var sess model.Session
	err := s.db.QueryRow(
		`SELECT id, scenario_id, student_id, status, started_at, ended_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.ScenarioID, &sess.StudentID, &sess.Status, &sess.StartedAt, &sess.EndedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// CompleteSession flips a session to completed. The WHERE guard makes the
// transition atomic and single-shot: it reports false when the session was
// already completed (or does not exist), with no mutation performed.
func (s *Store) CompleteSession(id string, endedAt time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE sessions SET status = ?, ended_at = ? WHERE id = ? AND status = ?`,
		model.StatusCompleted, endedAt, id, model.StatusInProgress,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions() ([]model.Session, error) {
	rows, err := s.db.Query(
		`SELECT id, scenario_id, student_id, status, started_at, ended_at FROM sessions ORDER BY started_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []model.Session
	for rows.Next() {
		var sess model.Session
		if err := rows.Scan(&sess.ID, &sess.ScenarioID, &sess.StudentID, &sess.Status, &sess.StartedAt, &sess.EndedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// AppendTurnPair persists a student turn and the patient reply in one
// transaction, so the log never holds a dangling unanswered student turn.
func (s *Store) AppendTurnPair(sessionID, studentText, patientText string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.Exec(
		`INSERT INTO turns (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, model.RoleStudent, studentText, now,
	)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO turns (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, model.RolePatient, patientText, now,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetTurns returns all turns for a session in insertion order.
func (s *Store) GetTurns(sessionID string) ([]model.Turn, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, created_at FROM turns WHERE session_id = ? ORDER BY id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var turns []model.Turn
	for rows.Next() {
		var t model.Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// ReplaceCriterionScores drops any prior score batch for the session and
// inserts the new one, in a single transaction. Scores are never updated in
// place; a re-evaluation always lands as a fresh batch.
func (s *Store) ReplaceCriterionScores(sessionID string, scores []model.CriterionScore) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM criterion_scores WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	for _, cs := range scores {
		_, err := tx.Exec(
			`INSERT INTO criterion_scores (session_id, criterion, score, feedback, defaulted) VALUES (?, ?, ?, ?, ?)`,
			sessionID, cs.Criterion, cs.Score, cs.Feedback, cs.Defaulted,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetCriterionScores returns the current score batch for a session.
func (s *Store) GetCriterionScores(sessionID string) ([]model.CriterionScore, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, criterion, score, feedback, defaulted
		 FROM criterion_scores WHERE session_id = ? ORDER BY id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var scores []model.CriterionScore
	for rows.Next() {
		var cs model.CriterionScore
		if err := rows.Scan(&cs.ID, &cs.SessionID, &cs.Criterion, &cs.Score, &cs.Feedback, &cs.Defaulted); err != nil {
			return nil, err
		}
		scores = append(scores, cs)
	}
	return scores, rows.Err()
}

// UpsertReport inserts or replaces the report for a session.
func (s *Store) UpsertReport(r model.Report) error {
	strengths, err := json.Marshal(r.Strengths)
	if err != nil {
		return err
	}
	weaknesses, err := json.Marshal(r.Weaknesses)
	if err != nil {
		return err
	}
	recommendations, err := json.Marshal(r.Recommendations)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO reports (session_id, summary, strengths, weaknesses, recommendations, insufficient, aggregate_score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   summary = excluded.summary,
		   strengths = excluded.strengths,
		   weaknesses = excluded.weaknesses,
		   recommendations = excluded.recommendations,
		   insufficient = excluded.insufficient,
		   aggregate_score = excluded.aggregate_score,
		   created_at = excluded.created_at`,
		r.SessionID, r.Summary, string(strengths), string(weaknesses), string(recommendations),
		r.Insufficient, r.AggregateScore, time.Now(),
	)
	return err
}

// GetReport returns the report for a session, or nil if none exists yet.
func (s *Store) GetReport(sessionID string) (*model.Report, error) {
	var r model.Report
	var strengths, weaknesses, recommendations string
	err := s.db.QueryRow(
		`SELECT session_id, summary, strengths, weaknesses, recommendations, insufficient, aggregate_score, created_at
		 FROM reports WHERE session_id = ?`, sessionID,
	).Scan(&r.SessionID, &r.Summary, &strengths, &weaknesses, &recommendations, &r.Insufficient, &r.AggregateScore, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(strengths), &r.Strengths); err != nil {
		return nil, fmt.Errorf("decode strengths: %w", err)
	}
	if err := json.Unmarshal([]byte(weaknesses), &r.Weaknesses); err != nil {
		return nil, fmt.Errorf("decode weaknesses: %w", err)
	}
	if err := json.Unmarshal([]byte(recommendations), &r.Recommendations); err != nil {
		return nil, fmt.Errorf("decode recommendations: %w", err)
	}
	return &r, nil
}

// ScenarioCount returns the number of stored scenarios.
func (s *Store) ScenarioCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM scenarios`).Scan(&count)
	return count, err
}
