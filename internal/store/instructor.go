package store

import (
	"log/slog"
	"time"

	"github.com/clinsim/ecos/internal/model"
)

// CreateInstructor inserts a new instructor.
func (s *Store) CreateInstructor(ins model.Instructor) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO instructors (name, key_hash, active, created_at) VALUES (?, ?, ?, ?)`,
		ins.Name, ins.KeyHash, ins.Active, time.Now(),
	)
	if err != nil {
		slog.Error("failed to create instructor", "name", ins.Name, "error", err)
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	slog.Info("created instructor", "id", id, "name", ins.Name)
	return id, nil
}

// ListActiveInstructors returns the current allow-list.
func (s *Store) ListActiveInstructors() ([]model.Instructor, error) {
	rows, err := s.db.Query(
		`SELECT id, name, key_hash, active, created_at FROM instructors WHERE active ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var instructors []model.Instructor
	for rows.Next() {
		var ins model.Instructor
		if err := rows.Scan(&ins.ID, &ins.Name, &ins.KeyHash, &ins.Active, &ins.CreatedAt); err != nil {
			return nil, err
		}
		instructors = append(instructors, ins)
	}
	return instructors, rows.Err()
}

// InstructorCount returns the total number of instructors.
func (s *Store) InstructorCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM instructors`).Scan(&count)
	return count, err
}
