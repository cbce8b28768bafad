package store

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/pavelanni/autograder/internal/model"
)

// CreateGrader inserts a new grader account.
func (s *Store) CreateGrader(ctx context.Context, g model.Grader) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO graders (username, password_hash, active, created_at) VALUES (?, ?, ?, ?)`,
		g.Username, g.PasswordHash, g.Active, time.Now(),
	)
	if err != nil {
		slog.Error("failed to create grader", "username", g.Username, "error", err)
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	slog.Info("created grader", "id", id, "username", g.Username)
	return id, nil
}

// GetGraderByUsername returns a grader by username, or nil if none exists.
func (s *Store) GetGraderByUsername(ctx context.Context, username string) (*model.Grader, error) {
	var g model.Grader
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, active, created_at FROM graders WHERE username = ?`, username,
	).Scan(&g.ID, &g.Username, &g.PasswordHash, &g.Active, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ListGraders returns all grader accounts.
func (s *Store) ListGraders(ctx context.Context) ([]model.Grader, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, password_hash, active, created_at FROM graders ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var graders []model.Grader
	for rows.Next() {
		var g model.Grader
		if err := rows.Scan(&g.ID, &g.Username, &g.PasswordHash, &g.Active, &g.CreatedAt); err != nil {
			return nil, err
		}
		graders = append(graders, g)
	}
	return graders, rows.Err()
}

// SetGraderActive enables or disables a grader account.
func (s *Store) SetGraderActive(ctx context.Context, username string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE graders SET active = ? WHERE username = ?`, active, username)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GraderCount returns the total number of grader accounts.
func (s *Store) GraderCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM graders`).Scan(&count)
	return count, err
}
