package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run records one profiled execution of a model cell.
type Run struct {
	ID      string
	Model   string
	Cell    string
	Steps   int
	Elapsed time.Duration
}

// RecordRun persists a profiled execution and returns its id.
func (s *Store) RecordRun(ctx context.Context, model, cell string, steps int, elapsed time.Duration) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, model, cell, steps, elapsed_ns)
		VALUES (?, ?, ?, ?, ?)
	`, id, model, cell, steps, elapsed.Nanoseconds())
	if err != nil {
		return "", fmt.Errorf("record run: %w", err)
	}
	return id, nil
}

// ListRuns returns the recorded executions of a model.
func (s *Store) ListRuns(ctx context.Context, model string) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model, cell, steps, elapsed_ns
		FROM runs WHERE model = ? ORDER BY rowid
	`, model)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var ns int64
		if err := rows.Scan(&r.ID, &r.Model, &r.Cell, &r.Steps, &ns); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		r.Elapsed = time.Duration(ns)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
