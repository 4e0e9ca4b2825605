// Package journal persists a history of dispatched commands in SQLite.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"
)

//go:embed sql/insert-entry.sql
var insertEntrySQL string

//go:embed sql/list-recent.sql
var listRecentSQL string

//go:embed sql/prune.sql
var pruneSQL string

// Record is one journaled command as served by /api/history.
type Record struct {
	ID      int64     `json:"id"`
	Time    time.Time `json:"time"`
	Origin  string    `json:"origin"`
	Kind    string    `json:"kind"`
	Command string    `json:"command"`
	OK      bool      `json:"ok"`
	Message string    `json:"message"`
}

type Repository interface {
	Insert(ctx context.Context, rec Record) error
	ListRecent(ctx context.Context, limit int) ([]Record, error)
	// Prune keeps only the newest keep records.
	Prune(ctx context.Context, keep int) (int64, error)
}

type repositoryImpl struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) Insert(ctx context.Context, rec Record) error {
	ts := rec.Time.UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, insertEntrySQL, ts, rec.Origin, rec.Kind, rec.Command, rec.OK, rec.Message)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

func (r *repositoryImpl) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, listRecentSQL, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close journal rows", "error", err)
		}
	}()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts string
		if err := rows.Scan(&rec.ID, &ts, &rec.Origin, &rec.Kind, &rec.Command, &rec.OK, &rec.Message); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		rec.Time = t
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *repositoryImpl) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := r.db.ExecContext(ctx, pruneSQL, keep)
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return res.RowsAffected()
}
