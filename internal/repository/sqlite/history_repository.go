package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"termoload/internal/domain"
	"termoload/internal/repository"
)

const createHistoryTable = `
CREATE TABLE IF NOT EXISTS history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ref TEXT NOT NULL UNIQUE,
	transfer_id INTEGER NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	source TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	downloaded_bytes INTEGER NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	file_path TEXT NOT NULL DEFAULT '',
	finished_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_finished_at ON history(finished_at);
`

// columns introduced after the first schema
var historyUpgrades = map[string]string{
	"downloaded_bytes": `ALTER TABLE history ADD COLUMN downloaded_bytes INTEGER NOT NULL DEFAULT 0`,
	"file_path":        `ALTER TABLE history ADD COLUMN file_path TEXT NOT NULL DEFAULT ''`,
}

type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) repository.HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createHistoryTable); err != nil {
		return fmt.Errorf("create history table: %w", err)
	}
	return ensureColumns(ctx, r.db, "history", historyUpgrades)
}

func (r *HistoryRepository) Create(ctx context.Context, entry *domain.HistoryEntry) (int64, error) {
	if entry.FinishedAt.IsZero() {
		entry.FinishedAt = time.Now()
	}
	entry.FinishedAt = entry.FinishedAt.UTC().Truncate(time.Second)

	res, err := r.db.ExecContext(ctx, `
INSERT INTO history (ref, transfer_id, name, kind, source, size, downloaded_bytes, outcome, error_message, file_path, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Ref,
		entry.TransferID,
		entry.Name,
		string(entry.Kind),
		entry.Source,
		entry.Size,
		entry.Downloaded,
		string(entry.Outcome),
		entry.Error,
		entry.FilePath,
		entry.FinishedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert history entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	entry.ID = id
	return id, nil
}

// List returns the newest entries first. A limit of zero or less returns all.
func (r *HistoryRepository) List(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, ref, transfer_id, name, kind, source, size, downloaded_bytes, outcome, error_message, file_path, finished_at
FROM history
ORDER BY finished_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := []domain.HistoryEntry{}
	for rows.Next() {
		var (
			entry   domain.HistoryEntry
			kind    string
			outcome string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.Ref,
			&entry.TransferID,
			&entry.Name,
			&kind,
			&entry.Source,
			&entry.Size,
			&entry.Downloaded,
			&outcome,
			&entry.Error,
			&entry.FilePath,
			&entry.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entry.Kind = domain.Kind(kind)
		entry.Outcome = domain.HistoryOutcome(outcome)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Stats aggregates the whole table; RecentWeek counts entries finished at or after since.
func (r *HistoryRepository) Stats(ctx context.Context, since time.Time) (domain.HistoryStats, error) {
	stats := domain.HistoryStats{ByKind: map[domain.Kind]int{}}

	row := r.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN outcome = ? THEN size ELSE 0 END), 0),
	COALESCE(SUM(downloaded_bytes), 0),
	COALESCE(SUM(CASE WHEN finished_at >= ? THEN 1 ELSE 0 END), 0)
FROM history`,
		string(domain.OutcomeCompleted),
		string(domain.OutcomeFailed),
		string(domain.OutcomeCancelled),
		string(domain.OutcomeCompleted),
		since.UTC().Truncate(time.Second),
	)
	if err := row.Scan(
		&stats.Total,
		&stats.Completed,
		&stats.Failed,
		&stats.Cancelled,
		&stats.CompletedBytes,
		&stats.TotalDownloaded,
		&stats.RecentWeek,
	); err != nil {
		return stats, fmt.Errorf("aggregate history: %w", err)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.Total) * 100
	}

	rows, err := r.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM history GROUP BY kind`)
	if err != nil {
		return stats, fmt.Errorf("count history by kind: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind  string
			count int
		)
		if err := rows.Scan(&kind, &count); err != nil {
			return stats, fmt.Errorf("scan kind count: %w", err)
		}
		stats.ByKind[domain.Kind(kind)] = count
	}
	return stats, rows.Err()
}

func (r *HistoryRepository) Clear(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM history`)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history rows affected: %w", err)
	}
	return n, nil
}
