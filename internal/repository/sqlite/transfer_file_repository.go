package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"termoload/internal/domain"
	"termoload/internal/repository"
)

const createTransferFilesTable = `
CREATE TABLE IF NOT EXISTS transfer_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	transfer_id INTEGER NOT NULL,
	file_index INTEGER NOT NULL,
	path TEXT NOT NULL,
	size INTEGER NOT NULL,
	selected INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_transfer_files_transfer_id ON transfer_files(transfer_id);
`

type TransferFileRepository struct {
	db *sql.DB
}

func NewTransferFileRepository(db *sql.DB) repository.TransferFileRepository {
	return &TransferFileRepository{db: db}
}

func (r *TransferFileRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTransferFilesTable); err != nil {
		return fmt.Errorf("create transfer_files table: %w", err)
	}
	return nil
}

func (r *TransferFileRepository) ReplaceForTransfer(ctx context.Context, transferID int64, files []domain.TorrentFile) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM transfer_files WHERE transfer_id=?`, transferID); err != nil {
		return fmt.Errorf("delete files: %w", err)
	}

	for _, file := range files {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO transfer_files (transfer_id, file_index, path, size, selected)
VALUES (?, ?, ?, ?, ?)`,
			transferID,
			file.Index,
			file.Path,
			file.Size,
			file.Selected,
		); err != nil {
			return fmt.Errorf("insert file: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *TransferFileRepository) ListByTransfer(ctx context.Context, transferID int64) ([]domain.TorrentFile, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT file_index, path, size, selected
FROM transfer_files
WHERE transfer_id=?
ORDER BY file_index ASC`, transferID)
	if err != nil {
		return nil, fmt.Errorf("query transfer files: %w", err)
	}
	defer rows.Close()

	files := []domain.TorrentFile{}
	for rows.Next() {
		var file domain.TorrentFile
		if err := rows.Scan(&file.Index, &file.Path, &file.Size, &file.Selected); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, file)
	}
	return files, rows.Err()
}

func (r *TransferFileRepository) DeleteByTransfer(ctx context.Context, transferID int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM transfer_files WHERE transfer_id=?`, transferID); err != nil {
		return fmt.Errorf("delete transfer files: %w", err)
	}
	return nil
}
