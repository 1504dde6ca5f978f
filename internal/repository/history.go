package repository

import (
	"context"
	"time"

	"termoload/internal/domain"
)

// HistoryRepository persists how transfers ended.
type HistoryRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, entry *domain.HistoryEntry) (int64, error)
	List(ctx context.Context, limit int) ([]domain.HistoryEntry, error)
	Stats(ctx context.Context, since time.Time) (domain.HistoryStats, error)
	Clear(ctx context.Context) (int64, error)
}

// TransferFileRepository manages torrent file listings per transfer.
type TransferFileRepository interface {
	Init(ctx context.Context) error
	ReplaceForTransfer(ctx context.Context, transferID int64, files []domain.TorrentFile) error
	ListByTransfer(ctx context.Context, transferID int64) ([]domain.TorrentFile, error)
	DeleteByTransfer(ctx context.Context, transferID int64) error
}
