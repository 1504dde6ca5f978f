package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"termoload/internal/domain"
	"termoload/internal/repository"
)

// FileService keeps the torrent file listing of each transfer.
type FileService interface {
	ReplaceFiles(ctx context.Context, transferID int64, files []domain.TorrentFile) error
	ListFiles(ctx context.Context, transferID int64) ([]domain.TorrentFile, error)
	OnRemoved(t domain.Transfer)
}

type fileService struct {
	files  repository.TransferFileRepository
	logger *logrus.Logger
}

func NewFileService(files repository.TransferFileRepository, logger *logrus.Logger) FileService {
	if logger == nil {
		logger = logrus.New()
	}
	return &fileService{files: files, logger: logger}
}

func (s *fileService) ReplaceFiles(ctx context.Context, transferID int64, files []domain.TorrentFile) error {
	return s.files.ReplaceForTransfer(ctx, transferID, files)
}

func (s *fileService) ListFiles(ctx context.Context, transferID int64) ([]domain.TorrentFile, error) {
	return s.files.ListByTransfer(ctx, transferID)
}

func (s *fileService) OnRemoved(t domain.Transfer) {
	if t.Kind != domain.KindTorrent {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	if err := s.files.DeleteByTransfer(ctx, t.ID); err != nil {
		s.logger.WithField("transfer_id", t.ID).Warnf("delete file listing: %v", err)
	}
}
