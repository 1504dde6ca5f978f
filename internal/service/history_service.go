package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"termoload/internal/domain"
	"termoload/internal/repository"
)

const (
	hookTimeout = 5 * time.Second
	recentSpan  = 7 * 24 * time.Hour
)

// HistoryService records terminal outcomes and answers history queries.
type HistoryService interface {
	OnTerminal(t domain.Transfer)
	OnRemoved(t domain.Transfer)
	List(ctx context.Context, limit int) ([]domain.HistoryEntry, error)
	Stats(ctx context.Context) (domain.HistoryStats, error)
	Clear(ctx context.Context) (int64, error)
}

type historyService struct {
	entries repository.HistoryRepository
	logger  *logrus.Logger
	now     func() time.Time
}

func NewHistoryService(entries repository.HistoryRepository, logger *logrus.Logger) HistoryService {
	if logger == nil {
		logger = logrus.New()
	}
	return &historyService{entries: entries, logger: logger, now: time.Now}
}

func (s *historyService) OnTerminal(t domain.Transfer) {
	switch t.Status.State {
	case domain.StateCompleted:
		s.record(t, domain.OutcomeCompleted)
	case domain.StateError:
		s.record(t, domain.OutcomeFailed)
	}
}

// OnRemoved records a cancellation for transfers dropped before they finished.
func (s *historyService) OnRemoved(t domain.Transfer) {
	if t.Status.IsTerminal() {
		return
	}
	s.record(t, domain.OutcomeCancelled)
}

func (s *historyService) record(t domain.Transfer, outcome domain.HistoryOutcome) {
	entry := &domain.HistoryEntry{
		Ref:        uuid.NewString(),
		TransferID: t.ID,
		Name:       t.Name,
		Kind:       t.Kind,
		Source:     t.Source,
		Size:       t.TotalBytes,
		Downloaded: t.DownloadedBytes,
		Outcome:    outcome,
		FilePath:   t.ResolvedFilePath,
		FinishedAt: s.now(),
	}
	if outcome == domain.OutcomeFailed {
		entry.Error = t.Status.Detail
		if entry.Error == "" {
			entry.Error = t.LastError
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	if _, err := s.entries.Create(ctx, entry); err != nil {
		s.logger.WithField("transfer_id", t.ID).Errorf("record history: %v", err)
	}
}

func (s *historyService) List(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	return s.entries.List(ctx, limit)
}

func (s *historyService) Stats(ctx context.Context) (domain.HistoryStats, error) {
	return s.entries.Stats(ctx, s.now().Add(-recentSpan))
}

func (s *historyService) Clear(ctx context.Context) (int64, error) {
	return s.entries.Clear(ctx)
}
