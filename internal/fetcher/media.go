package fetcher

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"termoload/internal/domain"
)

const DefaultMediaWorkers = 2

type MediaRequest struct {
	Source         string
	DestinationDir string
	// FilenameHint is optional; the delegate picks a name when it is empty.
	FilenameHint string
}

type MediaProgress struct {
	Downloaded int64
	Total      int64
	RateBps    float64
}

// MediaDelegate runs a third-party extractor for streaming sites. It returns
// the path of the file it produced.
type MediaDelegate interface {
	Download(ctx context.Context, req MediaRequest, report func(MediaProgress)) (string, error)
}

type MediaConfig struct {
	Delegate MediaDelegate
	Workers  int
	Logger   *logrus.Logger
}

// Media runs delegate downloads on a bounded worker pool and maps their
// progress onto the transfer.
type Media struct {
	cfg   MediaConfig
	slots chan struct{}
}

func NewMedia(cfg MediaConfig) *Media {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultMediaWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Media{cfg: cfg, slots: make(chan struct{}, cfg.Workers)}
}

func (m *Media) Fetch(ctx context.Context, tr domain.Transfer, sink Sink) Result {
	logger := m.cfg.Logger.WithField("transfer_id", tr.ID)
	if m.cfg.Delegate == nil {
		return Failed("streaming media downloads are disabled")
	}

	select {
	case <-ctx.Done():
		return Paused()
	case m.slots <- struct{}{}:
	}
	defer func() { <-m.slots }()

	hint := ""
	if tr.Name != "" && tr.Name != domain.DefaultName(tr.Source, tr.ID) {
		hint = tr.Name
	}

	var meter rateMeter
	report := func(p MediaProgress) {
		speed := meter.observe(p.RateBps)
		_ = sink.Update(tr.ID, func(t *domain.Transfer) {
			if p.Total > 0 {
				t.TotalBytes = p.Total
			}
			if p.Downloaded > t.DownloadedBytes {
				t.DownloadedBytes = p.Downloaded
			}
			t.SyncProgress()
			t.RateBps = speed
			t.ETASeconds = domain.ETASeconds(t.TotalBytes, t.DownloadedBytes, speed)

			// the extractor merges streams after the last byte arrives
			done := t.TotalKnown() && t.DownloadedBytes >= t.TotalBytes
			switch {
			case done && t.Status.State == domain.StateDownloading:
				t.Status = domain.Processing()
			case !done && t.Status.State == domain.StateProcessing:
				t.Status = domain.Downloading()
			}
		})
	}

	logger.Infof("media download started for %s", tr.Source)
	path, err := m.cfg.Delegate.Download(ctx, MediaRequest{
		Source:         tr.Source,
		DestinationDir: tr.DestinationDir,
		FilenameHint:   hint,
	}, report)
	if ctx.Err() != nil {
		return Paused()
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Paused()
		}
		logger.Errorf("media download failed: %v", err)
		return Failed("%v", err)
	}
	if path == "" {
		return Failed("extractor reported no output file")
	}

	size := fileSize(path)
	_ = sink.Update(tr.ID, func(t *domain.Transfer) {
		t.ResolvedFilePath = path
		if size > 0 {
			t.TotalBytes = size
			t.DownloadedBytes = size
		} else if t.TotalKnown() {
			t.DownloadedBytes = t.TotalBytes
		}
		t.Progress = 1
		t.RateBps = 0
		t.ETASeconds = 0
	})
	logger.Infof("media download finished: %s", path)
	return Completed()
}
