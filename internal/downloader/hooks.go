package downloader

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"termoload/internal/domain"
)

// ProgressObserver sees every committed transfer update. It runs on the task's
// goroutine and must not block.
type ProgressObserver interface {
	OnProgress(t domain.Transfer)
}

// TerminalObserver fires once per edge into Completed or Error.
type TerminalObserver interface {
	OnTerminal(t domain.Transfer)
}

// RemovalObserver fires after a transfer left the registry.
type RemovalObserver interface {
	OnRemoved(t domain.Transfer)
}

type Hooks struct {
	Progress []ProgressObserver
	Terminal []TerminalObserver
	Removed  []RemovalObserver
}

func (h Hooks) progress(t domain.Transfer) {
	for _, o := range h.Progress {
		o.OnProgress(t.Clone())
	}
}

func (h Hooks) terminal(t domain.Transfer) {
	for _, o := range h.Terminal {
		o.OnTerminal(t.Clone())
	}
}

func (h Hooks) removed(t domain.Transfer) {
	for _, o := range h.Removed {
		o.OnRemoved(t.Clone())
	}
}

// ProgressLogger logs each transfer's progress at most once per interval.
type ProgressLogger struct {
	logger   *logrus.Logger
	interval time.Duration

	mu   sync.Mutex
	last map[int64]time.Time
}

func NewProgressLogger(logger *logrus.Logger, interval time.Duration) *ProgressLogger {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ProgressLogger{logger: logger, interval: interval, last: make(map[int64]time.Time)}
}

func (p *ProgressLogger) OnProgress(t domain.Transfer) {
	if t.Status.State != domain.StateDownloading {
		p.mu.Lock()
		delete(p.last, t.ID)
		p.mu.Unlock()
		return
	}

	now := time.Now()
	p.mu.Lock()
	if now.Sub(p.last[t.ID]) < p.interval {
		p.mu.Unlock()
		return
	}
	p.last[t.ID] = now
	p.mu.Unlock()

	entry := p.logger.WithField("transfer_id", t.ID)
	if !t.TotalKnown() {
		entry.Debugf("progress: %s at %s", humanize.IBytes(uint64(t.DownloadedBytes)), domain.FormatRate(t.RateBps))
		return
	}
	entry.Debugf("progress: %.1f%% (%s/%s) at %s, eta %s",
		t.Progress*100,
		humanize.IBytes(uint64(t.DownloadedBytes)),
		humanize.IBytes(uint64(t.TotalBytes)),
		domain.FormatRate(t.RateBps),
		domain.FormatETA(t.ETASeconds),
	)
}
