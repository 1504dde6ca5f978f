package fetcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"termoload/internal/domain"
)

const (
	DefaultMetadataTimeout = 60 * time.Second
	DefaultPollInterval    = time.Second

	// consecutive failed status reads tolerated before the transfer fails
	maxStatusFailures = 10
	completeThreshold = 0.999
)

// EngineState is the session's own view of a torrent.
type EngineState int

const (
	EngineChecking EngineState = iota
	EngineMetadata
	EngineDownloading
	EngineFinished
	EngineSeeding
)

// HandleStatus is one status read of a torrent handle. Progress, Completed and
// Wanted only count the selected files.
type HandleStatus struct {
	State        EngineState
	Progress     float64
	Completed    int64
	Wanted       int64
	DownloadRate float64
	Peers        int
	Seeds        int
	Finished     bool
}

// Handle is one torrent job inside a Session.
type Handle interface {
	InfoHash() string
	HasMetadata() bool
	Name() string
	Files() []domain.TorrentFile
	SetFilePriorities(selected []int) error
	Resume()
	Pause()
	Status() (HandleStatus, error)
	SavePath() string
}

// Session is the shared peer-to-peer engine. metadataOnly adds the source
// without downloading any piece data.
type Session interface {
	Add(ctx context.Context, source, saveDir string, metadataOnly bool) (Handle, error)
	Remove(h Handle) error
	Close() error
}

// FileRecorder stores the file listing discovered for a torrent transfer.
type FileRecorder interface {
	ReplaceFiles(ctx context.Context, transferID int64, files []domain.TorrentFile) error
}

type TorrentConfig struct {
	// Open creates the session on first use. A failed open is retried by the next fetch.
	Open            func() (Session, error)
	MetadataTimeout time.Duration
	PollInterval    time.Duration
	Files           FileRecorder
	Logger          *logrus.Logger
}

// Torrent adapts a Session to the Fetcher contract.
type Torrent struct {
	cfg TorrentConfig

	// sessionMu serializes session-level mutations (open, add, remove, close).
	sessionMu sync.Mutex
	session   Session

	mu      sync.Mutex
	handles map[int64]Handle
}

func NewTorrent(cfg TorrentConfig) *Torrent {
	if cfg.MetadataTimeout <= 0 {
		cfg.MetadataTimeout = DefaultMetadataTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Torrent{cfg: cfg, handles: make(map[int64]Handle)}
}

func (a *Torrent) acquire() (Session, error) {
	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()
	if a.session != nil {
		return a.session, nil
	}
	if a.cfg.Open == nil {
		return nil, ErrSessionUnavailable
	}
	s, err := a.cfg.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	a.session = s
	return s, nil
}

func (a *Torrent) Fetch(ctx context.Context, tr domain.Transfer, sink Sink) Result {
	logger := a.cfg.Logger.WithField("transfer_id", tr.ID)

	sess, err := a.acquire()
	if err != nil {
		logger.Errorf("torrent session: %v", err)
		return Failed("%v", err)
	}

	h, err := a.attach(ctx, sess, tr)
	if err != nil {
		if ctx.Err() != nil {
			return Paused()
		}
		logger.Errorf("add torrent: %v", err)
		return Failed("add torrent: %v", err)
	}
	logger = logger.WithField("info_hash", h.InfoHash())

	if !h.HasMetadata() {
		_ = sink.Update(tr.ID, func(t *domain.Transfer) { t.Phase = domain.PhaseFetchingMetadata })
		if res := a.awaitMetadata(ctx, tr.ID, h, logger); res != nil {
			return *res
		}
	}

	if err := h.SetFilePriorities(tr.SelectedFiles); err != nil {
		return Failed("select files: %v", err)
	}
	files := h.Files()
	a.recordFiles(tr.ID, files, logger)

	name := h.Name()
	defaultName := domain.DefaultName(tr.Source, tr.ID)
	_ = sink.Update(tr.ID, func(t *domain.Transfer) {
		if name != "" && (t.Name == "" || t.Name == defaultName) {
			t.Name = name
		}
		var wanted int64
		for _, f := range files {
			if f.Selected {
				wanted += f.Size
			}
		}
		if wanted > 0 {
			t.TotalBytes = wanted
			t.SyncProgress()
		}
	})

	h.Resume()
	logger.Infof("torrent %q started (%d files)", name, len(files))
	return a.poll(ctx, tr.ID, h, sink, logger)
}

// attach reuses the handle left behind by a paused run, or adds the source.
func (a *Torrent) attach(ctx context.Context, sess Session, tr domain.Transfer) (Handle, error) {
	a.mu.Lock()
	h, ok := a.handles[tr.ID]
	a.mu.Unlock()
	if ok {
		return h, nil
	}

	// registered before sessionMu is released, so release sees the claim
	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()
	h, err := sess.Add(ctx, tr.Source, tr.DestinationDir, false)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.handles[tr.ID] = h
	a.mu.Unlock()
	return h, nil
}

func (a *Torrent) awaitMetadata(ctx context.Context, id int64, h Handle, logger *logrus.Entry) *Result {
	deadline := time.NewTimer(a.cfg.MetadataTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for !h.HasMetadata() {
		select {
		case <-ctx.Done():
			h.Pause()
			res := Paused()
			return &res
		case <-deadline.C:
			logger.Warnf("no metadata after %s, detaching", a.cfg.MetadataTimeout)
			if err := a.Detach(id); err != nil {
				logger.Warnf("detach: %v", err)
			}
			res := Failed("%v", ErrMetadataTimeout)
			return &res
		case <-ticker.C:
		}
	}
	return nil
}

func (a *Torrent) poll(ctx context.Context, id int64, h Handle, sink Sink, logger *logrus.Entry) Result {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			h.Pause()
			_ = sink.Update(id, func(t *domain.Transfer) {
				t.RateBps = 0
				t.ETASeconds = 0
			})
			logger.Info("torrent paused")
			return Paused()
		case <-ticker.C:
		}

		st, err := h.Status()
		if err != nil {
			failures++
			logger.Warnf("status read %d/%d failed: %v", failures, maxStatusFailures, err)
			if failures >= maxStatusFailures {
				// a later resume adds the source again instead of reusing the dead handle
				if derr := a.Detach(id); derr != nil {
					logger.Warnf("detach failed torrent: %v", derr)
				}
				return Failed("torrent status: %v", err)
			}
			continue
		}
		failures = 0

		done := st.Finished || st.Progress >= completeThreshold
		phase := mapPhase(st)
		eta := domain.ETASeconds(st.Wanted, st.Completed, st.DownloadRate)
		_ = sink.Update(id, func(t *domain.Transfer) {
			if st.Wanted > 0 {
				t.TotalBytes = st.Wanted
			}
			t.DownloadedBytes = st.Completed
			t.SyncProgress()
			t.RateBps = st.DownloadRate
			t.ETASeconds = eta
			t.Peers = st.Peers
			t.Seeds = st.Seeds
			t.Phase = phase
		})
		if !done {
			continue
		}

		path := filepath.Join(h.SavePath(), h.Name())
		seeding := st.State == EngineSeeding
		_ = sink.Update(id, func(t *domain.Transfer) {
			t.ResolvedFilePath = path
			t.Phase = domain.PhaseCompleted
			if seeding {
				t.Phase = domain.PhaseSeeding
			}
			if t.TotalKnown() {
				t.DownloadedBytes = t.TotalBytes
			}
			t.Progress = 1
			t.RateBps = 0
			t.ETASeconds = 0
		})
		logger.Infof("torrent finished, %s at %s", humanize.IBytes(uint64(st.Wanted)), path)
		if !seeding {
			if err := a.Detach(id); err != nil {
				logger.Warnf("detach finished torrent: %v", err)
			}
		}
		return Completed()
	}
}

func (a *Torrent) recordFiles(id int64, files []domain.TorrentFile, logger *logrus.Entry) {
	if a.cfg.Files == nil || len(files) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.cfg.Files.ReplaceFiles(ctx, id, files); err != nil {
		logger.Warnf("record torrent files: %v", err)
	}
}

func mapPhase(st HandleStatus) domain.TorrentPhase {
	switch st.State {
	case EngineChecking:
		return domain.PhaseChecking
	case EngineMetadata:
		return domain.PhaseFetchingMetadata
	case EngineFinished:
		return domain.PhaseCompleted
	case EngineSeeding:
		return domain.PhaseSeeding
	}
	if st.Peers == 0 {
		return domain.PhaseFindingPeers
	}
	return domain.PhaseDownloading
}

// Detach removes the transfer's handle from the session entirely. It is
// required before the transfer's files are deleted.
func (a *Torrent) Detach(id int64) error {
	a.mu.Lock()
	h, ok := a.handles[id]
	delete(a.handles, id)
	a.mu.Unlock()
	if !ok {
		return nil
	}

	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()
	if a.session == nil {
		return nil
	}
	return a.session.Remove(h)
}

// Attached reports whether id still holds a handle in the session.
func (a *Torrent) Attached(id int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.handles[id]
	return ok
}

// Inspect fetches metadata without downloading pieces and returns the file listing.
func (a *Torrent) Inspect(ctx context.Context, source string) (domain.TorrentInfo, error) {
	sess, err := a.acquire()
	if err != nil {
		return domain.TorrentInfo{}, err
	}

	a.sessionMu.Lock()
	h, err := sess.Add(ctx, source, "", true)
	a.sessionMu.Unlock()
	if err != nil {
		return domain.TorrentInfo{}, fmt.Errorf("add torrent: %w", err)
	}
	defer a.release(h)

	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.MetadataTimeout)
	defer cancel()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for !h.HasMetadata() {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return domain.TorrentInfo{}, ctx.Err()
			}
			return domain.TorrentInfo{}, ErrMetadataTimeout
		case <-ticker.C:
		}
	}

	info := domain.TorrentInfo{
		InfoHash: h.InfoHash(),
		Name:     h.Name(),
		Files:    h.Files(),
	}
	for _, f := range info.Files {
		info.TotalBytes += f.Size
	}
	return info, nil
}

// release drops an informational handle unless a transfer is using the same torrent.
func (a *Torrent) release(h Handle) {
	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()
	if a.claimed(h.InfoHash()) {
		return
	}
	if a.session != nil {
		if err := a.session.Remove(h); err != nil {
			a.cfg.Logger.WithField("info_hash", h.InfoHash()).Warnf("drop inspected torrent: %v", err)
		}
	}
}

func (a *Torrent) claimed(infoHash string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, other := range a.handles {
		if other.InfoHash() == infoHash {
			return true
		}
	}
	return false
}

func (a *Torrent) Close() error {
	a.mu.Lock()
	a.handles = make(map[int64]Handle)
	a.mu.Unlock()

	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()
	if a.session == nil {
		return nil
	}
	err := a.session.Close()
	a.session = nil
	return err
}
