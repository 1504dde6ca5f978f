package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"termoload/internal/domain"
	"termoload/internal/fetcher"
	"termoload/internal/registry"
	"termoload/internal/store"
)

var (
	ErrClosed          = errors.New("download manager closed")
	ErrEmptySource     = errors.New("source is required")
	ErrUnsupportedKind = errors.New("no fetcher for transfer kind")
	ErrNotCompleted    = errors.New("only completed transfers can be restarted")
	ErrAlreadyComplete = errors.New("transfer already completed, use restart")
	ErrNotTorrent      = errors.New("source is not a torrent")
)

// TorrentControl is the part of the torrent adapter the manager drives directly.
type TorrentControl interface {
	Detach(id int64) error
	Inspect(ctx context.Context, source string) (domain.TorrentInfo, error)
}

type Config struct {
	DownloadFolder  string
	ConcurrentLimit int
	SaveInterval    time.Duration
	ResumeOnStart   bool
	Fetchers        map[domain.Kind]fetcher.Fetcher
	Torrents        TorrentControl
	Store           *store.Store
	Hooks           Hooks
	Logger          *logrus.Logger
}

type AddRequest struct {
	Source         string
	DestinationDir string
	Name           string
	SelectedFiles  []int
}

// Manager binds each transfer to at most one running task and reconciles task
// outcomes back into the registry.
type Manager struct {
	cfg      Config
	registry *registry.Registry

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[int64]*taskHandle
	closed bool
}

type taskHandle struct {
	cancel     context.CancelFunc
	done       chan struct{}
	cancelling bool
}

func NewManager(cfg Config) *Manager {
	if cfg.ConcurrentLimit <= 0 {
		cfg.ConcurrentLimit = 3
	}
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = store.DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Fetchers == nil {
		cfg.Fetchers = make(map[domain.Kind]fetcher.Fetcher)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		registry: registry.New(),
		sem:      make(chan struct{}, cfg.ConcurrentLimit),
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[int64]*taskHandle),
	}
}

// Open restores the persisted snapshot, restarts interrupted downloads and
// starts the periodic checkpoint loop.
func (m *Manager) Open() error {
	if err := os.MkdirAll(m.cfg.DownloadFolder, 0o755); err != nil {
		return fmt.Errorf("create download folder: %w", err)
	}
	restored, started := m.Recover()
	m.cfg.Logger.Infof("download manager started, %d transfers restored, %d resumed, folder: %s",
		restored, started, m.cfg.DownloadFolder)

	m.wg.Add(1)
	go m.syncLoop()
	return nil
}

// Recover loads the snapshot into the registry. Interrupted direct downloads
// are queued again; torrent and media transfers come back paused.
func (m *Manager) Recover() (restored, started int) {
	if m.cfg.Store == nil {
		return 0, 0
	}
	transfers := m.cfg.Store.Load()

	var resume []int64
	for i := range transfers {
		t := &transfers[i]
		t.RateBps = 0
		t.ETASeconds = 0
		if t.Status.IsTerminal() {
			continue
		}
		if t.Kind == domain.KindDirect && m.cfg.ResumeOnStart {
			t.Status = domain.Queued()
			if t.ID > 0 {
				resume = append(resume, t.ID)
			}
			continue
		}
		t.Status = domain.Paused()
	}
	restored = m.registry.Restore(transfers)

	for _, id := range resume {
		if err := m.Start(id); err != nil {
			m.cfg.Logger.WithField("transfer_id", id).Warnf("resume on startup: %v", err)
			continue
		}
		started++
	}
	return restored, started
}

func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.save(true)

	for kind, f := range m.cfg.Fetchers {
		if c, ok := f.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				m.cfg.Logger.Warnf("close %s fetcher: %v", kind, err)
			}
		}
	}
	m.cfg.Logger.Info("download manager stopped")
}

func (m *Manager) Add(ctx context.Context, req AddRequest) (domain.Transfer, error) {
	source := strings.TrimSpace(req.Source)
	if source == "" {
		return domain.Transfer{}, ErrEmptySource
	}
	kind := domain.DetectKind(source)
	if _, ok := m.cfg.Fetchers[kind]; !ok {
		return domain.Transfer{}, fmt.Errorf("%s: %w", kind, ErrUnsupportedKind)
	}
	if kind == domain.KindTorrent && !strings.HasPrefix(source, "magnet:") && !strings.Contains(source, "://") {
		if _, err := os.Stat(source); err != nil {
			return domain.Transfer{}, fmt.Errorf("torrent file: %w", err)
		}
	}

	dest := strings.TrimSpace(req.DestinationDir)
	if dest == "" {
		dest = m.cfg.DownloadFolder
	}

	t := m.registry.Add(domain.Transfer{
		Kind:           kind,
		Source:         source,
		DestinationDir: dest,
		Status:         domain.Queued(),
		SelectedFiles:  append([]int(nil), req.SelectedFiles...),
	})
	name := filepath.Base(strings.TrimSpace(req.Name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = domain.DefaultName(source, t.ID)
	}
	if _, _, err := m.registry.Update(t.ID, func(tr *domain.Transfer) { tr.Name = name }); err != nil {
		return domain.Transfer{}, err
	}

	m.cfg.Logger.WithField("transfer_id", t.ID).Infof("added %s transfer %q", kind, name)
	if err := m.Start(t.ID); err != nil {
		return domain.Transfer{}, err
	}
	m.save(false)
	return m.registry.Get(t.ID)
}

// Start spawns the task for id. It is a no-op when a task is already bound.
func (m *Manager) Start(id int64) error {
	queued, err := m.bind(id)
	if err != nil || queued == nil {
		return err
	}
	m.cfg.Hooks.progress(*queued)
	return nil
}

// bind queues id and spawns its task under the manager lock. It returns nil
// when a task was already bound.
func (m *Manager) bind(id int64) (*domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.active[id]; ok {
		return nil, nil
	}

	t, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if t.Status.State == domain.StateCompleted {
		return nil, ErrAlreadyComplete
	}
	f, ok := m.cfg.Fetchers[t.Kind]
	if !ok {
		return nil, fmt.Errorf("%s: %w", t.Kind, ErrUnsupportedKind)
	}
	_, queued, err := m.registry.Update(id, func(tr *domain.Transfer) {
		tr.Status = domain.Queued()
		tr.RateBps = 0
		tr.ETASeconds = 0
	})
	if err != nil {
		return nil, err
	}

	taskCtx, cancel := context.WithCancel(m.ctx)
	handle := &taskHandle{cancel: cancel, done: make(chan struct{})}
	m.active[id] = handle

	m.wg.Add(1)
	go m.run(taskCtx, handle, id, f)
	return &queued, nil
}

func (m *Manager) run(ctx context.Context, handle *taskHandle, id int64, f fetcher.Fetcher) {
	defer m.wg.Done()
	defer func() {
		m.unregister(id, handle)
		close(handle.done)
	}()
	defer handle.cancel()

	logger := m.cfg.Logger.WithField("transfer_id", id)

	select {
	case <-ctx.Done():
		m.settle(id, fetcher.Paused(), logger)
		return
	case m.sem <- struct{}{}:
	}
	defer func() { <-m.sem }()

	var t domain.Transfer
	err := m.Update(id, func(tr *domain.Transfer) {
		tr.Status = domain.Downloading()
		tr.LastError = ""
		t = tr.Clone()
	})
	if err != nil {
		logger.Errorf("mark downloading: %v", err)
		return
	}

	res := m.fetch(ctx, f, t, logger)
	m.settle(id, res, logger)
}

func (m *Manager) fetch(ctx context.Context, f fetcher.Fetcher, t domain.Transfer, logger *logrus.Entry) (res fetcher.Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("fetcher panic: %v", r)
			res = fetcher.Failed("internal error: %v", r)
		}
	}()
	return f.Fetch(ctx, t, m)
}

// settle applies a task's outcome to its transfer.
func (m *Manager) settle(id int64, res fetcher.Result, logger *logrus.Entry) {
	err := m.Update(id, func(tr *domain.Transfer) {
		tr.RateBps = 0
		tr.ETASeconds = 0
		switch res.Outcome {
		case fetcher.OutcomeCompleted:
			if tr.ResolvedFilePath == "" {
				tr.ResolvedFilePath = filepath.Join(tr.DestinationDir, tr.Name)
			}
			tr.Progress = 1
			tr.Status = domain.Completed()
		case fetcher.OutcomeFailed:
			tr.Status = domain.Failed(res.Detail)
			tr.LastError = res.Detail
		default:
			if !tr.Status.IsTerminal() {
				tr.Status = domain.Paused()
			}
		}
	})
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		logger.Errorf("apply %s outcome: %v", res.Outcome, err)
		return
	}
	switch res.Outcome {
	case fetcher.OutcomeFailed:
		logger.Warnf("transfer failed: %s", res.Detail)
	case fetcher.OutcomeCompleted:
		logger.Info("transfer completed")
	default:
		logger.Info("transfer paused")
	}
}

// Update is the single entry point through which tasks mutate transfers.
// Terminal edges notify observers once and force a checkpoint.
func (m *Manager) Update(id int64, fn func(t *domain.Transfer)) error {
	before, after, err := m.registry.Update(id, fn)
	if err != nil {
		return err
	}
	m.cfg.Hooks.progress(after)
	if after.Status.IsTerminal() && before.Status.State != after.Status.State {
		m.cfg.Hooks.terminal(after)
		m.save(true)
	}
	return nil
}

func (m *Manager) unregister(id int64, handle *taskHandle) {
	m.mu.Lock()
	if m.active[id] == handle {
		delete(m.active, id)
	}
	m.mu.Unlock()
}

// cancelTask cancels the task bound to id and returns its done channel, or nil
// when no task is bound.
func (m *Manager) cancelTask(id int64) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle, ok := m.active[id]
	if !ok {
		return nil
	}
	handle.cancelling = true
	handle.cancel()
	return handle.done
}

func wait(ctx context.Context, done <-chan struct{}) error {
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause cancels the task bound to id and waits for it to unwind.
func (m *Manager) Pause(ctx context.Context, id int64) error {
	if _, err := m.registry.Get(id); err != nil {
		return err
	}
	return wait(ctx, m.cancelTask(id))
}

// PauseAll cancels every running task.
func (m *Manager) PauseAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var pending []<-chan struct{}
	for _, id := range ids {
		if done := m.cancelTask(id); done != nil {
			pending = append(pending, done)
		}
	}
	for _, done := range pending {
		if err := wait(ctx, done); err != nil {
			return err
		}
	}
	return nil
}

// Resume starts id again. A task that is still unwinding from a pause is
// waited for first; a live task makes this a no-op.
func (m *Manager) Resume(ctx context.Context, id int64) error {
	m.mu.Lock()
	var done <-chan struct{}
	if handle, ok := m.active[id]; ok {
		if !handle.cancelling {
			m.mu.Unlock()
			return nil
		}
		done = handle.done
	}
	m.mu.Unlock()

	if err := wait(ctx, done); err != nil {
		return err
	}
	return m.Start(id)
}

// Restart redoes a completed transfer from zero after deleting its artifact.
func (m *Manager) Restart(ctx context.Context, id int64) error {
	t, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	if t.Status.State != domain.StateCompleted {
		return ErrNotCompleted
	}
	if err := wait(ctx, m.cancelTask(id)); err != nil {
		return err
	}
	m.detach(t)
	if err := m.deleteArtifacts(t); err != nil {
		return err
	}
	if err := m.Update(id, func(tr *domain.Transfer) {
		tr.ResetCounters()
		tr.ResolvedFilePath = ""
		tr.Status = domain.Queued()
	}); err != nil {
		return err
	}
	m.cfg.Logger.WithField("transfer_id", id).Info("restarting completed transfer")
	return m.Start(id)
}

// Remove cancels any running task and drops the transfer. Files are only
// deleted when deleteFiles is set.
func (m *Manager) Remove(ctx context.Context, id int64, deleteFiles bool) (domain.Transfer, error) {
	if _, err := m.registry.Get(id); err != nil {
		return domain.Transfer{}, err
	}
	if err := wait(ctx, m.cancelTask(id)); err != nil {
		return domain.Transfer{}, err
	}

	t, err := m.registry.Remove(id)
	if err != nil {
		return domain.Transfer{}, err
	}
	m.detach(t)
	if deleteFiles {
		if err := m.deleteArtifacts(t); err != nil {
			m.cfg.Logger.WithField("transfer_id", id).Warnf("delete files: %v", err)
		}
	}
	m.cfg.Hooks.removed(t)
	m.save(true)
	return t, nil
}

func (m *Manager) detach(t domain.Transfer) {
	if t.Kind != domain.KindTorrent || m.cfg.Torrents == nil {
		return
	}
	if err := m.cfg.Torrents.Detach(t.ID); err != nil {
		m.cfg.Logger.WithField("transfer_id", t.ID).Warnf("detach torrent: %v", err)
	}
}

// deleteArtifacts removes the transfer's output, refusing anything outside its
// destination directory.
func (m *Manager) deleteArtifacts(t domain.Transfer) error {
	path := t.ResolvedFilePath
	if path == "" && t.Name != "" {
		path = filepath.Join(t.DestinationDir, t.Name)
	}
	if path == "" {
		return nil
	}
	dir, err := filepath.Abs(t.DestinationDir)
	if err != nil {
		return fmt.Errorf("resolve destination: %w", err)
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve artifact: %w", err)
	}
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("refusing to delete %s outside %s", target, dir)
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("remove %s: %w", target, err)
	}
	m.cfg.Logger.WithField("transfer_id", t.ID).Infof("deleted %s", target)
	return nil
}

func (m *Manager) Get(id int64) (domain.Transfer, error) {
	return m.registry.Get(id)
}

func (m *Manager) List() []domain.Transfer {
	return m.registry.List()
}

// Active reports whether a task is bound to id.
func (m *Manager) Active(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

func (m *Manager) Inspect(ctx context.Context, source string) (domain.TorrentInfo, error) {
	source = strings.TrimSpace(source)
	if domain.DetectKind(source) != domain.KindTorrent {
		return domain.TorrentInfo{}, ErrNotTorrent
	}
	if m.cfg.Torrents == nil {
		return domain.TorrentInfo{}, fetcher.ErrSessionUnavailable
	}
	return m.cfg.Torrents.Inspect(ctx, source)
}

func (m *Manager) syncLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.save(false)
		}
	}
}

func (m *Manager) save(force bool) {
	if m.cfg.Store == nil {
		return
	}
	if _, err := m.cfg.Store.Save(m.registry, force); err != nil {
		m.cfg.Logger.Errorf("save state: %v", err)
	}
}

var _ fetcher.Sink = (*Manager)(nil)
