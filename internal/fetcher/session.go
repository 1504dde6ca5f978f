package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	tstorage "github.com/anacrolix/torrent/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"termoload/internal/domain"
)

var errHandleClosed = errors.New("torrent handle closed")

type SessionConfig struct {
	DataDir   string
	Seed      bool
	Port      int
	UserAgent string
	Trackers  []string
	Limiter   *rate.Limiter
	// HTTPClient downloads remote .torrent files.
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// ClientSession is the Session backed by an anacrolix torrent client.
type ClientSession struct {
	cfg    SessionConfig
	client *torrent.Client
}

func OpenClientSession(cfg SessionConfig) (*ClientSession, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	if len(cfg.Trackers) == 0 {
		cfg.Trackers = DefaultTrackers()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create torrent data dir: %w", err)
	}

	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = cfg.DataDir
	clientConfig.Seed = cfg.Seed
	clientConfig.NoUpload = !cfg.Seed
	clientConfig.ListenPort = cfg.Port
	if cfg.UserAgent != "" {
		clientConfig.HTTPUserAgent = cfg.UserAgent
	}
	if cfg.Limiter != nil {
		clientConfig.DownloadRateLimiter = cfg.Limiter
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create torrent client: %w", err)
	}
	cfg.Logger.Infof("torrent session started, data dir: %s", cfg.DataDir)
	return &ClientSession{cfg: cfg, client: client}, nil
}

func (s *ClientSession) Add(ctx context.Context, source, saveDir string, metadataOnly bool) (Handle, error) {
	spec, err := s.spec(ctx, source)
	if err != nil {
		return nil, err
	}
	if saveDir == "" {
		saveDir = s.cfg.DataDir
	}
	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		return nil, fmt.Errorf("create save dir: %w", err)
	}
	spec.Storage = tstorage.NewFile(saveDir)

	t, isNew, err := s.client.AddTorrentSpec(spec)
	if err != nil {
		return nil, fmt.Errorf("add torrent spec: %w", err)
	}
	trackers := make([][]string, 0, len(s.cfg.Trackers))
	for _, tr := range s.cfg.Trackers {
		trackers = append(trackers, []string{tr})
	}
	t.AddTrackers(trackers)

	if isNew && metadataOnly {
		t.DisallowDataDownload()
	}
	return &clientHandle{t: t, saveDir: saveDir}, nil
}

// spec resolves a magnet URI, a local .torrent path or a remote .torrent URL.
func (s *ClientSession) spec(ctx context.Context, source string) (*torrent.TorrentSpec, error) {
	switch {
	case strings.HasPrefix(source, "magnet:"):
		spec, err := torrent.TorrentSpecFromMagnetUri(source)
		if err != nil {
			return nil, fmt.Errorf("parse magnet: %w", err)
		}
		return spec, nil
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		mi, err := s.download(ctx, source)
		if err != nil {
			return nil, err
		}
		return torrent.TorrentSpecFromMetaInfoErr(mi)
	default:
		mi, err := metainfo.LoadFromFile(source)
		if err != nil {
			return nil, fmt.Errorf("load torrent file: %w", err)
		}
		return torrent.TorrentSpecFromMetaInfoErr(mi)
	}
}

// download fetches a remote .torrent into a temp file and parses it.
func (s *ClientSession) download(ctx context.Context, url string) (*metainfo.MetaInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download torrent file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download torrent file: HTTP %d", resp.StatusCode)
	}

	tmp := filepath.Join(os.TempDir(), "termoload-"+uuid.NewString()+".torrent")
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("create temp torrent: %w", err)
	}
	defer os.Remove(tmp)
	if _, err := io.Copy(f, io.LimitReader(resp.Body, 32<<20)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write temp torrent: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close temp torrent: %w", err)
	}

	mi, err := metainfo.LoadFromFile(tmp)
	if err != nil {
		return nil, fmt.Errorf("parse torrent file: %w", err)
	}
	return mi, nil
}

func (s *ClientSession) Remove(h Handle) error {
	ch, ok := h.(*clientHandle)
	if !ok {
		return fmt.Errorf("foreign torrent handle %T", h)
	}
	ch.t.Drop()
	return nil
}

func (s *ClientSession) Close() error {
	return errors.Join(s.client.Close()...)
}

type clientHandle struct {
	t       *torrent.Torrent
	saveDir string

	mu        sync.Mutex
	lastBytes int64
	lastAt    time.Time
	meter     rateMeter
}

func (h *clientHandle) InfoHash() string {
	return h.t.InfoHash().HexString()
}

func (h *clientHandle) HasMetadata() bool {
	return h.t.Info() != nil
}

func (h *clientHandle) Name() string {
	if info := h.t.Info(); info != nil {
		return info.BestName()
	}
	return h.t.Name()
}

func (h *clientHandle) SavePath() string {
	return h.saveDir
}

func (h *clientHandle) Files() []domain.TorrentFile {
	if h.t.Info() == nil {
		return nil
	}
	files := h.t.Files()
	out := make([]domain.TorrentFile, len(files))
	for i, f := range files {
		out[i] = domain.TorrentFile{
			Index:    i,
			Path:     f.DisplayPath(),
			Size:     f.Length(),
			Selected: f.Priority() != torrent.PiecePriorityNone,
		}
	}
	return out
}

// SetFilePriorities downloads only the selected file indices. An empty
// selection means every file.
func (h *clientHandle) SetFilePriorities(selected []int) error {
	files := h.t.Files()
	want := make(map[int]bool, len(selected))
	for _, idx := range selected {
		if idx < 0 || idx >= len(files) {
			return fmt.Errorf("file index %d out of range (0..%d)", idx, len(files)-1)
		}
		want[idx] = true
	}
	for i, f := range files {
		if len(want) == 0 || want[i] {
			f.SetPriority(torrent.PiecePriorityNormal)
		} else {
			f.SetPriority(torrent.PiecePriorityNone)
		}
	}
	return nil
}

func (h *clientHandle) Resume() {
	h.t.AllowDataDownload()
}

func (h *clientHandle) Pause() {
	h.t.DisallowDataDownload()
}

func (h *clientHandle) Status() (HandleStatus, error) {
	select {
	case <-h.t.Closed():
		return HandleStatus{}, errHandleClosed
	default:
	}

	stats := h.t.Stats()
	st := HandleStatus{
		Peers: stats.ActivePeers,
		Seeds: stats.ConnectedSeeders,
	}
	if h.t.Info() == nil {
		st.State = EngineMetadata
		return st, nil
	}

	for _, f := range h.t.Files() {
		if f.Priority() == torrent.PiecePriorityNone {
			continue
		}
		st.Wanted += f.Length()
		st.Completed += f.BytesCompleted()
	}
	if st.Wanted > 0 {
		st.Progress = float64(st.Completed) / float64(st.Wanted)
	}
	st.DownloadRate = h.rate(stats.BytesReadUsefulData.Int64())
	st.Finished = st.Wanted > 0 && st.Completed >= st.Wanted

	switch {
	case st.Finished && h.t.Seeding():
		st.State = EngineSeeding
	case st.Finished:
		st.State = EngineFinished
	case h.checking():
		st.State = EngineChecking
	default:
		st.State = EngineDownloading
	}
	return st, nil
}

func (h *clientHandle) checking() bool {
	for _, run := range h.t.PieceStateRuns() {
		if run.Checking {
			return true
		}
	}
	return false
}

// rate turns the useful-bytes counter into a smoothed bytes/s figure.
func (h *clientHandle) rate(total int64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	if h.lastAt.IsZero() {
		h.lastAt, h.lastBytes = now, total
		return 0
	}
	speed := h.meter.sample(total-h.lastBytes, now.Sub(h.lastAt))
	h.lastAt, h.lastBytes = now, total
	return speed
}

func DefaultTrackers() []string {
	return []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://tracker.openbittorrent.com:6969/announce",
		"udp://open.stealth.si:80/announce",
		"udp://exodus.desync.com:6969/announce",
		"http://tracker.opentrackr.org:1337/announce",
		"udp://tracker.torrent.eu.org:451/announce",
		"udp://tracker.moeking.me:6969/announce",
	}
}
