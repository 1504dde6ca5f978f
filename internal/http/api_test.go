package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"termoload/internal/domain"
	"termoload/internal/downloader"
	"termoload/internal/fetcher"
	"termoload/internal/registry"
	"termoload/internal/storage"
)

type fakeEngine struct {
	mu        sync.Mutex
	transfers map[int64]domain.Transfer
	nextID    int64
	paused    []int64
	removed   map[int64]bool
	inspect   func(source string) (domain.TorrentInfo, error)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{transfers: map[int64]domain.Transfer{}, removed: map[int64]bool{}}
}

func (e *fakeEngine) Add(ctx context.Context, req downloader.AddRequest) (domain.Transfer, error) {
	if req.Source == "ftp://nope" {
		return domain.Transfer{}, fmt.Errorf("Direct: %w", downloader.ErrUnsupportedKind)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	t := domain.Transfer{
		ID:             e.nextID,
		Kind:           domain.DetectKind(req.Source),
		Source:         req.Source,
		DestinationDir: req.DestinationDir,
		Name:           req.Name,
		SelectedFiles:  req.SelectedFiles,
		Status:         domain.Queued(),
	}
	e.transfers[t.ID] = t
	return t, nil
}

func (e *fakeEngine) Get(id int64) (domain.Transfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[id]
	if !ok {
		return domain.Transfer{}, fmt.Errorf("transfer %d: %w", id, registry.ErrNotFound)
	}
	return t, nil
}

func (e *fakeEngine) List() []domain.Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Transfer, 0, len(e.transfers))
	for id := int64(1); id <= e.nextID; id++ {
		if t, ok := e.transfers[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (e *fakeEngine) set(id int64, fn func(t *domain.Transfer)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[id]
	if !ok {
		return fmt.Errorf("transfer %d: %w", id, registry.ErrNotFound)
	}
	fn(&t)
	e.transfers[id] = t
	return nil
}

func (e *fakeEngine) Pause(ctx context.Context, id int64) error {
	return e.set(id, func(t *domain.Transfer) {
		e.paused = append(e.paused, id)
		t.Status = domain.Paused()
	})
}

func (e *fakeEngine) PauseAll(ctx context.Context) error {
	for _, t := range e.List() {
		if err := e.Pause(ctx, t.ID); err != nil {
			return err
		}
	}
	return nil
}

func (e *fakeEngine) Resume(ctx context.Context, id int64) error {
	t, err := e.Get(id)
	if err != nil {
		return err
	}
	if t.Status.State == domain.StateCompleted {
		return downloader.ErrAlreadyComplete
	}
	return e.set(id, func(t *domain.Transfer) { t.Status = domain.Downloading() })
}

func (e *fakeEngine) Restart(ctx context.Context, id int64) error {
	t, err := e.Get(id)
	if err != nil {
		return err
	}
	if t.Status.State != domain.StateCompleted {
		return downloader.ErrNotCompleted
	}
	return e.set(id, func(t *domain.Transfer) {
		t.ResetCounters()
		t.Status = domain.Queued()
	})
}

func (e *fakeEngine) Remove(ctx context.Context, id int64, deleteFiles bool) (domain.Transfer, error) {
	t, err := e.Get(id)
	if err != nil {
		return domain.Transfer{}, err
	}
	e.mu.Lock()
	delete(e.transfers, id)
	e.removed[id] = deleteFiles
	e.mu.Unlock()
	return t, nil
}

func (e *fakeEngine) Inspect(ctx context.Context, source string) (domain.TorrentInfo, error) {
	if domain.DetectKind(source) != domain.KindTorrent {
		return domain.TorrentInfo{}, downloader.ErrNotTorrent
	}
	return e.inspect(source)
}

type fakeHistory struct {
	entries []domain.HistoryEntry
	limit   int
	cleared bool
}

func (f *fakeHistory) OnTerminal(t domain.Transfer) {}
func (f *fakeHistory) OnRemoved(t domain.Transfer)  {}

func (f *fakeHistory) List(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	f.limit = limit
	return f.entries, nil
}

func (f *fakeHistory) Stats(ctx context.Context) (domain.HistoryStats, error) {
	return domain.HistoryStats{
		Total:           4,
		Completed:       3,
		Failed:          1,
		SuccessRate:     75,
		TotalDownloaded: 3 * 1024 * 1024,
		ByKind:          map[domain.Kind]int{domain.KindDirect: 3, domain.KindTorrent: 1},
		RecentWeek:      2,
	}, nil
}

func (f *fakeHistory) Clear(ctx context.Context) (int64, error) {
	f.cleared = true
	return int64(len(f.entries)), nil
}

type fakeFiles struct {
	files map[int64][]domain.TorrentFile
}

func (f *fakeFiles) ReplaceFiles(ctx context.Context, id int64, files []domain.TorrentFile) error {
	f.files[id] = files
	return nil
}

func (f *fakeFiles) ListFiles(ctx context.Context, id int64) ([]domain.TorrentFile, error) {
	return f.files[id], nil
}

func (f *fakeFiles) OnRemoved(t domain.Transfer) {}

type fakeArchive struct {
	prefix string
	purged []int64
	err    error
}

func (a *fakeArchive) Objects(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	a.prefix = prefix
	modified := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return []storage.ObjectInfo{{Key: "termoload/transfer-1/a.bin", Size: 7, LastModified: &modified}}, a.err
}

func (a *fakeArchive) Purge(ctx context.Context, id int64) error {
	a.purged = append(a.purged, id)
	return a.err
}

type testAPI struct {
	router  *gin.Engine
	engine  *fakeEngine
	history *fakeHistory
	files   *fakeFiles
	archive *fakeArchive
}

func newTestAPI(t *testing.T, withArchive bool) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	api := &testAPI{
		engine:  newFakeEngine(),
		history: &fakeHistory{},
		files:   &fakeFiles{files: map[int64][]domain.TorrentFile{}},
	}
	var archive Archive
	if withArchive {
		api.archive = &fakeArchive{}
		archive = api.archive
	}
	api.router = gin.New()
	NewHandler(api.engine, api.history, api.files, archive).RegisterRoutes(api.router)
	return api
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, false)
	rec := api.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateAndGetTransfer(t *testing.T) {
	api := newTestAPI(t, false)

	rec := api.do(t, http.MethodPost, "/api/transfers", gin.H{
		"source":         "https://example.com/file.iso",
		"name":           "file.iso",
		"selected_files": []int{0, 2},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create status = %d body %s", rec.Code, rec.Body.String())
	}
	created := decode[TransferResponse](t, rec)
	if created.ID != 1 || created.Kind != "Direct" || created.Status != "Queued" || created.ETA != "--" || created.Rate != "0 B/s" {
		t.Fatalf("created = %+v", created)
	}

	api.engine.set(1, func(tr *domain.Transfer) {
		tr.Status = domain.Downloading()
		tr.TotalBytes = 2048
		tr.DownloadedBytes = 1024
		tr.Progress = 0.5
		tr.RateBps = 1536
		tr.ETASeconds = 90
	})
	rec = api.do(t, http.MethodGet, "/api/transfers/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	got := decode[TransferResponse](t, rec)
	if got.Rate != "1.5 KB/s" || got.ETA != "1m 30s" || got.Size != "2.0 KiB" || got.Progress != 0.5 {
		t.Fatalf("got = %+v", got)
	}

	rec = api.do(t, http.MethodGet, "/api/transfers", nil)
	if list := decode[[]TransferResponse](t, rec); len(list) != 1 {
		t.Fatalf("list = %+v", list)
	}
}

func TestCreateTransferValidation(t *testing.T) {
	api := newTestAPI(t, false)

	cases := []struct {
		name string
		body any
	}{
		{"missing source", gin.H{"name": "x"}},
		{"unsupported kind", gin.H{"source": "ftp://nope"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/api/transfers", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
			}
			if decode[map[string]string](t, rec)["error"] == "" {
				t.Fatal("missing error message")
			}
		})
	}
}

func TestTransferControlRoutes(t *testing.T) {
	api := newTestAPI(t, false)
	api.do(t, http.MethodPost, "/api/transfers", gin.H{"source": "https://example.com/a"})
	api.do(t, http.MethodPost, "/api/transfers", gin.H{"source": "https://example.com/b"})

	rec := api.do(t, http.MethodPost, "/api/transfers/1/pause", nil)
	if rec.Code != http.StatusOK || decode[TransferResponse](t, rec).State != "Paused" {
		t.Fatalf("pause = %d %s", rec.Code, rec.Body.String())
	}

	rec = api.do(t, http.MethodPost, "/api/transfers/1/resume", nil)
	if rec.Code != http.StatusOK || decode[TransferResponse](t, rec).State != "Downloading" {
		t.Fatalf("resume = %d %s", rec.Code, rec.Body.String())
	}

	rec = api.do(t, http.MethodPost, "/api/transfers/1/restart", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("restart of running transfer = %d", rec.Code)
	}

	api.engine.set(2, func(tr *domain.Transfer) { tr.Status = domain.Completed() })
	if rec = api.do(t, http.MethodPost, "/api/transfers/2/resume", nil); rec.Code != http.StatusConflict {
		t.Fatalf("resume of completed transfer = %d", rec.Code)
	}
	if rec = api.do(t, http.MethodPost, "/api/transfers/2/restart", nil); rec.Code != http.StatusOK {
		t.Fatalf("restart = %d %s", rec.Code, rec.Body.String())
	}

	rec = api.do(t, http.MethodPost, "/api/transfers/pause-all", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause-all = %d", rec.Code)
	}
	for _, tr := range decode[[]TransferResponse](t, rec) {
		if tr.State != "Paused" {
			t.Fatalf("transfer %d state = %s after pause-all", tr.ID, tr.State)
		}
	}

	if rec = api.do(t, http.MethodPost, "/api/transfers/99/pause", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("pause unknown = %d", rec.Code)
	}
	if rec = api.do(t, http.MethodPost, "/api/transfers/abc/pause", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("pause bad id = %d", rec.Code)
	}
}

func TestDeleteTransfer(t *testing.T) {
	api := newTestAPI(t, false)
	api.do(t, http.MethodPost, "/api/transfers", gin.H{"source": "https://example.com/a"})

	if rec := api.do(t, http.MethodDelete, "/api/transfers/1?delete_files=maybe", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad flag = %d", rec.Code)
	}
	rec := api.do(t, http.MethodDelete, "/api/transfers/1?delete_files=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete = %d %s", rec.Code, rec.Body.String())
	}
	if !api.engine.removed[1] {
		t.Fatal("delete_files not forwarded")
	}
	if rec = api.do(t, http.MethodDelete, "/api/transfers/1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete = %d", rec.Code)
	}
}

func TestTransferFiles(t *testing.T) {
	api := newTestAPI(t, false)
	api.do(t, http.MethodPost, "/api/transfers", gin.H{"source": "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a"})
	api.do(t, http.MethodPost, "/api/transfers", gin.H{"source": "https://example.com/a"})
	api.files.files[1] = []domain.TorrentFile{
		{Index: 0, Path: "show/e01.mkv", Size: 10, Selected: true},
		{Index: 1, Path: "show/e02.mkv", Size: 20},
	}

	rec := api.do(t, http.MethodGet, "/api/transfers/1/files", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("files = %d", rec.Code)
	}
	files := decode[[]TorrentFileResponse](t, rec)
	if len(files) != 2 || !files[0].Selected || files[1].Path != "show/e02.mkv" {
		t.Fatalf("files = %+v", files)
	}

	if rec = api.do(t, http.MethodGet, "/api/transfers/2/files", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("files of direct transfer = %d", rec.Code)
	}
}

func TestInspectTorrent(t *testing.T) {
	api := newTestAPI(t, false)
	api.engine.inspect = func(source string) (domain.TorrentInfo, error) {
		if source == "magnet:?xt=urn:btih:dead" {
			return domain.TorrentInfo{}, errors.New("add torrent: bad hash")
		}
		if source == "magnet:?xt=urn:btih:slow" {
			return domain.TorrentInfo{}, fmt.Errorf("inspect: %w", fetcher.ErrMetadataTimeout)
		}
		return domain.TorrentInfo{
			InfoHash:   "c12f",
			Name:       "show",
			TotalBytes: 30,
			Files:      []domain.TorrentFile{{Index: 0, Path: "show/e01.mkv", Size: 30, Selected: true}},
		}, nil
	}

	rec := api.do(t, http.MethodPost, "/api/torrents/inspect", gin.H{"source": "magnet:?xt=urn:btih:c12f"})
	if rec.Code != http.StatusOK {
		t.Fatalf("inspect = %d %s", rec.Code, rec.Body.String())
	}
	info := decode[TorrentInfoResponse](t, rec)
	if info.Name != "show" || len(info.Files) != 1 || info.Size != "30 B" {
		t.Fatalf("info = %+v", info)
	}

	cases := []struct {
		source string
		want   int
	}{
		{"https://example.com/a.iso", http.StatusBadRequest},
		{"magnet:?xt=urn:btih:dead", http.StatusInternalServerError},
		{"magnet:?xt=urn:btih:slow", http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		if rec := api.do(t, http.MethodPost, "/api/torrents/inspect", gin.H{"source": tc.source}); rec.Code != tc.want {
			t.Errorf("inspect %s = %d, want %d", tc.source, rec.Code, tc.want)
		}
	}
}

func TestHistoryRoutes(t *testing.T) {
	api := newTestAPI(t, false)
	api.history.entries = []domain.HistoryEntry{{
		ID:         1,
		Ref:        "r-1",
		TransferID: 4,
		Name:       "a.iso",
		Kind:       domain.KindDirect,
		Outcome:    domain.OutcomeCompleted,
		FinishedAt: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}}

	rec := api.do(t, http.MethodGet, "/api/history?limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history = %d", rec.Code)
	}
	entries := decode[[]HistoryEntryResponse](t, rec)
	if len(entries) != 1 || entries[0].FinishedAt != "2026-05-01T10:00:00Z" || api.history.limit != 10 {
		t.Fatalf("entries = %+v limit %d", entries, api.history.limit)
	}
	if rec = api.do(t, http.MethodGet, "/api/history?limit=-3", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("negative limit = %d", rec.Code)
	}

	rec = api.do(t, http.MethodGet, "/api/history/stats", nil)
	stats := decode[HistoryStatsResponse](t, rec)
	if stats.SuccessRate != 75 || stats.ByKind["Direct"] != 3 || stats.Downloaded != "3.0 MiB" {
		t.Fatalf("stats = %+v", stats)
	}

	rec = api.do(t, http.MethodDelete, "/api/history", nil)
	if rec.Code != http.StatusOK || !api.history.cleared {
		t.Fatalf("clear = %d", rec.Code)
	}
}

func TestStorageRoutes(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		api := newTestAPI(t, false)
		if rec := api.do(t, http.MethodGet, "/api/storage/objects", nil); rec.Code != http.StatusNotFound {
			t.Fatalf("objects = %d", rec.Code)
		}
		if rec := api.do(t, http.MethodDelete, "/api/storage/transfers/1", nil); rec.Code != http.StatusNotFound {
			t.Fatalf("purge = %d", rec.Code)
		}
	})

	t.Run("configured", func(t *testing.T) {
		api := newTestAPI(t, true)
		rec := api.do(t, http.MethodGet, "/api/storage/objects?prefix=transfer-1", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("objects = %d", rec.Code)
		}
		objects := decode[[]StorageObjectResponse](t, rec)
		if len(objects) != 1 || objects[0].LastModified == nil || api.archive.prefix != "transfer-1" {
			t.Fatalf("objects = %+v", objects)
		}

		rec = api.do(t, http.MethodDelete, "/api/storage/transfers/1", nil)
		if rec.Code != http.StatusOK || len(api.archive.purged) != 1 || api.archive.purged[0] != 1 {
			t.Fatalf("purge = %d %v", rec.Code, api.archive.purged)
		}

		api.archive.err = errors.New("access denied")
		if rec = api.do(t, http.MethodGet, "/api/storage/objects", nil); rec.Code != http.StatusInternalServerError {
			t.Fatalf("objects with failing archive = %d", rec.Code)
		}
	})
}
