package fetcher

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"termoload/internal/domain"
)

type requestLog struct {
	mu     sync.Mutex
	ranges []string
	agents []string
}

func (l *requestLog) record(r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ranges = append(l.ranges, r.Header.Get("Range"))
	l.agents = append(l.agents, r.Header.Get("User-Agent"))
}

func (l *requestLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ranges...)
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func rangeServer(t *testing.T, content []byte) (*httptest.Server, *requestLog) {
	t.Helper()
	log := &requestLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.record(r)
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)
	return srv, log
}

func newTransfer(t *testing.T, source string) domain.Transfer {
	t.Helper()
	return domain.Transfer{
		ID:             1,
		Kind:           domain.KindDirect,
		Source:         source,
		DestinationDir: t.TempDir(),
		Name:           "file.bin",
		Status:         domain.Downloading(),
	}
}

func newTestHTTP() *HTTP {
	return NewHTTP(HTTPConfig{Logger: quietLogger(), UserAgent: "termoload-test/1.0"})
}

func assertBytesWithinTotal(t *testing.T, history []domain.Transfer) {
	t.Helper()
	for i, s := range history {
		if s.TotalBytes > 0 && s.DownloadedBytes > s.TotalBytes {
			t.Fatalf("update %d: downloaded %d > total %d", i, s.DownloadedBytes, s.TotalBytes)
		}
	}
}

func TestFetchFreshDownload(t *testing.T) {
	content := payload(700 * 1024)
	srv, log := rangeServer(t, content)

	f := newTestHTTP()
	tr := newTransfer(t, srv.URL+"/file.bin")
	sink := newRecordingSink(tr)

	res := f.Fetch(context.Background(), tr, sink)
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v (%s)", res.Outcome, res.Detail)
	}

	got, err := os.ReadFile(filepath.Join(tr.DestinationDir, "file.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("content mismatch: %d bytes", len(got))
	}

	last := sink.last()
	if last.Progress != 1 || last.DownloadedBytes != int64(len(content)) || last.TotalBytes != int64(len(content)) {
		t.Fatalf("final state = %+v", last)
	}
	if last.ResolvedFilePath != filepath.Join(tr.DestinationDir, "file.bin") {
		t.Fatalf("resolved path = %q", last.ResolvedFilePath)
	}
	assertBytesWithinTotal(t, sink.snapshots())

	if r := log.snapshot(); len(r) != 1 || r[0] != "" {
		t.Fatalf("ranges = %q, want one request without Range", r)
	}
	if log.agents[0] != "termoload-test/1.0" {
		t.Fatalf("user agent = %q", log.agents[0])
	}
}

func TestFetchPauseAndResumeNeverRedownloads(t *testing.T) {
	const (
		size  = 10 << 20
		split = 4 << 20
	)
	content := payload(size)
	var blocking atomic.Bool
	blocking.Store(true)
	var served atomic.Int64
	log := &requestLog{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.record(r)
		if blocking.Load() {
			w.Header().Set("Content-Length", strconv.Itoa(size))
			w.WriteHeader(http.StatusOK)
			n, _ := w.Write(content[:split])
			served.Add(int64(n))
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			return
		}
		cw := &countingWriter{ResponseWriter: w, n: &served}
		http.ServeContent(cw, r, "file.bin", time.Time{}, bytes.NewReader(content))
	}))
	defer srv.Close()

	f := newTestHTTP()
	tr := newTransfer(t, srv.URL+"/file.bin")
	sink := newRecordingSink(tr)

	ctx, cancel := context.WithCancel(context.Background())
	sink.onUpdate = func(s domain.Transfer) {
		if s.DownloadedBytes >= split {
			cancel()
		}
	}

	res := f.Fetch(ctx, tr, sink)
	if res.Outcome != OutcomePaused {
		t.Fatalf("first run outcome = %v (%s), want paused", res.Outcome, res.Detail)
	}
	path := filepath.Join(tr.DestinationDir, "file.bin")
	if info, err := os.Stat(path); err != nil || info.Size() != split {
		t.Fatalf("partial file size = %v, %v", info, err)
	}
	paused := sink.last()
	if paused.DownloadedBytes != split || paused.Progress != 0.4 {
		t.Fatalf("paused state = %+v", paused)
	}

	blocking.Store(false)
	served.Store(0)
	sink.onUpdate = nil

	res = f.Fetch(context.Background(), paused, sink)
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("resume outcome = %v (%s)", res.Outcome, res.Detail)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != size || !bytes.Equal(got, content) {
		t.Fatalf("resumed file has %d bytes", len(got))
	}
	if served.Load() != size-split {
		t.Fatalf("resume served %d bytes, want %d", served.Load(), size-split)
	}
	ranges := log.snapshot()
	if len(ranges) != 2 || ranges[1] != "bytes=4194304-" {
		t.Fatalf("ranges = %q", ranges)
	}
	if last := sink.last(); last.DownloadedBytes != size || last.TotalBytes != size {
		t.Fatalf("final state = %+v", last)
	}
	assertBytesWithinTotal(t, sink.snapshots())
}

type countingWriter struct {
	http.ResponseWriter
	n *atomic.Int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.n.Add(int64(n))
	return n, err
}

func TestFetchRangeNotSatisfiableWithCompleteFile(t *testing.T) {
	content := payload(1000)
	srv, log := rangeServer(t, content)

	f := newTestHTTP()
	tr := newTransfer(t, srv.URL+"/file.bin")
	if err := os.WriteFile(filepath.Join(tr.DestinationDir, "file.bin"), content, 0o644); err != nil {
		t.Fatal(err)
	}
	sink := newRecordingSink(tr)

	res := f.Fetch(context.Background(), tr, sink)
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v (%s)", res.Outcome, res.Detail)
	}
	if ranges := log.snapshot(); len(ranges) != 1 || ranges[0] != "bytes=1000-" {
		t.Fatalf("ranges = %q, want a single ranged request", ranges)
	}
	last := sink.last()
	if last.Progress != 1 || last.DownloadedBytes != 1000 || last.TotalBytes != 1000 {
		t.Fatalf("final state = %+v", last)
	}
}

func TestFetchRangeNotSatisfiableRestartsFromZero(t *testing.T) {
	content := payload(3000)
	srv, log := rangeServer(t, content)

	f := newTestHTTP()
	tr := newTransfer(t, srv.URL+"/file.bin")
	path := filepath.Join(tr.DestinationDir, "file.bin")
	if err := os.WriteFile(path, payload(5000), 0o644); err != nil {
		t.Fatal(err)
	}
	sink := newRecordingSink(tr)

	res := f.Fetch(context.Background(), tr, sink)
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v (%s)", res.Outcome, res.Detail)
	}
	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, content) {
		t.Fatalf("file has %d bytes after restart", len(got))
	}
	ranges := log.snapshot()
	if len(ranges) != 2 || ranges[0] != "bytes=5000-" || ranges[1] != "bytes=0-" {
		t.Fatalf("ranges = %q", ranges)
	}
}

func TestFetchServerIgnoresRange(t *testing.T) {
	content := payload(4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	f := newTestHTTP()
	tr := newTransfer(t, srv.URL)
	path := filepath.Join(tr.DestinationDir, "file.bin")
	if err := os.WriteFile(path, []byte("stale partial data"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := f.Fetch(context.Background(), tr, newRecordingSink(tr))
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v (%s)", res.Outcome, res.Detail)
	}
	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, content) {
		t.Fatal("partial file was not truncated on a 200 response")
	}
}

func TestFetchUnknownLengthHoldsProgressAtZero(t *testing.T) {
	content := payload(600 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for off := 0; off < len(content); off += 200 * 1024 {
			_, _ = w.Write(content[off : off+200*1024])
			flusher.Flush()
		}
	}))
	defer srv.Close()

	f := newTestHTTP()
	tr := newTransfer(t, srv.URL)
	sink := newRecordingSink(tr)

	res := f.Fetch(context.Background(), tr, sink)
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v (%s)", res.Outcome, res.Detail)
	}

	history := sink.snapshots()
	for i, s := range history[:len(history)-1] {
		if s.Progress != 0 {
			t.Fatalf("update %d has progress %v before completion", i, s.Progress)
		}
		if s.ETASeconds != 0 {
			t.Fatalf("update %d has eta %v without a total", i, s.ETASeconds)
		}
	}
	last := sink.last()
	if last.Progress != 1 || last.TotalBytes != int64(len(content)) {
		t.Fatalf("final state = %+v", last)
	}
}

func TestFetchErrorStatus(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusForbidden, http.StatusInternalServerError} {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(code)
			}))
			defer srv.Close()

			f := newTestHTTP()
			tr := newTransfer(t, srv.URL)
			res := f.Fetch(context.Background(), tr, newRecordingSink(tr))
			if res.Outcome != OutcomeFailed {
				t.Fatalf("outcome = %v", res.Outcome)
			}
			if !strings.Contains(res.Detail, strconv.Itoa(code)) {
				t.Fatalf("detail %q does not carry status code", res.Detail)
			}
		})
	}
}

func TestFetchStalledBodyTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload(10))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	f := NewHTTP(HTTPConfig{Logger: quietLogger(), RequestTimeout: 100 * time.Millisecond})
	tr := newTransfer(t, srv.URL)
	res := f.Fetch(context.Background(), tr, newRecordingSink(tr))
	if res.Outcome != OutcomeFailed || !strings.Contains(res.Detail, "timeout") {
		t.Fatalf("result = %+v, want read timeout failure", res)
	}
}

func TestFetchThrottledBelowTimeoutCompletes(t *testing.T) {
	content := payload(12 * 1024)
	srv, _ := rangeServer(t, content)

	// 4 KiB/s with 4 KiB chunks waits about a second per chunk, well past the timeout
	f := NewHTTP(HTTPConfig{
		Logger:         quietLogger(),
		RequestTimeout: 300 * time.Millisecond,
		ChunkSize:      4096,
		Limiter:        NewLimiter(4, 4096),
	})
	tr := newTransfer(t, srv.URL+"/file.bin")
	sink := newRecordingSink(tr)

	res := f.Fetch(context.Background(), tr, sink)
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v (%s), want completed", res.Outcome, res.Detail)
	}
	got, err := os.ReadFile(filepath.Join(tr.DestinationDir, "file.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("content mismatch: %d bytes", len(got))
	}
}

func TestFetchCancelledBeforeStartIsPaused(t *testing.T) {
	srv, _ := rangeServer(t, payload(10))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newTestHTTP()
	tr := newTransfer(t, srv.URL)
	res := f.Fetch(ctx, tr, newRecordingSink(tr))
	if res.Outcome != OutcomePaused {
		t.Fatalf("outcome = %v (%s), want paused", res.Outcome, res.Detail)
	}
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		header            string
		start, end, total int64
		wantErr           bool
	}{
		{"bytes 0-99/200", 0, 99, 200, false},
		{"bytes 100-199/*", 100, 199, -1, false},
		{"bytes */200", 0, 0, 0, true},
		{"garbage", 0, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			start, end, total, err := ParseContentRange(tt.header)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (start != tt.start || end != tt.end || total != tt.total) {
				t.Fatalf("got %d-%d/%d", start, end, total)
			}
		})
	}
	if got := declaredTotal("bytes */1234"); got != 1234 {
		t.Fatalf("declaredTotal = %d", got)
	}
}
