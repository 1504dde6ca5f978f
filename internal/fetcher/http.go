package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"termoload/internal/domain"
)

const (
	DefaultChunkSize      = 256 * 1024
	DefaultRequestTimeout = 30 * time.Second
	DefaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) TermoLoad/1.0"
)

type HTTPConfig struct {
	UserAgent      string
	RequestTimeout time.Duration
	ChunkSize      int
	Limiter        *rate.Limiter
	Client         *http.Client
	Logger         *logrus.Logger
}

// HTTP is the resumable byte-range fetcher for direct downloads.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
	now    func() time.Time
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   cfg.RequestTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   cfg.RequestTimeout,
				ResponseHeaderTimeout: cfg.RequestTimeout,
				MaxIdleConnsPerHost:   4,
			},
		}
	}
	return &HTTP{cfg: cfg, client: client, now: time.Now}
}

type writeMode int

const (
	modeTruncate writeMode = iota
	modeAppend
)

// plan is the negotiated way to continue a download.
type plan struct {
	resp   *response
	mode   writeMode
	offset int64
	total  int64
	done   bool
}

func (h *HTTP) Fetch(ctx context.Context, t domain.Transfer, sink Sink) Result {
	logger := h.cfg.Logger.WithField("transfer_id", t.ID)

	if err := os.MkdirAll(t.DestinationDir, 0o755); err != nil {
		return Failed("create destination: %v", err)
	}
	path := t.ResolvedFilePath
	if path == "" {
		path = filepath.Join(t.DestinationDir, t.Name)
	}
	if err := sink.Update(t.ID, func(tr *domain.Transfer) { tr.ResolvedFilePath = path }); err != nil {
		logger.Warnf("record destination path: %v", err)
	}

	p, res := h.negotiate(ctx, t.Source, path, logger)
	if res != nil {
		return *res
	}
	if p.done {
		_ = sink.Update(t.ID, func(tr *domain.Transfer) {
			tr.TotalBytes = p.total
			tr.DownloadedBytes = p.total
			tr.Progress = 1
			tr.ETASeconds = 0
		})
		logger.Infof("local file already complete (%s)", humanize.IBytes(uint64(p.total)))
		return Completed()
	}

	return h.stream(ctx, t.ID, path, p, sink, logger)
}

// negotiate issues the range request and resolves the response into a plan.
// A non-nil Result ends the fetch.
func (h *HTTP) negotiate(ctx context.Context, source, path string, logger *logrus.Entry) (*plan, *Result) {
	existing := fileSize(path)
	rangeHeader := ""
	if existing > 0 {
		rangeHeader = fmt.Sprintf("bytes=%d-", existing)
	}

	resp, err := h.get(ctx, source, rangeHeader)
	if err != nil {
		return nil, h.requestFailure(ctx, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if existing > 0 {
			logger.Infof("server ignored range, restarting from zero")
		}
		return freshPlan(resp), nil

	case http.StatusPartialContent:
		return resumePlan(resp, existing, path)

	case http.StatusRequestedRangeNotSatisfiable:
		declared := declaredTotal(resp.Header.Get("Content-Range"))
		resp.Close()
		if existing > 0 && declared == existing {
			return &plan{done: true, total: declared}, nil
		}
		logger.Warnf("range not satisfiable (local %d, remote %d), restarting from zero", existing, declared)
		return h.restart(ctx, source, path)

	default:
		resp.Close()
		res := Failed("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		return nil, &res
	}
}

// restart drops the partial file and retries with an explicit zero range,
// falling back to a plain GET.
func (h *HTTP) restart(ctx context.Context, source, path string) (*plan, *Result) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		res := Failed("remove partial file: %v", err)
		return nil, &res
	}

	resp, err := h.get(ctx, source, "bytes=0-")
	if err == nil {
		switch resp.StatusCode {
		case http.StatusOK:
			return freshPlan(resp), nil
		case http.StatusPartialContent:
			if p, res := resumePlan(resp, 0, path); res == nil {
				return p, nil
			}
		default:
			resp.Close()
		}
	} else if ctx.Err() != nil {
		res := Paused()
		return nil, &res
	}

	resp, err = h.get(ctx, source, "")
	if err != nil {
		return nil, h.requestFailure(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Close()
		res := Failed("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		return nil, &res
	}
	return freshPlan(resp), nil
}

func freshPlan(resp *response) *plan {
	p := &plan{resp: resp, mode: modeTruncate}
	if resp.ContentLength > 0 {
		p.total = resp.ContentLength
	}
	return p
}

func resumePlan(resp *response, existing int64, path string) (*plan, *Result) {
	start := existing
	var total int64
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		s, _, tot, err := ParseContentRange(cr)
		if err != nil {
			resp.Close()
			res := Failed("invalid Content-Range %q", cr)
			return nil, &res
		}
		start = s
		if tot > 0 {
			total = tot
		}
	}
	if total == 0 && resp.ContentLength > 0 {
		total = start + resp.ContentLength
	}

	switch {
	case start == existing && existing > 0:
		return &plan{resp: resp, mode: modeAppend, offset: existing, total: total}, nil
	case start == 0:
		return &plan{resp: resp, mode: modeTruncate, total: total}, nil
	case start < existing:
		if err := os.Truncate(path, start); err != nil {
			resp.Close()
			res := Failed("truncate partial file: %v", err)
			return nil, &res
		}
		return &plan{resp: resp, mode: modeAppend, offset: start, total: total}, nil
	default:
		resp.Close()
		res := Failed("server resumed at byte %d, local file has %d", start, existing)
		return nil, &res
	}
}

func (h *HTTP) stream(ctx context.Context, id int64, path string, p *plan, sink Sink, logger *logrus.Entry) Result {
	defer p.resp.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if p.mode == modeAppend {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return Failed("open destination: %v", err)
	}

	downloaded := p.offset
	total := p.total
	_ = sink.Update(id, func(tr *domain.Transfer) {
		tr.DownloadedBytes = downloaded
		tr.TotalBytes = total
		tr.SyncProgress()
	})
	if p.offset > 0 {
		logger.Infof("resuming at %s", humanize.IBytes(uint64(p.offset)))
	}

	var meter rateMeter
	buf := make([]byte, h.cfg.ChunkSize)
	last := h.now()

	for {
		n, readErr := fill(p.resp, buf)
		if n > 0 {
			if h.cfg.Limiter != nil {
				p.resp.hold()
				err := h.cfg.Limiter.WaitN(ctx, n)
				p.resp.rearm()
				if err != nil && ctx.Err() != nil {
					return h.pause(id, f, path, total, sink)
				}
			}
			if _, err := f.Write(buf[:n]); err != nil {
				_ = f.Close()
				return Failed("write destination: %v", err)
			}
			downloaded += int64(n)

			now := h.now()
			speed := meter.sample(int64(n), now.Sub(last))
			last = now
			eta := domain.ETASeconds(total, downloaded, speed)
			_ = sink.Update(id, func(tr *domain.Transfer) {
				tr.DownloadedBytes = downloaded
				tr.TotalBytes = total
				tr.SyncProgress()
				tr.RateBps = speed
				tr.ETASeconds = eta
			})
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
		if ctx.Err() != nil {
			return h.pause(id, f, path, total, sink)
		}
		if readErr != nil {
			_ = f.Close()
			if p.resp.stalled.Load() {
				return Failed("read timeout after %s", h.cfg.RequestTimeout)
			}
			return Failed("read body: %v", readErr)
		}
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		return Failed("sync destination: %v", err)
	}
	if err := f.Close(); err != nil {
		return Failed("close destination: %v", err)
	}

	if total > 0 && downloaded < total {
		return Failed("incomplete body: %d of %d bytes", downloaded, total)
	}
	if total <= 0 {
		total = downloaded
	}
	_ = sink.Update(id, func(tr *domain.Transfer) {
		tr.DownloadedBytes = total
		tr.TotalBytes = total
		tr.Progress = 1
		tr.ETASeconds = 0
	})
	logger.Infof("download finished, %s written to %s", humanize.IBytes(uint64(total)), path)
	return Completed()
}

// pause flushes the partial file and records the on-disk size, which is what
// the next resume starts from.
func (h *HTTP) pause(id int64, f *os.File, path string, total int64, sink Sink) Result {
	_ = f.Sync()
	_ = f.Close()
	size := fileSize(path)
	_ = sink.Update(id, func(tr *domain.Transfer) {
		tr.DownloadedBytes = size
		tr.TotalBytes = total
		tr.SyncProgress()
		tr.RateBps = 0
		tr.ETASeconds = 0
	})
	return Paused()
}

func (h *HTTP) requestFailure(ctx context.Context, err error) *Result {
	var res Result
	if ctx.Err() != nil {
		res = Paused()
	} else {
		res = Failed("request: %v", err)
	}
	return &res
}

// response wraps a body with an idle watchdog: a read that makes no progress
// for the request timeout aborts the request.
type response struct {
	*http.Response
	cancel  context.CancelFunc
	timer   *time.Timer
	timeout time.Duration
	stalled atomic.Bool
}

func (h *HTTP) get(ctx context.Context, source, rangeHeader string) (*response, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, source, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", h.cfg.UserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "identity")
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	r := &response{Response: resp, cancel: cancel, timeout: h.cfg.RequestTimeout}
	r.timer = time.AfterFunc(h.cfg.RequestTimeout, func() {
		r.stalled.Store(true)
		cancel()
	})
	return r, nil
}

func (r *response) Read(p []byte) (int, error) {
	n, err := r.Body.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

// hold stops the watchdog while the stream waits on the bandwidth limiter.
func (r *response) hold() {
	r.timer.Stop()
}

func (r *response) rearm() {
	if !r.stalled.Load() {
		r.timer.Reset(r.timeout)
	}
}

func (r *response) Close() {
	r.timer.Stop()
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 64*1024))
	_ = r.Body.Close()
	r.cancel()
}

// fill reads until buf is full or the reader returns an error.
func fill(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return 0
	}
	return info.Size()
}

// ParseContentRange parses "bytes start-end/total". The total is -1 for "*".
func ParseContentRange(header string) (start, end, total int64, err error) {
	header = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), "bytes"))
	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	start, err = strconv.ParseInt(rangeParts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}
	end, err = strconv.ParseInt(rangeParts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if parts[1] == "*" {
		total = -1
	} else {
		total, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
		}
	}
	return start, end, total, nil
}

// declaredTotal extracts the size from an unsatisfied range header, "bytes */size".
func declaredTotal(header string) int64 {
	header = strings.TrimSpace(header)
	idx := strings.LastIndex(header, "/")
	if idx < 0 {
		return 0
	}
	total, err := strconv.ParseInt(strings.TrimSpace(header[idx+1:]), 10, 64)
	if err != nil || total < 0 {
		return 0
	}
	return total
}
