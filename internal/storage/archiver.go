package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"termoload/internal/domain"
)

type ArchiverConfig struct {
	Bucket    string
	KeyPrefix string
	Logger    *logrus.Logger
}

// Archiver uploads completed artifacts in the background. Local files are kept.
type Archiver struct {
	svc    Service
	cfg    ArchiverConfig
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewArchiver(svc Service, cfg ArchiverConfig) *Archiver {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Archiver{svc: svc, cfg: cfg, ctx: ctx, cancel: cancel}
}

func (a *Archiver) Bucket() string {
	return a.cfg.Bucket
}

// TransferPrefix is the key prefix holding one transfer's objects.
func (a *Archiver) TransferPrefix(id int64) string {
	return objectKey(a.cfg.KeyPrefix, fmt.Sprintf("transfer-%d", id))
}

func (a *Archiver) OnTerminal(t domain.Transfer) {
	if t.Status.State != domain.StateCompleted || t.ResolvedFilePath == "" {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.archive(t)
	}()
}

func (a *Archiver) archive(t domain.Transfer) {
	logger := a.cfg.Logger.WithField("transfer_id", t.ID)
	logger.Infof("archive started from %s", t.ResolvedFilePath)

	dest, err := a.svc.Upload(a.ctx, t.ResolvedFilePath, UploadOptions{
		Bucket:           a.cfg.Bucket,
		KeyPrefix:        a.TransferPrefix(t.ID),
		ProgressCallback: newUploadProgressLogger(logger),
	})
	if err != nil {
		logger.Errorf("archive: %v", err)
		return
	}
	logger.Infof("archived to %s", dest)
}

// Objects lists archived objects under prefix, relative to the configured key prefix.
func (a *Archiver) Objects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	return a.svc.ListObjects(ctx, a.cfg.Bucket, objectKey(a.cfg.KeyPrefix, strings.TrimLeft(prefix, "/")))
}

// Purge deletes every archived object of a transfer.
func (a *Archiver) Purge(ctx context.Context, id int64) error {
	return a.svc.DeletePrefix(ctx, a.cfg.Bucket, a.TransferPrefix(id)+"/")
}

// Close cancels running uploads and waits for them.
func (a *Archiver) Close() {
	a.cancel()
	a.wg.Wait()
}

func newUploadProgressLogger(logger *logrus.Entry) func(done, total int64) {
	var lastLog time.Time
	return func(done, total int64) {
		now := time.Now()
		if now.Sub(lastLog) < 500*time.Millisecond && done != 0 && done != total {
			return
		}
		lastLog = now
		if total == 0 {
			logger.Infof("upload progress: %s uploaded", humanize.IBytes(uint64(done)))
			return
		}
		logger.Infof("upload progress: %.1f%% (%s/%s)",
			float64(done)/float64(total)*100,
			humanize.IBytes(uint64(done)),
			humanize.IBytes(uint64(total)),
		)
	}
}
