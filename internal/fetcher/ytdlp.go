package fetcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
)

// YTDLP is the MediaDelegate backed by the yt-dlp binary.
type YTDLP struct {
	// Format is passed to yt-dlp's -f flag when set.
	Format string
}

func (y YTDLP) Download(ctx context.Context, req MediaRequest, report func(MediaProgress)) (string, error) {
	tmpl := "%(title)s.%(ext)s"
	if hint := strings.TrimSpace(req.FilenameHint); hint != "" {
		tmpl = strings.TrimSuffix(hint, filepath.Ext(hint)) + ".%(ext)s"
	}

	dl := ytdlp.New().
		RestrictFilenames().
		Output(filepath.Join(req.DestinationDir, tmpl))
	if y.Format != "" {
		dl = dl.Format(y.Format)
	}

	dl.ProgressFunc(500*time.Millisecond, func(update ytdlp.ProgressUpdate) {
		var speed float64
		if !update.Started.IsZero() {
			if elapsed := time.Since(update.Started).Seconds(); elapsed > 0 {
				speed = float64(update.DownloadedBytes) / elapsed
			}
		}
		report(MediaProgress{
			Downloaded: int64(update.DownloadedBytes),
			Total:      int64(update.TotalBytes),
			RateBps:    speed,
		})
	})

	res, err := dl.Run(ctx, req.Source)
	if err != nil {
		return "", fmt.Errorf("yt-dlp: %w", err)
	}

	info, err := res.GetExtractedInfo()
	if err != nil {
		return "", fmt.Errorf("yt-dlp output: %w", err)
	}
	if len(info) == 0 || info[0].Filename == nil {
		return "", errors.New("yt-dlp reported no output file")
	}
	return *info[0].Filename, nil
}
