package store

import (
	"strings"

	"termoload/internal/domain"
)

type snapshot struct {
	Downloads []record `json:"downloads"`
}

type record struct {
	ID               int64   `json:"id"`
	Kind             string  `json:"kind"`
	Name             string  `json:"name"`
	Source           string  `json:"source"`
	DestinationDir   string  `json:"destinationDir"`
	Progress         float64 `json:"progress"`
	RateDisplay      string  `json:"rateDisplay"`
	Status           string  `json:"status"`
	ETADisplay       string  `json:"etaDisplay"`
	DownloadedBytes  int64   `json:"downloadedBytes"`
	TotalBytes       int64   `json:"totalBytes"`
	ResolvedFilePath string  `json:"resolvedFilePath"`
	Peers            int     `json:"peers"`
	Seeds            int     `json:"seeds"`
	SelectedFiles    []int   `json:"selectedFiles,omitempty"`
	LastError        string  `json:"lastError,omitempty"`
}

func toRecord(t domain.Transfer) record {
	return record{
		ID:               t.ID,
		Kind:             string(t.Kind),
		Name:             t.Name,
		Source:           t.Source,
		DestinationDir:   t.DestinationDir,
		Progress:         t.Progress,
		RateDisplay:      domain.FormatRate(t.RateBps),
		Status:           t.Status.String(),
		ETADisplay:       domain.FormatETA(t.ETASeconds),
		DownloadedBytes:  t.DownloadedBytes,
		TotalBytes:       t.TotalBytes,
		ResolvedFilePath: t.ResolvedFilePath,
		Peers:            t.Peers,
		Seeds:            t.Seeds,
		SelectedFiles:    t.SelectedFiles,
		LastError:        t.LastError,
	}
}

// storedRecord accepts the current field names and the ones written by older
// versions (type, url, path, downloaded_bytes, total_size, filepath).
type storedRecord struct {
	ID               int64    `json:"id"`
	Kind             string   `json:"kind"`
	Type             string   `json:"type"`
	Name             string   `json:"name"`
	Source           string   `json:"source"`
	URL              string   `json:"url"`
	DestinationDir   string   `json:"destinationDir"`
	Path             string   `json:"path"`
	Progress         *float64 `json:"progress"`
	Status           *string  `json:"status"`
	DownloadedBytes  *int64   `json:"downloadedBytes"`
	LegacyDownloaded *int64   `json:"downloaded_bytes"`
	TotalBytes       *int64   `json:"totalBytes"`
	LegacyTotal      *int64   `json:"total_size"`
	ResolvedFilePath string   `json:"resolvedFilePath"`
	FilePath         string   `json:"filepath"`
	Peers            *int     `json:"peers"`
	Seeds            *int     `json:"seeds"`
	SelectedFiles    []int    `json:"selectedFiles"`
	LastError        string   `json:"lastError"`
}

func (r storedRecord) transfer() (domain.Transfer, bool) {
	source := firstNonEmpty(r.Source, r.URL)
	if strings.TrimSpace(source) == "" {
		return domain.Transfer{}, false
	}

	t := domain.Transfer{
		ID:               r.ID,
		Source:           source,
		Name:             r.Name,
		DestinationDir:   firstNonEmpty(r.DestinationDir, r.Path),
		ResolvedFilePath: firstNonEmpty(r.ResolvedFilePath, r.FilePath),
		SelectedFiles:    r.SelectedFiles,
		LastError:        r.LastError,
		Status:           domain.Paused(),
	}

	if kind := firstNonEmpty(r.Kind, r.Type); kind != "" {
		t.Kind = domain.ParseKind(kind)
	} else {
		t.Kind = domain.DetectKind(source)
	}
	if r.Status != nil {
		t.Status = domain.ParseStatus(*r.Status)
	}
	if r.Progress != nil {
		t.Progress = clamp01(*r.Progress)
	}
	t.DownloadedBytes = firstInt64(r.DownloadedBytes, r.LegacyDownloaded)
	t.TotalBytes = firstInt64(r.TotalBytes, r.LegacyTotal)
	if t.DownloadedBytes < 0 {
		t.DownloadedBytes = 0
	}
	if t.TotalBytes < 0 {
		t.TotalBytes = 0
	}
	if t.TotalKnown() && t.DownloadedBytes > t.TotalBytes {
		t.DownloadedBytes = t.TotalBytes
	}
	if r.Peers != nil {
		t.Peers = *r.Peers
	}
	if r.Seeds != nil {
		t.Seeds = *r.Seeds
	}
	if t.Name == "" {
		t.Name = domain.DefaultName(source, t.ID)
	}
	return t, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstInt64(values ...*int64) int64 {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
