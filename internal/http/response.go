package http

import (
	"time"

	"github.com/dustin/go-humanize"

	"termoload/internal/domain"
	"termoload/internal/storage"
)

type TransferResponse struct {
	ID              int64   `json:"id"`
	Kind            string  `json:"kind"`
	Source          string  `json:"source"`
	DestinationDir  string  `json:"destination_dir"`
	Name            string  `json:"name"`
	FilePath        string  `json:"file_path,omitempty"`
	Status          string  `json:"status"`
	State           string  `json:"state"`
	Phase           string  `json:"phase,omitempty"`
	TotalBytes      int64   `json:"total_bytes"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	Size            string  `json:"size"`
	Progress        float64 `json:"progress"`
	RateBps         float64 `json:"rate_bps"`
	Rate            string  `json:"rate"`
	ETASeconds      float64 `json:"eta_seconds"`
	ETA             string  `json:"eta"`
	Peers           int     `json:"peers"`
	Seeds           int     `json:"seeds"`
	SelectedFiles   []int   `json:"selected_files,omitempty"`
	LastError       string  `json:"last_error,omitempty"`
}

type TorrentFileResponse struct {
	Index    int    `json:"index"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Selected bool   `json:"selected"`
}

type TorrentInfoResponse struct {
	InfoHash   string                `json:"info_hash"`
	Name       string                `json:"name"`
	TotalBytes int64                 `json:"total_bytes"`
	Size       string                `json:"size"`
	Files      []TorrentFileResponse `json:"files"`
}

type HistoryEntryResponse struct {
	ID         int64  `json:"id"`
	Ref        string `json:"ref"`
	TransferID int64  `json:"transfer_id"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Source     string `json:"source"`
	Size       int64  `json:"size"`
	Downloaded int64  `json:"downloaded"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
	FinishedAt string `json:"finished_at"`
}

type HistoryStatsResponse struct {
	Total           int            `json:"total"`
	Completed       int            `json:"completed"`
	Failed          int            `json:"failed"`
	Cancelled       int            `json:"cancelled"`
	SuccessRate     float64        `json:"success_rate"`
	CompletedBytes  int64          `json:"completed_bytes"`
	TotalDownloaded int64          `json:"total_downloaded"`
	Downloaded      string         `json:"downloaded"`
	ByKind          map[string]int `json:"by_kind"`
	RecentWeek      int            `json:"recent_week"`
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func humanBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(n))
}

func transferToResponse(t domain.Transfer) TransferResponse {
	return TransferResponse{
		ID:              t.ID,
		Kind:            string(t.Kind),
		Source:          t.Source,
		DestinationDir:  t.DestinationDir,
		Name:            t.Name,
		FilePath:        t.ResolvedFilePath,
		Status:          t.Status.String(),
		State:           string(t.Status.State),
		Phase:           string(t.Phase),
		TotalBytes:      t.TotalBytes,
		DownloadedBytes: t.DownloadedBytes,
		Size:            humanBytes(t.TotalBytes),
		Progress:        t.Progress,
		RateBps:         t.RateBps,
		Rate:            domain.FormatRate(t.RateBps),
		ETASeconds:      t.ETASeconds,
		ETA:             domain.FormatETA(t.ETASeconds),
		Peers:           t.Peers,
		Seeds:           t.Seeds,
		SelectedFiles:   t.SelectedFiles,
		LastError:       t.LastError,
	}
}

func filesToResponse(files []domain.TorrentFile) []TorrentFileResponse {
	resp := make([]TorrentFileResponse, len(files))
	for i, f := range files {
		resp[i] = TorrentFileResponse{
			Index:    f.Index,
			Path:     f.Path,
			Size:     f.Size,
			Selected: f.Selected,
		}
	}
	return resp
}

func historyToResponse(e domain.HistoryEntry) HistoryEntryResponse {
	return HistoryEntryResponse{
		ID:         e.ID,
		Ref:        e.Ref,
		TransferID: e.TransferID,
		Name:       e.Name,
		Kind:       string(e.Kind),
		Source:     e.Source,
		Size:       e.Size,
		Downloaded: e.Downloaded,
		Outcome:    string(e.Outcome),
		Error:      e.Error,
		FilePath:   e.FilePath,
		FinishedAt: e.FinishedAt.Format(time.RFC3339),
	}
}

func statsToResponse(s domain.HistoryStats) HistoryStatsResponse {
	byKind := make(map[string]int, len(s.ByKind))
	for k, n := range s.ByKind {
		byKind[string(k)] = n
	}
	return HistoryStatsResponse{
		Total:           s.Total,
		Completed:       s.Completed,
		Failed:          s.Failed,
		Cancelled:       s.Cancelled,
		SuccessRate:     s.SuccessRate,
		CompletedBytes:  s.CompletedBytes,
		TotalDownloaded: s.TotalDownloaded,
		Downloaded:      humanBytes(s.TotalDownloaded),
		ByKind:          byKind,
		RecentWeek:      s.RecentWeek,
	}
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}
