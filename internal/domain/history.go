package domain

import "time"

type HistoryOutcome string

const (
	OutcomeCompleted HistoryOutcome = "completed"
	OutcomeFailed    HistoryOutcome = "failed"
	OutcomeCancelled HistoryOutcome = "cancelled"
)

// HistoryEntry records how a transfer ended.
type HistoryEntry struct {
	ID         int64
	Ref        string
	TransferID int64
	Name       string
	Kind       Kind
	Source     string
	Size       int64
	Downloaded int64
	Outcome    HistoryOutcome
	Error      string
	FilePath   string
	FinishedAt time.Time
}

// HistoryStats aggregates the history table.
type HistoryStats struct {
	Total           int
	Completed       int
	Failed          int
	Cancelled       int
	SuccessRate     float64
	CompletedBytes  int64
	TotalDownloaded int64
	ByKind          map[Kind]int
	RecentWeek      int
}

// TorrentFile is one file inside a torrent.
type TorrentFile struct {
	Index    int
	Path     string
	Size     int64
	Selected bool
}

// TorrentInfo describes torrent metadata fetched without downloading pieces.
type TorrentInfo struct {
	InfoHash   string
	Name       string
	TotalBytes int64
	Files      []TorrentFile
}
