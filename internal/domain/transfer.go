package domain

import (
	"fmt"
	"strings"
)

// Kind identifies the protocol family that serves a transfer.
type Kind string

const (
	KindDirect      Kind = "Direct"
	KindTorrent     Kind = "Torrent"
	KindStreamMedia Kind = "StreamMedia"
)

// ParseKind accepts the current names as well as the older "URL" and "Video" labels.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "torrent", "magnet":
		return KindTorrent
	case "streammedia", "stream_media", "video", "media":
		return KindStreamMedia
	default:
		return KindDirect
	}
}

type State string

const (
	StateQueued      State = "Queued"
	StateDownloading State = "Downloading"
	StatePaused      State = "Paused"
	StateProcessing  State = "Processing"
	StateSeeding     State = "Seeding"
	StateCompleted   State = "Completed"
	StateError       State = "Error"
)

// Status is a transfer state plus the failure detail carried by StateError.
type Status struct {
	State  State
	Detail string
}

func Queued() Status      { return Status{State: StateQueued} }
func Downloading() Status { return Status{State: StateDownloading} }
func Paused() Status      { return Status{State: StatePaused} }
func Processing() Status  { return Status{State: StateProcessing} }
func Seeding() Status     { return Status{State: StateSeeding} }
func Completed() Status   { return Status{State: StateCompleted} }

func Failed(detail string) Status {
	return Status{State: StateError, Detail: detail}
}

func (s Status) String() string {
	if s.State == StateError && s.Detail != "" {
		return fmt.Sprintf("%s: %s", StateError, s.Detail)
	}
	if s.State == "" {
		return string(StatePaused)
	}
	return string(s.State)
}

// IsTerminal reports whether no further progress happens without a caller action.
func (s Status) IsTerminal() bool {
	return s.State == StateCompleted || s.State == StateError
}

// IsActive reports whether a task is expected to be bound to the transfer.
func (s Status) IsActive() bool {
	switch s.State {
	case StateQueued, StateDownloading, StateProcessing, StateSeeding:
		return true
	}
	return false
}

// ParseStatus reads the text form written by String, plus labels used by older snapshots.
func ParseStatus(text string) Status {
	text = strings.TrimSpace(text)
	lower := strings.ToLower(text)
	switch {
	case lower == "":
		return Paused()
	case strings.HasPrefix(lower, "error"):
		detail := strings.TrimSpace(text[len("error"):])
		detail = strings.TrimSpace(strings.TrimPrefix(detail, ":"))
		if detail == "" {
			detail = "unknown error"
		}
		return Failed(detail)
	case lower == "queued", lower == "pending":
		return Queued()
	case lower == "downloading", lower == "connecting":
		return Downloading()
	case lower == "processing":
		return Processing()
	case lower == "seeding":
		return Seeding()
	case lower == "completed", lower == "complete", lower == "finished":
		return Completed()
	default:
		return Paused()
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	*s = ParseStatus(string(b))
	return nil
}

var transitions = map[State][]State{
	StateQueued:      {StateDownloading, StatePaused, StateError},
	StateDownloading: {StateProcessing, StateSeeding, StateCompleted, StatePaused, StateError},
	StateProcessing:  {StateDownloading, StateCompleted, StatePaused, StateError},
	StateSeeding:     {StateDownloading, StateCompleted, StatePaused, StateError},
	StatePaused:      {StateQueued},
	StateError:       {StateQueued},
	StateCompleted:   {StateQueued},
}

// CanTransition reports whether a transfer may move from one state to another.
// Staying in the same state is always allowed.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TorrentPhase is the uniform view of a torrent engine's internal state.
type TorrentPhase string

const (
	PhaseChecking         TorrentPhase = "Checking"
	PhaseFetchingMetadata TorrentPhase = "FetchingMetadata"
	PhaseDownloading      TorrentPhase = "Downloading"
	PhaseSeeding          TorrentPhase = "Seeding"
	PhaseCompleted        TorrentPhase = "Completed"
	PhaseFindingPeers     TorrentPhase = "FindingPeers"
)

// Transfer is one download job regardless of protocol.
// TotalBytes of zero means the size is not known yet.
type Transfer struct {
	ID               int64
	Kind             Kind
	Source           string
	DestinationDir   string
	Name             string
	ResolvedFilePath string
	TotalBytes       int64
	DownloadedBytes  int64
	Progress         float64
	RateBps          float64
	ETASeconds       float64
	Status           Status
	Phase            TorrentPhase
	Peers            int
	Seeds            int
	SelectedFiles    []int
	LastError        string
}

func (t Transfer) TotalKnown() bool {
	return t.TotalBytes > 0
}

func (t Transfer) RemainingBytes() int64 {
	if !t.TotalKnown() || t.DownloadedBytes >= t.TotalBytes {
		return 0
	}
	return t.TotalBytes - t.DownloadedBytes
}

// Clone returns a copy that shares no mutable state with t.
func (t Transfer) Clone() Transfer {
	if t.SelectedFiles != nil {
		t.SelectedFiles = append([]int(nil), t.SelectedFiles...)
	}
	return t
}

// SyncProgress recomputes Progress from the byte counters. Without a known
// total the value is held at zero.
func (t *Transfer) SyncProgress() {
	if !t.TotalKnown() {
		t.Progress = 0
		return
	}
	if t.DownloadedBytes > t.TotalBytes {
		t.DownloadedBytes = t.TotalBytes
	}
	t.Progress = float64(t.DownloadedBytes) / float64(t.TotalBytes)
}

// ResetCounters clears everything a fresh run recomputes.
func (t *Transfer) ResetCounters() {
	t.TotalBytes = 0
	t.DownloadedBytes = 0
	t.Progress = 0
	t.RateBps = 0
	t.ETASeconds = 0
	t.Peers = 0
	t.Seeds = 0
	t.Phase = ""
	t.LastError = ""
}

// ETASeconds derives the remaining time from a rate. Zero when rate or total is unknown.
func ETASeconds(total, done int64, rateBps float64) float64 {
	if total <= 0 || rateBps <= 0 || done >= total {
		return 0
	}
	return float64(total-done) / rateBps
}
