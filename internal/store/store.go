// Package store checkpoints the transfer table to a JSON snapshot file.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"termoload/internal/domain"
)

const DefaultInterval = 2 * time.Second

// Lister is anything that can hand out a consistent snapshot of transfers.
type Lister interface {
	List() []domain.Transfer
}

// Store writes snapshots at most once per interval unless forced.
type Store struct {
	path     string
	interval time.Duration
	logger   *logrus.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSave time.Time
}

func New(path string, interval time.Duration, logger *logrus.Logger) *Store {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{
		path:     path,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Store) Path() string {
	return s.path
}

// Save writes the snapshot when the throttle interval elapsed or force is set.
// It reports whether a write happened.
func (s *Store) Save(src Lister, force bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !force && !s.lastSave.IsZero() && now.Sub(s.lastSave) < s.interval {
		return false, nil
	}

	transfers := src.List()
	snap := snapshot{Downloads: make([]record, 0, len(transfers))}
	for _, t := range transfers {
		snap.Downloads = append(snap.Downloads, toRecord(t))
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return false, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := writeAtomic(s.path, data); err != nil {
		return false, err
	}
	s.lastSave = now
	return true, nil
}

// Load reads the snapshot. A missing or unreadable file yields an empty list,
// and individual malformed records are skipped.
func (s *Store) Load() []domain.Transfer {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warnf("read state file %s: %v", s.path, err)
		}
		return []domain.Transfer{}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return []domain.Transfer{}
	}

	var raw struct {
		Downloads []json.RawMessage `json:"downloads"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warnf("state file %s is corrupt, starting empty: %v", s.path, err)
		return []domain.Transfer{}
	}

	out := make([]domain.Transfer, 0, len(raw.Downloads))
	for i, item := range raw.Downloads {
		var rec storedRecord
		if err := json.Unmarshal(item, &rec); err != nil {
			s.logger.Warnf("skip state record %d: %v", i, err)
			continue
		}
		t, ok := rec.transfer()
		if !ok {
			s.logger.Warnf("skip state record %d: no source", i)
			continue
		}
		out = append(out, t)
	}
	return out
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
