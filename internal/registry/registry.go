// Package registry holds the canonical in-memory table of transfers.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"termoload/internal/domain"
)

var (
	ErrNotFound          = errors.New("transfer not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Registry owns transfer records. Callers only ever see copies.
type Registry struct {
	mu     sync.RWMutex
	nextID int64
	items  map[int64]*domain.Transfer
}

func New() *Registry {
	return &Registry{
		nextID: 1,
		items:  make(map[int64]*domain.Transfer),
	}
}

// Add assigns the next id to t and stores it.
func (r *Registry) Add(t domain.Transfer) domain.Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()

	t.ID = r.nextID
	r.nextID++
	stored := t.Clone()
	r.items[t.ID] = &stored
	return stored.Clone()
}

// Restore seeds the table with previously persisted transfers. Records without
// an id get a fresh one; duplicate ids keep the first occurrence.
func (r *Registry) Restore(transfers []domain.Transfer) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range transfers {
		if t.ID >= r.nextID {
			r.nextID = t.ID + 1
		}
	}

	restored := 0
	for _, t := range transfers {
		if t.ID <= 0 {
			t.ID = r.nextID
			r.nextID++
		}
		if _, exists := r.items[t.ID]; exists {
			continue
		}
		stored := t.Clone()
		r.items[t.ID] = &stored
		restored++
	}
	return restored
}

func (r *Registry) Get(id int64) (domain.Transfer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.items[id]
	if !ok {
		return domain.Transfer{}, fmt.Errorf("transfer %d: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

// List returns snapshots ordered by id.
func (r *Registry) List() []domain.Transfer {
	r.mu.RLock()
	out := make([]domain.Transfer, 0, len(r.items))
	for _, t := range r.items {
		out = append(out, t.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Update applies fn to a working copy of the transfer and commits it when the
// resulting status change is allowed. It returns the record before and after.
func (r *Registry) Update(id int64, fn func(t *domain.Transfer)) (domain.Transfer, domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[id]
	if !ok {
		return domain.Transfer{}, domain.Transfer{}, fmt.Errorf("transfer %d: %w", id, ErrNotFound)
	}

	before := current.Clone()
	next := current.Clone()
	fn(&next)
	next.ID = id

	if !domain.CanTransition(before.Status.State, next.Status.State) {
		return before, before, fmt.Errorf("transfer %d %s -> %s: %w", id, before.Status.State, next.Status.State, ErrInvalidTransition)
	}
	if next.TotalKnown() && next.DownloadedBytes > next.TotalBytes {
		next.DownloadedBytes = next.TotalBytes
	}
	if next.Progress < 0 {
		next.Progress = 0
	} else if next.Progress > 1 {
		next.Progress = 1
	}

	*current = next
	return before, next.Clone(), nil
}

func (r *Registry) Remove(id int64) (domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.items[id]
	if !ok {
		return domain.Transfer{}, fmt.Errorf("transfer %d: %w", id, ErrNotFound)
	}
	delete(r.items, id)
	return t.Clone(), nil
}
