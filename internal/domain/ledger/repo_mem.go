package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemRepo is an in-process Repository with the same transition semantics as
// the PostgreSQL one.
type MemRepo struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
	now     func() time.Time
}

func NewMemRepo() *MemRepo {
	return &MemRepo{entries: make(map[uuid.UUID]*Entry), now: time.Now}
}

func (m *MemRepo) Create(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if _, ok := m.entries[e.ID]; ok {
		return fmt.Errorf("ledger: duplicate entry %s", e.ID)
	}
	now := m.now()
	e.CreatedAt, e.UpdatedAt = now, now
	cp := *e
	m.entries[e.ID] = &cp
	return nil
}

func (m *MemRepo) Get(_ context.Context, id uuid.UUID) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []*Entry
	for _, e := range m.entries {
		if f.DeviceID != nil && e.DeviceID != *f.DeviceID {
			continue
		}
		if f.OrderID != nil && (e.OrderID == nil || *e.OrderID != *f.OrderID) {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.Direction != "" && e.Direction != f.Direction {
			continue
		}
		cp := *e
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	if offset >= total {
		return []*Entry{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemRepo) Transition(_ context.Context, id uuid.UUID, dir Direction, from []Status, to Status, ch Change) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	allowed := false
	for _, s := range from {
		if e.Status == s {
			allowed = true
			break
		}
	}
	if !allowed || e.Direction != dir {
		return nil, fmt.Errorf("%w: %s entry %s -> %s", ErrInvalidTransition, e.Direction, e.Status, to)
	}

	e.Status = to
	if len(ch.ParsedSummary) > 0 {
		e.ParsedSummary = ch.ParsedSummary
	}
	switch {
	case ch.ClearError:
		e.ErrorText = nil
	case ch.ErrorText != nil:
		text := *ch.ErrorText
		e.ErrorText = &text
	}
	if ch.OrderID != nil {
		oid := *ch.OrderID
		e.OrderID = &oid
	}
	if ch.CountAttempt {
		e.Attempts++
	}
	e.UpdatedAt = m.now()

	cp := *e
	return &cp, nil
}

func (m *MemRepo) Stats(_ context.Context) ([]StatusCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type key struct {
		d Direction
		s Status
	}
	counts := make(map[key]int)
	for _, e := range m.entries {
		counts[key{e.Direction, e.Status}]++
	}
	out := make([]StatusCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, StatusCount{Direction: k.d, Status: k.s, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Direction != out[j].Direction {
			return out[i].Direction < out[j].Direction
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

func (m *MemRepo) Stale(_ context.Context, olderThan time.Time, limit int) ([]*Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []*Entry
	for _, e := range m.entries {
		if (e.Status == StatusPending || e.Status == StatusProcessing) && e.UpdatedAt.Before(olderThan) {
			cp := *e
			stale = append(stale, &cp)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	total := len(stale)
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, total, nil
}

// Entries returns a snapshot of every entry, oldest first.
func (m *MemRepo) Entries() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
