package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmerrifield20/sealkeeper/internal/seal/model"
)

// MemoryStore is an in-memory, thread-safe record store. It suits tests and
// single-process deployments that can lose queued seals on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[recordKey]*model.Record
}

type recordKey struct {
	link string
	role model.Role
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]*model.Record)}
}

// Insert stores a new record.
func (s *MemoryStore) Insert(_ context.Context, r *model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey{r.Link, r.Role}
	if _, ok := s.records[k]; ok {
		return ErrConflict
	}
	r.DateUpdated = time.Now().UTC()
	s.records[k] = r.Clone()
	return nil
}

// Get returns the record for (link, role).
func (s *MemoryStore) Get(_ context.Context, link string, role model.Role) (*model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[recordKey{link, role}]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// ListByPermalink returns every record sharing permalink.
func (s *MemoryStore) ListByPermalink(_ context.Context, permalink string) ([]*model.Record, error) {
	return s.filter(func(r *model.Record) bool { return permalink != "" && r.Permalink == permalink }), nil
}

// ListUnsealed returns WRITE records awaiting broadcast.
func (s *MemoryStore) ListUnsealed(_ context.Context) ([]*model.Record, error) {
	return s.filter(func(r *model.Record) bool { return r.Role == model.RoleWrite && r.Unsealed }), nil
}

// ListUnconfirmed returns broadcast WRITE records and active READ records
// below threshold.
func (s *MemoryStore) ListUnconfirmed(_ context.Context, threshold int64) ([]*model.Record, error) {
	return s.filter(func(r *model.Record) bool {
		if r.Confirmations >= threshold {
			return false
		}
		if r.Role == model.RoleWrite {
			return !r.Unsealed
		}
		return !r.Unwatched
	}), nil
}

// ListFailedWrites returns unsealed WRITE records created before before.
func (s *MemoryStore) ListFailedWrites(_ context.Context, before time.Time) ([]*model.Record, error) {
	return s.filter(func(r *model.Record) bool {
		return r.Role == model.RoleWrite && r.Unsealed && r.DateCreated.Before(before)
	}), nil
}

// ListFailedReads returns active READ records with no confirmations created
// before before.
func (s *MemoryStore) ListFailedReads(_ context.Context, before time.Time) ([]*model.Record, error) {
	return s.filter(func(r *model.Record) bool {
		return r.Role == model.RoleRead && !r.Unwatched && r.Confirmations == 0 && r.DateCreated.Before(before)
	}), nil
}

// ListLongUnconfirmed returns records of either role created before before
// and still below threshold.
func (s *MemoryStore) ListLongUnconfirmed(_ context.Context, before time.Time, threshold int64) ([]*model.Record, error) {
	return s.filter(func(r *model.Record) bool {
		return r.Confirmations < threshold && r.DateCreated.Before(before)
	}), nil
}

// Update replaces an existing record.
func (s *MemoryStore) Update(_ context.Context, r *model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(r)
}

// MarkFailedReads flags READ records unwatched in one pass. A record is
// skipped unless it is still a failed read as listed: active, re-watched at
// the same time, with no transaction seen. It returns the number marked.
func (s *MemoryStore) MarkFailedReads(_ context.Context, records []*model.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for _, r := range records {
		cur, ok := s.records[recordKey{r.Link, model.RoleRead}]
		if !ok || cur.Unwatched || cur.Confirmations != 0 || cur.TxID != "" || !cur.DateCreated.Equal(r.DateCreated) {
			continue
		}
		cur.Unwatched = true
		cur.DateUpdated = now
		n++
	}
	return n, nil
}

// RequeueFailedWrites re-queues WRITE records that are still unsealed,
// clearing any transaction id. Records sealed since they were listed are
// left alone. It returns the number re-queued.
func (s *MemoryStore) RequeueFailedWrites(_ context.Context, records []*model.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for _, r := range records {
		cur, ok := s.records[recordKey{r.Link, model.RoleWrite}]
		if !ok || !cur.Unsealed {
			continue
		}
		cur.TxID = ""
		cur.DateUpdated = now
		n++
	}
	return n, nil
}

// updateLocked replaces the stored record. Confirmations never decrease.
func (s *MemoryStore) updateLocked(r *model.Record) error {
	k := recordKey{r.Link, r.Role}
	cur, ok := s.records[k]
	if !ok {
		return ErrNotFound
	}
	r.Confirmations = max(r.Confirmations, cur.Confirmations)
	r.DateUpdated = time.Now().UTC()
	s.records[k] = r.Clone()
	return nil
}

// filter returns clones of matching records, oldest first.
func (s *MemoryStore) filter(match func(*model.Record) bool) []*model.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Record
	for _, r := range s.records {
		if match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DateCreated.Equal(out[j].DateCreated) {
			return out[i].Link < out[j].Link
		}
		return out[i].DateCreated.Before(out[j].DateCreated)
	})
	return out
}
