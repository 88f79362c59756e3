package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmerrifield20/sealkeeper/internal/seal/model"
	"github.com/jmerrifield20/sealkeeper/internal/seal/repository"
)

var ctx = context.Background()

func rec(link string, role model.Role, age time.Duration) *model.Record {
	return &model.Record{
		Link:        link,
		Role:        role,
		Address:     "addr-" + link,
		Unsealed:    role == model.RoleWrite,
		DateCreated: time.Now().UTC().Add(-age),
	}
}

func TestMemoryStore_insertConflict(t *testing.T) {
	s := repository.NewMemoryStore()
	if err := s.Insert(ctx, rec("l1", model.RoleWrite, 0)); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(ctx, rec("l1", model.RoleWrite, 0)); !errors.Is(err, repository.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	// the same link may be tracked in both roles
	if err := s.Insert(ctx, rec("l1", model.RoleRead, 0)); err != nil {
		t.Errorf("READ alongside WRITE: %v", err)
	}
}

func TestMemoryStore_getReturnsCopy(t *testing.T) {
	s := repository.NewMemoryStore()
	_ = s.Insert(ctx, rec("l1", model.RoleWrite, 0))

	got, err := s.Get(ctx, "l1", model.RoleWrite)
	if err != nil {
		t.Fatal(err)
	}
	got.Unsealed = false

	again, _ := s.Get(ctx, "l1", model.RoleWrite)
	if !again.Unsealed {
		t.Error("mutating a returned record changed the store")
	}
	if _, err := s.Get(ctx, "missing", model.RoleWrite); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_queries(t *testing.T) {
	s := repository.NewMemoryStore()
	const threshold = 6

	pending := rec("pending", model.RoleWrite, time.Hour)
	sealed := rec("sealed", model.RoleWrite, time.Hour)
	sealed.Unsealed = false
	sealed.TxID = "tx"
	sealed.Confirmations = 2
	confirmed := rec("confirmed", model.RoleWrite, time.Hour)
	confirmed.Unsealed = false
	confirmed.Confirmations = threshold
	watching := rec("watching", model.RoleRead, time.Hour)
	fresh := rec("fresh", model.RoleRead, 0)
	unwatched := rec("unwatched", model.RoleRead, time.Hour)
	unwatched.Unwatched = true

	for _, r := range []*model.Record{pending, sealed, confirmed, watching, fresh, unwatched} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	before := time.Now().UTC().Add(-time.Minute)

	assertLinks(t, "unsealed", must(s.ListUnsealed(ctx)), "pending")
	assertLinks(t, "unconfirmed", must(s.ListUnconfirmed(ctx, threshold)), "sealed", "watching", "fresh")
	assertLinks(t, "failed writes", must(s.ListFailedWrites(ctx, before)), "pending")
	assertLinks(t, "failed reads", must(s.ListFailedReads(ctx, before)), "watching")
	assertLinks(t, "long unconfirmed", must(s.ListLongUnconfirmed(ctx, before, threshold)),
		"pending", "sealed", "watching", "unwatched")
}

func TestMemoryStore_listByPermalink(t *testing.T) {
	s := repository.NewMemoryStore()
	v1 := rec("v1", model.RoleWrite, 2*time.Minute)
	v1.Permalink = "doc"
	v2 := rec("v2", model.RoleWrite, time.Minute)
	v2.Permalink = "doc"
	other := rec("other", model.RoleWrite, 0)
	for _, r := range []*model.Record{v1, v2, other} {
		_ = s.Insert(ctx, r)
	}

	assertLinks(t, "permalink", must(s.ListByPermalink(ctx, "doc")), "v1", "v2")
	assertLinks(t, "empty permalink", must(s.ListByPermalink(ctx, "")))
}

func TestMemoryStore_markFailedReadsSkipsChangedRecords(t *testing.T) {
	s := repository.NewMemoryStore()
	stale := rec("stale", model.RoleRead, time.Hour)
	seen := rec("seen", model.RoleRead, time.Hour)
	rewatched := rec("rewatched", model.RoleRead, time.Hour)
	for _, r := range []*model.Record{stale, seen, rewatched} {
		_ = s.Insert(ctx, r)
	}
	listed := must(s.ListFailedReads(ctx, time.Now().UTC()))

	// changes landing after the listing
	cur, _ := s.Get(ctx, "seen", model.RoleRead)
	cur.TxID = "cp-tx"
	cur.Confirmations = 2
	_ = s.Update(ctx, cur)
	cur, _ = s.Get(ctx, "rewatched", model.RoleRead)
	cur.DateCreated = time.Now().UTC()
	_ = s.Update(ctx, cur)

	ghost := rec("ghost", model.RoleRead, time.Hour)
	n, err := s.MarkFailedReads(ctx, append(listed, ghost))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("marked %d, want 1", n)
	}
	for link, want := range map[string]bool{"stale": true, "seen": false, "rewatched": false} {
		got, _ := s.Get(ctx, link, model.RoleRead)
		if got.Unwatched != want {
			t.Errorf("%s: unwatched=%v, want %v", link, got.Unwatched, want)
		}
	}
	if got, _ := s.Get(ctx, "seen", model.RoleRead); got.Confirmations != 2 || got.TxID != "cp-tx" {
		t.Errorf("observation overwritten: %+v", got)
	}
}

func TestMemoryStore_requeueSkipsSealedWrites(t *testing.T) {
	s := repository.NewMemoryStore()
	_ = s.Insert(ctx, rec("pending", model.RoleWrite, time.Hour))
	_ = s.Insert(ctx, rec("sealed", model.RoleWrite, time.Hour))
	listed := must(s.ListFailedWrites(ctx, time.Now().UTC()))

	cur, _ := s.Get(ctx, "sealed", model.RoleWrite)
	cur.Unsealed = false
	cur.TxID = "tx1"
	_ = s.Update(ctx, cur)

	n, err := s.RequeueFailedWrites(ctx, listed)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("re-queued %d, want 1", n)
	}
	got, _ := s.Get(ctx, "sealed", model.RoleWrite)
	if got.Unsealed || got.TxID != "tx1" {
		t.Errorf("sealed write reset: %+v", got)
	}
	if got, _ := s.Get(ctx, "pending", model.RoleWrite); !got.Unsealed {
		t.Errorf("pending write lost: %+v", got)
	}
}

func TestMemoryStore_updateNeverLowersConfirmations(t *testing.T) {
	s := repository.NewMemoryStore()
	r := rec("w", model.RoleWrite, 0)
	_ = s.Insert(ctx, r)

	r.Confirmations = 3
	_ = s.Update(ctx, r)
	r.Confirmations = 1
	r.TxID = "tx1"
	if err := s.Update(ctx, r); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, "w", model.RoleWrite)
	if got.Confirmations != 3 || got.TxID != "tx1" {
		t.Errorf("after shallower update: %+v", got)
	}
}

func must(rs []*model.Record, err error) []*model.Record {
	if err != nil {
		panic(err)
	}
	return rs
}

func assertLinks(t *testing.T, name string, got []*model.Record, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		links := make([]string, len(got))
		for i, r := range got {
			links[i] = r.Link
		}
		t.Errorf("%s: got %v, want %v", name, links, want)
		return
	}
	seen := make(map[string]bool, len(got))
	for _, r := range got {
		seen[r.Link] = true
	}
	for _, w := range want {
		if !seen[w] {
			t.Errorf("%s: missing %q", name, w)
		}
	}
}
