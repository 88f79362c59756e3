package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jmerrifield20/sealkeeper/pkg/client"
)

var ctx = context.Background()

// ── Stub server ─────────────────────────────────────────────────────────

type captured struct {
	method string
	path   string
	query  string
	auth   string
	body   map[string]any
}

func stubNode(t *testing.T) (*httptest.Server, *captured) {
	t.Helper()
	last := &captured{}
	mux := http.NewServeMux()

	record := func(r *http.Request) {
		last.method = r.Method
		last.path = r.URL.Path
		last.query = r.URL.RawQuery
		last.auth = r.Header.Get("Authorization")
		last.body = nil
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&last.body)
		}
	}

	mux.HandleFunc("/api/v1/seals", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		switch r.Method {
		case http.MethodPost:
			if last.auth != "Bearer op-token" {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]any{"error": "missing token"})
				return
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{
				"link": last.body["link"], "role": "WRITE", "address": "mzAddr", "unsealed": true, "state": "PENDING_WRITE",
			})
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"status": r.URL.Query().Get("status"),
				"count":  1,
				"seals":  []map[string]any{{"link": "aa", "role": "READ", "unwatched": true, "state": "FAILED_READ"}},
			})
		}
	})
	mux.HandleFunc("/api/v1/seals/watch", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"link": last.body["link"], "role": "READ"})
	})
	mux.HandleFunc("/api/v1/seals/", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		link := strings.TrimPrefix(r.URL.Path, "/api/v1/seals/")
		if link == "missing" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{"error": "seal not found"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"link": link, "role": "WRITE", "tx_id": "tx1", "confirmations": 6, "state": "CONFIRMED",
		})
	})
	mux.HandleFunc("/api/v1/permalinks/", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		json.NewEncoder(w).Encode(map[string]any{
			"count": 2,
			"seals": []map[string]any{{"link": "01", "role": "WRITE"}, {"link": "02", "role": "WRITE"}},
		})
	})
	mux.HandleFunc("/api/v1/addresses/derive", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		q := r.URL.Query()
		json.NewEncoder(w).Encode(map[string]any{
			"link":         q.Get("link"),
			"base_pub_key": map[string]any{"curve": "secp256k1", "pub": q.Get("pub")},
			"pub_key":      map[string]any{"curve": "secp256k1", "pub": "02ff"},
			"address":      "mzDerived",
			"network":      "testnet3",
		})
	})
	mux.HandleFunc("/api/v1/cycles/seal", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		json.NewEncoder(w).Encode(map[string]any{
			"seal": map[string]any{"groups": 1, "sealed": 2, "tx_ids": []string{"tx1"}},
			"sync": map[string]any{"checked": 2, "confirmed": 2, "block_height": 107},
		})
	})
	mux.HandleFunc("/api/v1/cycles/failures", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		json.NewEncoder(w).Encode(map[string]any{"failed_reads": 1, "failed_writes": 0})
	})
	mux.HandleFunc("/api/v1/ledger", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		json.NewEncoder(w).Encode(map[string]any{
			"flavor": "utxo", "network": "testnet3", "block_height": 100, "confirmations": 6, "testnet": true, "seal_amount": "0.00001",
		})
	})
	mux.HandleFunc("/api/v1/ledger/recharge", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusNotImplemented)
		json.NewEncoder(w).Encode(map[string]any{"error": "recharge not supported"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, last
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestNew_invalidURL(t *testing.T) {
	if _, err := client.New("not a url"); err == nil {
		t.Error("expected error for invalid URL")
	}
}

func TestCreateSeal(t *testing.T) {
	srv, last := stubNode(t)
	c := client.MustNew(srv.URL+"/", client.WithBearerToken("op-token"))

	s, err := c.CreateSeal(ctx, client.CreateSealRequest{KeyFingerprint: "fp", Link: "ab"})
	if err != nil {
		t.Fatal(err)
	}
	if s.Link != "ab" || s.State != "PENDING_WRITE" || !s.Unsealed {
		t.Errorf("seal: %+v", s)
	}
	if last.method != http.MethodPost || last.body["key_fingerprint"] != "fp" {
		t.Errorf("request: %+v", last)
	}
	if _, ok := last.body["permalink"]; ok {
		t.Error("empty permalink should be omitted")
	}
}

func TestCreateSeal_unauthorized(t *testing.T) {
	srv, _ := stubNode(t)
	c := client.MustNew(srv.URL)

	_, err := c.CreateSeal(ctx, client.CreateSealRequest{KeyFingerprint: "fp", Link: "ab"})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "missing token" {
		t.Errorf("api error: %+v", apiErr)
	}
}

func TestWatchSeal(t *testing.T) {
	srv, last := stubNode(t)
	c := client.MustNew(srv.URL)

	s, err := c.WatchSeal(ctx, client.WatchSealRequest{BasePubKey: client.PubKey{Pub: "02aa"}, Link: "cd"})
	if err != nil {
		t.Fatal(err)
	}
	if s.Role != "READ" {
		t.Errorf("role: %s", s.Role)
	}
	base, _ := last.body["base_pub_key"].(map[string]any)
	if base["pub"] != "02aa" {
		t.Errorf("base_pub_key: %v", last.body["base_pub_key"])
	}
}

func TestGetSeal(t *testing.T) {
	srv, last := stubNode(t)
	c := client.MustNew(srv.URL)

	s, err := c.GetSeal(ctx, "abcd", "READ")
	if err != nil {
		t.Fatal(err)
	}
	if s.TxID != "tx1" || s.Confirmations != 6 {
		t.Errorf("seal: %+v", s)
	}
	if last.query != "role=READ" {
		t.Errorf("query: %q", last.query)
	}

	if _, err := c.GetSeal(ctx, "missing", ""); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListSeals(t *testing.T) {
	srv, last := stubNode(t)
	c := client.MustNew(srv.URL)

	seals, err := c.ListSeals(ctx, "failed-reads", 90*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(seals) != 1 || seals[0].State != "FAILED_READ" {
		t.Errorf("seals: %+v", seals)
	}
	if !strings.Contains(last.query, "status=failed-reads") || !strings.Contains(last.query, "grace=1h30m0s") {
		t.Errorf("query: %q", last.query)
	}
}

func TestListByPermalink(t *testing.T) {
	srv, last := stubNode(t)
	c := client.MustNew(srv.URL)

	seals, err := c.ListByPermalink(ctx, "ff")
	if err != nil {
		t.Fatal(err)
	}
	if len(seals) != 2 || last.path != "/api/v1/permalinks/ff/seals" {
		t.Errorf("seals=%d path=%s", len(seals), last.path)
	}
}

func TestDeriveAddress(t *testing.T) {
	srv, last := stubNode(t)
	c := client.MustNew(srv.URL)

	d, err := c.DeriveAddress(ctx, "ab", client.PubKey{Pub: "02aa"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Address != "mzDerived" || d.BasePubKey.Pub != "02aa" || d.Network != "testnet3" {
		t.Errorf("derivation: %+v", d)
	}
	if strings.Contains(last.query, "curve=") {
		t.Errorf("empty curve should be omitted: %q", last.query)
	}
}

func TestCycles(t *testing.T) {
	srv, last := stubNode(t)
	c := client.MustNew(srv.URL, client.WithBearerToken("op-token"))

	sr, err := c.RunSealCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sr.Seal.Sealed != 2 || sr.Sync.BlockHeight != 107 {
		t.Errorf("seal cycle: %+v", sr)
	}

	fr, err := c.RunFailureCycle(ctx, time.Hour, 0)
	if err != nil {
		t.Fatal(err)
	}
	if fr.FailedReads != 1 {
		t.Errorf("failure cycle: %+v", fr)
	}
	if last.body["read_grace"] != "1h0m0s" {
		t.Errorf("read_grace: %v", last.body["read_grace"])
	}
	if _, ok := last.body["write_grace"]; ok {
		t.Error("zero write_grace should be omitted")
	}
	if last.auth != "Bearer op-token" {
		t.Errorf("auth header: %q", last.auth)
	}
}

func TestLedger(t *testing.T) {
	srv, _ := stubNode(t)
	c := client.MustNew(srv.URL)

	l, err := c.Ledger(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if l.Flavor != "utxo" || l.BlockHeight != 100 || l.Confirmations != 6 || !l.Testnet {
		t.Errorf("ledger: %+v", l)
	}
}

func TestRecharge_unsupported(t *testing.T) {
	srv, last := stubNode(t)
	c := client.MustNew(srv.URL)

	_, err := c.Recharge(ctx, "mzAddr", "1.5", false)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotImplemented {
		t.Errorf("expected 501 APIError, got %v", err)
	}
	if last.body["min_balance"] != "1.5" || last.body["address"] != "mzAddr" {
		t.Errorf("body: %v", last.body)
	}
}
