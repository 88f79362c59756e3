package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/sealkeeper/internal/notify"
	"github.com/jmerrifield20/sealkeeper/internal/seal/model"
)

const secret = "hook-secret"

type received struct {
	event     model.Event
	signature string
	header    string
}

type hookServer struct {
	*httptest.Server
	mu       sync.Mutex
	got      []received
	failures int // respond 500 this many times first
}

func newHookServer(t *testing.T) *hookServer {
	t.Helper()
	hs := &hookServer{}
	hs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		hs.mu.Lock()
		defer hs.mu.Unlock()
		if hs.failures > 0 {
			hs.failures--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if !notify.Verify(body, secret, r.Header.Get(notify.HeaderSignature)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var ev model.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		hs.got = append(hs.got, received{ev, r.Header.Get(notify.HeaderSignature), r.Header.Get(notify.HeaderEvent)})
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(hs.Close)
	return hs
}

func (hs *hookServer) deliveries() []received {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]received(nil), hs.got...)
}

func event(typ model.EventType, link string) model.Event {
	return model.Event{
		ID:         uuid.New(),
		Type:       typ,
		Record:     model.Record{Link: link, Role: model.RoleWrite, TxID: "tx1", Confirmations: 6},
		OccurredAt: time.Now().UTC(),
	}
}

func TestDispatch_signedDelivery(t *testing.T) {
	hs := newHookServer(t)
	n := notify.New(notify.Config{
		Endpoints: []notify.Endpoint{{URL: hs.URL}},
		Secret:    secret,
	}, zap.NewNop())

	n.Dispatch(context.Background(), event(model.EventWroteSeal, "aa"))

	got := hs.deliveries()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(got))
	}
	if got[0].header != "wroteseal" || got[0].event.Record.Link != "aa" || got[0].event.Record.TxID != "tx1" {
		t.Errorf("delivery: %+v", got[0])
	}
}

func TestDispatch_filtersByEventType(t *testing.T) {
	reads := newHookServer(t)
	all := newHookServer(t)
	n := notify.New(notify.Config{
		Endpoints: []notify.Endpoint{
			{URL: reads.URL, Events: []model.EventType{model.EventReadSeal}},
			{URL: all.URL},
		},
		Secret: secret,
	}, zap.NewNop())

	n.Dispatch(context.Background(), event(model.EventWroteSeal, "aa"))
	n.Dispatch(context.Background(), event(model.EventReadSeal, "bb"))

	if got := reads.deliveries(); len(got) != 1 || got[0].event.Type != model.EventReadSeal {
		t.Errorf("read-only endpoint got %+v", got)
	}
	if got := all.deliveries(); len(got) != 2 {
		t.Errorf("catch-all endpoint got %d deliveries, want 2", len(got))
	}
}

func TestDispatch_retries(t *testing.T) {
	hs := newHookServer(t)
	hs.failures = 2
	var outcomes []bool
	n := notify.New(notify.Config{
		Endpoints:   []notify.Endpoint{{URL: hs.URL}},
		Secret:      secret,
		RetryDelays: []time.Duration{time.Millisecond, time.Millisecond},
	}, zap.NewNop())
	n.SetMetricsRecorder(func(ok bool) { outcomes = append(outcomes, ok) })

	n.Dispatch(context.Background(), event(model.EventWroteSeal, "aa"))

	if len(hs.deliveries()) != 1 {
		t.Fatalf("expected delivery on third attempt")
	}
	if len(outcomes) != 3 || outcomes[0] || outcomes[1] || !outcomes[2] {
		t.Errorf("outcomes: %v", outcomes)
	}
}

func TestDispatch_givesUp(t *testing.T) {
	hs := newHookServer(t)
	hs.failures = 10
	n := notify.New(notify.Config{
		Endpoints:   []notify.Endpoint{{URL: hs.URL}},
		Secret:      secret,
		RetryDelays: []time.Duration{time.Millisecond},
	}, zap.NewNop())

	n.Dispatch(context.Background(), event(model.EventWroteSeal, "aa"))

	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.failures != 8 {
		t.Errorf("expected exactly two attempts, %d failures left", hs.failures)
	}
}

func TestRun_drainsQueueInOrder(t *testing.T) {
	hs := newHookServer(t)
	n := notify.New(notify.Config{Endpoints: []notify.Endpoint{{URL: hs.URL}}, Secret: secret}, zap.NewNop())

	events := make(chan model.Event, 3)
	for _, l := range []string{"01", "02", "03"} {
		events <- event(model.EventWroteSeal, l)
	}
	close(events)

	done := make(chan struct{})
	go func() {
		n.Run(context.Background(), events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after channel close")
	}

	got := hs.deliveries()
	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(got))
	}
	for i, want := range []string{"01", "02", "03"} {
		if got[i].event.Record.Link != want {
			t.Errorf("delivery %d: got %s, want %s", i, got[i].event.Record.Link, want)
		}
	}
}

func TestVerify(t *testing.T) {
	body := []byte(`{"type":"wroteseal"}`)
	sig := notify.Sign(body, secret)
	if !notify.Verify(body, secret, sig) {
		t.Error("valid signature rejected")
	}
	if notify.Verify(body, "other", sig) || notify.Verify([]byte("{}"), secret, sig) {
		t.Error("invalid signature accepted")
	}
}
