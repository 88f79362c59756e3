package blockchain_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jmerrifield20/sealkeeper/internal/blockchain"
	"github.com/jmerrifield20/sealkeeper/internal/blockchain/blockchaintest"
)

var ctx = context.Background()

func TestNew_defaultsConfirmationsByFlavor(t *testing.T) {
	for flavor, want := range map[blockchain.Flavor]int64{
		blockchain.FlavorUTXO:        6,
		blockchain.FlavorAccount:     12,
		blockchain.FlavorCentralized: 1,
	} {
		l := blockchaintest.New(flavor)
		l.SetConfirmations(0)
		bc := blockchain.New(l)
		if got := bc.Confirmations(); got != want {
			t.Errorf("%s: confirmations %d, want %d", flavor, got, want)
		}
	}
}

func TestSeal_cachesOneWriterPerKey(t *testing.T) {
	l := blockchaintest.New(blockchain.FlavorUTXO)
	bc := blockchain.New(l, blockchain.WithLogger(zap.NewNop()))
	k1 := mustKey(t, strings.Repeat("11", 32))
	k2 := mustKey(t, strings.Repeat("22", 32))

	for _, k := range []*blockchain.Key{k1, k1, k2, k1} {
		if _, err := bc.Seal(ctx, blockchain.SealRequest{Key: k, Link: linkA, Addresses: []string{"addr"}}); err != nil {
			t.Fatal(err)
		}
	}
	if got := l.Stats().Transactors; got != 2 {
		t.Errorf("expected 2 writers, got %d", got)
	}
	if got := l.Sends(); got != 4 {
		t.Errorf("expected 4 broadcasts, got %d", got)
	}
}

func TestSeal_oneBroadcastForAllAddresses(t *testing.T) {
	l := blockchaintest.New(blockchain.FlavorUTXO)
	bc := blockchain.New(l)
	key := mustKey(t, strings.Repeat("11", 32))

	res, err := bc.Seal(ctx, blockchain.SealRequest{Key: key, Addresses: []string{"a", "b", "c"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.TxID == "" {
		t.Error("expected a tx id")
	}
	if got := l.LastSend(); len(got) != 3 {
		t.Errorf("expected 3 outputs, got %v", got)
	}
}

func TestSeal_failureIsBroadcastError(t *testing.T) {
	l := blockchaintest.New(blockchain.FlavorUTXO)
	bc := blockchain.New(l)
	key := mustKey(t, strings.Repeat("11", 32))
	l.FailSends(key.Fingerprint(), true)

	_, err := bc.Seal(ctx, blockchain.SealRequest{Key: key, Addresses: []string{"a"}})
	if !errors.Is(err, blockchain.ErrBroadcast) {
		t.Fatalf("expected ErrBroadcast, got %v", err)
	}
	if !errors.Is(err, blockchaintest.ErrInjected) {
		t.Error("expected adapter error to be unwrappable")
	}
	var be *blockchain.BroadcastError
	if !errors.As(err, &be) || len(be.Addresses) != 1 {
		t.Errorf("expected *BroadcastError with addresses, got %#v", err)
	}
}

func TestSeal_partialSendKeepsSentTransfers(t *testing.T) {
	l := blockchaintest.New(blockchain.FlavorAccount)
	bc := blockchain.New(l)
	key := mustKey(t, strings.Repeat("11", 32))
	l.FailSendsAfter(key.Fingerprint(), 2)

	_, err := bc.Seal(ctx, blockchain.SealRequest{Key: key, Addresses: []string{"a", "b", "c"}})
	if !errors.Is(err, blockchain.ErrBroadcast) {
		t.Fatalf("expected ErrBroadcast, got %v", err)
	}
	var partial *blockchain.PartialSendError
	if !errors.As(err, &partial) {
		t.Fatalf("expected *PartialSendError, got %#v", err)
	}
	if len(partial.Sent) != 2 || partial.Sent["a"] == "" || partial.Sent["b"] == "" {
		t.Errorf("sent: %v", partial.Sent)
	}
	if _, ok := partial.Sent["c"]; ok {
		t.Error("unsent address reported as paid")
	}
}

func TestSeal_rejectsEmptyRequest(t *testing.T) {
	bc := blockchain.New(blockchaintest.New(blockchain.FlavorUTXO))
	if _, err := bc.Seal(ctx, blockchain.SealRequest{}); !errors.Is(err, blockchain.ErrInvalidInput) {
		t.Errorf("nil key: got %v", err)
	}
	key := mustKey(t, strings.Repeat("11", 32))
	if _, err := bc.Seal(ctx, blockchain.SealRequest{Key: key}); !errors.Is(err, blockchain.ErrInvalidInput) {
		t.Errorf("no addresses: got %v", err)
	}
}

func TestGetTxsForAddresses_computesConfirmations(t *testing.T) {
	l := blockchaintest.New(blockchain.FlavorUTXO)
	bc := blockchain.New(l)
	key := mustKey(t, strings.Repeat("11", 32))

	if _, err := bc.Seal(ctx, blockchain.SealRequest{Key: key, Addresses: []string{"a"}}); err != nil {
		t.Fatal(err)
	}
	l.Mine(1)
	minedAt, _ := bc.GetBlockHeight(ctx)
	l.Mine(4)

	height, err := bc.GetBlockHeight(ctx)
	if err != nil {
		t.Fatal(err)
	}
	txs, err := bc.GetTxsForAddresses(ctx, []string{"a"}, &height)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected 1 tx, got %d", len(txs))
	}
	if want := height - minedAt; txs[0].Confirmations != want {
		t.Errorf("confirmations %d, want %d", txs[0].Confirmations, want)
	}

	// Without a block height the adapter's value is passed through.
	txs, _ = bc.GetTxsForAddresses(ctx, []string{"a"}, nil)
	if txs[0].Confirmations != 0 {
		t.Errorf("expected 0 confirmations without height, got %d", txs[0].Confirmations)
	}
}

func TestGetTxsForAddresses_keepsAdapterConfirmations(t *testing.T) {
	l := blockchaintest.New(blockchain.FlavorUTXO)
	l.ReportConfirmations(true)
	bc := blockchain.New(l)
	key := mustKey(t, strings.Repeat("11", 32))

	_, _ = bc.Seal(ctx, blockchain.SealRequest{Key: key, Addresses: []string{"a"}})
	l.Mine(3)
	height, _ := bc.GetBlockHeight(ctx)
	txs, err := bc.GetTxsForAddresses(ctx, []string{"a"}, &height)
	if err != nil {
		t.Fatal(err)
	}
	if txs[0].Confirmations != 3 {
		t.Errorf("confirmations %d, want 3", txs[0].Confirmations)
	}
}

func TestGetTxsForAddresses_readError(t *testing.T) {
	l := blockchaintest.New(blockchain.FlavorUTXO)
	l.FailReads(true)
	bc := blockchain.New(l)

	if _, err := bc.GetTxsForAddresses(ctx, []string{"a"}, nil); !errors.Is(err, blockchain.ErrRead) {
		t.Errorf("GetTxsForAddresses: got %v, want ErrRead", err)
	}
	if _, err := bc.GetBlockHeight(ctx); !errors.Is(err, blockchain.ErrRead) {
		t.Errorf("GetBlockHeight: got %v, want ErrRead", err)
	}
}

func TestStartStop_idempotent(t *testing.T) {
	l := blockchaintest.New(blockchain.FlavorUTXO)
	bc := blockchain.New(l)

	_ = bc.Start(ctx)
	_ = bc.Start(ctx)
	_ = bc.Stop(ctx)
	_ = bc.Stop(ctx)

	s := l.Stats()
	if s.ReaderStarts != 1 || s.ReaderStops != 1 {
		t.Errorf("reader starts/stops = %d/%d, want 1/1", s.ReaderStarts, s.ReaderStops)
	}
}

func TestWrapOperation_startsWritersCreatedInside(t *testing.T) {
	l := blockchaintest.New(blockchain.FlavorUTXO)
	bc := blockchain.New(l)
	key := mustKey(t, strings.Repeat("11", 32))

	err := bc.WrapOperation(ctx, func(ctx context.Context) error {
		_, err := bc.Seal(ctx, blockchain.SealRequest{Key: key, Addresses: []string{"a"}})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	s := l.Stats()
	if s.WriterStarts != 1 || s.WriterStops != 1 {
		t.Errorf("writer starts/stops = %d/%d, want 1/1", s.WriterStarts, s.WriterStops)
	}
	if s.ReaderStarts != 1 || s.ReaderStops != 1 {
		t.Errorf("reader starts/stops = %d/%d, want 1/1", s.ReaderStarts, s.ReaderStops)
	}
}

func TestWrapOperation_stopsOnError(t *testing.T) {
	l := blockchaintest.New(blockchain.FlavorUTXO)
	bc := blockchain.New(l)
	boom := errors.New("boom")

	if err := bc.WrapOperation(ctx, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if s := l.Stats(); s.ReaderStops != 1 {
		t.Errorf("expected stop after error, got %d stops", s.ReaderStops)
	}
}

func TestWrapOperation_stopsOnPanic(t *testing.T) {
	l := blockchaintest.New(blockchain.FlavorUTXO)
	bc := blockchain.New(l)

	func() {
		defer func() { _ = recover() }()
		_ = bc.WrapOperation(ctx, func(context.Context) error { panic("adapter bug") })
	}()
	if s := l.Stats(); s.ReaderStops != 1 {
		t.Errorf("expected stop after panic, got %d stops", s.ReaderStops)
	}
}

func TestWrapOperation_overlappingShareConnection(t *testing.T) {
	l := blockchaintest.New(blockchain.FlavorUTXO)
	bc := blockchain.New(l)

	inside := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = bc.WrapOperation(ctx, func(context.Context) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	_ = bc.WrapOperation(ctx, func(context.Context) error { return nil })
	if s := l.Stats(); s.ReaderStops != 0 {
		t.Errorf("inner operation disconnected while outer was running")
	}
	close(release)
	wg.Wait()

	s := l.Stats()
	if s.ReaderStarts != 1 || s.ReaderStops != 1 {
		t.Errorf("reader starts/stops = %d/%d, want 1/1", s.ReaderStarts, s.ReaderStops)
	}
}

func TestRecharge(t *testing.T) {
	l := blockchaintest.New(blockchain.FlavorAccount)
	bc := blockchain.New(l, blockchain.WithMinBalance(decimal.NewFromInt(5)))

	l.SetBalance("rich", decimal.NewFromInt(10))
	bal, err := bc.Recharge(ctx, blockchain.RechargeRequest{Address: "rich"})
	if err != nil {
		t.Fatal(err)
	}
	if !bal.Equal(decimal.NewFromInt(10)) || l.Stats().Recharges != 0 {
		t.Errorf("funded address should not be recharged (balance %s)", bal)
	}

	bal, err = bc.Recharge(ctx, blockchain.RechargeRequest{Address: "poor"})
	if err != nil {
		t.Fatal(err)
	}
	if !bal.Equal(decimal.NewFromInt(5)) {
		t.Errorf("balance after recharge %s, want 5", bal)
	}

	if _, err := bc.Recharge(ctx, blockchain.RechargeRequest{Address: "rich", Force: true}); err != nil {
		t.Fatal(err)
	}
	if got := l.Stats().Recharges; got != 2 {
		t.Errorf("expected 2 faucet calls, got %d", got)
	}
}

func TestRecharge_mainnetUnsupported(t *testing.T) {
	l := blockchaintest.New(blockchain.FlavorUTXO)
	l.SetMainnet()
	bc := blockchain.New(l)

	if _, err := bc.Recharge(ctx, blockchain.RechargeRequest{Address: "a"}); !errors.Is(err, blockchain.ErrRechargeUnsupported) {
		t.Errorf("got %v, want ErrRechargeUnsupported", err)
	}
}

func TestClose_dropsWriters(t *testing.T) {
	l := blockchaintest.New(blockchain.FlavorUTXO)
	bc := blockchain.New(l)
	key := mustKey(t, strings.Repeat("11", 32))

	_, _ = bc.Seal(ctx, blockchain.SealRequest{Key: key, Addresses: []string{"a"}})
	if err := bc.Close(ctx); err != nil {
		t.Fatal(err)
	}
	_, _ = bc.Seal(ctx, blockchain.SealRequest{Key: key, Addresses: []string{"a"}})
	if got := l.Stats().Transactors; got != 2 {
		t.Errorf("expected writer to be recreated after Close, got %d", got)
	}
}

func TestParseFlavor(t *testing.T) {
	for in, want := range map[string]blockchain.Flavor{
		"utxo": blockchain.FlavorUTXO, "Bitcoin": blockchain.FlavorUTXO,
		"eth": blockchain.FlavorAccount, "centralized": blockchain.FlavorCentralized,
	} {
		got, err := blockchain.ParseFlavor(in)
		if err != nil || got != want {
			t.Errorf("ParseFlavor(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := blockchain.ParseFlavor("dogecoin"); !errors.Is(err, blockchain.ErrInvalidInput) {
		t.Errorf("unknown flavor: got %v", err)
	}
}

func TestKeyring(t *testing.T) {
	k1 := mustKey(t, strings.Repeat("11", 32))
	k2 := mustKey(t, strings.Repeat("22", 32))
	kr := blockchain.NewKeyring(k1)
	kr.Add(k2)

	if got, ok := kr.Get(k2.Fingerprint()); !ok || got != k2 {
		t.Error("expected k2 in keyring")
	}
	if _, ok := kr.Get("unknown"); ok {
		t.Error("unexpected key")
	}
	if fps := kr.Fingerprints(); len(fps) != 2 || fps[0] > fps[1] {
		t.Errorf("fingerprints not sorted: %v", fps)
	}
}
