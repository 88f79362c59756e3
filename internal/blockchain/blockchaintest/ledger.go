// Package blockchaintest provides an in-memory ledger adapter for tests.
package blockchaintest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"

	"github.com/jmerrifield20/sealkeeper/internal/blockchain"
)

// ErrInjected is returned by operations configured to fail.
var ErrInjected = errors.New("injected failure")

type sendRecord struct {
	key     string
	outputs []blockchain.Output
	txID    string
	height  int64 // 0 until mined
}

// Ledger is a thread-safe fake adapter. Sent transactions sit in a mempool
// until Mine is called; each mined block increases depth by one.
type Ledger struct {
	mu       sync.Mutex
	network  blockchain.Network
	height   int64
	sends    []*sendRecord
	balances map[string]decimal.Decimal

	// counters
	readerStarts, readerStops int
	writerStarts, writerStops int
	transactors               int
	recharges                 int

	failSend  map[string]bool // key fingerprint -> fail
	sendLimit map[string]int  // key fingerprint -> outputs paid before failing
	failReads bool

	reportConfirmations bool
}

// New returns a ledger of the given flavor with a one-time address encoding
// of hex(HASH160(pub)).
func New(flavor blockchain.Flavor) *Ledger {
	return &Ledger{
		network: blockchain.Network{
			Flavor:        flavor,
			Name:          "memnet",
			Curve:         blockchain.CurveSecp256k1,
			MinBalance:    decimal.NewFromInt(1),
			SealAmount:    decimal.RequireFromString("0.0001"),
			Confirmations: flavor.DefaultConfirmations(),
			Synchronous:   flavor == blockchain.FlavorCentralized,
			Testnet:       true,
			PubKeyToAddress: func(pub *btcec.PublicKey) (string, error) {
				return "mem" + hex.EncodeToString(btcutil.Hash160(pub.SerializeCompressed())), nil
			},
		},
		height:    100,
		balances:  make(map[string]decimal.Decimal),
		failSend:  make(map[string]bool),
		sendLimit: make(map[string]int),
	}
}

// SetConfirmations overrides the finality depth.
func (l *Ledger) SetConfirmations(n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.network.Confirmations = n
}

// SetMainnet disables Recharge.
func (l *Ledger) SetMainnet() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.network.Testnet = false
}

// FailSends makes every Send signed by key fail until cleared.
func (l *Ledger) FailSends(fingerprint string, fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failSend[fingerprint] = fail
}

// FailSendsAfter makes the next Send signed by key pay only its first n
// outputs and then fail with a *blockchain.PartialSendError, the way a
// one-transfer-per-output writer does. The limit applies once.
func (l *Ledger) FailSendsAfter(fingerprint string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendLimit[fingerprint] = n
}

// FailReads makes Transactions, Info and Balance fail.
func (l *Ledger) FailReads(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failReads = fail
}

// ReportConfirmations makes Transactions fill in depth itself instead of
// leaving it to the facade.
func (l *Ledger) ReportConfirmations(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reportConfirmations = on
}

// SetBalance sets an address balance.
func (l *Ledger) SetBalance(address string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[address] = amount
}

// Mine mines n blocks, including every pending transaction in the first one.
func (l *Ledger) Mine(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < n; i++ {
		l.height++
		for _, s := range l.sends {
			if s.height == 0 {
				s.height = l.height
			}
		}
	}
}

// Inject records a transaction paying to address as if a counterparty had
// broadcast it. It is returned with the given txID.
func (l *Ledger) Inject(address, txID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sends = append(l.sends, &sendRecord{
		key:     "external",
		outputs: []blockchain.Output{{Address: address}},
		txID:    txID,
	})
}

// Sends returns the number of broadcasts.
func (l *Ledger) Sends() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.sends {
		if s.key != "external" {
			n++
		}
	}
	return n
}

// LastSend returns the addresses paid by the latest broadcast.
func (l *Ledger) LastSend() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.sends) - 1; i >= 0; i-- {
		if l.sends[i].key == "external" {
			continue
		}
		out := make([]string, len(l.sends[i].outputs))
		for j, o := range l.sends[i].outputs {
			out[j] = o.Address
		}
		return out
	}
	return nil
}

// Stats exposes the connection counters.
type Stats struct {
	ReaderStarts, ReaderStops int
	WriterStarts, WriterStops int
	Transactors               int
	Recharges                 int
}

// Stats returns a snapshot of the counters.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		ReaderStarts: l.readerStarts, ReaderStops: l.readerStops,
		WriterStarts: l.writerStarts, WriterStops: l.writerStops,
		Transactors: l.transactors, Recharges: l.recharges,
	}
}

// Network implements blockchain.Adapter.
func (l *Ledger) Network() blockchain.Network {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.network
}

// Reader implements blockchain.Adapter.
func (l *Ledger) Reader() blockchain.Reader { return (*reader)(l) }

// Transactor implements blockchain.Adapter.
func (l *Ledger) Transactor(key *blockchain.Key) (blockchain.Transactor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transactors++
	return &writer{l: l, key: key.Fingerprint()}, nil
}

// Recharge implements blockchain.Faucet.
func (l *Ledger) Recharge(_ context.Context, req blockchain.RechargeRequest) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recharges++
	l.balances[req.Address] = l.balances[req.Address].Add(req.MinBalance)
	return l.balances[req.Address], nil
}

type reader Ledger

func (r *reader) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readerStarts++
	return nil
}

func (r *reader) Stop(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readerStops++
	return nil
}

func (r *reader) Transactions(_ context.Context, addresses []string, _ *int64) ([]blockchain.Tx, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failReads {
		return nil, ErrInjected
	}
	want := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		want[a] = true
	}
	var txs []blockchain.Tx
	for _, s := range r.sends {
		for _, o := range s.outputs {
			if !want[o.Address] {
				continue
			}
			tx := blockchain.Tx{Address: o.Address, TxID: s.txID, BlockHeight: s.height}
			if r.reportConfirmations && s.height > 0 {
				tx.Confirmations = r.height - s.height + 1
			}
			txs = append(txs, tx)
		}
	}
	return txs, nil
}

func (r *reader) Balance(_ context.Context, address string) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failReads {
		return decimal.Zero, ErrInjected
	}
	return r.balances[address], nil
}

func (r *reader) Info(context.Context) (blockchain.Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failReads {
		return blockchain.Info{}, ErrInjected
	}
	return blockchain.Info{BlockHeight: r.height}, nil
}

type writer struct {
	l   *Ledger
	key string
}

func (w *writer) Start(context.Context) error {
	w.l.mu.Lock()
	defer w.l.mu.Unlock()
	w.l.writerStarts++
	return nil
}

func (w *writer) Stop(context.Context) error {
	w.l.mu.Lock()
	defer w.l.mu.Unlock()
	w.l.writerStops++
	return nil
}

func (w *writer) Send(_ context.Context, to []blockchain.Output) (string, error) {
	w.l.mu.Lock()
	defer w.l.mu.Unlock()
	if w.l.failSend[w.key] {
		return "", ErrInjected
	}
	limit, partial := w.l.sendLimit[w.key]
	if partial {
		delete(w.l.sendLimit, w.key)
		if limit <= 0 {
			return "", ErrInjected
		}
		to = to[:min(limit, len(to))]
	}
	txID := fmt.Sprintf("tx%04d", len(w.l.sends)+1)
	outs := make([]blockchain.Output, len(to))
	copy(outs, to)
	w.l.sends = append(w.l.sends, &sendRecord{key: w.key, outputs: outs, txID: txID})
	if partial {
		sent := make(map[string]string, len(outs))
		for _, o := range outs {
			sent[o.Address] = txID
		}
		return "", &blockchain.PartialSendError{Sent: sent, Err: ErrInjected}
	}
	return txID, nil
}

var (
	_ blockchain.Adapter = (*Ledger)(nil)
	_ blockchain.Faucet  = (*Ledger)(nil)
)
