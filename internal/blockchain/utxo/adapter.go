// Package utxo implements the seal adapter for Bitcoin-family ledgers.
//
// Reads and broadcasts go through an Esplora-compatible explorer. Seal
// transactions are built and signed locally as P2WPKH spends; one-time
// addresses are native segwit.
package utxo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jmerrifield20/sealkeeper/internal/blockchain"
)

const satsPerCoin = 8 // decimal places

// Config holds adapter settings.
type Config struct {
	Network       string // mainnet, testnet3, signet, regtest
	ExplorerURL   string
	FeeRate       int64 // sat/vbyte
	Timeout       time.Duration
	Confirmations int64
	MinBalance    decimal.Decimal
	SealAmount    decimal.Decimal
}

// Adapter talks to one Bitcoin-family network.
type Adapter struct {
	cfg      Config
	params   *chaincfg.Params
	explorer *explorer
	logger   *zap.Logger
}

// ParamsFor maps a network name to its chain parameters.
func ParamsFor(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet", "main", "bitcoin":
		return &chaincfg.MainNetParams, nil
	case "testnet3", "testnet", "test":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest", "simnet":
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("%w: unknown utxo network %q", blockchain.ErrInvalidInput, name)
}

// New creates an Adapter. No connection is made until Start.
func New(cfg Config, logger *zap.Logger) (*Adapter, error) {
	if cfg.Network == "" {
		cfg.Network = "testnet3"
	}
	params, err := ParamsFor(cfg.Network)
	if err != nil {
		return nil, err
	}
	if cfg.ExplorerURL == "" {
		return nil, fmt.Errorf("%w: utxo adapter requires an explorer URL", blockchain.ErrInvalidInput)
	}
	if cfg.FeeRate <= 0 {
		cfg.FeeRate = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.SealAmount.IsZero() {
		cfg.SealAmount = decimal.RequireFromString("0.00001")
	}
	if cfg.MinBalance.IsZero() {
		cfg.MinBalance = decimal.RequireFromString("0.001")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		cfg:      cfg,
		params:   params,
		explorer: newExplorer(cfg.ExplorerURL, cfg.Timeout),
		logger:   logger,
	}, nil
}

// Network implements blockchain.Adapter.
func (a *Adapter) Network() blockchain.Network {
	return blockchain.Network{
		Flavor:        blockchain.FlavorUTXO,
		Name:          a.params.Name,
		Curve:         blockchain.CurveSecp256k1,
		MinBalance:    a.cfg.MinBalance,
		SealAmount:    a.cfg.SealAmount,
		Confirmations: a.cfg.Confirmations,
		Testnet:       a.params.Net != chaincfg.MainNetParams.Net,
		PubKeyToAddress: func(pub *btcec.PublicKey) (string, error) {
			addr, err := p2wpkhAddress(pub, a.params)
			if err != nil {
				return "", err
			}
			return addr.EncodeAddress(), nil
		},
	}
}

// Reader implements blockchain.Adapter.
func (a *Adapter) Reader() blockchain.Reader { return &reader{a: a} }

// Transactor implements blockchain.Adapter.
func (a *Adapter) Transactor(key *blockchain.Key) (blockchain.Transactor, error) {
	addr, err := p2wpkhAddress(key.PrivKey().PubKey(), a.params)
	if err != nil {
		return nil, err
	}
	return &transactor{a: a, key: key, from: addr.EncodeAddress()}, nil
}

type reader struct {
	a *Adapter
}

func (r *reader) Start(ctx context.Context) error { return nil }

func (r *reader) Stop(ctx context.Context) error {
	r.a.explorer.closeIdle()
	return nil
}

// Transactions returns every transaction with an output paying to one of
// addresses. Unconfirmed transactions carry BlockHeight 0.
func (r *reader) Transactions(ctx context.Context, addresses []string, _ *int64) ([]blockchain.Tx, error) {
	var out []blockchain.Tx
	for _, addr := range addresses {
		txs, err := r.a.explorer.addressTxs(ctx, addr)
		if err != nil {
			return nil, err
		}
		for _, tx := range txs {
			if !paysTo(tx, addr) {
				continue
			}
			t := blockchain.Tx{Address: addr, TxID: tx.TxID}
			if tx.Status.Confirmed {
				t.BlockHeight = tx.Status.BlockHeight
			}
			out = append(out, t)
		}
	}
	return out, nil
}

func paysTo(tx esploraTx, addr string) bool {
	for _, v := range tx.Vout {
		if v.ScriptPubKeyAddress == addr {
			return true
		}
	}
	return false
}

// Balance returns the confirmed plus mempool balance in coins.
func (r *reader) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	st, err := r.a.explorer.addressStats(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}
	sats := st.ChainStats.FundedTxoSum - st.ChainStats.SpentTxoSum +
		st.MempoolStats.FundedTxoSum - st.MempoolStats.SpentTxoSum
	return decimal.New(sats, -satsPerCoin), nil
}

func (r *reader) Info(ctx context.Context) (blockchain.Info, error) {
	h, err := r.a.explorer.tipHeight(ctx)
	if err != nil {
		return blockchain.Info{}, err
	}
	return blockchain.Info{BlockHeight: h}, nil
}

type transactor struct {
	a    *Adapter
	key  *blockchain.Key
	from string

	// serializes coin selection so concurrent sends do not double-spend
	mu sync.Mutex
}

func (t *transactor) Start(ctx context.Context) error { return nil }

func (t *transactor) Stop(ctx context.Context) error { return nil }

// Send pays every output in one transaction.
func (t *transactor) Send(ctx context.Context, to []blockchain.Output) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	payments := make([]payment, len(to))
	var total int64
	for i, o := range to {
		sats := o.Amount.Shift(satsPerCoin).IntPart()
		if sats <= dustSats {
			return "", fmt.Errorf("%w: output to %s is dust (%d sats)", blockchain.ErrInvalidInput, o.Address, sats)
		}
		payments[i] = payment{address: o.Address, sats: sats}
		total += sats
	}

	utxos, err := t.a.explorer.addressUTXOs(ctx, t.from)
	if err != nil {
		return "", err
	}
	picked, fee, err := selectCoins(utxos, total, len(payments), t.a.cfg.FeeRate)
	if err != nil {
		return "", fmt.Errorf("fund seal from %s: %w", t.from, err)
	}
	raw, txID, err := buildSignedTx(t.a.params, t.key.PrivKey(), picked, payments, fee)
	if err != nil {
		return "", err
	}
	echoed, err := t.a.explorer.broadcast(ctx, raw)
	if err != nil {
		return "", err
	}
	if echoed != "" && echoed != txID {
		t.a.logger.Warn("explorer returned unexpected txid",
			zap.String("expected", txID), zap.String("got", echoed))
	}
	t.a.logger.Debug("utxo tx broadcast",
		zap.String("tx_id", txID),
		zap.Int("inputs", len(picked)),
		zap.Int("outputs", len(payments)),
		zap.Int64("fee_sats", fee),
	)
	return txID, nil
}

var _ blockchain.Adapter = (*Adapter)(nil)
