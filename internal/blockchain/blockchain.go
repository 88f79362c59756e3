// Package blockchain turns content fingerprints into ledger-native actions.
//
// A Blockchain wraps exactly one Adapter (one flavor and network). It derives
// one-time seal addresses from a link and a base public key, caches one writer
// per signing key, and brackets all network usage with Start/Stop. Nothing in
// this package retries: every adapter failure is reported to the caller as a
// BroadcastError or ReadError.
package blockchain

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SealRequest asks the facade to anchor link by paying to addresses.
type SealRequest struct {
	Key       *Key
	Link      string
	Addresses []string
}

// SealResult is the outcome of a successful broadcast.
type SealResult struct {
	TxID string `json:"txId"`
}

// Option configures a Blockchain.
type Option func(*Blockchain)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Blockchain) { b.logger = l }
}

// WithMinBalance overrides the network's recharge threshold.
func WithMinBalance(d decimal.Decimal) Option {
	return func(b *Blockchain) { b.minBalance = d }
}

// WithSealAmount overrides the value sent to each one-time address.
func WithSealAmount(d decimal.Decimal) Option {
	return func(b *Blockchain) { b.sealAmount = d }
}

// Blockchain is the facade over a single ledger adapter.
type Blockchain struct {
	adapter    Adapter
	network    Network
	reader     Reader
	minBalance decimal.Decimal
	sealAmount decimal.Decimal
	logger     *zap.Logger

	mu      sync.Mutex
	writers map[string]Transactor // key fingerprint -> writer
	started bool
	active  int // WrapOperation calls in flight
}

// New creates a facade for adapter.
func New(adapter Adapter, opts ...Option) *Blockchain {
	net := adapter.Network()
	b := &Blockchain{
		adapter:    adapter,
		network:    net,
		reader:     adapter.Reader(),
		minBalance: net.MinBalance,
		sealAmount: net.SealAmount,
		logger:     zap.NewNop(),
		writers:    make(map[string]Transactor),
	}
	for _, o := range opts {
		o(b)
	}
	if b.network.Confirmations <= 0 {
		b.network.Confirmations = net.Flavor.DefaultConfirmations()
	}
	return b
}

// Network returns the network descriptor of the wrapped adapter.
func (b *Blockchain) Network() Network { return b.network }

// Flavor returns the ledger family.
func (b *Blockchain) Flavor() Flavor { return b.network.Flavor }

// NetworkName returns the configured network name, e.g. "testnet3".
func (b *Blockchain) NetworkName() string { return b.network.Name }

// Confirmations is the depth at which a seal is final on this ledger.
func (b *Blockchain) Confirmations() int64 { return b.network.Confirmations }

// Synchronous reports whether a successful broadcast is already final.
func (b *Blockchain) Synchronous() bool { return b.network.Synchronous }

// SealPubKey derives the one-time public key for link under base.
func (b *Blockchain) SealPubKey(link string, base PubKey) (PubKey, error) {
	pub, err := derivePubKey(link, base)
	if err != nil {
		return PubKey{}, err
	}
	return PubKey{Curve: CurveSecp256k1, Pub: hex.EncodeToString(pub.SerializeCompressed())}, nil
}

// SealAddress derives the one-time address for link under base.
func (b *Blockchain) SealAddress(link string, base PubKey) (string, error) {
	pub, err := derivePubKey(link, base)
	if err != nil {
		return "", err
	}
	addr, err := b.network.PubKeyToAddress(pub)
	if err != nil {
		return "", invalidf("encode address: %v", err)
	}
	return addr, nil
}

// SealPrevPubKey derives the one-time public key for the previous version of
// an object. A seal that pays to both SealAddress(link) and
// SealPrevAddress(prevLink) proves the version linkage.
func (b *Blockchain) SealPrevPubKey(prevLink string, base PubKey) (PubKey, error) {
	return b.SealPubKey(prevLink, base)
}

// SealPrevAddress is the address counterpart of SealPrevPubKey.
func (b *Blockchain) SealPrevAddress(prevLink string, base PubKey) (string, error) {
	return b.SealAddress(prevLink, base)
}

// SealPrivKey returns the spending key of the one-time address for link
// under key.
func (b *Blockchain) SealPrivKey(key *Key, link string) (*btcec.PrivateKey, error) {
	return DeriveSealPrivKey(key, link)
}

// writer returns the cached transactor for key, creating it on first use.
// If the facade is started the new writer is started immediately so that it
// joins the current bracket.
func (b *Blockchain) writer(ctx context.Context, key *Key) (Transactor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if w, ok := b.writers[key.Fingerprint()]; ok {
		return w, nil
	}
	w, err := b.adapter.Transactor(key)
	if err != nil {
		return nil, fmt.Errorf("create writer for %s: %w", key.Fingerprint(), err)
	}
	if b.started {
		if err := w.Start(ctx); err != nil {
			return nil, fmt.Errorf("start writer for %s: %w", key.Fingerprint(), err)
		}
	}
	b.writers[key.Fingerprint()] = w
	b.logger.Debug("writer cached", zap.String("key", key.Fingerprint()))
	return w, nil
}

// Seal sends the seal amount to every address in one broadcast.
func (b *Blockchain) Seal(ctx context.Context, req SealRequest) (SealResult, error) {
	if req.Key == nil {
		return SealResult{}, invalidf("seal requires a signing key")
	}
	if len(req.Addresses) == 0 {
		return SealResult{}, invalidf("seal requires at least one address")
	}

	w, err := b.writer(ctx, req.Key)
	if err != nil {
		return SealResult{}, &BroadcastError{Network: b.network.Name, Addresses: req.Addresses, Err: err}
	}

	outputs := make([]Output, len(req.Addresses))
	for i, addr := range req.Addresses {
		outputs[i] = Output{Address: addr, Amount: b.sealAmount}
	}

	txID, err := w.Send(ctx, outputs)
	if err != nil {
		return SealResult{}, &BroadcastError{Network: b.network.Name, Addresses: req.Addresses, Err: err}
	}

	b.logger.Info("seal broadcast",
		zap.String("network", b.network.Name),
		zap.String("link", req.Link),
		zap.String("tx_id", txID),
		zap.Int("addresses", len(req.Addresses)),
	)
	return SealResult{TxID: txID}, nil
}

// GetTxsForAddresses returns the transactions seen at addresses. When the
// adapter reports a block height but no confirmation depth, depth is computed
// against blockHeight if it was supplied.
func (b *Blockchain) GetTxsForAddresses(ctx context.Context, addresses []string, blockHeight *int64) ([]Tx, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	txs, err := b.reader.Transactions(ctx, addresses, blockHeight)
	if err != nil {
		return nil, &ReadError{Network: b.network.Name, Op: "get transactions", Err: err}
	}
	if blockHeight != nil {
		for i := range txs {
			if txs[i].Confirmations == 0 && txs[i].BlockHeight > 0 && *blockHeight >= txs[i].BlockHeight {
				txs[i].Confirmations = *blockHeight - txs[i].BlockHeight
			}
		}
	}
	return txs, nil
}

// GetBlockHeight returns the ledger tip.
func (b *Blockchain) GetBlockHeight(ctx context.Context) (int64, error) {
	info, err := b.reader.Info(ctx)
	if err != nil {
		return 0, &ReadError{Network: b.network.Name, Op: "get block height", Err: err}
	}
	return info.BlockHeight, nil
}

// Balance returns the balance of address.
func (b *Blockchain) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	bal, err := b.reader.Balance(ctx, address)
	if err != nil {
		return decimal.Zero, &ReadError{Network: b.network.Name, Op: "get balance", Err: err}
	}
	return bal, nil
}

// Start connects the shared reader and every cached writer. Calling Start on
// a started facade is a no-op.
func (b *Blockchain) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startLocked(ctx)
}

func (b *Blockchain) startLocked(ctx context.Context) error {
	if b.started {
		return nil
	}
	if err := b.reader.Start(ctx); err != nil {
		return &ReadError{Network: b.network.Name, Op: "start reader", Err: err}
	}
	for fp, w := range b.writers {
		if err := w.Start(ctx); err != nil {
			b.logger.Warn("writer start failed", zap.String("key", fp), zap.Error(err))
		}
	}
	b.started = true
	return nil
}

// Stop disconnects the reader and every cached writer. Calling Stop on a
// stopped facade is a no-op.
func (b *Blockchain) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopLocked(ctx)
}

func (b *Blockchain) stopLocked(ctx context.Context) error {
	if !b.started {
		return nil
	}
	b.started = false
	var firstErr error
	for fp, w := range b.writers {
		if err := w.Stop(ctx); err != nil {
			b.logger.Warn("writer stop failed", zap.String("key", fp), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := b.reader.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// WrapOperation runs fn between Start and Stop. Stop runs on every exit path.
// Overlapping wrapped operations share one connection: the first caller
// connects and the last one out disconnects.
func (b *Blockchain) WrapOperation(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	b.mu.Lock()
	if b.active == 0 {
		if err := b.startLocked(ctx); err != nil {
			b.mu.Unlock()
			return err
		}
	}
	b.active++
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.active--
		if b.active == 0 {
			if stopErr := b.stopLocked(context.WithoutCancel(ctx)); stopErr != nil {
				b.logger.Warn("stop after operation failed", zap.Error(stopErr))
			}
		}
	}()

	return fn(ctx)
}

// Recharge tops up address from the adapter's faucet when its balance is below
// minBalance, or unconditionally when force is set. Test networks only.
func (b *Blockchain) Recharge(ctx context.Context, req RechargeRequest) (decimal.Decimal, error) {
	faucet, ok := b.adapter.(Faucet)
	if !ok || !b.network.Testnet {
		return decimal.Zero, ErrRechargeUnsupported
	}
	if req.MinBalance.IsZero() {
		req.MinBalance = b.minBalance
	}

	var balance decimal.Decimal
	err := b.WrapOperation(ctx, func(ctx context.Context) error {
		var err error
		balance, err = b.Balance(ctx, req.Address)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	if !req.Force && balance.GreaterThanOrEqual(req.MinBalance) {
		return balance, nil
	}

	b.logger.Info("recharging address",
		zap.String("address", req.Address),
		zap.String("balance", balance.String()),
		zap.String("min_balance", req.MinBalance.String()),
		zap.Bool("force", req.Force),
	)
	topped, err := faucet.Recharge(ctx, req)
	if err != nil {
		return decimal.Zero, &BroadcastError{Network: b.network.Name, Addresses: []string{req.Address}, Err: err}
	}
	return topped, nil
}

// Close stops the facade and drops every cached writer.
func (b *Blockchain) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.stopLocked(ctx)
	b.writers = make(map[string]Transactor)
	return err
}
