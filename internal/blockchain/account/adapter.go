// Package account implements the seal adapter for Ethereum-style account
// ledgers. A seal to n addresses is n value transfers signed with sequential
// nonces; the first transaction hash identifies the seal.
package account

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jmerrifield20/sealkeeper/internal/blockchain"
)

const weiDecimals = 18

// Client is the subset of the node API used by the adapter.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Dialer opens a node connection.
type Dialer func(ctx context.Context, url string) (Client, error)

// DialEthclient is the default Dialer.
func DialEthclient(ctx context.Context, url string) (Client, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Config holds adapter settings.
type Config struct {
	NetworkName   string
	NodeURL       string
	Testnet       bool
	Confirmations int64
	MinBalance    decimal.Decimal
	SealAmount    decimal.Decimal

	// ScanWindow is how many blocks back from the tip Transactions looks.
	ScanWindow int64

	// FaucetKey funds Recharge on dev networks. Optional.
	FaucetKey *blockchain.Key

	Timeout time.Duration
	Dial    Dialer
}

// Adapter talks to one account-model network.
type Adapter struct {
	cfg    Config
	logger *zap.Logger
}

// New creates an Adapter. Connections are opened by Start.
func New(cfg Config, logger *zap.Logger) (*Adapter, error) {
	if cfg.NodeURL == "" && cfg.Dial == nil {
		return nil, fmt.Errorf("%w: account adapter requires a node URL", blockchain.ErrInvalidInput)
	}
	if cfg.NetworkName == "" {
		cfg.NetworkName = "ethereum"
	}
	if cfg.ScanWindow <= 0 {
		cfg.ScanWindow = 256
	}
	if cfg.SealAmount.IsZero() {
		cfg.SealAmount = decimal.RequireFromString("0.00001")
	}
	if cfg.MinBalance.IsZero() {
		cfg.MinBalance = decimal.RequireFromString("0.01")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = DialEthclient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{cfg: cfg, logger: logger}, nil
}

// Network implements blockchain.Adapter.
func (a *Adapter) Network() blockchain.Network {
	return blockchain.Network{
		Flavor:          blockchain.FlavorAccount,
		Name:            a.cfg.NetworkName,
		Curve:           blockchain.CurveSecp256k1,
		MinBalance:      a.cfg.MinBalance,
		SealAmount:      a.cfg.SealAmount,
		Confirmations:   a.cfg.Confirmations,
		Testnet:         a.cfg.Testnet,
		PubKeyToAddress: PubKeyToAddress,
	}
}

// PubKeyToAddress returns the checksummed account address of pub.
func PubKeyToAddress(pub *btcec.PublicKey) (string, error) {
	epub, err := crypto.DecompressPubkey(pub.SerializeCompressed())
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(*epub).Hex(), nil
}

// Reader implements blockchain.Adapter.
func (a *Adapter) Reader() blockchain.Reader { return &reader{conn: conn{a: a}} }

// Transactor implements blockchain.Adapter.
func (a *Adapter) Transactor(key *blockchain.Key) (blockchain.Transactor, error) {
	priv, err := crypto.ToECDSA(key.PrivKey().Serialize())
	if err != nil {
		return nil, fmt.Errorf("convert key: %w", err)
	}
	return &transactor{
		conn: conn{a: a},
		priv: priv,
		from: crypto.PubkeyToAddress(priv.PublicKey),
	}, nil
}

// conn is a lazily dialled node connection shared by reader and transactor.
type conn struct {
	a *Adapter

	mu     sync.Mutex
	client Client
}

func (c *conn) Start(ctx context.Context) error {
	_, err := c.get(ctx)
	return err
}

func (c *conn) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if closer, ok := c.client.(interface{ Close() }); ok {
		closer.Close()
	}
	c.client = nil
	return nil
}

func (c *conn) get(ctx context.Context) (Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	dctx, cancel := context.WithTimeout(ctx, c.a.cfg.Timeout)
	defer cancel()
	client, err := c.a.cfg.Dial(dctx, c.a.cfg.NodeURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.a.cfg.NetworkName, err)
	}
	c.client = client
	return client, nil
}

type reader struct {
	conn
}

// Transactions scans the last ScanWindow blocks up to blockHeight (or the
// current tip) for value transfers into addresses.
func (r *reader) Transactions(ctx context.Context, addresses []string, blockHeight *int64) ([]blockchain.Tx, error) {
	client, err := r.get(ctx)
	if err != nil {
		return nil, err
	}
	want := make(map[common.Address]string, len(addresses))
	for _, a := range addresses {
		if !common.IsHexAddress(a) {
			continue
		}
		want[common.HexToAddress(a)] = a
	}
	if len(want) == 0 {
		return nil, nil
	}

	var tip int64
	if blockHeight != nil {
		tip = *blockHeight
	} else {
		n, err := client.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("block number: %w", err)
		}
		tip = int64(n)
	}
	from := tip - r.a.cfg.ScanWindow + 1
	if from < 0 {
		from = 0
	}

	var out []blockchain.Tx
	for h := from; h <= tip; h++ {
		block, err := client.BlockByNumber(ctx, big.NewInt(h))
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", h, err)
		}
		for _, tx := range block.Transactions() {
			if tx.To() == nil {
				continue
			}
			addr, ok := want[*tx.To()]
			if !ok {
				continue
			}
			out = append(out, blockchain.Tx{
				Address:     addr,
				TxID:        tx.Hash().Hex(),
				BlockHeight: h,
			})
		}
	}
	return out, nil
}

func (r *reader) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	client, err := r.get(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("%w: %q is not an account address", blockchain.ErrInvalidInput, address)
	}
	wei, err := client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return decimal.Zero, err
	}
	return weiToDecimal(wei), nil
}

func (r *reader) Info(ctx context.Context) (blockchain.Info, error) {
	client, err := r.get(ctx)
	if err != nil {
		return blockchain.Info{}, err
	}
	n, err := client.BlockNumber(ctx)
	if err != nil {
		return blockchain.Info{}, err
	}
	return blockchain.Info{BlockHeight: int64(n)}, nil
}

func weiToDecimal(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, 0).Shift(-weiDecimals)
}

func decimalToWei(d decimal.Decimal) *big.Int {
	return d.Shift(weiDecimals).BigInt()
}

var _ blockchain.Adapter = (*Adapter)(nil)
