// Package centralized implements the seal adapter for a trusted ledger
// service. Writes are acknowledged synchronously by a REST call, so a
// successful Send is final and there is nothing to poll.
package centralized

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jmerrifield20/sealkeeper/internal/blockchain"
)

// Config holds adapter settings.
type Config struct {
	NetworkName string
	RestURL     string
	APIKey      string
	Timeout     time.Duration
}

// Adapter posts seals to a centralized ledger API.
type Adapter struct {
	cfg    Config
	http   *resty.Client
	logger *zap.Logger
}

type sealBody struct {
	Signer    string   `json:"signer"`
	Addresses []string `json:"addresses"`
	Amount    string   `json:"amount"`
}

type sealResponse struct {
	TxID string `json:"txId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates an Adapter.
func New(cfg Config, logger *zap.Logger) (*Adapter, error) {
	if cfg.RestURL == "" {
		return nil, fmt.Errorf("%w: centralized adapter requires a REST URL", blockchain.ErrInvalidInput)
	}
	if cfg.NetworkName == "" {
		cfg.NetworkName = "centralized"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.RestURL, "/")).
		SetTimeout(cfg.Timeout)
	if cfg.APIKey != "" {
		c.SetAuthToken(cfg.APIKey)
	}
	return &Adapter{cfg: cfg, http: c, logger: logger}, nil
}

// Network implements blockchain.Adapter. Addresses are the hex compressed
// one-time public keys.
func (a *Adapter) Network() blockchain.Network {
	return blockchain.Network{
		Flavor:        blockchain.FlavorCentralized,
		Name:          a.cfg.NetworkName,
		Curve:         blockchain.CurveSecp256k1,
		SealAmount:    decimal.Zero,
		Confirmations: 1,
		Synchronous:   true,
		PubKeyToAddress: func(pub *btcec.PublicKey) (string, error) {
			return hex.EncodeToString(pub.SerializeCompressed()), nil
		},
	}
}

// Reader implements blockchain.Adapter. The ledger has no read API.
func (a *Adapter) Reader() blockchain.Reader { return nopReader{} }

// Transactor implements blockchain.Adapter.
func (a *Adapter) Transactor(key *blockchain.Key) (blockchain.Transactor, error) {
	return &transactor{a: a, signer: key.Fingerprint()}, nil
}

type nopReader struct{}

func (nopReader) Transactions(context.Context, []string, *int64) ([]blockchain.Tx, error) {
	return nil, nil
}

func (nopReader) Balance(context.Context, string) (decimal.Decimal, error) { return decimal.Zero, nil }

func (nopReader) Info(context.Context) (blockchain.Info, error) { return blockchain.Info{}, nil }

func (nopReader) Start(context.Context) error { return nil }

func (nopReader) Stop(context.Context) error { return nil }

type transactor struct {
	a      *Adapter
	signer string
}

func (t *transactor) Start(context.Context) error { return nil }

func (t *transactor) Stop(context.Context) error { return nil }

func (t *transactor) Send(ctx context.Context, to []blockchain.Output) (string, error) {
	body := sealBody{Signer: t.signer, Addresses: make([]string, len(to))}
	for i, o := range to {
		body.Addresses[i] = o.Address
	}
	if len(to) > 0 {
		body.Amount = to[0].Amount.String()
	}

	var out sealResponse
	var apiErr errorResponse
	resp, err := t.a.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&apiErr).
		Post("/seals")
	if err != nil {
		return "", fmt.Errorf("POST /seals: %w", err)
	}
	if resp.IsError() {
		msg := apiErr.Error
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return "", fmt.Errorf("POST /seals: status %d: %s", resp.StatusCode(), msg)
	}
	if out.TxID == "" {
		return "", fmt.Errorf("POST /seals: response has no txId")
	}
	t.a.logger.Debug("centralized seal acknowledged", zap.String("tx_id", out.TxID))
	return out.TxID, nil
}

var _ blockchain.Adapter = (*Adapter)(nil)
