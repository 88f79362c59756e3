// Package adapters builds the ledger adapter selected by configuration.
package adapters

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jmerrifield20/sealkeeper/internal/blockchain"
	"github.com/jmerrifield20/sealkeeper/internal/blockchain/account"
	"github.com/jmerrifield20/sealkeeper/internal/blockchain/centralized"
	"github.com/jmerrifield20/sealkeeper/internal/blockchain/utxo"
)

// Config is the flattened ledger section of the daemon configuration.
type Config struct {
	Flavor        blockchain.Flavor
	Network       string
	Confirmations int64
	MinBalance    decimal.Decimal
	SealAmount    decimal.Decimal
	Timeout       time.Duration

	// utxo
	ExplorerURL string
	FeeRate     int64

	// account
	NodeURL    string
	ScanWindow int64
	FaucetKey  *blockchain.Key
	Testnet    bool

	// centralized
	RestURL string
	APIKey  string
}

// New returns the adapter for cfg.Flavor.
func New(cfg Config, logger *zap.Logger) (blockchain.Adapter, error) {
	switch cfg.Flavor {
	case blockchain.FlavorUTXO:
		return utxo.New(utxo.Config{
			Network:       cfg.Network,
			ExplorerURL:   cfg.ExplorerURL,
			FeeRate:       cfg.FeeRate,
			Timeout:       cfg.Timeout,
			Confirmations: cfg.Confirmations,
			MinBalance:    cfg.MinBalance,
			SealAmount:    cfg.SealAmount,
		}, logger)
	case blockchain.FlavorAccount:
		return account.New(account.Config{
			NetworkName:   cfg.Network,
			NodeURL:       cfg.NodeURL,
			Testnet:       cfg.Testnet,
			Confirmations: cfg.Confirmations,
			MinBalance:    cfg.MinBalance,
			SealAmount:    cfg.SealAmount,
			ScanWindow:    cfg.ScanWindow,
			FaucetKey:     cfg.FaucetKey,
			Timeout:       cfg.Timeout,
		}, logger)
	case blockchain.FlavorCentralized:
		return centralized.New(centralized.Config{
			NetworkName: cfg.Network,
			RestURL:     cfg.RestURL,
			APIKey:      cfg.APIKey,
			Timeout:     cfg.Timeout,
		}, logger)
	}
	return nil, fmt.Errorf("%w: unsupported ledger flavor %s", blockchain.ErrInvalidInput, cfg.Flavor)
}
