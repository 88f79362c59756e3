package blockchain

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/shopspring/decimal"
)

// Network describes the ledger an adapter talks to.
type Network struct {
	Flavor Flavor
	Name   string
	Curve  string

	// MinBalance is the balance below which Recharge tops up the address.
	MinBalance decimal.Decimal

	// SealAmount is the value sent to every one-time address.
	SealAmount decimal.Decimal

	// Confirmations is the depth at which a seal is considered final.
	Confirmations int64

	// Synchronous ledgers acknowledge writes inline; a successful Send
	// counts as fully confirmed.
	Synchronous bool

	// Testnet enables Recharge.
	Testnet bool

	// PubKeyToAddress maps a one-time public key to a ledger-native address.
	PubKeyToAddress func(pub *btcec.PublicKey) (string, error)
}

// Tx is a transaction observed at one of the queried addresses.
// Confirmations is zero when the adapter does not report it; BlockHeight is
// zero while the transaction is unmined.
type Tx struct {
	Address       string `json:"address"`
	TxID          string `json:"txId"`
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"blockHeight,omitempty"`
}

// Info is the ledger's chain tip.
type Info struct {
	BlockHeight int64 `json:"blockHeight"`
}

// Output is one recipient of a seal transaction.
type Output struct {
	Address string
	Amount  decimal.Decimal
}

// RechargeRequest asks a faucet to top up an address.
type RechargeRequest struct {
	Address    string
	MinBalance decimal.Decimal
	Force      bool
}

// Reader is the shared read API of a ledger.
type Reader interface {
	Transactions(ctx context.Context, addresses []string, blockHeight *int64) ([]Tx, error)
	Balance(ctx context.Context, address string) (decimal.Decimal, error)
	Info(ctx context.Context) (Info, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Transactor broadcasts value transfers signed by one key.
type Transactor interface {
	Send(ctx context.Context, to []Output) (txID string, err error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Faucet is implemented by adapters for networks that can mint test funds.
type Faucet interface {
	Recharge(ctx context.Context, req RechargeRequest) (decimal.Decimal, error)
}

// Adapter is the per-ledger contract consumed by the Blockchain facade.
type Adapter interface {
	Network() Network
	Reader() Reader
	Transactor(key *Key) (Transactor, error)
}
