package blockchain

import (
	"fmt"
	"strings"
)

// Flavor is the closed set of ledger families.
type Flavor int

const (
	FlavorUTXO Flavor = iota + 1
	FlavorAccount
	FlavorCentralized
)

func (f Flavor) String() string {
	switch f {
	case FlavorUTXO:
		return "utxo"
	case FlavorAccount:
		return "account"
	case FlavorCentralized:
		return "centralized"
	default:
		return fmt.Sprintf("flavor(%d)", int(f))
	}
}

// DefaultConfirmations is the finality depth used when none is configured.
func (f Flavor) DefaultConfirmations() int64 {
	switch f {
	case FlavorUTXO:
		return 6
	case FlavorAccount:
		return 12
	default:
		return 1
	}
}

// ParseFlavor parses a configuration value. Common chain names are accepted
// as aliases so "bitcoin" and "ethereum" work in config files.
func ParseFlavor(s string) (Flavor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "utxo", "bitcoin", "btc":
		return FlavorUTXO, nil
	case "account", "ethereum", "eth":
		return FlavorAccount, nil
	case "centralized", "rest":
		return FlavorCentralized, nil
	}
	return 0, invalidf("unknown ledger flavor %q", s)
}
