package blockchain

import (
	"errors"
	"fmt"
)

// ErrInvalidInput is returned for malformed keys, links or addresses.
// It is a caller error and must never be retried.
var ErrInvalidInput = errors.New("invalid input")

// ErrBroadcast and ErrRead classify adapter I/O failures. Use errors.Is to test
// for them; the concrete values are *BroadcastError and *ReadError.
var (
	ErrBroadcast = errors.New("broadcast failed")
	ErrRead      = errors.New("ledger read failed")
)

// ErrRechargeUnsupported is returned by Recharge on networks without a faucet.
var ErrRechargeUnsupported = errors.New("recharge not supported on this network")

// BroadcastError wraps an adapter failure while sending a seal transaction.
type BroadcastError struct {
	Network   string
	Addresses []string
	Err       error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast to %d address(es) on %s: %v", len(e.Addresses), e.Network, e.Err)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrBroadcast) match any BroadcastError.
func (e *BroadcastError) Is(target error) bool { return target == ErrBroadcast }

// PartialSendError is returned by a writer whose outputs go out as separate
// transfers when it fails after some were already broadcast. Sent maps each
// paid address to the transaction that paid it.
type PartialSendError struct {
	Sent map[string]string
	Err  error
}

func (e *PartialSendError) Error() string {
	return fmt.Sprintf("%d transfer(s) sent before failure: %v", len(e.Sent), e.Err)
}

func (e *PartialSendError) Unwrap() error { return e.Err }

// ReadError wraps an adapter failure on the read path.
type ReadError struct {
	Network string
	Op      string
	Err     error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Op, e.Network, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrRead) match any ReadError.
func (e *ReadError) Is(target error) bool { return target == ErrRead }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
