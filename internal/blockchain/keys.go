package blockchain

import (
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

// CurveSecp256k1 is the only curve supported by the bundled adapters.
const CurveSecp256k1 = "secp256k1"

// PubKey is a public key together with the curve it lives on.
// Pub is the hex-encoded compressed point.
type PubKey struct {
	Curve string `json:"curve"`
	Pub   string `json:"pub"`
}

// ParsePubKey validates a hex-encoded public key (compressed or uncompressed)
// and returns it in canonical compressed form.
func ParsePubKey(curve, pubHex string) (PubKey, error) {
	if curve == "" {
		curve = CurveSecp256k1
	}
	pk := PubKey{Curve: curve, Pub: pubHex}
	point, err := pk.point()
	if err != nil {
		return PubKey{}, err
	}
	return PubKey{Curve: curve, Pub: hex.EncodeToString(point.SerializeCompressed())}, nil
}

// point decodes the key into a curve point.
func (p PubKey) point() (*btcec.PublicKey, error) {
	if p.Curve != "" && p.Curve != CurveSecp256k1 {
		return nil, invalidf("unsupported curve %q", p.Curve)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(p.Pub, "0x"))
	if err != nil {
		return nil, invalidf("public key is not hex: %v", err)
	}
	point, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, invalidf("public key: %v", err)
	}
	return point, nil
}

// Key is a local signing key.
type Key struct {
	priv        *btcec.PrivateKey
	fingerprint string
}

// NewKey wraps a btcec private key.
func NewKey(priv *btcec.PrivateKey) *Key {
	pub := priv.PubKey().SerializeCompressed()
	return &Key{
		priv:        priv,
		fingerprint: hex.EncodeToString(btcutil.Hash160(pub)),
	}
}

// ParseKey accepts either a WIF string or 32 bytes of hex.
func ParseKey(s string) (*Key, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, invalidf("empty private key")
	}
	if wif, err := btcutil.DecodeWIF(s); err == nil {
		return NewKey(wif.PrivKey), nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(raw) != btcec.PrivKeyBytesLen {
		return nil, invalidf("private key must be WIF or 32 bytes of hex")
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return NewKey(priv), nil
}

// Fingerprint identifies the key: hex(HASH160(compressed pubkey)).
func (k *Key) Fingerprint() string { return k.fingerprint }

// PubKey returns the public component.
func (k *Key) PubKey() PubKey {
	return PubKey{
		Curve: CurveSecp256k1,
		Pub:   hex.EncodeToString(k.priv.PubKey().SerializeCompressed()),
	}
}

// PrivKey exposes the raw key to adapters that sign transactions.
func (k *Key) PrivKey() *btcec.PrivateKey { return k.priv }

// Keyring holds the node's signing keys indexed by fingerprint.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]*Key
}

// NewKeyring creates a Keyring containing keys.
func NewKeyring(keys ...*Key) *Keyring {
	kr := &Keyring{keys: make(map[string]*Key, len(keys))}
	for _, k := range keys {
		kr.keys[k.Fingerprint()] = k
	}
	return kr
}

// Add registers a key, replacing any key with the same fingerprint.
func (kr *Keyring) Add(k *Key) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.keys[k.Fingerprint()] = k
}

// Get looks up a key by fingerprint.
func (kr *Keyring) Get(fingerprint string) (*Key, bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	k, ok := kr.keys[fingerprint]
	return k, ok
}

// Fingerprints returns all known fingerprints in sorted order.
func (kr *Keyring) Fingerprints() []string {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	out := make([]string, 0, len(kr.keys))
	for fp := range kr.keys {
		out = append(out, fp)
	}
	sort.Strings(out)
	return out
}
