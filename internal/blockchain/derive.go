package blockchain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

// LinkSize is the byte length of a link (a SHA-256 fingerprint).
const LinkSize = sha256.Size

// ParseLink validates a hex fingerprint and returns it lower-cased.
func ParseLink(link string) (string, []byte, error) {
	link = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(link), "0x"))
	raw, err := hex.DecodeString(link)
	if err != nil {
		return "", nil, invalidf("link is not hex: %v", err)
	}
	if len(raw) != LinkSize {
		return "", nil, invalidf("link must be %d bytes, got %d", LinkSize, len(raw))
	}
	return link, raw, nil
}

// sealTweak computes t = SHA-256(compressed(base) || link) mod n.
// Binding the base key into the hash keeps two identities sealing the same
// link on distinct addresses.
func sealTweak(base *btcec.PublicKey, link []byte) *btcec.ModNScalar {
	h := sha256.New()
	h.Write(base.SerializeCompressed())
	h.Write(link)
	var t btcec.ModNScalar
	t.SetByteSlice(h.Sum(nil))
	return &t
}

// tweakPubKey returns base + t·G.
func tweakPubKey(base *btcec.PublicKey, t *btcec.ModNScalar) (*btcec.PublicKey, error) {
	var tG, p, sum btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(t, &tG)
	base.AsJacobian(&p)
	btcec.AddNonConst(&p, &tG, &sum)
	sum.ToAffine()
	if sum.X.IsZero() && sum.Y.IsZero() {
		return nil, invalidf("tweak produced the point at infinity")
	}
	return btcec.NewPublicKey(&sum.X, &sum.Y), nil
}

// derivePubKey performs the pay-to-contract style derivation shared by every
// flavor. It is pure: equal inputs always yield equal outputs.
func derivePubKey(link string, base PubKey) (*btcec.PublicKey, error) {
	_, raw, err := ParseLink(link)
	if err != nil {
		return nil, err
	}
	point, err := base.point()
	if err != nil {
		return nil, err
	}
	return tweakPubKey(point, sealTweak(point, raw))
}

// DeriveSealPrivKey returns the private key controlling the one-time address
// for link under key: priv + t mod n.
func DeriveSealPrivKey(key *Key, link string) (*btcec.PrivateKey, error) {
	_, raw, err := ParseLink(link)
	if err != nil {
		return nil, err
	}
	t := sealTweak(key.priv.PubKey(), raw)
	d := key.priv.Key
	d.Add(t)
	if d.IsZero() {
		return nil, invalidf("tweak produced a zero private key")
	}
	return btcec.PrivKeyFromScalar(&d), nil
}
