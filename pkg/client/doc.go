// Package client is the Go SDK for a sealerd node.
//
// Reads are public; mutating calls need an operator token carrying the
// matching scope (see sealctl token):
//
//	c, err := client.New("http://localhost:8080", client.WithBearerToken(tok))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Sealing a fingerprint
//
//	seal, err := c.CreateSeal(ctx, client.CreateSealRequest{
//	    KeyFingerprint: "3f9a...",
//	    Link:           sha256Hex,
//	    Permalink:      permalinkHex,
//	})
//
// The node broadcasts on its next seal cycle. Trigger one immediately with
// RunSealCycle, then poll GetSeal until State is "CONFIRMED".
//
// # Watching a counterparty
//
//	seal, err := c.WatchSeal(ctx, client.WatchSealRequest{
//	    BasePubKey: client.PubKey{Pub: theirPubHex},
//	    Link:       sha256Hex,
//	})
//
// # Deriving an address offline
//
// DeriveAddress asks the node; sealctl derive computes the same address
// locally without a node.
package client
