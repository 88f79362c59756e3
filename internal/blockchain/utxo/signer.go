package utxo

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Virtual sizes of P2WPKH transaction parts, rounded up.
const (
	txOverheadVBytes = 11
	inputVBytes      = 68
	outputVBytes     = 31
	dustSats         = 294
)

// payment is one recipient in satoshis.
type payment struct {
	address string
	sats    int64
}

func estimateFee(inputs, outputs int, feeRate int64) int64 {
	return int64(txOverheadVBytes+inputs*inputVBytes+outputs*outputVBytes) * feeRate
}

// selectCoins picks confirmed outputs largest-first until total covers the
// payments plus the fee for a transaction with a change output.
func selectCoins(utxos []esploraUTXO, total int64, outputs int, feeRate int64) ([]esploraUTXO, int64, error) {
	sorted := make([]esploraUTXO, 0, len(utxos))
	for _, u := range utxos {
		if u.Status.Confirmed {
			sorted = append(sorted, u)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Value > sorted[j].Value })

	var picked []esploraUTXO
	var in int64
	for _, u := range sorted {
		picked = append(picked, u)
		in += u.Value
		fee := estimateFee(len(picked), outputs+1, feeRate)
		if in >= total+fee {
			return picked, fee, nil
		}
	}
	return nil, 0, fmt.Errorf("insufficient funds: have %d sats confirmed, need %d plus fee", in, total)
}

// buildSignedTx builds and signs a P2WPKH transaction spending picked to
// payments, returning change to the sender. It returns the raw hex and txid.
func buildSignedTx(
	params *chaincfg.Params,
	priv *btcec.PrivateKey,
	picked []esploraUTXO,
	payments []payment,
	fee int64,
) (string, string, error) {
	fromAddr, err := p2wpkhAddress(priv.PubKey(), params)
	if err != nil {
		return "", "", err
	}
	fromScript, err := txscript.PayToAddrScript(fromAddr)
	if err != nil {
		return "", "", fmt.Errorf("sender script: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	prevOuts := txscript.NewMultiPrevOutFetcher(nil)
	var in int64
	for _, u := range picked {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return "", "", fmt.Errorf("utxo txid %q: %w", u.TxID, err)
		}
		op := wire.NewOutPoint(hash, u.Vout)
		tx.AddTxIn(wire.NewTxIn(op, nil, nil))
		prevOuts.AddPrevOut(*op, wire.NewTxOut(u.Value, fromScript))
		in += u.Value
	}

	var out int64
	for _, p := range payments {
		addr, err := btcutil.DecodeAddress(p.address, params)
		if err != nil {
			return "", "", fmt.Errorf("decode address %q: %w", p.address, err)
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return "", "", fmt.Errorf("script for %q: %w", p.address, err)
		}
		tx.AddTxOut(wire.NewTxOut(p.sats, script))
		out += p.sats
	}
	if change := in - out - fee; change > dustSats {
		tx.AddTxOut(wire.NewTxOut(change, fromScript))
	}

	sigHashes := txscript.NewTxSigHashes(tx, prevOuts)
	for i, u := range picked {
		witness, err := txscript.WitnessSignature(tx, sigHashes, i, u.Value, fromScript, txscript.SigHashAll, priv, true)
		if err != nil {
			return "", "", fmt.Errorf("sign input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = witness
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", "", fmt.Errorf("serialize tx: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), tx.TxHash().String(), nil
}

func p2wpkhAddress(pub *btcec.PublicKey, params *chaincfg.Params) (*btcutil.AddressWitnessPubKeyHash, error) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)
	if err != nil {
		return nil, fmt.Errorf("p2wpkh address: %w", err)
	}
	return addr, nil
}
