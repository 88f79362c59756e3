package utxo

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// explorer is a client for an Esplora-compatible block explorer API.
type explorer struct {
	http *resty.Client
}

type esploraStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height"`
}

type esploraVout struct {
	ScriptPubKeyAddress string `json:"scriptpubkey_address"`
	Value               int64  `json:"value"`
}

type esploraTx struct {
	TxID   string        `json:"txid"`
	Status esploraStatus `json:"status"`
	Vout   []esploraVout `json:"vout"`
}

type esploraUTXO struct {
	TxID   string        `json:"txid"`
	Vout   uint32        `json:"vout"`
	Value  int64         `json:"value"`
	Status esploraStatus `json:"status"`
}

type esploraStats struct {
	FundedTxoSum int64 `json:"funded_txo_sum"`
	SpentTxoSum  int64 `json:"spent_txo_sum"`
}

type esploraAddress struct {
	ChainStats   esploraStats `json:"chain_stats"`
	MempoolStats esploraStats `json:"mempool_stats"`
}

func newExplorer(baseURL string, timeout time.Duration) *explorer {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &explorer{http: c}
}

func (e *explorer) get(ctx context.Context, path string, out any) error {
	resp, err := e.http.R().SetContext(ctx).Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	// some explorers serve JSON as text/plain, so decode regardless of content type
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}

func (e *explorer) addressTxs(ctx context.Context, address string) ([]esploraTx, error) {
	var txs []esploraTx
	if err := e.get(ctx, "/address/"+address+"/txs", &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

func (e *explorer) addressUTXOs(ctx context.Context, address string) ([]esploraUTXO, error) {
	var utxos []esploraUTXO
	if err := e.get(ctx, "/address/"+address+"/utxo", &utxos); err != nil {
		return nil, err
	}
	return utxos, nil
}

func (e *explorer) addressStats(ctx context.Context, address string) (esploraAddress, error) {
	var a esploraAddress
	err := e.get(ctx, "/address/"+address, &a)
	return a, err
}

func (e *explorer) tipHeight(ctx context.Context) (int64, error) {
	resp, err := e.http.R().SetContext(ctx).Get("/blocks/tip/height")
	if err != nil {
		return 0, fmt.Errorf("GET tip height: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("GET tip height: status %d", resp.StatusCode())
	}
	h, err := strconv.ParseInt(strings.TrimSpace(resp.String()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse tip height %q: %w", resp.String(), err)
	}
	return h, nil
}

// broadcast posts a raw transaction and returns the txid echoed by the explorer.
func (e *explorer) broadcast(ctx context.Context, rawHex string) (string, error) {
	resp, err := e.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/plain").
		SetBody(rawHex).
		Post("/tx")
	if err != nil {
		return "", fmt.Errorf("POST /tx: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("POST /tx: status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return strings.TrimSpace(resp.String()), nil
}

func (e *explorer) closeIdle() {
	e.http.GetClient().CloseIdleConnections()
}
