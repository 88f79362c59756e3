package account

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jmerrifield20/sealkeeper/internal/blockchain"
)

type transactor struct {
	conn
	priv *ecdsa.PrivateKey
	from common.Address

	sendMu sync.Mutex
}

// Send signs one EIP-1559 transfer per output with consecutive nonces and
// returns the hash of the first. A failure part-way leaves earlier transfers
// in flight and returns them in a *blockchain.PartialSendError.
func (t *transactor) Send(ctx context.Context, to []blockchain.Output) (string, error) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	client, err := t.get(ctx)
	if err != nil {
		return "", err
	}
	recipients := make([]common.Address, len(to))
	for i, o := range to {
		if !common.IsHexAddress(o.Address) {
			return "", fmt.Errorf("%w: %q is not an account address", blockchain.ErrInvalidInput, o.Address)
		}
		recipients[i] = common.HexToAddress(o.Address)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("chain id: %w", err)
	}
	nonce, err := client.PendingNonceAt(ctx, t.from)
	if err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	tip, feeCap, err := fees(ctx, client)
	if err != nil {
		return "", err
	}
	signer := types.LatestSignerForChainID(chainID)

	var first string
	sent := make(map[string]string, len(to))
	for i, o := range to {
		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce + uint64(i),
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       params.TxGas,
			To:        &recipients[i],
			Value:     decimalToWei(o.Amount),
		})
		signed, err := types.SignTx(tx, signer, t.priv)
		if err != nil {
			return "", partial(sent, fmt.Errorf("sign transfer %d: %w", i, err))
		}
		if err := client.SendTransaction(ctx, signed); err != nil {
			return "", partial(sent, fmt.Errorf("send transfer %d of %d: %w", i+1, len(to), err))
		}
		if i == 0 {
			first = signed.Hash().Hex()
		}
		sent[o.Address] = signed.Hash().Hex()
		t.a.logger.Debug("account transfer sent",
			zap.String("from", t.from.Hex()),
			zap.String("to", recipients[i].Hex()),
			zap.Uint64("nonce", nonce+uint64(i)),
			zap.String("tx_id", signed.Hash().Hex()),
		)
	}
	return first, nil
}

func partial(sent map[string]string, err error) error {
	if len(sent) == 0 {
		return err
	}
	return &blockchain.PartialSendError{Sent: sent, Err: err}
}

// fees returns the tip and a fee cap of twice the base fee plus tip.
func fees(ctx context.Context, client Client) (*big.Int, *big.Int, error) {
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("gas tip: %w", err)
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("latest header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)
	return tip, feeCap, nil
}

// Recharge implements blockchain.Faucet by transferring MinBalance from the
// configured faucet key. It returns the expected balance once the transfer
// is mined.
func (a *Adapter) Recharge(ctx context.Context, req blockchain.RechargeRequest) (decimal.Decimal, error) {
	if a.cfg.FaucetKey == nil {
		return decimal.Zero, blockchain.ErrRechargeUnsupported
	}
	w, err := a.Transactor(a.cfg.FaucetKey)
	if err != nil {
		return decimal.Zero, err
	}
	defer w.Stop(context.WithoutCancel(ctx))

	r := a.Reader()
	defer r.Stop(context.WithoutCancel(ctx))
	before, err := r.Balance(ctx, req.Address)
	if err != nil {
		return decimal.Zero, err
	}

	txID, err := w.Send(ctx, []blockchain.Output{{Address: req.Address, Amount: req.MinBalance}})
	if err != nil {
		return decimal.Zero, err
	}
	a.logger.Info("faucet transfer sent",
		zap.String("address", req.Address),
		zap.String("amount", req.MinBalance.String()),
		zap.String("tx_id", txID),
	)
	return before.Add(req.MinBalance), nil
}

var _ blockchain.Faucet = (*Adapter)(nil)
