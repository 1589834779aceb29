package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// DefaultRPCTimeout bounds every single RPC call so a stalled node can never
// hold an unlock request open. On timeout the caller must deny access.
const DefaultRPCTimeout = 10 * time.Second

// EthBackend implements Client against a JSON-RPC endpoint.
type EthBackend struct {
	ec            *ethclient.Client
	controller    *RevenueController
	chainID       *big.Int
	confirmations uint64
	timeout       time.Duration
}

// Config wires an EthBackend.
type Config struct {
	RPCURL            string
	ControllerAddress string
	ChainID           int64
	Confirmations     uint64
	Timeout           time.Duration
}

// Dial connects to the RPC endpoint and binds the revenue controller.
func Dial(cfg Config) (*EthBackend, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, errors.New("chain: rpc url required")
	}
	if !common.IsHexAddress(cfg.ControllerAddress) {
		return nil, fmt.Errorf("chain: invalid controller address %q", cfg.ControllerAddress)
	}
	if cfg.ChainID <= 0 {
		return nil, errors.New("chain: chain id required")
	}
	ec, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	controller, err := NewRevenueController(common.HexToAddress(cfg.ControllerAddress), ec)
	if err != nil {
		return nil, fmt.Errorf("bind revenue controller: %w", err)
	}
	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	return &EthBackend{
		ec:            ec,
		controller:    controller,
		chainID:       big.NewInt(cfg.ChainID),
		confirmations: confirmations,
		timeout:       timeout,
	}, nil
}

// Controller exposes the bound contract for revenue-share reads.
func (b *EthBackend) Controller() *RevenueController {
	return b.controller
}

// VerifyUnlockPayment checks the payment proof against the chain. Amount,
// recipient, sender and confirmation status must all match; the first
// mismatch is returned as its typed error.
func (b *EthBackend) VerifyUnlockPayment(ctx context.Context, txHash, sender string, amount *big.Int) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	tx, pending, err := b.ec.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ErrTxNotFound
		}
		return fmt.Errorf("fetch transaction: %w", err)
	}
	if pending {
		return ErrTxPending
	}

	receipt, err := b.ec.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ErrTxPending
		}
		return fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return ErrTxReverted
	}
	if b.confirmations > 1 {
		head, err := b.ec.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("fetch head: %w", err)
		}
		if head < receipt.BlockNumber.Uint64()+b.confirmations-1 {
			return ErrTxPending
		}
	}

	if to := tx.To(); to == nil || *to != b.controller.Address() {
		return ErrWrongRecipient
	}
	from, err := types.Sender(types.LatestSignerForChainID(b.chainID), tx)
	if err != nil {
		return fmt.Errorf("recover sender: %w", err)
	}
	if !strings.EqualFold(from.Hex(), sender) {
		return ErrWrongSender
	}
	if amount == nil || tx.Value().Cmp(amount) != 0 {
		return ErrWrongAmount
	}
	return nil
}

// Attribution reads the attribution record for (bookID, chapterNumber).
func (b *EthBackend) Attribution(ctx context.Context, bookID string, chapterNumber int) (Attribution, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.controller.ChapterAttributions(ctx, BookHash(bookID), big.NewInt(int64(chapterNumber)))
}
