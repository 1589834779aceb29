package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// revenueControllerABI is the read-only subset of the
// HybridRevenueControllerV2 ABI this service consumes.
const revenueControllerABI = `[
	{
		"constant": true,
		"inputs": [
			{"name": "_bookId",        "type": "bytes32"},
			{"name": "_chapterNumber", "type": "uint256"}
		],
		"name": "chapterAttributions",
		"outputs": [
			{"name": "originalAuthor",    "type": "address"},
			{"name": "sourceBookId",      "type": "bytes32"},
			{"name": "unlockPrice",       "type": "uint256"},
			{"name": "isOriginalContent", "type": "bool"}
		],
		"payable": false,
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [],
		"name": "platform",
		"outputs": [{"name": "", "type": "address"}],
		"payable": false,
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [],
		"name": "authorShareBps",
		"outputs": [{"name": "", "type": "uint256"}],
		"payable": false,
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [],
		"name": "curatorShareBps",
		"outputs": [{"name": "", "type": "uint256"}],
		"payable": false,
		"type": "function"
	}
]`

// RevenueController is a high-level wrapper around the deployed
// HybridRevenueControllerV2 contract.
type RevenueController struct {
	abi      abi.ABI
	address  common.Address
	contract *bind.BoundContract
}

// NewRevenueController connects to an already-deployed revenue controller.
func NewRevenueController(addr common.Address, backend bind.ContractBackend) (*RevenueController, error) {
	parsed, err := abi.JSON(strings.NewReader(revenueControllerABI))
	if err != nil {
		return nil, err
	}
	bound := bind.NewBoundContract(addr, parsed, backend, backend, backend)
	return &RevenueController{abi: parsed, address: addr, contract: bound}, nil
}

// Address returns the controller's deployed address.
func (c *RevenueController) Address() common.Address {
	return c.address
}

// ChapterAttributions reads the attribution record for one chapter.
func (c *RevenueController) ChapterAttributions(ctx context.Context, bookID common.Hash, chapterNumber *big.Int) (Attribution, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "chapterAttributions", bookID, chapterNumber)
	if err != nil {
		return Attribution{}, err
	}
	author := out[0].(common.Address)
	attr := Attribution{
		OriginalAuthor:    strings.ToLower(author.Hex()),
		SourceBook:        out[1].([32]byte),
		UnlockPrice:       out[2].(*big.Int),
		IsOriginalContent: out[3].(bool),
		IsSet:             author != (common.Address{}),
	}
	return attr, nil
}

// Platform returns the platform fee receiver address.
func (c *RevenueController) Platform(ctx context.Context) (common.Address, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "platform")
	if err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}

// AuthorShareBps returns the author's revenue share in basis points.
func (c *RevenueController) AuthorShareBps(ctx context.Context) (*big.Int, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "authorShareBps")
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// CuratorShareBps returns the curator's revenue share in basis points.
func (c *RevenueController) CuratorShareBps(ctx context.Context) (*big.Int, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "curatorShareBps")
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}
