package chain

import (
	"errors"
	"math/big"
)

// Revenue-share constants. The on-chain controller is authoritative; these
// defaults mirror its deployment parameters and are used when the contract
// cannot be read (display paths only, never settlement).
var (
	// DefaultAuthorShareBps is 70% of every unlock payment.
	DefaultAuthorShareBps = big.NewInt(7000)

	// DefaultCuratorShareBps is 20%, paid to the branch curator when the
	// chapter is inherited content.
	DefaultCuratorShareBps = big.NewInt(2000)

	// BpsBase is the denominator for basis-point math.
	BpsBase = big.NewInt(10000)
)

var (
	ErrShareTooHigh   = errors.New("chain: revenue shares exceed 10000 bps")
	ErrNegativeShare  = errors.New("chain: revenue share cannot be negative")
	ErrNegativeAmount = errors.New("chain: amount cannot be negative")
)

// RevenueSplit holds the platform's revenue-share parameters. The platform
// keeps whatever the author and curator shares leave over.
type RevenueSplit struct {
	AuthorShareBps  *big.Int
	CuratorShareBps *big.Int
}

// NewDefaultRevenueSplit returns the 70/20/10 author/curator/platform split.
func NewDefaultRevenueSplit() *RevenueSplit {
	return &RevenueSplit{
		AuthorShareBps:  new(big.Int).Set(DefaultAuthorShareBps),
		CuratorShareBps: new(big.Int).Set(DefaultCuratorShareBps),
	}
}

// NewRevenueSplit creates a RevenueSplit after validation.
func NewRevenueSplit(authorBps, curatorBps *big.Int) (*RevenueSplit, error) {
	if authorBps.Sign() < 0 || curatorBps.Sign() < 0 {
		return nil, ErrNegativeShare
	}
	total := new(big.Int).Add(authorBps, curatorBps)
	if total.Cmp(BpsBase) > 0 {
		return nil, ErrShareTooHigh
	}
	return &RevenueSplit{
		AuthorShareBps:  new(big.Int).Set(authorBps),
		CuratorShareBps: new(big.Int).Set(curatorBps),
	}, nil
}

// Cut divides an unlock payment into author, curator and platform portions.
// The platform takes the remainder, so the three always sum to amount.
func (rs *RevenueSplit) Cut(amount *big.Int) (author, curator, platform *big.Int, err error) {
	if amount.Sign() < 0 {
		return nil, nil, nil, ErrNegativeAmount
	}
	author = new(big.Int).Mul(amount, rs.AuthorShareBps)
	author.Div(author, BpsBase)
	curator = new(big.Int).Mul(amount, rs.CuratorShareBps)
	curator.Div(curator, BpsBase)
	platform = new(big.Int).Sub(amount, author)
	platform.Sub(platform, curator)
	return author, curator, platform, nil
}
