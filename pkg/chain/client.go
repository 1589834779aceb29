// Package chain is the typed boundary to the revenue/attribution smart
// contract. The contract itself (HybridRevenueControllerV2) is deployed and
// owned by the protocol layer; this package only reads attribution records
// and verifies unlock payment transactions against it.
package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Attribution is the on-chain attribution record for one chapter.
// IsSet is false when the contract holds no record (zero author address).
type Attribution struct {
	OriginalAuthor    string
	SourceBook        common.Hash
	UnlockPrice       *big.Int
	IsOriginalContent bool
	IsSet             bool
}

// Client abstracts the on-chain operations the access service needs, so the
// service layer stays independent of the RPC transport and tests can swap in
// a fake.
type Client interface {
	// VerifyUnlockPayment checks that txHash is a confirmed, successful
	// payment of exactly amount base units from sender to the revenue
	// controller. A nil return means the proof is valid; failures are the
	// typed errors in this package. Implementations must fail closed: an
	// RPC timeout is a verification failure, never a grant.
	VerifyUnlockPayment(ctx context.Context, txHash, sender string, amount *big.Int) error

	// Attribution reads the attribution record for (bookID, chapterNumber).
	Attribution(ctx context.Context, bookID string, chapterNumber int) (Attribution, error)
}

// BookHash maps a canonical book id ("{author}/{slug}") to the bytes32 key
// the contract indexes attribution records by.
func BookHash(bookID string) common.Hash {
	return crypto.Keccak256Hash([]byte(strings.ToLower(bookID)))
}

// IsTxHash reports whether s looks like a 32-byte hex transaction hash.
func IsTxHash(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, r := range s[2:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
