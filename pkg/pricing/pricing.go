// Package pricing implements the platform-wide chapter pricing policy.
// Prices are expressed in base units of the TIP token (18 decimals),
// mirroring how amounts travel in on-chain transactions.
package pricing

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// TIPDecimals is the number of decimals of the platform token.
const TIPDecimals = 18

// DefaultFreeChapters is how many leading chapters of every book are free.
const DefaultFreeChapters = 3

// DefaultUnlockPriceTIP is the flat price of every paid chapter.
const DefaultUnlockPriceTIP = "0.5"

var tipUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(TIPDecimals), nil)

// Quote is the pricing answer for a single chapter.
type Quote struct {
	IsFree bool
	Price  *big.Int
}

// Policy maps a chapter number to its price. The policy is global: every
// book shares the same free-chapter count and paid price.
type Policy struct {
	freeChapters int
	price        *big.Int
}

// NewPolicy builds a policy from a free-chapter count and a paid price in
// TIP base units.
func NewPolicy(freeChapters int, price *big.Int) (Policy, error) {
	if freeChapters < 0 {
		return Policy{}, errors.New("pricing: free chapter count cannot be negative")
	}
	if price == nil || price.Sign() < 0 {
		return Policy{}, errors.New("pricing: unlock price cannot be negative")
	}
	return Policy{freeChapters: freeChapters, price: new(big.Int).Set(price)}, nil
}

// DefaultPolicy returns the platform default: chapters 1-3 free, 0.5 TIP after.
func DefaultPolicy() Policy {
	price, _ := ParseTIP(DefaultUnlockPriceTIP)
	p, _ := NewPolicy(DefaultFreeChapters, price)
	return p
}

// PriceFor returns the quote for a chapter. Chapter numbers start at 1;
// passing a lower value is a caller bug.
func (p Policy) PriceFor(chapterNumber int) Quote {
	if chapterNumber <= p.freeChapters {
		return Quote{IsFree: true, Price: big.NewInt(0)}
	}
	return Quote{IsFree: false, Price: new(big.Int).Set(p.price)}
}

// UnlockPrice returns the flat paid-chapter price in TIP base units.
func (p Policy) UnlockPrice() *big.Int {
	return new(big.Int).Set(p.price)
}

// ParseTIP converts a decimal TIP amount such as "0.5" into base units.
func ParseTIP(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("pricing: empty amount")
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > TIPDecimals {
		return nil, fmt.Errorf("pricing: amount %q has more than %d decimals", s, TIPDecimals)
	}
	// Right-pad the fraction to 18 digits so whole+frac is the base-unit value.
	padded := frac + strings.Repeat("0", TIPDecimals-len(frac))
	out, ok := new(big.Int).SetString(whole+padded, 10)
	if !ok || out.Sign() < 0 {
		return nil, fmt.Errorf("pricing: invalid amount %q", s)
	}
	return out, nil
}

// FormatTIP renders base units as a decimal TIP string without trailing zeros.
func FormatTIP(v *big.Int) string {
	if v == nil || v.Sign() == 0 {
		return "0"
	}
	whole, frac := new(big.Int).QuoRem(v, tipUnit, new(big.Int))
	if frac.Sign() == 0 {
		return whole.String()
	}
	digits := strings.TrimRight(fmt.Sprintf("%018s", frac.String()), "0")
	return whole.String() + "." + digits
}
