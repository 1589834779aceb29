package domain

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// Book is the catalog record for a serialized story. A book is identified by
// "{authorAddress}/{slug}" with the author address lowercased. Derivative
// (branched) books carry a parent reference and a branch point such as "ch3";
// chapters at or below the branch point are inherited from the parent by
// reference.
type Book struct {
	ID             string            `json:"id"`
	AuthorAddress  string            `json:"authorAddress"`
	Slug           string            `json:"slug"`
	Title          string            `json:"title"`
	IsRemixable    bool              `json:"isRemixable"`
	ParentBookID   string            `json:"parentBookId,omitempty"`
	BranchPoint    string            `json:"branchPoint,omitempty"`
	IPAssetID      string            `json:"ipAssetId,omitempty"`
	LicenseTermsID string            `json:"licenseTermsId,omitempty"`
	ChapterMap     map[string]string `json:"-"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// IsDerivative reports whether the book was branched off a parent book.
func (b Book) IsDerivative() bool {
	return strings.TrimSpace(b.ParentBookID) != ""
}

// BookID builds the canonical book identifier from author address and slug.
func BookID(authorAddress, slug string) string {
	return strings.ToLower(strings.TrimSpace(authorAddress)) + "/" + strings.TrimSpace(slug)
}

// SplitBookID breaks a canonical book id into author address and slug.
func SplitBookID(id string) (author, slug string, ok bool) {
	parts := strings.SplitN(id, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ChapterKey formats a chapter number as the "chN" key used in chapter maps
// and branch points.
func ChapterKey(n int) string {
	return "ch" + strconv.Itoa(n)
}

// ParseBranchPoint parses a "chN" branch point into its chapter number.
func ParseBranchPoint(bp string) (int, error) {
	s := strings.TrimSpace(strings.ToLower(bp))
	if !strings.HasPrefix(s, "ch") {
		return 0, fmt.Errorf("invalid branch point %q", bp)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(s, "ch"))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid branch point %q", bp)
	}
	return n, nil
}

// UnlockRecord is the durable proof that a user holds read access to a
// chapter. At most one record exists per (userAddress, bookId, chapterNumber)
// and records are never mutated after creation.
type UnlockRecord struct {
	UserAddress     string    `json:"userAddress"`
	BookID          string    `json:"bookId"`
	ChapterNumber   int       `json:"chapterNumber"`
	IsFree          bool      `json:"isFree"`
	TransactionHash string    `json:"transactionHash,omitempty"`
	LicenseTokenID  string    `json:"licenseTokenId,omitempty"`
	UnlockedAt      time.Time `json:"unlockedAt"`
}

// AttributionInfo describes which book and author a chapter's revenue is
// attributed to, after branch-point resolution.
type AttributionInfo struct {
	SourceBookID      string   `json:"sourceBookId"`
	ChapterNumber     int      `json:"chapterNumber"`
	OriginalAuthor    string   `json:"originalAuthor"`
	IsOriginalContent bool     `json:"isOriginalContent"`
	UnlockPrice       *big.Int `json:"-"`
	IPAssetID         string   `json:"ipAssetId,omitempty"`
	LicenseTermsID    string   `json:"licenseTermsId,omitempty"`
}

// AccessDecision is the answer to "may this user read this chapter".
type AccessDecision struct {
	CanAccess       bool     `json:"canAccess"`
	IsFree          bool     `json:"isFree"`
	AlreadyUnlocked bool     `json:"alreadyUnlocked"`
	UnlockPrice     *big.Int `json:"-"`
}

// UnlockResult reports the outcome of an unlock call.
type UnlockResult struct {
	CanAccess       bool   `json:"canAccess"`
	AlreadyUnlocked bool   `json:"alreadyUnlocked"`
	TransactionHash string `json:"transactionHash,omitempty"`
	LicenseTokenID  string `json:"licenseTokenId,omitempty"`
}
