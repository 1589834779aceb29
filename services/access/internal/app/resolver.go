package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"storyhouse/pkg/chain"
	"storyhouse/pkg/domain"
	"storyhouse/services/access/internal/catalogclient"
)

// maxBranchDepth bounds the parent walk when resolving attribution for
// deeply branched books. Anything deeper is treated as a data error.
const maxBranchDepth = 4

// Catalog is the book metadata source the resolver walks.
type Catalog interface {
	GetBook(ctx context.Context, bookID string) (domain.Book, error)
}

// Resolver answers "whose chapter is this really": for a derivative book it
// walks the parent chain until it finds the book that originally published
// the chapter, then overlays the on-chain attribution record when one is set.
type Resolver struct {
	catalog Catalog
	chain   chain.Client
}

// NewResolver constructs a Resolver.
func NewResolver(catalog Catalog, chainClient chain.Client) *Resolver {
	return &Resolver{catalog: catalog, chain: chainClient}
}

// Resolve determines revenue attribution for one chapter of a book. Chain
// read failures fall back to catalog lineage; decision paths tolerate a
// stale read, and paid flows re-check through ResolveStrict.
func (r *Resolver) Resolve(ctx context.Context, book domain.Book, chapterNumber int) (domain.AttributionInfo, error) {
	return r.resolve(ctx, book, chapterNumber, false)
}

// ResolveStrict is Resolve with chain read failures treated as fatal. Paid
// unlocks use it so revenue is never split on guesswork.
func (r *Resolver) ResolveStrict(ctx context.Context, book domain.Book, chapterNumber int) (domain.AttributionInfo, error) {
	return r.resolve(ctx, book, chapterNumber, true)
}

func (r *Resolver) resolve(ctx context.Context, book domain.Book, chapterNumber int, strict bool) (domain.AttributionInfo, error) {
	source, err := r.walkLineage(ctx, book, chapterNumber)
	if err != nil {
		return domain.AttributionInfo{}, &AttributionUnavailableError{BookID: book.ID, ChapterNumber: chapterNumber, Err: err}
	}

	info := domain.AttributionInfo{
		SourceBookID:      source.ID,
		ChapterNumber:     chapterNumber,
		OriginalAuthor:    source.AuthorAddress,
		IsOriginalContent: source.ID == book.ID,
		IPAssetID:         source.IPAssetID,
		LicenseTermsID:    source.LicenseTermsID,
	}

	if r.chain == nil {
		return info, nil
	}
	onchain, err := r.chain.Attribution(ctx, book.ID, chapterNumber)
	if err != nil {
		if strict {
			return domain.AttributionInfo{}, &AttributionUnavailableError{BookID: book.ID, ChapterNumber: chapterNumber, Err: err}
		}
		slog.Warn("attribution chain read failed, using catalog lineage", "book", book.ID, "chapter", chapterNumber, "err", err)
		return info, nil
	}
	// The contract record is authoritative once set; an unset record means
	// the chapter was never registered on-chain and lineage stands.
	if onchain.IsSet {
		info.OriginalAuthor = onchain.OriginalAuthor
		info.IsOriginalContent = onchain.IsOriginalContent
		if onchain.UnlockPrice != nil && onchain.UnlockPrice.Sign() > 0 {
			info.UnlockPrice = onchain.UnlockPrice
		}
	}
	return info, nil
}

// walkLineage follows parent references until it reaches the book that owns
// the chapter: a derivative owns chapters past its branch point, everything
// at or below it belongs to an ancestor.
func (r *Resolver) walkLineage(ctx context.Context, book domain.Book, chapterNumber int) (domain.Book, error) {
	current := book
	for depth := 0; depth <= maxBranchDepth; depth++ {
		if !current.IsDerivative() {
			return current, nil
		}
		branchChapter, err := domain.ParseBranchPoint(current.BranchPoint)
		if err != nil {
			return domain.Book{}, fmt.Errorf("book %s has invalid branch point %q", current.ID, current.BranchPoint)
		}
		if chapterNumber > branchChapter {
			return current, nil
		}
		parent, err := r.catalog.GetBook(ctx, current.ParentBookID)
		if err != nil {
			if errors.Is(err, catalogclient.ErrNotFound) {
				return domain.Book{}, fmt.Errorf("parent book %s of %s not found", current.ParentBookID, current.ID)
			}
			return domain.Book{}, err
		}
		current = parent
	}
	return domain.Book{}, fmt.Errorf("branch depth exceeds %d for book %s", maxBranchDepth, book.ID)
}
