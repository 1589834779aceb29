package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"storyhouse/pkg/chain"
	"storyhouse/pkg/domain"
	"storyhouse/pkg/pricing"
	"storyhouse/pkg/queue"
	"storyhouse/pkg/storage"
	"storyhouse/pkg/store"
	"storyhouse/services/access/internal/catalogclient"
)

// Config wires the access application's dependencies.
type Config struct {
	Catalog       Catalog
	Store         store.Store
	Chain         chain.Client
	Objects       storage.ObjectStore
	Queue         *queue.ReconcileQueue
	Pricing       pricing.Policy
	Split         *chain.RevenueSplit
	ContentURLTTL time.Duration
}

// App implements chapter access decisions, unlocks and content delivery.
type App struct {
	catalog       Catalog
	store         store.Store
	chain         chain.Client
	objects       storage.ObjectStore
	queue         *queue.ReconcileQueue
	resolver      *Resolver
	pricing       pricing.Policy
	split         *chain.RevenueSplit
	contentURLTTL time.Duration
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("catalog client required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Chain == nil {
		return nil, errors.New("chain client required")
	}
	policy := cfg.Pricing
	if policy == (pricing.Policy{}) {
		policy = pricing.DefaultPolicy()
	}
	split := cfg.Split
	if split == nil {
		split = chain.NewDefaultRevenueSplit()
	}
	ttl := cfg.ContentURLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &App{
		catalog:       cfg.Catalog,
		store:         cfg.Store,
		chain:         cfg.Chain,
		objects:       cfg.Objects,
		queue:         cfg.Queue,
		resolver:      NewResolver(cfg.Catalog, cfg.Chain),
		pricing:       policy,
		split:         split,
		contentURLTTL: ttl,
	}, nil
}

// AccessInfo is the full answer to a chapter access query.
type AccessInfo struct {
	Book        domain.Book
	Decision    domain.AccessDecision
	Attribution domain.AttributionInfo
	Record      domain.UnlockRecord
	HasRecord   bool
}

// CheckAccess evaluates whether userAddress may read a chapter, without
// changing any state. userAddress may be empty for an anonymous price check.
func (a *App) CheckAccess(ctx context.Context, userAddress, bookID string, chapterNumber int) (AccessInfo, error) {
	user, err := normalizeUser(userAddress, true)
	if err != nil {
		return AccessInfo{}, err
	}
	book, err := a.getBook(ctx, bookID)
	if err != nil {
		return AccessInfo{}, err
	}
	if err := chapterExists(book, chapterNumber); err != nil {
		return AccessInfo{}, err
	}

	quote := a.pricing.PriceFor(chapterNumber)
	info := AccessInfo{Book: book}
	info.Decision = domain.AccessDecision{
		IsFree:      quote.IsFree,
		UnlockPrice: quote.Price,
		CanAccess:   quote.IsFree,
	}
	if user != "" {
		record, ok, err := a.store.GetUnlockRecord(user, book.ID, chapterNumber)
		if err != nil {
			return AccessInfo{}, fmt.Errorf("read unlock record: %w", err)
		}
		if ok {
			info.Record = record
			info.HasRecord = true
			info.Decision.AlreadyUnlocked = true
			info.Decision.CanAccess = true
		}
	}

	attribution, err := a.resolver.Resolve(ctx, book, chapterNumber)
	if err != nil {
		// Attribution is advisory on read paths: a broken lineage must not
		// block access to a chapter the user can already read.
		if !isAttributionUnavailable(err) {
			return AccessInfo{}, err
		}
		slog.Warn("attribution unavailable, omitting from access decision",
			"book", book.ID, "chapter", chapterNumber, "err", err)
		return info, nil
	}
	if attribution.UnlockPrice == nil {
		attribution.UnlockPrice = quote.Price
	} else if !quote.IsFree {
		// The contract may override the flat platform price.
		info.Decision.UnlockPrice = attribution.UnlockPrice
	}
	info.Attribution = attribution
	return info, nil
}

// UnlockRequest is the input to Unlock. LicenseTokenID is optional: clients
// that minted a reading license themselves may record its id; otherwise one
// is derived from the unlock key.
type UnlockRequest struct {
	UserAddress     string
	BookID          string
	ChapterNumber   int
	TransactionHash string
	LicenseTokenID  string
}

// Unlock grants userAddress read access to a chapter. Free chapters unlock
// without proof; paid chapters require a confirmed on-chain payment whose
// sender, recipient and value all match. The grant is recorded at most once
// per (user, book, chapter): replays and concurrent requests converge on the
// first record.
func (a *App) Unlock(ctx context.Context, req UnlockRequest) (domain.UnlockResult, error) {
	user, err := normalizeUser(req.UserAddress, false)
	if err != nil {
		return domain.UnlockResult{}, err
	}
	book, err := a.getBook(ctx, req.BookID)
	if err != nil {
		return domain.UnlockResult{}, err
	}
	if err := chapterExists(book, req.ChapterNumber); err != nil {
		return domain.UnlockResult{}, err
	}

	if existing, ok, err := a.store.GetUnlockRecord(user, book.ID, req.ChapterNumber); err != nil {
		return domain.UnlockResult{}, fmt.Errorf("read unlock record: %w", err)
	} else if ok {
		return resultFromRecord(existing, true), nil
	}

	quote := a.pricing.PriceFor(req.ChapterNumber)
	if quote.IsFree {
		return a.unlockFree(user, book.ID, req.ChapterNumber)
	}
	return a.unlockPaid(ctx, user, book, req.ChapterNumber, req.TransactionHash, req.LicenseTokenID, quote.Price)
}

func (a *App) unlockFree(user, bookID string, chapterNumber int) (domain.UnlockResult, error) {
	record := domain.UnlockRecord{
		UserAddress:   user,
		BookID:        bookID,
		ChapterNumber: chapterNumber,
		IsFree:        true,
		UnlockedAt:    time.Now().UTC(),
	}
	created, err := a.store.InsertUnlockRecord(record)
	if err != nil {
		return domain.UnlockResult{}, fmt.Errorf("save unlock record: %w", err)
	}
	if !created {
		if existing, ok, err := a.store.GetUnlockRecord(user, bookID, chapterNumber); err == nil && ok {
			return resultFromRecord(existing, true), nil
		}
	}
	return resultFromRecord(record, !created), nil
}

func (a *App) unlockPaid(ctx context.Context, user string, book domain.Book, chapterNumber int, txHash, licenseTokenID string, price *big.Int) (domain.UnlockResult, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return domain.UnlockResult{}, ErrMissingPaymentProof
	}
	if !chain.IsTxHash(txHash) {
		return domain.UnlockResult{}, validationErrorf("invalid transaction hash %q", txHash)
	}
	txHash = strings.ToLower(txHash)

	attribution, err := a.resolver.ResolveStrict(ctx, book, chapterNumber)
	if err != nil {
		return domain.UnlockResult{}, err
	}
	if attribution.UnlockPrice != nil && attribution.UnlockPrice.Sign() > 0 {
		price = attribution.UnlockPrice
	}

	if err := a.chain.VerifyUnlockPayment(ctx, txHash, user, price); err != nil {
		if chain.IsVerificationFailure(err) {
			slog.Info("unlock payment rejected", "user", user, "book", book.ID, "chapter", chapterNumber, "tx", txHash, "err", err)
		} else {
			slog.Error("unlock payment verification unavailable", "user", user, "book", book.ID, "chapter", chapterNumber, "tx", txHash, "err", err)
		}
		// Fail closed either way: an unverifiable payment is not a grant.
		return domain.UnlockResult{}, fmt.Errorf("%w: %w", ErrInvalidTransaction, err)
	}

	if licenseTokenID = strings.TrimSpace(licenseTokenID); licenseTokenID == "" {
		licenseTokenID = a.MintReadingLicense(user, book.ID, chapterNumber, txHash)
	}
	record := domain.UnlockRecord{
		UserAddress:     user,
		BookID:          book.ID,
		ChapterNumber:   chapterNumber,
		IsFree:          false,
		TransactionHash: txHash,
		LicenseTokenID:  licenseTokenID,
		UnlockedAt:      time.Now().UTC(),
	}
	created, err := a.store.InsertUnlockRecord(record)
	if err != nil {
		return domain.UnlockResult{}, fmt.Errorf("save unlock record: %w", err)
	}
	if !created {
		// Lost the race: another request already recorded this unlock.
		if existing, ok, err := a.store.GetUnlockRecord(user, book.ID, chapterNumber); err == nil && ok {
			return resultFromRecord(existing, true), nil
		}
		return resultFromRecord(record, true), nil
	}

	if a.queue != nil {
		if _, err := a.queue.Enqueue(ctx, user, book.ID, chapterNumber, txHash); err != nil {
			slog.Warn("enqueue reconcile job failed", "user", user, "book", book.ID, "chapter", chapterNumber, "err", err)
		}
	}
	slog.Info("chapter unlocked", "user", user, "book", book.ID, "chapter", chapterNumber,
		"price", pricing.FormatTIP(price), "author", attribution.OriginalAuthor, "original", attribution.IsOriginalContent)
	return resultFromRecord(record, false), nil
}

// ContentURL returns a time-limited URL for a chapter's content, or
// ErrChapterLocked when the caller has no access.
func (a *App) ContentURL(ctx context.Context, userAddress, bookID string, chapterNumber int) (string, error) {
	if a.objects == nil {
		return "", errors.New("object store not configured")
	}
	info, err := a.CheckAccess(ctx, userAddress, bookID, chapterNumber)
	if err != nil {
		return "", err
	}
	if !info.Decision.CanAccess {
		return "", ErrChapterLocked
	}
	storageKey, ok := info.Book.ChapterMap[domain.ChapterKey(chapterNumber)]
	if !ok {
		return "", ErrChapterNotFound
	}
	url, err := a.objects.PresignGet(ctx, storageKey, "", a.contentURLTTL)
	if err != nil {
		return "", fmt.Errorf("presign content: %w", err)
	}
	return url, nil
}

// LicenseTerms describe the reading license attached to a paid unlock.
type LicenseTerms struct {
	BookID           string `json:"bookId"`
	ChapterNumber    int    `json:"chapterNumber"`
	PriceTIP         string `json:"priceTip"`
	OriginalAuthor   string `json:"originalAuthor"`
	AuthorShareBps   int64  `json:"authorShareBps"`
	CuratorShareBps  int64  `json:"curatorShareBps"`
	PlatformShareBps int64  `json:"platformShareBps"`
	IPAssetID        string `json:"ipAssetId,omitempty"`
	LicenseTermsID   string `json:"licenseTermsId,omitempty"`
}

// ReadingLicense returns the license terms a paid unlock of this chapter
// would mint under, including the revenue split.
func (a *App) ReadingLicense(ctx context.Context, bookID string, chapterNumber int) (LicenseTerms, error) {
	book, err := a.getBook(ctx, bookID)
	if err != nil {
		return LicenseTerms{}, err
	}
	if err := chapterExists(book, chapterNumber); err != nil {
		return LicenseTerms{}, err
	}
	attribution, err := a.resolver.Resolve(ctx, book, chapterNumber)
	if err != nil {
		if !isAttributionUnavailable(err) {
			return LicenseTerms{}, err
		}
		slog.Warn("attribution unavailable, license terms carry the default split",
			"book", book.ID, "chapter", chapterNumber, "err", err)
		attribution = domain.AttributionInfo{}
	}
	quote := a.pricing.PriceFor(chapterNumber)
	price := quote.Price
	if attribution.UnlockPrice != nil && attribution.UnlockPrice.Sign() > 0 {
		price = attribution.UnlockPrice
	}
	authorBps := a.split.AuthorShareBps.Int64()
	curatorBps := a.split.CuratorShareBps.Int64()
	if attribution.IsOriginalContent {
		// No curator on original content; the author takes that share.
		authorBps += curatorBps
		curatorBps = 0
	}
	return LicenseTerms{
		BookID:           book.ID,
		ChapterNumber:    chapterNumber,
		PriceTIP:         pricing.FormatTIP(price),
		OriginalAuthor:   attribution.OriginalAuthor,
		AuthorShareBps:   authorBps,
		CuratorShareBps:  curatorBps,
		PlatformShareBps: chain.BpsBase.Int64() - authorBps - curatorBps,
		IPAssetID:        attribution.IPAssetID,
		LicenseTermsID:   attribution.LicenseTermsID,
	}, nil
}

// MintReadingLicense derives the license token id for a paid unlock. License
// minting is not on-chain yet; the id is a stable hash over the unlock key so
// replays produce the same token.
func (a *App) MintReadingLicense(user, bookID string, chapterNumber int, txHash string) string {
	seed := fmt.Sprintf("%s|%s|%s|%s", user, bookID, domain.ChapterKey(chapterNumber), strings.ToLower(txHash))
	return crypto.Keccak256Hash([]byte(seed)).Hex()
}

// Unlocks lists the caller's unlock history.
func (a *App) Unlocks(userAddress string) ([]domain.UnlockRecord, error) {
	user, err := normalizeUser(userAddress, false)
	if err != nil {
		return nil, err
	}
	return a.store.ListUnlocksByUser(user)
}

func (a *App) getBook(ctx context.Context, bookID string) (domain.Book, error) {
	book, err := a.catalog.GetBook(ctx, strings.ToLower(strings.TrimSpace(bookID)))
	if err != nil {
		if errors.Is(err, catalogclient.ErrNotFound) {
			return domain.Book{}, ErrBookNotFound
		}
		return domain.Book{}, fmt.Errorf("fetch book: %w", err)
	}
	return book, nil
}

func chapterExists(book domain.Book, chapterNumber int) error {
	if chapterNumber < 1 {
		return validationErrorf("chapter number must be >= 1")
	}
	if _, ok := book.ChapterMap[domain.ChapterKey(chapterNumber)]; !ok {
		return ErrChapterNotFound
	}
	return nil
}

func normalizeUser(userAddress string, allowEmpty bool) (string, error) {
	userAddress = strings.TrimSpace(userAddress)
	if userAddress == "" {
		if allowEmpty {
			return "", nil
		}
		return "", validationErrorf("user address required")
	}
	if !common.IsHexAddress(userAddress) {
		return "", validationErrorf("invalid user address %q", userAddress)
	}
	return strings.ToLower(userAddress), nil
}

func resultFromRecord(record domain.UnlockRecord, already bool) domain.UnlockResult {
	return domain.UnlockResult{
		CanAccess:       true,
		AlreadyUnlocked: already,
		TransactionHash: record.TransactionHash,
		LicenseTokenID:  record.LicenseTokenID,
	}
}
