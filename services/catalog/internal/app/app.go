package app

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"storyhouse/pkg/domain"
	"storyhouse/pkg/storage"
	"storyhouse/pkg/store"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Config holds runtime configuration for the catalog application.
type Config struct {
	DatabaseURL       string
	Store             store.Store
	Objects           storage.ObjectStore
	MinioEndpoint     string
	MinioAccessKey    string
	MinioSecretKey    string
	MinioBucket       string
	MinioUseSSL       bool
	AllowedExtensions []string
}

// ValidationError reports invalid caller input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// App is the catalog service: book registration, chapter publishing and
// branch (derivative book) creation.
type App struct {
	store       store.Store
	objects     storage.ObjectStore
	allowedExts map[string]struct{}
}

// New constructs the application with database-backed metadata storage and
// object-backed chapter content storage.
func New(cfg Config) (*App, error) {
	objects := cfg.Objects
	if objects == nil {
		var err error
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, err
		}
	}
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	exts := cfg.AllowedExtensions
	if len(exts) == 0 {
		exts = []string{".md", ".txt", ".html"}
	}
	allowed := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		allowed[strings.ToLower(strings.TrimSpace(ext))] = struct{}{}
	}
	return &App{store: dataStore, objects: objects, allowedExts: allowed}, nil
}

// RegisterBookRequest is the input to RegisterBook.
type RegisterBookRequest struct {
	AuthorAddress  string `json:"authorAddress"`
	Slug           string `json:"slug"`
	Title          string `json:"title"`
	IsRemixable    bool   `json:"isRemixable"`
	IPAssetID      string `json:"ipAssetId"`
	LicenseTermsID string `json:"licenseTermsId"`
}

// RegisterBook adds a new original book to the catalog.
func (a *App) RegisterBook(req RegisterBookRequest) (domain.Book, error) {
	author, slug, err := validateBookKey(req.AuthorAddress, req.Slug)
	if err != nil {
		return domain.Book{}, err
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return domain.Book{}, validationErrorf("title required")
	}
	id := domain.BookID(author, slug)
	if _, exists, err := a.store.GetBook(id); err != nil {
		return domain.Book{}, err
	} else if exists {
		return domain.Book{}, ErrBookExists
	}
	now := time.Now().UTC()
	book := domain.Book{
		ID:             id,
		AuthorAddress:  author,
		Slug:           slug,
		Title:          title,
		IsRemixable:    req.IsRemixable,
		IPAssetID:      strings.TrimSpace(req.IPAssetID),
		LicenseTermsID: strings.TrimSpace(req.LicenseTermsID),
		ChapterMap:     map[string]string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.store.SaveBook(book); err != nil {
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	return book, nil
}

// BranchBookRequest is the input to BranchBook.
type BranchBookRequest struct {
	ParentBookID   string `json:"-"`
	AuthorAddress  string `json:"authorAddress"`
	Slug           string `json:"slug"`
	Title          string `json:"title"`
	BranchPoint    string `json:"branchPoint"`
	IPAssetID      string `json:"ipAssetId"`
	LicenseTermsID string `json:"licenseTermsId"`
}

// BranchBook creates a derivative book forked off a parent at the given
// branch point. Chapters at or below the branch point are inherited from the
// parent by reference; later chapters belong to the derivative.
func (a *App) BranchBook(req BranchBookRequest) (domain.Book, error) {
	author, slug, err := validateBookKey(req.AuthorAddress, req.Slug)
	if err != nil {
		return domain.Book{}, err
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return domain.Book{}, validationErrorf("title required")
	}
	branchChapter, err := domain.ParseBranchPoint(req.BranchPoint)
	if err != nil {
		return domain.Book{}, validationErrorf("invalid branch point %q (expected \"chN\")", req.BranchPoint)
	}
	parent, exists, err := a.store.GetBook(strings.ToLower(req.ParentBookID))
	if err != nil {
		return domain.Book{}, err
	}
	if !exists {
		return domain.Book{}, ErrBookNotFound
	}
	if !parent.IsRemixable {
		return domain.Book{}, ErrNotRemixable
	}
	id := domain.BookID(author, slug)
	if _, exists, err := a.store.GetBook(id); err != nil {
		return domain.Book{}, err
	} else if exists {
		return domain.Book{}, ErrBookExists
	}

	// Inherit parent chapters up to the branch point by reference: the
	// derivative's chapter map points at the parent's stored content.
	chapters := make(map[string]string, branchChapter)
	for n := 1; n <= branchChapter; n++ {
		key := domain.ChapterKey(n)
		if storageKey, ok := parent.ChapterMap[key]; ok {
			chapters[key] = storageKey
		}
	}

	now := time.Now().UTC()
	book := domain.Book{
		ID:             id,
		AuthorAddress:  author,
		Slug:           slug,
		Title:          title,
		IsRemixable:    false,
		ParentBookID:   parent.ID,
		BranchPoint:    domain.ChapterKey(branchChapter),
		IPAssetID:      strings.TrimSpace(req.IPAssetID),
		LicenseTermsID: strings.TrimSpace(req.LicenseTermsID),
		ChapterMap:     chapters,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.store.SaveBook(book); err != nil {
		return domain.Book{}, fmt.Errorf("save branch: %w", err)
	}
	return book, nil
}

// PublishChapter stores chapter content and records it on the book's chapter
// map. Derivative books cannot publish over chapters they inherit.
func (a *App) PublishChapter(bookID string, chapterNumber int, filename string, r io.Reader, size int64) (domain.Book, error) {
	if chapterNumber < 1 {
		return domain.Book{}, validationErrorf("chapter number must be >= 1")
	}
	book, exists, err := a.store.GetBook(strings.ToLower(bookID))
	if err != nil {
		return domain.Book{}, err
	}
	if !exists {
		return domain.Book{}, ErrBookNotFound
	}
	if book.IsDerivative() {
		branchChapter, err := domain.ParseBranchPoint(book.BranchPoint)
		if err == nil && chapterNumber <= branchChapter {
			return domain.Book{}, ErrInheritedChapter
		}
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := a.allowedExts[ext]; !ok {
		return domain.Book{}, validationErrorf("unsupported file type %q", ext)
	}
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	chapterKey := domain.ChapterKey(chapterNumber)
	storageKey := path.Join("books", book.ID, chapterKey+ext)
	if err := a.objects.Put(context.Background(), storageKey, r, size, contentType); err != nil {
		return domain.Book{}, fmt.Errorf("save chapter content: %w", err)
	}
	if err := a.store.SetChapter(book.ID, chapterKey, storageKey); err != nil {
		_ = a.objects.Delete(context.Background(), storageKey)
		return domain.Book{}, fmt.Errorf("record chapter: %w", err)
	}
	book.ChapterMap[chapterKey] = storageKey
	return book, nil
}

// GetBook retrieves a book by ID.
func (a *App) GetBook(id string) (domain.Book, bool, error) {
	return a.store.GetBook(strings.ToLower(id))
}

// ListBooks returns all books, optionally filtered by author address.
func (a *App) ListBooks(authorAddress string) ([]domain.Book, error) {
	authorAddress = strings.ToLower(strings.TrimSpace(authorAddress))
	if authorAddress == "" {
		return a.store.ListBooks()
	}
	return a.store.ListBooksByAuthor(authorAddress)
}

func validateBookKey(authorAddress, slug string) (string, string, error) {
	authorAddress = strings.TrimSpace(authorAddress)
	if !common.IsHexAddress(authorAddress) {
		return "", "", validationErrorf("invalid author address %q", authorAddress)
	}
	slug = strings.TrimSpace(slug)
	if !slugPattern.MatchString(slug) {
		return "", "", validationErrorf("invalid slug %q (lowercase letters, digits and dashes)", slug)
	}
	return strings.ToLower(authorAddress), slug, nil
}
