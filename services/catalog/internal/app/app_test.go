package app

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"storyhouse/pkg/domain"
	"storyhouse/pkg/store"
)

type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: map[string][]byte{}}
}

func (f *fakeObjectStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeObjectStore) PresignGet(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[key]; !ok {
		return "", errors.New("object not found")
	}
	return "http://objects.local/" + key, nil
}

func (f *fakeObjectStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func newTestApp(t *testing.T) (*App, *fakeObjectStore) {
	t.Helper()
	objects := newFakeObjectStore()
	a, err := New(Config{
		Store:   store.NewMemoryStore(),
		Objects: objects,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return a, objects
}

const testAuthor = "0xABCDEF0123456789abcdef0123456789ABCDEF01"

func TestRegisterBookNormalizesAuthorAddress(t *testing.T) {
	a, _ := newTestApp(t)
	book, err := a.RegisterBook(RegisterBookRequest{
		AuthorAddress: testAuthor,
		Slug:          "the-detective",
		Title:         "The Detective",
		IsRemixable:   true,
	})
	if err != nil {
		t.Fatalf("RegisterBook() error: %v", err)
	}
	wantID := strings.ToLower(testAuthor) + "/the-detective"
	if book.ID != wantID {
		t.Fatalf("book.ID = %q, want %q", book.ID, wantID)
	}
	if book.AuthorAddress != strings.ToLower(testAuthor) {
		t.Fatalf("authorAddress not lowercased: %q", book.AuthorAddress)
	}
	if book.IsDerivative() {
		t.Fatalf("fresh book reported as derivative")
	}
}

func TestRegisterBookRejectsDuplicates(t *testing.T) {
	a, _ := newTestApp(t)
	req := RegisterBookRequest{AuthorAddress: testAuthor, Slug: "the-detective", Title: "The Detective"}
	if _, err := a.RegisterBook(req); err != nil {
		t.Fatalf("first RegisterBook() error: %v", err)
	}
	if _, err := a.RegisterBook(req); !errors.Is(err, ErrBookExists) {
		t.Fatalf("duplicate RegisterBook() error = %v, want ErrBookExists", err)
	}
}

func TestRegisterBookValidatesInput(t *testing.T) {
	a, _ := newTestApp(t)
	cases := []struct {
		name string
		req  RegisterBookRequest
	}{
		{"bad address", RegisterBookRequest{AuthorAddress: "not-an-address", Slug: "ok-slug", Title: "T"}},
		{"bad slug", RegisterBookRequest{AuthorAddress: testAuthor, Slug: "Has Spaces", Title: "T"}},
		{"empty title", RegisterBookRequest{AuthorAddress: testAuthor, Slug: "ok-slug", Title: "  "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.RegisterBook(tc.req)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("RegisterBook() error = %v, want ValidationError", err)
			}
		})
	}
}

func TestPublishChapterStoresContentAndChapterMap(t *testing.T) {
	a, objects := newTestApp(t)
	book, err := a.RegisterBook(RegisterBookRequest{AuthorAddress: testAuthor, Slug: "the-detective", Title: "The Detective"})
	if err != nil {
		t.Fatalf("RegisterBook() error: %v", err)
	}
	content := "It was a dark and stormy night."
	updated, err := a.PublishChapter(book.ID, 1, "ch1.md", strings.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("PublishChapter() error: %v", err)
	}
	key, ok := updated.ChapterMap["ch1"]
	if !ok {
		t.Fatalf("chapter map missing ch1: %v", updated.ChapterMap)
	}
	objects.mu.Lock()
	stored := string(objects.objects[key])
	objects.mu.Unlock()
	if stored != content {
		t.Fatalf("stored content = %q, want %q", stored, content)
	}

	fresh, ok, err := a.GetBook(book.ID)
	if err != nil || !ok {
		t.Fatalf("GetBook() = %v, %v", ok, err)
	}
	if fresh.ChapterMap["ch1"] != key {
		t.Fatalf("persisted chapter map = %v, want ch1 -> %q", fresh.ChapterMap, key)
	}
}

func TestPublishChapterRejectsUnsupportedExtension(t *testing.T) {
	a, _ := newTestApp(t)
	book, err := a.RegisterBook(RegisterBookRequest{AuthorAddress: testAuthor, Slug: "the-detective", Title: "The Detective"})
	if err != nil {
		t.Fatalf("RegisterBook() error: %v", err)
	}
	_, err = a.PublishChapter(book.ID, 1, "ch1.exe", strings.NewReader("x"), 1)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("PublishChapter() error = %v, want ValidationError", err)
	}
}

func TestBranchBookInheritsChaptersUpToBranchPoint(t *testing.T) {
	a, _ := newTestApp(t)
	parent, err := a.RegisterBook(RegisterBookRequest{AuthorAddress: testAuthor, Slug: "the-detective", Title: "The Detective", IsRemixable: true})
	if err != nil {
		t.Fatalf("RegisterBook() error: %v", err)
	}
	for n := 1; n <= 4; n++ {
		content := "chapter body"
		if _, err := a.PublishChapter(parent.ID, n, "ch.md", strings.NewReader(content), int64(len(content))); err != nil {
			t.Fatalf("PublishChapter(%d) error: %v", n, err)
		}
	}

	const curator = "0x1111111111111111111111111111111111111111"
	branch, err := a.BranchBook(BranchBookRequest{
		ParentBookID:  parent.ID,
		AuthorAddress: curator,
		Slug:          "the-detective-noir",
		Title:         "The Detective: Noir",
		BranchPoint:   "ch3",
	})
	if err != nil {
		t.Fatalf("BranchBook() error: %v", err)
	}
	if !branch.IsDerivative() {
		t.Fatalf("branch not marked derivative")
	}
	if branch.ParentBookID != parent.ID || branch.BranchPoint != "ch3" {
		t.Fatalf("branch lineage = %q @ %q", branch.ParentBookID, branch.BranchPoint)
	}
	if len(branch.ChapterMap) != 3 {
		t.Fatalf("inherited chapters = %d, want 3", len(branch.ChapterMap))
	}
	fresh, _, _ := a.GetBook(parent.ID)
	for n := 1; n <= 3; n++ {
		key := domain.ChapterKey(n)
		if branch.ChapterMap[key] != fresh.ChapterMap[key] {
			t.Fatalf("chapter %s not inherited by reference", key)
		}
	}
	if _, ok := branch.ChapterMap["ch4"]; ok {
		t.Fatalf("chapter beyond branch point was inherited")
	}
}

func TestBranchBookRequiresRemixableParent(t *testing.T) {
	a, _ := newTestApp(t)
	parent, err := a.RegisterBook(RegisterBookRequest{AuthorAddress: testAuthor, Slug: "locked-book", Title: "Locked", IsRemixable: false})
	if err != nil {
		t.Fatalf("RegisterBook() error: %v", err)
	}
	_, err = a.BranchBook(BranchBookRequest{
		ParentBookID:  parent.ID,
		AuthorAddress: "0x1111111111111111111111111111111111111111",
		Slug:          "locked-fork",
		Title:         "Fork",
		BranchPoint:   "ch1",
	})
	if !errors.Is(err, ErrNotRemixable) {
		t.Fatalf("BranchBook() error = %v, want ErrNotRemixable", err)
	}
}

func TestPublishChapterRejectsInheritedSlots(t *testing.T) {
	a, _ := newTestApp(t)
	parent, err := a.RegisterBook(RegisterBookRequest{AuthorAddress: testAuthor, Slug: "the-detective", Title: "The Detective", IsRemixable: true})
	if err != nil {
		t.Fatalf("RegisterBook() error: %v", err)
	}
	branch, err := a.BranchBook(BranchBookRequest{
		ParentBookID:  parent.ID,
		AuthorAddress: "0x1111111111111111111111111111111111111111",
		Slug:          "the-detective-noir",
		Title:         "Noir",
		BranchPoint:   "ch3",
	})
	if err != nil {
		t.Fatalf("BranchBook() error: %v", err)
	}
	if _, err := a.PublishChapter(branch.ID, 2, "ch2.md", strings.NewReader("x"), 1); !errors.Is(err, ErrInheritedChapter) {
		t.Fatalf("PublishChapter() error = %v, want ErrInheritedChapter", err)
	}
	if _, err := a.PublishChapter(branch.ID, 4, "ch4.md", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("PublishChapter() beyond branch point error: %v", err)
	}
}
