package store

import (
	"sort"
	"sync"

	"storyhouse/pkg/domain"
)

type unlockKey struct {
	user    string
	book    string
	chapter int
}

// MemoryStore keeps books and unlock records in-process. It is used by tests
// and local development; the insert-if-absent semantics match GormStore.
type MemoryStore struct {
	mu      sync.RWMutex
	books   map[string]domain.Book
	order   []string
	unlocks map[unlockKey]domain.UnlockRecord
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:   make(map[string]domain.Book),
		unlocks: make(map[unlockKey]domain.UnlockRecord),
	}
}

// SaveBook stores or replaces a book record and tracks insertion order.
func (m *MemoryStore) SaveBook(b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.books[b.ID]; !exists {
		m.order = append(m.order, b.ID)
	}
	m.books[b.ID] = b
	return nil
}

// GetBook retrieves a book by ID.
func (m *MemoryStore) GetBook(id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	return b, ok, nil
}

// ListBooks returns books in insertion order.
func (m *MemoryStore) ListBooks() ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Book, 0, len(m.order))
	for _, id := range m.order {
		if b, ok := m.books[id]; ok {
			res = append(res, b)
		}
	}
	return res, nil
}

// ListBooksByAuthor returns books filtered by author address.
func (m *MemoryStore) ListBooksByAuthor(authorAddress string) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Book, 0, len(m.order))
	for _, id := range m.order {
		if b, ok := m.books[id]; ok && b.AuthorAddress == authorAddress {
			res = append(res, b)
		}
	}
	return res, nil
}

// SetChapter records a chapter storage key on the book's chapter map.
func (m *MemoryStore) SetChapter(bookID, chapterKey, storageKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[bookID]
	if !ok {
		return nil
	}
	chapters := make(map[string]string, len(b.ChapterMap)+1)
	for k, v := range b.ChapterMap {
		chapters[k] = v
	}
	chapters[chapterKey] = storageKey
	b.ChapterMap = chapters
	m.books[bookID] = b
	return nil
}

// InsertUnlockRecord inserts if absent and reports whether this call created
// the record.
func (m *MemoryStore) InsertUnlockRecord(r domain.UnlockRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := unlockKey{user: r.UserAddress, book: r.BookID, chapter: r.ChapterNumber}
	if _, exists := m.unlocks[key]; exists {
		return false, nil
	}
	m.unlocks[key] = r
	return true, nil
}

// GetUnlockRecord retrieves one unlock record.
func (m *MemoryStore) GetUnlockRecord(userAddress, bookID string, chapterNumber int) (domain.UnlockRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.unlocks[unlockKey{user: userAddress, book: bookID, chapter: chapterNumber}]
	return r, ok, nil
}

// HasUnlocked reports whether an unlock record exists for the key.
func (m *MemoryStore) HasUnlocked(userAddress, bookID string, chapterNumber int) (bool, error) {
	_, ok, err := m.GetUnlockRecord(userAddress, bookID, chapterNumber)
	return ok, err
}

// ListUnlocksByUser returns a user's unlock records ordered by unlock time,
// matching the GormStore query.
func (m *MemoryStore) ListUnlocksByUser(userAddress string) ([]domain.UnlockRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.UnlockRecord, 0)
	for key, r := range m.unlocks {
		if key.user == userAddress {
			res = append(res, r)
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].UnlockedAt.Before(res[j].UnlockedAt) })
	return res, nil
}

// ListPaidUnlocks returns every record backed by a payment proof.
func (m *MemoryStore) ListPaidUnlocks() ([]domain.UnlockRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.UnlockRecord, 0)
	for _, r := range m.unlocks {
		if !r.IsFree {
			res = append(res, r)
		}
	}
	return res, nil
}
