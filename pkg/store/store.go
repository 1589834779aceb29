package store

import (
	"storyhouse/pkg/domain"
)

// Store defines persistence operations for books and unlock records.
type Store interface {
	// books
	SaveBook(domain.Book) error
	GetBook(id string) (domain.Book, bool, error)
	ListBooks() ([]domain.Book, error)
	ListBooksByAuthor(authorAddress string) ([]domain.Book, error)
	SetChapter(bookID, chapterKey, storageKey string) error

	// unlock records
	//
	// InsertUnlockRecord is insert-if-absent on the composite key
	// (userAddress, bookId, chapterNumber). It returns true when this call
	// created the record and false when one already existed; the existing
	// record is never overwritten, which is what guarantees at most one
	// effective unlock write per key under concurrent requests.
	InsertUnlockRecord(domain.UnlockRecord) (bool, error)
	GetUnlockRecord(userAddress, bookID string, chapterNumber int) (domain.UnlockRecord, bool, error)
	HasUnlocked(userAddress, bookID string, chapterNumber int) (bool, error)
	ListUnlocksByUser(userAddress string) ([]domain.UnlockRecord, error)
	ListPaidUnlocks() ([]domain.UnlockRecord, error)
}
