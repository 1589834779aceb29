package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"storyhouse/pkg/domain"
)

const migrateLockID int64 = 81258125

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&BookModel{}, &UnlockRecordModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveBook stores or updates a book.
func (s *GormStore) SaveBook(b domain.Book) error {
	model := bookToModel(b)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "is_remixable", "ip_asset_id", "license_terms_id", "chapter_map", "updated_at"}),
	}).Create(&model).Error
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// ListBooks returns all books ordered by created_at.
func (s *GormStore) ListBooks() ([]domain.Book, error) {
	return s.listBooks("created_at ASC")
}

// ListBooksByAuthor returns books filtered by author address.
func (s *GormStore) ListBooksByAuthor(authorAddress string) ([]domain.Book, error) {
	return s.listBooks("created_at ASC", "author_address = ?", authorAddress)
}

func (s *GormStore) listBooks(order string, conds ...any) ([]domain.Book, error) {
	var models []BookModel
	tx := s.db.Order(order)
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// SetChapter records the storage key for one chapter inside the book's
// chapter map. The read-modify-write runs in a transaction with a row lock
// so concurrent chapter publishes do not lose entries.
func (s *GormStore) SetChapter(bookID, chapterKey, storageKey string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var model BookModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", bookID).Error; err != nil {
			return err
		}
		chapters := map[string]string{}
		if len(model.ChapterMap) > 0 {
			if err := json.Unmarshal(model.ChapterMap, &chapters); err != nil {
				return fmt.Errorf("decode chapter map: %w", err)
			}
		}
		chapters[chapterKey] = storageKey
		data, err := json.Marshal(chapters)
		if err != nil {
			return fmt.Errorf("encode chapter map: %w", err)
		}
		return tx.Model(&BookModel{}).Where("id = ?", bookID).Updates(map[string]any{
			"chapter_map": data,
			"updated_at":  time.Now().UTC(),
		}).Error
	})
}

// InsertUnlockRecord inserts if absent, keyed by (user, book, chapter).
// ON CONFLICT DO NOTHING makes the write race-free: of any number of
// concurrent unlock calls for the same key, exactly one row is retained.
func (s *GormStore) InsertUnlockRecord(r domain.UnlockRecord) (bool, error) {
	model := unlockToModel(r)
	tx := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

// GetUnlockRecord retrieves one unlock record.
func (s *GormStore) GetUnlockRecord(userAddress, bookID string, chapterNumber int) (domain.UnlockRecord, bool, error) {
	var model UnlockRecordModel
	err := s.db.First(&model,
		"user_address = ? AND book_id = ? AND chapter_number = ?",
		userAddress, bookID, chapterNumber).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.UnlockRecord{}, false, nil
		}
		return domain.UnlockRecord{}, false, err
	}
	return unlockFromModel(model), true, nil
}

// HasUnlocked reports whether an unlock record exists for the key.
func (s *GormStore) HasUnlocked(userAddress, bookID string, chapterNumber int) (bool, error) {
	var count int64
	err := s.db.Model(&UnlockRecordModel{}).
		Where("user_address = ? AND book_id = ? AND chapter_number = ?",
			userAddress, bookID, chapterNumber).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListUnlocksByUser returns a user's unlock records ordered by unlock time.
func (s *GormStore) ListUnlocksByUser(userAddress string) ([]domain.UnlockRecord, error) {
	var models []UnlockRecordModel
	if err := s.db.Where("user_address = ?", userAddress).
		Order("unlocked_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.UnlockRecord, 0, len(models))
	for _, m := range models {
		res = append(res, unlockFromModel(m))
	}
	return res, nil
}

// ListPaidUnlocks returns every record backed by a payment proof. Used by
// the reconciliation sweep.
func (s *GormStore) ListPaidUnlocks() ([]domain.UnlockRecord, error) {
	var models []UnlockRecordModel
	if err := s.db.Where("is_free = ?", false).
		Order("unlocked_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.UnlockRecord, 0, len(models))
	for _, m := range models {
		res = append(res, unlockFromModel(m))
	}
	return res, nil
}
