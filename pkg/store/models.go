package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"storyhouse/pkg/domain"
)

// GORM models used for persistence.
type BookModel struct {
	ID             string `gorm:"primaryKey"`
	AuthorAddress  string `gorm:"not null;index"`
	Slug           string `gorm:"not null"`
	Title          string `gorm:"not null"`
	IsRemixable    bool   `gorm:"not null"`
	ParentBookID   string `gorm:"index"`
	BranchPoint    string
	IPAssetID      string
	LicenseTermsID string
	ChapterMap     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt      time.Time      `gorm:"not null"`
	UpdatedAt      time.Time      `gorm:"not null"`
}

type UnlockRecordModel struct {
	UserAddress     string `gorm:"primaryKey;size:64"`
	BookID          string `gorm:"primaryKey;size:256"`
	ChapterNumber   int    `gorm:"primaryKey"`
	IsFree          bool   `gorm:"not null"`
	TransactionHash string `gorm:"size:80"`
	LicenseTokenID  string
	UnlockedAt      time.Time `gorm:"not null"`
}

func bookToModel(b domain.Book) BookModel {
	var chapters datatypes.JSON
	if len(b.ChapterMap) > 0 {
		if data, err := json.Marshal(b.ChapterMap); err == nil {
			chapters = data
		}
	}
	return BookModel{
		ID:             b.ID,
		AuthorAddress:  b.AuthorAddress,
		Slug:           b.Slug,
		Title:          b.Title,
		IsRemixable:    b.IsRemixable,
		ParentBookID:   b.ParentBookID,
		BranchPoint:    b.BranchPoint,
		IPAssetID:      b.IPAssetID,
		LicenseTermsID: b.LicenseTermsID,
		ChapterMap:     chapters,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	chapters := map[string]string{}
	if len(m.ChapterMap) > 0 {
		_ = json.Unmarshal(m.ChapterMap, &chapters)
	}
	return domain.Book{
		ID:             m.ID,
		AuthorAddress:  m.AuthorAddress,
		Slug:           m.Slug,
		Title:          m.Title,
		IsRemixable:    m.IsRemixable,
		ParentBookID:   m.ParentBookID,
		BranchPoint:    m.BranchPoint,
		IPAssetID:      m.IPAssetID,
		LicenseTermsID: m.LicenseTermsID,
		ChapterMap:     chapters,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func unlockToModel(r domain.UnlockRecord) UnlockRecordModel {
	return UnlockRecordModel{
		UserAddress:     r.UserAddress,
		BookID:          r.BookID,
		ChapterNumber:   r.ChapterNumber,
		IsFree:          r.IsFree,
		TransactionHash: r.TransactionHash,
		LicenseTokenID:  r.LicenseTokenID,
		UnlockedAt:      r.UnlockedAt,
	}
}

func unlockFromModel(m UnlockRecordModel) domain.UnlockRecord {
	return domain.UnlockRecord{
		UserAddress:     m.UserAddress,
		BookID:          m.BookID,
		ChapterNumber:   m.ChapterNumber,
		IsFree:          m.IsFree,
		TransactionHash: m.TransactionHash,
		LicenseTokenID:  m.LicenseTokenID,
		UnlockedAt:      m.UnlockedAt,
	}
}
