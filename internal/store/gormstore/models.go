package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditRecord mirrors the credit_records table.
type CreditRecord struct {
	RecordID               string    `gorm:"type:uuid;primaryKey"`
	UserID                 string    `gorm:"not null;index:uniq_credit_records_user,unique"`
	FreeCredits            int64     `gorm:"not null"`
	FreeCreditsResetPeriod string    `gorm:"not null"`
	PurchasedCredits       int64     `gorm:"not null"`
	Version                int64     `gorm:"not null"`
	UpdatedAt              time.Time `gorm:"not null"`
}

func (CreditRecord) TableName() string { return "credit_records" }

func (record *CreditRecord) BeforeCreate(tx *gorm.DB) error {
	if record.RecordID == "" {
		record.RecordID = uuid.NewString()
	}
	return nil
}

// PurchaseReceipt mirrors the purchase_receipts table.
type PurchaseReceipt struct {
	ReceiptID string         `gorm:"type:uuid;primaryKey"`
	EventID   string         `gorm:"not null;index:uniq_purchase_receipts_event,unique"`
	UserID    string         `gorm:"not null;index:idx_purchase_receipts_user_created,priority:1"`
	Credits   int64          `gorm:"not null"`
	Metadata  datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null;index:idx_purchase_receipts_user_created,priority:2"`
}

func (PurchaseReceipt) TableName() string { return "purchase_receipts" }

func (receipt *PurchaseReceipt) BeforeCreate(tx *gorm.DB) error {
	if receipt.ReceiptID == "" {
		receipt.ReceiptID = uuid.NewString()
	}
	return nil
}
