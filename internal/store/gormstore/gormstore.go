package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/riseforgood/credits/pkg/credits"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	constraintRecordUser   = "uniq_credit_records_user"
	constraintReceiptEvent = "uniq_purchase_receipts_event"
	defaultMetadataJSON    = "{}"
	pgUniqueViolationCode  = "23505"
	sqliteConstraintCode   = 19
	errorOperationStore    = "store"
	errorSubjectRecord     = "record"
	errorSubjectReceipt    = "receipt"
	errorCodeCreate        = "create"
	errorCodeDuplicate     = "duplicate"
	errorCodeGet           = "get"
	errorCodeInsert        = "insert"
	errorCodeList          = "list"
	errorCodeUpdate        = "update"
	errorCodeConflict      = "conflict"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the credit tables. Used for sqlite deployments and tests;
// Postgres schemas are managed externally.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&CreditRecord{}, &PurchaseReceipt{})
}

func (store *Store) FindRecord(ctx context.Context, userID string) (credits.CreditRecord, error) {
	var model CreditRecord
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.CreditRecord{}, wrapStoreError(errorSubjectRecord, errorCodeGet, credits.ErrRecordNotFound)
		}
		return credits.CreditRecord{}, wrapStorageError(errorSubjectRecord, errorCodeGet, err)
	}
	return mapCreditRecord(model), nil
}

func (store *Store) CreateRecord(ctx context.Context, record credits.CreditRecord) (credits.CreditRecord, error) {
	model := CreditRecord{
		UserID:                 record.UserID,
		FreeCredits:            record.FreeCredits,
		FreeCreditsResetPeriod: record.FreeCreditsResetPeriod,
		PurchasedCredits:       record.PurchasedCredits,
		Version:                1,
		UpdatedAt:              time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintRecordUser) {
		return credits.CreditRecord{}, wrapStoreError(errorSubjectRecord, errorCodeDuplicate, credits.ErrRecordExists)
	}
	if err != nil {
		return credits.CreditRecord{}, wrapStorageError(errorSubjectRecord, errorCodeCreate, err)
	}
	return mapCreditRecord(model), nil
}

func (store *Store) UpdateRecord(ctx context.Context, record credits.CreditRecord, expectedVersion int64) (credits.CreditRecord, error) {
	updatedAt := time.Now().UTC()
	result := store.db.WithContext(ctx).
		Model(&CreditRecord{}).
		Where("user_id = ? AND version = ?", record.UserID, expectedVersion).
		Updates(map[string]interface{}{
			"free_credits":              record.FreeCredits,
			"free_credits_reset_period": record.FreeCreditsResetPeriod,
			"purchased_credits":         record.PurchasedCredits,
			"version":                   expectedVersion + 1,
			"updated_at":                updatedAt,
		})
	if result.Error != nil {
		return credits.CreditRecord{}, wrapStorageError(errorSubjectRecord, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return credits.CreditRecord{}, wrapStoreError(errorSubjectRecord, errorCodeConflict, credits.ErrVersionConflict)
	}
	record.Version = expectedVersion + 1
	record.LastUpdatedAt = updatedAt
	return record, nil
}

func (store *Store) InsertReceipt(ctx context.Context, receipt credits.PurchaseReceipt) error {
	model := PurchaseReceipt{
		EventID:   receipt.EventID,
		UserID:    receipt.UserID,
		Credits:   receipt.Credits,
		Metadata:  datatypesJSON(receipt.MetadataJSON),
		CreatedAt: receipt.CreatedAt,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintReceiptEvent) {
		return wrapStoreError(errorSubjectReceipt, errorCodeDuplicate, credits.ErrDuplicatePurchase)
	}
	if err != nil {
		return wrapStorageError(errorSubjectReceipt, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListReceipts(ctx context.Context, userID string, limit int) ([]credits.PurchaseReceipt, error) {
	var rows []PurchaseReceipt
	query := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStorageError(errorSubjectReceipt, errorCodeList, err)
	}
	receipts := make([]credits.PurchaseReceipt, 0, len(rows))
	for _, row := range rows {
		receipts = append(receipts, credits.PurchaseReceipt{
			EventID:      row.EventID,
			UserID:       row.UserID,
			Credits:      row.Credits,
			MetadataJSON: string(row.Metadata),
			CreatedAt:    row.CreatedAt,
		})
	}
	return receipts, nil
}

func mapCreditRecord(model CreditRecord) credits.CreditRecord {
	return credits.CreditRecord{
		UserID:                 model.UserID,
		FreeCredits:            model.FreeCredits,
		FreeCreditsResetPeriod: model.FreeCreditsResetPeriod,
		PurchasedCredits:       model.PurchasedCredits,
		Version:                model.Version,
		LastUpdatedAt:          model.UpdatedAt,
	}
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func wrapStorageError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, fmt.Errorf("%w: %v", credits.ErrStorageUnavailable, err))
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
