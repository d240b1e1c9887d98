package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riseforgood/credits/pkg/credits"
)

const (
	constraintRecordUser   = "uniq_credit_records_user"
	constraintReceiptEvent = "uniq_purchase_receipts_event"
	pgUniqueViolationCode  = "23505"
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

	sqlSelectRecord = `
		select user_id, free_credits, free_credits_reset_period, purchased_credits, version, updated_at
		from credit_records
		where user_id = $1
	`

	sqlInsertRecord = `
		insert into credit_records(
			record_id, user_id, free_credits, free_credits_reset_period, purchased_credits, version, updated_at
		)
		values (gen_random_uuid(), $1, $2, $3, $4, 1, now())
		returning version, updated_at
	`

	sqlUpdateRecord = `
		update credit_records
		set free_credits = $3,
			free_credits_reset_period = $4,
			purchased_credits = $5,
			version = $2 + 1,
			updated_at = now()
		where user_id = $1 and version = $2
		returning version, updated_at
	`

	sqlInsertReceipt = `
		insert into purchase_receipts(receipt_id, event_id, user_id, credits, metadata, created_at)
		values (gen_random_uuid(), $1, $2, $3, coalesce(nullif($4,''),'{}')::jsonb, $5)
	`

	sqlListReceipts = `
		select event_id, user_id, credits, coalesce(metadata::text,'{}'), created_at
		from purchase_receipts
		where user_id = $1
		order by created_at desc
		limit nullif($2, 0)
	`
)

// Store implements credits.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) FindRecord(ctx context.Context, userID string) (credits.CreditRecord, error) {
	var record credits.CreditRecord
	err := store.pool.QueryRow(ctx, sqlSelectRecord, userID).Scan(
		&record.UserID,
		&record.FreeCredits,
		&record.FreeCreditsResetPeriod,
		&record.PurchasedCredits,
		&record.Version,
		&record.LastUpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.CreditRecord{}, wrapStoreError(errorSubjectRecord, errorCodeGet, credits.ErrRecordNotFound)
		}
		return credits.CreditRecord{}, wrapStorageError(errorSubjectRecord, errorCodeGet, err)
	}
	return record, nil
}

func (store *Store) CreateRecord(ctx context.Context, record credits.CreditRecord) (credits.CreditRecord, error) {
	err := store.pool.QueryRow(ctx, sqlInsertRecord,
		record.UserID,
		record.FreeCredits,
		record.FreeCreditsResetPeriod,
		record.PurchasedCredits,
	).Scan(&record.Version, &record.LastUpdatedAt)
	if isUniqueViolation(err, constraintRecordUser) {
		return credits.CreditRecord{}, wrapStoreError(errorSubjectRecord, errorCodeDuplicate, credits.ErrRecordExists)
	}
	if err != nil {
		return credits.CreditRecord{}, wrapStorageError(errorSubjectRecord, errorCodeCreate, err)
	}
	return record, nil
}

func (store *Store) UpdateRecord(ctx context.Context, record credits.CreditRecord, expectedVersion int64) (credits.CreditRecord, error) {
	err := store.pool.QueryRow(ctx, sqlUpdateRecord,
		record.UserID,
		expectedVersion,
		record.FreeCredits,
		record.FreeCreditsResetPeriod,
		record.PurchasedCredits,
	).Scan(&record.Version, &record.LastUpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.CreditRecord{}, wrapStoreError(errorSubjectRecord, errorCodeConflict, credits.ErrVersionConflict)
		}
		return credits.CreditRecord{}, wrapStorageError(errorSubjectRecord, errorCodeUpdate, err)
	}
	return record, nil
}

func (store *Store) InsertReceipt(ctx context.Context, receipt credits.PurchaseReceipt) error {
	createdAt := receipt.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := store.pool.Exec(ctx, sqlInsertReceipt,
		receipt.EventID,
		receipt.UserID,
		receipt.Credits,
		receipt.MetadataJSON,
		createdAt,
	)
	if isUniqueViolation(err, constraintReceiptEvent) {
		return wrapStoreError(errorSubjectReceipt, errorCodeDuplicate, credits.ErrDuplicatePurchase)
	}
	if err != nil {
		return wrapStorageError(errorSubjectReceipt, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListReceipts(ctx context.Context, userID string, limit int) ([]credits.PurchaseReceipt, error) {
	if limit < 0 {
		limit = 0
	}
	rows, err := store.pool.Query(ctx, sqlListReceipts, userID, limit)
	if err != nil {
		return nil, wrapStorageError(errorSubjectReceipt, errorCodeList, err)
	}
	defer rows.Close()

	receipts := make([]credits.PurchaseReceipt, 0, limit)
	for rows.Next() {
		var receipt credits.PurchaseReceipt
		if err := rows.Scan(
			&receipt.EventID,
			&receipt.UserID,
			&receipt.Credits,
			&receipt.MetadataJSON,
			&receipt.CreatedAt,
		); err != nil {
			return nil, wrapStorageError(errorSubjectReceipt, errorCodeList, err)
		}
		receipts = append(receipts, receipt)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorageError(errorSubjectReceipt, errorCodeList, err)
	}
	return receipts, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func wrapStorageError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, fmt.Errorf("%w: %v", credits.ErrStorageUnavailable, err))
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	return false
}
