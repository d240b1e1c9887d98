package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UserID identifies a credit record owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the identifier carries no value.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// CreditRecord is the per-user accounting state for image-generation credits.
type CreditRecord struct {
	UserID                 string
	FreeCredits            int64
	FreeCreditsResetPeriod string
	PurchasedCredits       int64
	Version                int64
	LastUpdatedAt          time.Time
}

// Total returns free plus purchased credits.
func (record CreditRecord) Total() int64 {
	return record.FreeCredits + record.PurchasedCredits
}

// Balance is the caller-facing view of a credit record.
type Balance struct {
	FreeCredits      int64
	PurchasedCredits int64
	ResetPeriod      string
}

// Total returns free plus purchased credits.
func (balance Balance) Total() int64 {
	return balance.FreeCredits + balance.PurchasedCredits
}

func balanceOf(record CreditRecord) Balance {
	return Balance{
		FreeCredits:      record.FreeCredits,
		PurchasedCredits: record.PurchasedCredits,
		ResetPeriod:      record.FreeCreditsResetPeriod,
	}
}

// PurchaseReceipt records one processed payment-provider event.
type PurchaseReceipt struct {
	EventID      string
	UserID       string
	Credits      int64
	MetadataJSON string
	CreatedAt    time.Time
}

// PeriodOf formats a wall-clock instant as a "YYYY-MM" period token.
func PeriodOf(instant time.Time) string {
	return instant.UTC().Format(periodLayout)
}

// NormalizeMetadataJSON validates metadata, defaulting to "{}" for empty inputs.
func NormalizeMetadataJSON(raw string) (string, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return "", fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return normalized, nil
}

// Store is the persistence contract used by Service.
// Implementations map driver failures to the sentinel errors in errors.go;
// anything else is wrapped around ErrStorageUnavailable.
type Store interface {
	FindRecord(ctx context.Context, userID string) (CreditRecord, error)
	CreateRecord(ctx context.Context, record CreditRecord) (CreditRecord, error)
	UpdateRecord(ctx context.Context, record CreditRecord, expectedVersion int64) (CreditRecord, error)
	InsertReceipt(ctx context.Context, receipt PurchaseReceipt) error
	ListReceipts(ctx context.Context, userID string, limit int) ([]PurchaseReceipt, error)
}
