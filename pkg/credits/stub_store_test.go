package credits

import (
	"context"
	"testing"
	"time"
)

// stubStore is an in-memory Store with injectable failures.
type stubStore struct {
	records  map[string]CreditRecord
	receipts []PurchaseReceipt

	findError          error
	createError        error
	updateError        error
	insertReceiptError error
	listReceiptsError  error

	// conflictsRemaining forces that many version conflicts before updates succeed.
	conflictsRemaining int

	createCalls int
	updateCalls int
}

func newStubStore() *stubStore {
	return &stubStore{records: map[string]CreditRecord{}}
}

func (store *stubStore) FindRecord(_ context.Context, userID string) (CreditRecord, error) {
	if store.findError != nil {
		return CreditRecord{}, store.findError
	}
	record, ok := store.records[userID]
	if !ok {
		return CreditRecord{}, ErrRecordNotFound
	}
	return record, nil
}

func (store *stubStore) CreateRecord(_ context.Context, record CreditRecord) (CreditRecord, error) {
	store.createCalls++
	if store.createError != nil {
		return CreditRecord{}, store.createError
	}
	if _, ok := store.records[record.UserID]; ok {
		return CreditRecord{}, ErrRecordExists
	}
	record.Version = 1
	store.records[record.UserID] = record
	return record, nil
}

func (store *stubStore) UpdateRecord(_ context.Context, record CreditRecord, expectedVersion int64) (CreditRecord, error) {
	store.updateCalls++
	if store.updateError != nil {
		return CreditRecord{}, store.updateError
	}
	if store.conflictsRemaining > 0 {
		store.conflictsRemaining--
		return CreditRecord{}, ErrVersionConflict
	}
	current, ok := store.records[record.UserID]
	if !ok || current.Version != expectedVersion {
		return CreditRecord{}, ErrVersionConflict
	}
	record.Version = expectedVersion + 1
	store.records[record.UserID] = record
	return record, nil
}

func (store *stubStore) InsertReceipt(_ context.Context, receipt PurchaseReceipt) error {
	if store.insertReceiptError != nil {
		return store.insertReceiptError
	}
	for _, existing := range store.receipts {
		if existing.EventID == receipt.EventID {
			return ErrDuplicatePurchase
		}
	}
	store.receipts = append(store.receipts, receipt)
	return nil
}

func (store *stubStore) ListReceipts(_ context.Context, userID string, limit int) ([]PurchaseReceipt, error) {
	if store.listReceiptsError != nil {
		return nil, store.listReceiptsError
	}
	matched := make([]PurchaseReceipt, 0, len(store.receipts))
	for index := len(store.receipts) - 1; index >= 0; index-- {
		if store.receipts[index].UserID != userID {
			continue
		}
		matched = append(matched, store.receipts[index])
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func (store *stubStore) mustRecord(test *testing.T, userID string) CreditRecord {
	test.Helper()
	record, ok := store.records[userID]
	if !ok {
		test.Fatalf("expected record for %s", userID)
	}
	return record
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustNewService(test *testing.T, store Store, now func() time.Time, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, now, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func clockAt(year int, month time.Month) func() time.Time {
	return func() time.Time {
		return time.Date(year, month, 15, 12, 0, 0, 0, time.UTC)
	}
}
