package credits

import (
	"context"
	"errors"
	"fmt"
)

// AddPurchasedCredits credits a completed purchase to the user's record and
// returns the persisted snapshot. The call may originate from a payment
// webhook outside any user session, so it performs the same lazy-create and
// rollover as Balance. eventID, when non-empty, deduplicates redeliveries of
// the same provider event.
func (service *Service) AddPurchasedCredits(requestContext context.Context, userID UserID, count int64, eventID string, metadataJSON string) (CreditRecord, error) {
	record, operationError := service.addPurchasedCredits(requestContext, userID, count, eventID, metadataJSON)
	service.logOperation(requestContext, OperationLog{
		Operation: operationTopUp,
		UserID:    userID,
		Credits:   count,
		EventID:   eventID,
		Error:     operationError,
	})
	return record, operationError
}

func (service *Service) addPurchasedCredits(ctx context.Context, userID UserID, count int64, eventID string, metadataJSON string) (CreditRecord, error) {
	if userID.IsZero() {
		return CreditRecord{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if count <= 0 {
		return CreditRecord{}, fmt.Errorf("%w: must be positive, got %d", ErrInvalidCreditCount, count)
	}
	metadata, err := NormalizeMetadataJSON(metadataJSON)
	if err != nil {
		return CreditRecord{}, err
	}
	if eventID != "" {
		// Receipt first: a redelivered event must never credit twice.
		receipt := PurchaseReceipt{
			EventID:      eventID,
			UserID:       userID.String(),
			Credits:      count,
			MetadataJSON: metadata,
			CreatedAt:    service.nowFn().UTC(),
		}
		if err := service.store.InsertReceipt(ctx, receipt); err != nil {
			return CreditRecord{}, err
		}
	}
	var conflictErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		record, err := service.loadOrCreate(ctx, userID)
		if err != nil {
			return CreditRecord{}, err
		}
		rolled, _ := applyRollover(record, service.currentPeriod())
		rolled.PurchasedCredits += count
		updated, err := service.store.UpdateRecord(ctx, rolled, record.Version)
		if errors.Is(err, ErrVersionConflict) {
			conflictErr = err
			continue
		}
		if err != nil {
			return CreditRecord{}, err
		}
		return updated, nil
	}
	return CreditRecord{}, conflictErr
}

// PurchaseHistory lists the user's most recent purchase receipts.
func (service *Service) PurchaseHistory(requestContext context.Context, userID UserID, limit int) ([]PurchaseReceipt, error) {
	if userID.IsZero() {
		return nil, ErrUnauthenticated
	}
	return service.store.ListReceipts(requestContext, userID.String(), limit)
}
