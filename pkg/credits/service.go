package credits

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service contains the credit accounting logic over a Store.
type Service struct {
	store  Store
	nowFn  func() time.Time
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the caller's credit balance, lazily creating the record and
// applying the monthly rollover. The rollover is persisted only when the
// stored period token is stale; a current record is returned without a write.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	if userID.IsZero() {
		return Balance{}, ErrUnauthenticated
	}
	var conflictErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		record, err := service.loadOrCreate(ctx, userID)
		if err != nil {
			return Balance{}, err
		}
		rolled, changed := applyRollover(record, service.currentPeriod())
		if !changed {
			return balanceOf(record), nil
		}
		updated, err := service.store.UpdateRecord(ctx, rolled, record.Version)
		if errors.Is(err, ErrVersionConflict) {
			conflictErr = err
			continue
		}
		if err != nil {
			return Balance{}, err
		}
		return balanceOf(updated), nil
	}
	return Balance{}, conflictErr
}

// Consume debits one credit, purchased credits first, then free credits.
// Fails with ErrCreditsExhausted, leaving the stored record untouched, when
// both pools are empty for the current period.
func (service *Service) Consume(ctx context.Context, userID UserID) (Balance, error) {
	balance, operationError := service.consumeOne(ctx, userID)
	service.logOperation(ctx, OperationLog{
		Operation: operationConsume,
		UserID:    userID,
		Credits:   1,
		Error:     operationError,
	})
	return balance, operationError
}

func (service *Service) consumeOne(ctx context.Context, userID UserID) (Balance, error) {
	if userID.IsZero() {
		return Balance{}, ErrUnauthenticated
	}
	var conflictErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		record, err := service.loadOrCreate(ctx, userID)
		if err != nil {
			return Balance{}, err
		}
		rolled, _ := applyRollover(record, service.currentPeriod())
		switch {
		case rolled.PurchasedCredits > 0:
			rolled.PurchasedCredits--
		case rolled.FreeCredits > 0:
			rolled.FreeCredits--
		default:
			return Balance{}, ErrCreditsExhausted
		}
		updated, err := service.store.UpdateRecord(ctx, rolled, record.Version)
		if errors.Is(err, ErrVersionConflict) {
			conflictErr = err
			continue
		}
		if err != nil {
			return Balance{}, err
		}
		return balanceOf(updated), nil
	}
	return Balance{}, conflictErr
}

// loadOrCreate fetches the record for userID, creating a fresh one with the
// full free allotment on first access. Losing a concurrent create race falls
// back to the winner's record.
func (service *Service) loadOrCreate(ctx context.Context, userID UserID) (CreditRecord, error) {
	record, err := service.store.FindRecord(ctx, userID.String())
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return CreditRecord{}, err
	}
	created, createErr := service.store.CreateRecord(ctx, CreditRecord{
		UserID:                 userID.String(),
		FreeCredits:            MaxFreeCreditsPerPeriod,
		FreeCreditsResetPeriod: service.currentPeriod(),
		PurchasedCredits:       0,
	})
	if createErr == nil {
		return created, nil
	}
	if errors.Is(createErr, ErrRecordExists) {
		return service.store.FindRecord(ctx, userID.String())
	}
	return CreditRecord{}, createErr
}

// applyRollover resets the free allotment when the stored period token is
// stale. Purchased credits are never touched by rollover.
func applyRollover(record CreditRecord, period string) (CreditRecord, bool) {
	if record.FreeCreditsResetPeriod == period {
		return record, false
	}
	record.FreeCredits = MaxFreeCreditsPerPeriod
	record.FreeCreditsResetPeriod = period
	return record, true
}

func (service *Service) currentPeriod() string {
	return PeriodOf(service.nowFn())
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
