package credits

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBalanceCreatesRecordOnFirstAccess(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, clockAt(2024, time.June))
	userID := mustUserID(test, "user-new")

	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Total() != MaxFreeCreditsPerPeriod {
		test.Fatalf("expected total %d, got %d", MaxFreeCreditsPerPeriod, balance.Total())
	}
	record := store.mustRecord(test, "user-new")
	if record.FreeCredits != MaxFreeCreditsPerPeriod || record.PurchasedCredits != 0 {
		test.Fatalf("unexpected fresh record: %+v", record)
	}
	if record.FreeCreditsResetPeriod != "2024-06" {
		test.Fatalf("expected period 2024-06, got %s", record.FreeCreditsResetPeriod)
	}
}

func TestBalanceRolloverIsIdempotent(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.records["user-stale"] = CreditRecord{
		UserID:                 "user-stale",
		FreeCredits:            2,
		FreeCreditsResetPeriod: "2024-05",
		PurchasedCredits:       0,
		Version:                1,
	}
	service := mustNewService(test, store, clockAt(2024, time.June))
	userID := mustUserID(test, "user-stale")

	first, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("first balance: %v", err)
	}
	if first.FreeCredits != MaxFreeCreditsPerPeriod {
		test.Fatalf("expected free credits reset to %d, got %d", MaxFreeCreditsPerPeriod, first.FreeCredits)
	}
	writesAfterFirst := store.updateCalls

	second, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("second balance: %v", err)
	}
	if second != first {
		test.Fatalf("expected identical balances, got %+v then %+v", first, second)
	}
	if store.updateCalls != writesAfterFirst {
		test.Fatalf("second balance performed %d extra writes", store.updateCalls-writesAfterFirst)
	}
}

func TestBalanceRolloverPreservesPurchasedCredits(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.records["user-paid"] = CreditRecord{
		UserID:                 "user-paid",
		FreeCredits:            0,
		FreeCreditsResetPeriod: "2024-01",
		PurchasedCredits:       7,
		Version:                3,
	}
	service := mustNewService(test, store, clockAt(2024, time.June))

	balance, err := service.Balance(context.Background(), mustUserID(test, "user-paid"))
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.PurchasedCredits != 7 {
		test.Fatalf("rollover changed purchased credits: %+v", balance)
	}
	if balance.FreeCredits != MaxFreeCreditsPerPeriod {
		test.Fatalf("expected free credits %d, got %d", MaxFreeCreditsPerPeriod, balance.FreeCredits)
	}
}

func TestConsumePrefersPurchasedCredits(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.records["user-mixed"] = CreditRecord{
		UserID:                 "user-mixed",
		FreeCredits:            5,
		FreeCreditsResetPeriod: "2024-06",
		PurchasedCredits:       3,
		Version:                1,
	}
	service := mustNewService(test, store, clockAt(2024, time.June))
	userID := mustUserID(test, "user-mixed")

	balance, err := service.Consume(context.Background(), userID)
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if balance.PurchasedCredits != 2 || balance.FreeCredits != 5 {
		test.Fatalf("expected purchased=2 free=5, got %+v", balance)
	}

	// Drain the remaining purchased credits, then the free pool takes over.
	for remaining := int64(1); remaining >= 0; remaining-- {
		balance, err = service.Consume(context.Background(), userID)
		if err != nil {
			test.Fatalf("consume: %v", err)
		}
		if balance.PurchasedCredits != remaining {
			test.Fatalf("expected purchased=%d, got %+v", remaining, balance)
		}
	}
	balance, err = service.Consume(context.Background(), userID)
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if balance.PurchasedCredits != 0 || balance.FreeCredits != 4 {
		test.Fatalf("expected purchased=0 free=4, got %+v", balance)
	}
}

func TestConsumeExhaustedLeavesRecordUnchanged(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.records["user-empty"] = CreditRecord{
		UserID:                 "user-empty",
		FreeCredits:            0,
		FreeCreditsResetPeriod: "2024-06",
		PurchasedCredits:       0,
		Version:                9,
	}
	service := mustNewService(test, store, clockAt(2024, time.June))

	_, err := service.Consume(context.Background(), mustUserID(test, "user-empty"))
	if !errors.Is(err, ErrCreditsExhausted) {
		test.Fatalf("expected ErrCreditsExhausted, got %v", err)
	}
	record := store.mustRecord(test, "user-empty")
	if record.Version != 9 || record.FreeCredits != 0 || record.PurchasedCredits != 0 {
		test.Fatalf("exhausted consume mutated record: %+v", record)
	}
	if store.updateCalls != 0 {
		test.Fatalf("exhausted consume performed %d writes", store.updateCalls)
	}
}

func TestConsumeAppliesRolloverBeforeDecrement(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.records["user-returning"] = CreditRecord{
		UserID:                 "user-returning",
		FreeCredits:            0,
		FreeCreditsResetPeriod: "2024-05",
		PurchasedCredits:       0,
		Version:                2,
	}
	service := mustNewService(test, store, clockAt(2024, time.June))

	balance, err := service.Consume(context.Background(), mustUserID(test, "user-returning"))
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if balance.FreeCredits != MaxFreeCreditsPerPeriod-1 {
		test.Fatalf("expected free credits %d, got %d", MaxFreeCreditsPerPeriod-1, balance.FreeCredits)
	}
	if balance.ResetPeriod != "2024-06" {
		test.Fatalf("expected period 2024-06, got %s", balance.ResetPeriod)
	}
}

func TestConsumeRejectsEmptyUserID(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(), clockAt(2024, time.June))

	if _, err := service.Consume(context.Background(), UserID{}); !errors.Is(err, ErrUnauthenticated) {
		test.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if _, err := service.Balance(context.Background(), UserID{}); !errors.Is(err, ErrUnauthenticated) {
		test.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestNewUserLifecycle(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, clockAt(2024, time.June))
	userID := mustUserID(test, "user-journey")

	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Total() != 10 {
		test.Fatalf("expected 10 credits, got %d", balance.Total())
	}

	for expected := int64(9); expected >= 0; expected-- {
		balance, err = service.Consume(context.Background(), userID)
		if err != nil {
			test.Fatalf("consume: %v", err)
		}
		if balance.Total() != expected {
			test.Fatalf("expected total %d, got %d", expected, balance.Total())
		}
	}
	if _, err = service.Consume(context.Background(), userID); !errors.Is(err, ErrCreditsExhausted) {
		test.Fatalf("expected ErrCreditsExhausted on 11th consume, got %v", err)
	}

	record, err := service.AddPurchasedCredits(context.Background(), userID, 15, "evt_journey_1", "")
	if err != nil {
		test.Fatalf("top-up: %v", err)
	}
	if record.PurchasedCredits != 15 || record.FreeCredits != 0 {
		test.Fatalf("expected purchased=15 free=0, got %+v", record)
	}

	balance, err = service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance after top-up: %v", err)
	}
	if balance.Total() != 15 {
		test.Fatalf("expected 15 credits, got %d", balance.Total())
	}

	balance, err = service.Consume(context.Background(), userID)
	if err != nil {
		test.Fatalf("consume after top-up: %v", err)
	}
	if balance.PurchasedCredits != 14 || balance.FreeCredits != 0 {
		test.Fatalf("expected purchased=14 free=0, got %+v", balance)
	}
}
