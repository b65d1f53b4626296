package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"channel-escrow-go/internal/models"
	"channel-escrow-go/internal/store"
)

func setupTestDB(t *testing.T) (*Service, func()) {
	t.Helper()
	service, err := NewService(context.Background(), models.DatabaseConfig{
		Path: ":memory:",
		// A :memory: database exists per connection, so the pool must stay at
		// one connection or queries see different databases.
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		PingTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	return service, service.Close
}

func TestGetBalance_NoRow(t *testing.T) {
	service, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := service.GetBalance(context.Background(), "ghost")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestEnsureBalance_Idempotent(t *testing.T) {
	service, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := service.CreateAccount(ctx, "alice"); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := service.EnsureBalance(ctx, "alice"); err != nil {
			t.Fatalf("EnsureBalance failed: %v", err)
		}
	}

	rec, err := service.GetBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if rec.Balance != 0 || rec.Version != 1 {
		t.Errorf("Expected fresh row balance=0 version=1, got balance=%d version=%d", rec.Balance, rec.Version)
	}
}

func TestUpdateBalanceCAS(t *testing.T) {
	service, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := service.CreateAccount(ctx, "alice"); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if err := service.EnsureBalance(ctx, "alice"); err != nil {
		t.Fatalf("EnsureBalance failed: %v", err)
	}

	applied, err := service.UpdateBalanceCAS(ctx, "alice", 500, "ref-1", 1)
	if err != nil {
		t.Fatalf("UpdateBalanceCAS failed: %v", err)
	}
	if !applied {
		t.Fatal("Expected first CAS at version 1 to apply")
	}

	// Same expected version again must lose: the version moved to 2.
	applied, err = service.UpdateBalanceCAS(ctx, "alice", 900, "ref-2", 1)
	if err != nil {
		t.Fatalf("UpdateBalanceCAS failed: %v", err)
	}
	if applied {
		t.Fatal("Expected stale CAS to report not applied")
	}

	rec, err := service.GetBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if rec.Balance != 500 {
		t.Errorf("Expected balance 500 after lost CAS, got %d", rec.Balance)
	}
	if rec.Version != 2 {
		t.Errorf("Expected version 2 after one mutation, got %d", rec.Version)
	}
	if rec.LastRef != "ref-1" {
		t.Errorf("Expected last_ref ref-1, got %q", rec.LastRef)
	}
}

func TestCreatePurchase_DuplicateOpenPurchase(t *testing.T) {
	service, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	deadline := time.Now().UTC().Add(24 * time.Hour)
	first := &models.Purchase{
		Id: "p1", ChannelId: "ch1", BuyerId: "alice", SellerId: "bob",
		PriceNano: 100, HeldAmountNano: 100, Status: models.PurchaseHeld,
		VerificationDeadline: deadline,
	}
	if err := service.CreatePurchase(ctx, first); err != nil {
		t.Fatalf("First CreatePurchase failed: %v", err)
	}

	second := &models.Purchase{
		Id: "p2", ChannelId: "ch1", BuyerId: "carol", SellerId: "bob",
		PriceNano: 100, HeldAmountNano: 100, Status: models.PurchaseHeld,
		VerificationDeadline: deadline,
	}
	err := service.CreatePurchase(ctx, second)
	if !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate for second open purchase on same channel, got %v", err)
	}

	// A purchase on a different channel is fine.
	third := &models.Purchase{
		Id: "p3", ChannelId: "ch2", BuyerId: "carol", SellerId: "dave",
		PriceNano: 100, HeldAmountNano: 100, Status: models.PurchaseHeld,
		VerificationDeadline: deadline,
	}
	if err := service.CreatePurchase(ctx, third); err != nil {
		t.Errorf("CreatePurchase on different channel failed: %v", err)
	}
}

func TestCreatePurchase_AllowedAfterTerminal(t *testing.T) {
	service, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	deadline := time.Now().UTC().Add(24 * time.Hour)
	first := &models.Purchase{
		Id: "p1", ChannelId: "ch1", BuyerId: "alice", SellerId: "bob",
		PriceNano: 100, HeldAmountNano: 100, Status: models.PurchaseHeld,
		VerificationDeadline: deadline,
	}
	if err := service.CreatePurchase(ctx, first); err != nil {
		t.Fatalf("CreatePurchase failed: %v", err)
	}

	first.Status = models.PurchaseRefunded
	if err := service.UpdatePurchase(ctx, first); err != nil {
		t.Fatalf("UpdatePurchase failed: %v", err)
	}

	second := &models.Purchase{
		Id: "p2", ChannelId: "ch1", BuyerId: "carol", SellerId: "bob",
		PriceNano: 100, HeldAmountNano: 100, Status: models.PurchaseHeld,
		VerificationDeadline: deadline,
	}
	if err := service.CreatePurchase(ctx, second); err != nil {
		t.Errorf("Expected new purchase after terminal status, got %v", err)
	}
}

func TestPurchaseRoundTrip(t *testing.T) {
	service, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	confirmed := time.Now().UTC().Truncate(time.Second)
	p := &models.Purchase{
		Id: "p1", ChannelId: "ch1", BuyerId: "alice", SellerId: "bob",
		PriceNano: 5_000_000_000, HeldAmountNano: 5_000_000_000,
		Status:               models.PurchaseHeld,
		VerificationToken:    "tok",
		VerificationDeadline: time.Now().UTC().Add(time.Hour),
		OriginalAssetIds:     []string{"g1", "g2"},
	}
	if err := service.CreatePurchase(ctx, p); err != nil {
		t.Fatalf("CreatePurchase failed: %v", err)
	}

	p.Status = models.PurchaseSellerConfirmed
	p.SellerConfirmedAt = &confirmed
	if err := service.UpdatePurchase(ctx, p); err != nil {
		t.Fatalf("UpdatePurchase failed: %v", err)
	}

	got, err := service.GetPurchase(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPurchase failed: %v", err)
	}
	if got.Status != models.PurchaseSellerConfirmed {
		t.Errorf("Expected SELLER_CONFIRMED, got %s", got.Status)
	}
	if got.SellerConfirmedAt == nil || !got.SellerConfirmedAt.Equal(confirmed) {
		t.Errorf("Expected seller_confirmed_at %v, got %v", confirmed, got.SellerConfirmedAt)
	}
	if len(got.OriginalAssetIds) != 2 || got.OriginalAssetIds[0] != "g1" {
		t.Errorf("Expected asset snapshot [g1 g2], got %v", got.OriginalAssetIds)
	}
}

func TestTransitionPurchase_StatusFence(t *testing.T) {
	service, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	p := &models.Purchase{
		Id: "p1", ChannelId: "ch1", BuyerId: "alice", SellerId: "bob",
		PriceNano: 100, HeldAmountNano: 100, Status: models.PurchaseHeld,
		VerificationDeadline: time.Now().UTC().Add(time.Hour),
	}
	if err := service.CreatePurchase(ctx, p); err != nil {
		t.Fatalf("CreatePurchase failed: %v", err)
	}

	p.Status = models.PurchaseSellerConfirmed
	if err := service.TransitionPurchase(ctx, p, models.PurchaseHeld); err != nil {
		t.Fatalf("TransitionPurchase from HELD failed: %v", err)
	}

	// A second writer that also read HELD must lose the fence.
	stale := *p
	stale.Status = models.PurchaseRefunded
	err := service.TransitionPurchase(ctx, &stale, models.PurchaseHeld)
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Errorf("Expected ErrConcurrentModification for stale transition, got %v", err)
	}

	got, err := service.GetPurchase(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPurchase failed: %v", err)
	}
	if got.Status != models.PurchaseSellerConfirmed {
		t.Errorf("Expected SELLER_CONFIRMED to stand, got %s", got.Status)
	}
}

func TestListDuePurchases(t *testing.T) {
	service, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	overdue := &models.Purchase{
		Id: "late", ChannelId: "ch1", BuyerId: "a", SellerId: "b",
		PriceNano: 1, HeldAmountNano: 1, Status: models.PurchaseHeld,
		VerificationDeadline: now.Add(-time.Hour),
	}
	fresh := &models.Purchase{
		Id: "fresh", ChannelId: "ch2", BuyerId: "a", SellerId: "b",
		PriceNano: 1, HeldAmountNano: 1, Status: models.PurchaseHeld,
		VerificationDeadline: now.Add(time.Hour),
	}
	confirmedLate := &models.Purchase{
		Id: "confirmed", ChannelId: "ch3", BuyerId: "a", SellerId: "b",
		PriceNano: 1, HeldAmountNano: 1, Status: models.PurchaseSellerConfirmed,
		VerificationDeadline: now.Add(-time.Hour),
	}
	for _, p := range []*models.Purchase{overdue, fresh, confirmedLate} {
		if err := service.CreatePurchase(ctx, p); err != nil {
			t.Fatalf("CreatePurchase(%s) failed: %v", p.Id, err)
		}
	}

	due, err := service.ListDuePurchases(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListDuePurchases failed: %v", err)
	}
	if len(due) != 1 || due[0].Id != "late" {
		t.Errorf("Expected only the overdue HELD purchase, got %v", due)
	}
}

func TestWithdrawalAggregates(t *testing.T) {
	service, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	rows := []*models.Withdrawal{
		{Id: "w1", UserId: "alice", DestinationAddress: "addr", AmountNano: 100, Status: models.WithdrawalCompleted, CreatedAt: now.Add(-time.Hour)},
		{Id: "w2", UserId: "alice", DestinationAddress: "addr", AmountNano: 200, Status: models.WithdrawalPending, CreatedAt: now.Add(-30 * time.Minute)},
		{Id: "w3", UserId: "alice", DestinationAddress: "addr", AmountNano: 400, Status: models.WithdrawalFailed, CreatedAt: now.Add(-10 * time.Minute)},
		{Id: "w4", UserId: "bob", DestinationAddress: "addr", AmountNano: 800, Status: models.WithdrawalAdminReview, CreatedAt: now},
	}
	for _, w := range rows {
		if err := service.CreateWithdrawal(ctx, w); err != nil {
			t.Fatalf("CreateWithdrawal(%s) failed: %v", w.Id, err)
		}
	}

	open, err := service.CountOpenWithdrawals(ctx, "alice")
	if err != nil {
		t.Fatalf("CountOpenWithdrawals failed: %v", err)
	}
	if open != 1 {
		t.Errorf("Expected 1 open withdrawal for alice, got %d", open)
	}

	sum, err := service.SumCompletedWithdrawalsSince(ctx, "alice", now.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("SumCompletedWithdrawalsSince failed: %v", err)
	}
	if sum != 100 {
		t.Errorf("Expected completed sum 100, got %d", sum)
	}

	last, err := service.LastWithdrawalAt(ctx, "alice")
	if err != nil {
		t.Fatalf("LastWithdrawalAt failed: %v", err)
	}
	if last == nil {
		t.Fatal("Expected a last withdrawal time for alice")
	}

	none, err := service.LastWithdrawalAt(ctx, "carol")
	if err != nil {
		t.Fatalf("LastWithdrawalAt for unknown user failed: %v", err)
	}
	if none != nil {
		t.Errorf("Expected nil last withdrawal for unknown user, got %v", none)
	}
}

func TestAddWarning_CountsAccumulate(t *testing.T) {
	service, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		count, err := service.AddWarning(ctx, &models.UserWarning{
			UserId: "bob", Reason: "asset_modification",
		})
		if err != nil {
			t.Fatalf("AddWarning failed: %v", err)
		}
		if count != i {
			t.Errorf("Expected warning count %d, got %d", i, count)
		}
	}

	other, err := service.WarningCount(ctx, "alice")
	if err != nil {
		t.Fatalf("WarningCount failed: %v", err)
	}
	if other != 0 {
		t.Errorf("Expected 0 warnings for alice, got %d", other)
	}
}

func TestSetBanned(t *testing.T) {
	service, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := service.CreateAccount(ctx, "bob"); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if err := service.SetBanned(ctx, "bob", true); err != nil {
		t.Fatalf("SetBanned failed: %v", err)
	}

	acct, err := service.GetAccount(ctx, "bob")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if !acct.IsBanned {
		t.Error("Expected account to be banned")
	}

	if err := service.SetBanned(ctx, "ghost", true); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound banning unknown user, got %v", err)
	}
}
