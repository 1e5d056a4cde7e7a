package escrow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// mockMarketplace records calls for verification.
type mockMarketplace struct {
	mu        sync.Mutex
	sellers   map[string]string // listingID -> sellerID
	completed map[string]string // listingID -> escrowID
	saleErr   error
}

func newMockMarketplace() *mockMarketplace {
	return &mockMarketplace{
		sellers:   make(map[string]string),
		completed: make(map[string]string),
	}
}

func (m *mockMarketplace) ListingSeller(ctx context.Context, listingID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seller, ok := m.sellers[listingID]
	if !ok {
		return "", ErrListingNotFound
	}
	return seller, nil
}

func (m *mockMarketplace) CompleteSale(ctx context.Context, listingID, buyerID, sellerID, amount, currency, escrowID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saleErr != nil {
		return "", m.saleErr
	}
	m.completed[listingID] = escrowID
	return "ord_test", nil
}

// mockNotifier captures lifecycle notifications.
type mockNotifier struct {
	mu       sync.Mutex
	funded   []string
	requests []string
	released []string
	disputes []string
}

func (m *mockNotifier) EscrowFunded(escrowID, buyerID, sellerID, amount string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funded = append(m.funded, escrowID)
}

func (m *mockNotifier) ReleaseRequested(escrowID, requestedBy, counterparty, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, escrowID)
}

func (m *mockNotifier) EscrowReleased(escrowID, buyerID, sellerID, netAmount, releaseType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, escrowID)
}

func (m *mockNotifier) DisputeOpened(escrowID, disputeID, disputedBy, counterparty, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes = append(m.disputes, escrowID)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(market *mockMarketplace) *Service {
	return NewService(NewMemoryStore(), NewMemoryDisputeStore(), market, DefaultPolicy(), testLogger())
}

// backdateAutoRelease moves a funded escrow's deadline into the past so
// AutoRelease becomes due without sleeping.
func backdateAutoRelease(t *testing.T, svc *Service, id string) {
	t.Helper()
	e, err := svc.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	past := time.Now().Add(-time.Minute)
	e.AutoReleaseAt = &past
	if err := svc.store.UpdateIfStatus(context.Background(), e, StatusFunded); err != nil {
		t.Fatalf("UpdateIfStatus failed: %v", err)
	}
}

func TestEscrow_HappyPath(t *testing.T) {
	market := newMockMarketplace()
	market.sellers["lst_1"] = "seller_1"
	notifier := &mockNotifier{}
	svc := newTestService(market).WithNotifier(notifier)
	ctx := context.Background()

	// Create
	result, err := svc.Create(ctx, CreateRequest{
		ListingID: "lst_1",
		BuyerID:   "buyer_1",
		SellerID:  "seller_1",
		Amount:    "200.00",
		Currency:  "EUR",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	esc := result.Escrow
	if esc.Status != StatusPending {
		t.Errorf("Expected status pending, got %s", esc.Status)
	}
	if esc.PlatformFee != "5.00" {
		t.Errorf("Expected fee 5.00 at 250 bps, got %s", esc.PlatformFee)
	}
	if esc.NetAmount != "195.00" {
		t.Errorf("Expected net 195.00, got %s", esc.NetAmount)
	}
	if result.PaymentInstructions == nil || result.PaymentInstructions.Reference != esc.ID {
		t.Error("Expected payment instructions referencing the escrow ID")
	}
	if len(esc.History) != 1 || esc.History[0].Action != "created" {
		t.Errorf("Expected one 'created' history entry, got %+v", esc.History)
	}

	// Fund
	esc, err = svc.Fund(ctx, esc.ID, FundRequest{PaymentProof: "wire-123", FundedBy: "buyer_1"})
	if err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	if esc.Status != StatusFunded {
		t.Errorf("Expected status funded, got %s", esc.Status)
	}
	if esc.FundedAt == nil || esc.AutoReleaseAt == nil {
		t.Error("Expected FundedAt and AutoReleaseAt to be set")
	}
	if len(notifier.funded) != 1 {
		t.Errorf("Expected 1 funded notification, got %d", len(notifier.funded))
	}

	// Seller requests release
	esc, err = svc.RequestRelease(ctx, esc.ID, ReleaseRequestInput{RequestedBy: "seller_1", Reason: "item shipped"})
	if err != nil {
		t.Fatalf("RequestRelease failed: %v", err)
	}
	if esc.ReleaseRequest == nil || esc.ReleaseRequest.Status != RequestPending {
		t.Fatal("Expected a pending release request")
	}

	// Buyer approves
	esc, err = svc.ApproveRelease(ctx, esc.ID, "buyer_1")
	if err != nil {
		t.Fatalf("ApproveRelease failed: %v", err)
	}
	if esc.Status != StatusReleased {
		t.Errorf("Expected status released, got %s", esc.Status)
	}
	if esc.ReleaseType != ReleaseApproved {
		t.Errorf("Expected release type approved, got %s", esc.ReleaseType)
	}
	if esc.ReleasedBy != "buyer_1" {
		t.Errorf("Expected released by buyer_1, got %s", esc.ReleasedBy)
	}
	if market.completed["lst_1"] != esc.ID {
		t.Error("Expected CompleteSale to be called with the escrow ID")
	}
	if len(notifier.released) != 1 {
		t.Errorf("Expected 1 released notification, got %d", len(notifier.released))
	}

	// History covers every transition
	actions := make([]string, 0, len(esc.History))
	for _, h := range esc.History {
		actions = append(actions, h.Action)
	}
	want := []string{"created", "funded", "release_requested", "released"}
	if len(actions) != len(want) {
		t.Fatalf("Expected history %v, got %v", want, actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("Expected history[%d]=%s, got %s", i, want[i], actions[i])
		}
	}
}

func TestEscrow_MinimumAmount(t *testing.T) {
	market := newMockMarketplace()
	market.sellers["lst_1"] = "seller_1"
	svc := newTestService(market)
	ctx := context.Background()

	req := CreateRequest{
		ListingID: "lst_1",
		BuyerID:   "buyer_1",
		SellerID:  "seller_1",
		Currency:  "EUR",
	}

	// Exactly the minimum is accepted
	req.Amount = "100.00"
	if _, err := svc.Create(ctx, req); err != nil {
		t.Errorf("Create at minimum failed: %v", err)
	}

	// One cent below is rejected
	req.Amount = "99.99"
	if _, err := svc.Create(ctx, req); !errors.Is(err, ErrAmountBelowMinimum) {
		t.Errorf("Expected ErrAmountBelowMinimum, got %v", err)
	}

	// Garbage and non-positive amounts are rejected
	for _, amount := range []string{"abc", "-5.00", "0"} {
		req.Amount = amount
		if _, err := svc.Create(ctx, req); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Amount %q: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestEscrow_SellerMismatch(t *testing.T) {
	market := newMockMarketplace()
	market.sellers["lst_1"] = "seller_1"
	svc := newTestService(market)

	_, err := svc.Create(context.Background(), CreateRequest{
		ListingID: "lst_1",
		BuyerID:   "buyer_1",
		SellerID:  "someone_else",
		Amount:    "150.00",
		Currency:  "EUR",
	})
	if !errors.Is(err, ErrSellerMismatch) {
		t.Errorf("Expected ErrSellerMismatch, got %v", err)
	}
}

func TestEscrow_ListingNotFound(t *testing.T) {
	svc := newTestService(newMockMarketplace())

	_, err := svc.Create(context.Background(), CreateRequest{
		ListingID: "lst_missing",
		BuyerID:   "buyer_1",
		SellerID:  "seller_1",
		Amount:    "150.00",
		Currency:  "EUR",
	})
	if !errors.Is(err, ErrListingNotFound) {
		t.Errorf("Expected ErrListingNotFound, got %v", err)
	}
}

func TestEscrow_DoubleFund(t *testing.T) {
	market := newMockMarketplace()
	market.sellers["lst_1"] = "seller_1"
	svc := newTestService(market)
	ctx := context.Background()

	result, err := svc.Create(ctx, CreateRequest{
		ListingID: "lst_1", BuyerID: "buyer_1", SellerID: "seller_1",
		Amount: "150.00", Currency: "EUR",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := svc.Fund(ctx, result.Escrow.ID, FundRequest{PaymentProof: "p1", FundedBy: "buyer_1"}); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	_, err = svc.Fund(ctx, result.Escrow.ID, FundRequest{PaymentProof: "p2", FundedBy: "buyer_1"})
	if !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus on double fund, got %v", err)
	}
}

func TestEscrow_ConcurrentFund(t *testing.T) {
	market := newMockMarketplace()
	market.sellers["lst_1"] = "seller_1"
	svc := newTestService(market)
	ctx := context.Background()

	result, err := svc.Create(ctx, CreateRequest{
		ListingID: "lst_1", BuyerID: "buyer_1", SellerID: "seller_1",
		Amount: "150.00", Currency: "EUR",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Fund(ctx, result.Escrow.ID, FundRequest{
				PaymentProof: fmt.Sprintf("proof-%d", i),
				FundedBy:     "buyer_1",
			})
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)

	succeeded := 0
	for err := range errCh {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrInvalidStatus) {
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("Expected exactly 1 fund to succeed, got %d", succeeded)
	}
}

func TestEscrow_SelfApproval(t *testing.T) {
	market := newMockMarketplace()
	market.sellers["lst_1"] = "seller_1"
	svc := newTestService(market)
	ctx := context.Background()

	result, _ := svc.Create(ctx, CreateRequest{
		ListingID: "lst_1", BuyerID: "buyer_1", SellerID: "seller_1",
		Amount: "150.00", Currency: "EUR",
	})
	id := result.Escrow.ID
	if _, err := svc.Fund(ctx, id, FundRequest{PaymentProof: "p", FundedBy: "buyer_1"}); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	if _, err := svc.RequestRelease(ctx, id, ReleaseRequestInput{RequestedBy: "seller_1"}); err != nil {
		t.Fatalf("RequestRelease failed: %v", err)
	}

	if _, err := svc.ApproveRelease(ctx, id, "seller_1"); !errors.Is(err, ErrSelfApproval) {
		t.Errorf("Expected ErrSelfApproval, got %v", err)
	}
	if _, err := svc.ApproveRelease(ctx, id, "stranger"); !errors.Is(err, ErrNotParty) {
		t.Errorf("Expected ErrNotParty, got %v", err)
	}

	// Counter-party approval still works afterwards
	esc, err := svc.ApproveRelease(ctx, id, "buyer_1")
	if err != nil {
		t.Fatalf("ApproveRelease failed: %v", err)
	}
	if esc.Status != StatusReleased {
		t.Errorf("Expected status released, got %s", esc.Status)
	}
}

func TestEscrow_DuplicateReleaseRequest(t *testing.T) {
	market := newMockMarketplace()
	market.sellers["lst_1"] = "seller_1"
	svc := newTestService(market)
	ctx := context.Background()

	result, _ := svc.Create(ctx, CreateRequest{
		ListingID: "lst_1", BuyerID: "buyer_1", SellerID: "seller_1",
		Amount: "150.00", Currency: "EUR",
	})
	id := result.Escrow.ID
	if _, err := svc.Fund(ctx, id, FundRequest{PaymentProof: "p", FundedBy: "buyer_1"}); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}

	if _, err := svc.RequestRelease(ctx, id, ReleaseRequestInput{RequestedBy: "seller_1"}); err != nil {
		t.Fatalf("RequestRelease failed: %v", err)
	}
	if _, err := svc.RequestRelease(ctx, id, ReleaseRequestInput{RequestedBy: "buyer_1"}); !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("Expected ErrDuplicateRequest, got %v", err)
	}
	if _, err := svc.RequestRelease(ctx, id, ReleaseRequestInput{RequestedBy: "stranger"}); !errors.Is(err, ErrNotParty) {
		t.Errorf("Expected ErrNotParty, got %v", err)
	}
}

func TestEscrow_ApproveWithoutRequest(t *testing.T) {
	market := newMockMarketplace()
	market.sellers["lst_1"] = "seller_1"
	svc := newTestService(market)
	ctx := context.Background()

	result, _ := svc.Create(ctx, CreateRequest{
		ListingID: "lst_1", BuyerID: "buyer_1", SellerID: "seller_1",
		Amount: "150.00", Currency: "EUR",
	})
	id := result.Escrow.ID
	if _, err := svc.Fund(ctx, id, FundRequest{PaymentProof: "p", FundedBy: "buyer_1"}); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}

	if _, err := svc.ApproveRelease(ctx, id, "buyer_1"); !errors.Is(err, ErrNoPendingRequest) {
		t.Errorf("Expected ErrNoPendingRequest, got %v", err)
	}
}

func TestEscrow_AutoRelease(t *testing.T) {
	market := newMockMarketplace()
	market.sellers["lst_1"] = "seller_1"
	svc := newTestService(market)
	ctx := context.Background()

	result, _ := svc.Create(ctx, CreateRequest{
		ListingID: "lst_1", BuyerID: "buyer_1", SellerID: "seller_1",
		Amount: "150.00", Currency: "EUR",
	})
	id := result.Escrow.ID
	if _, err := svc.Fund(ctx, id, FundRequest{PaymentProof: "p", FundedBy: "buyer_1"}); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}

	// Not yet due
	if _, err := svc.AutoRelease(ctx, id); !errors.Is(err, ErrReleaseNotDue) {
		t.Errorf("Expected ErrReleaseNotDue, got %v", err)
	}

	backdateAutoRelease(t, svc, id)

	due, err := svc.ListDue(ctx, time.Now(), 100)
	if err != nil {
		t.Fatalf("ListDue failed: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("Expected 1 due escrow, got %d", len(due))
	}

	esc, err := svc.AutoRelease(ctx, id)
	if err != nil {
		t.Fatalf("AutoRelease failed: %v", err)
	}
	if esc.Status != StatusReleased {
		t.Errorf("Expected status released, got %s", esc.Status)
	}
	if esc.ReleaseType != ReleaseAuto {
		t.Errorf("Expected release type auto_release, got %s", esc.ReleaseType)
	}
	if esc.ReleasedBy != SystemActor {
		t.Errorf("Expected released by system, got %s", esc.ReleasedBy)
	}
	if market.completed["lst_1"] != id {
		t.Error("Expected CompleteSale to be called")
	}
}

func TestEscrow_Dispute(t *testing.T) {
	market := newMockMarketplace()
	market.sellers["lst_1"] = "seller_1"
	notifier := &mockNotifier{}
	svc := newTestService(market).WithNotifier(notifier)
	ctx := context.Background()

	result, _ := svc.Create(ctx, CreateRequest{
		ListingID: "lst_1", BuyerID: "buyer_1", SellerID: "seller_1",
		Amount: "150.00", Currency: "EUR",
	})
	id := result.Escrow.ID

	// Disputing a pending escrow is rejected
	if _, err := svc.OpenDispute(ctx, id, DisputeRequestInput{DisputedBy: "buyer_1", Reason: "never shipped"}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus on pending escrow, got %v", err)
	}

	if _, err := svc.Fund(ctx, id, FundRequest{PaymentProof: "p", FundedBy: "buyer_1"}); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}

	if _, err := svc.OpenDispute(ctx, id, DisputeRequestInput{DisputedBy: "stranger", Reason: "x"}); !errors.Is(err, ErrNotParty) {
		t.Errorf("Expected ErrNotParty, got %v", err)
	}

	d, err := svc.OpenDispute(ctx, id, DisputeRequestInput{
		DisputedBy: "buyer_1",
		Reason:     "item not as described",
		Evidence:   []Evidence{{Description: "photo of damage", URL: "https://example.com/1"}},
	})
	if err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	if d.Status != DisputeOpen {
		t.Errorf("Expected dispute open, got %s", d.Status)
	}
	if len(d.Evidence) != 1 || d.Evidence[0].SubmittedBy != "buyer_1" {
		t.Errorf("Expected evidence stamped with disputer, got %+v", d.Evidence)
	}

	// Escrow is halted: no release path works
	if _, err := svc.AutoRelease(ctx, id); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus after dispute, got %v", err)
	}
	if _, err := svc.RequestRelease(ctx, id, ReleaseRequestInput{RequestedBy: "seller_1"}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus after dispute, got %v", err)
	}

	// Details embed the dispute
	details, err := svc.GetDetails(ctx, id, "buyer_1")
	if err != nil {
		t.Fatalf("GetDetails failed: %v", err)
	}
	if details.Status != StatusInDispute {
		t.Errorf("Expected status in_dispute, got %s", details.Status)
	}
	if details.Dispute == nil || details.Dispute.ID != d.ID {
		t.Error("Expected dispute embedded in details")
	}
	if len(notifier.disputes) != 1 {
		t.Errorf("Expected 1 dispute notification, got %d", len(notifier.disputes))
	}
}

func TestEscrow_SaleCompletionFailureDoesNotRollBack(t *testing.T) {
	market := newMockMarketplace()
	market.sellers["lst_1"] = "seller_1"
	svc := newTestService(market)
	ctx := context.Background()

	result, _ := svc.Create(ctx, CreateRequest{
		ListingID: "lst_1", BuyerID: "buyer_1", SellerID: "seller_1",
		Amount: "150.00", Currency: "EUR",
	})
	id := result.Escrow.ID
	if _, err := svc.Fund(ctx, id, FundRequest{PaymentProof: "p", FundedBy: "buyer_1"}); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	if _, err := svc.RequestRelease(ctx, id, ReleaseRequestInput{RequestedBy: "seller_1"}); err != nil {
		t.Fatalf("RequestRelease failed: %v", err)
	}

	market.saleErr = errors.New("listing already sold")

	esc, err := svc.ApproveRelease(ctx, id, "buyer_1")
	if err != nil {
		t.Fatalf("ApproveRelease failed: %v", err)
	}
	if esc.Status != StatusReleased {
		t.Errorf("Expected release to stand despite sale failure, got %s", esc.Status)
	}
}

func TestEscrow_ListByUser(t *testing.T) {
	market := newMockMarketplace()
	svc := newTestService(market)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		listing := fmt.Sprintf("lst_%d", i)
		market.sellers[listing] = "seller_1"
		result, err := svc.Create(ctx, CreateRequest{
			ListingID: listing, BuyerID: "buyer_1", SellerID: "seller_1",
			Amount: "150.00", Currency: "EUR",
		})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if i < 2 {
			if _, err := svc.Fund(ctx, result.Escrow.ID, FundRequest{PaymentProof: "p", FundedBy: "buyer_1"}); err != nil {
				t.Fatalf("Fund failed: %v", err)
			}
		}
	}

	asBuyer, err := svc.ListByUser(ctx, "buyer_1", "", 50)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(asBuyer) != 3 {
		t.Fatalf("Expected 3 escrows, got %d", len(asBuyer))
	}
	for _, ue := range asBuyer {
		if ue.UserRole != "buyer" {
			t.Errorf("Expected role buyer, got %s", ue.UserRole)
		}
	}

	funded, err := svc.ListByUser(ctx, "seller_1", StatusFunded, 50)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(funded) != 2 {
		t.Errorf("Expected 2 funded escrows, got %d", len(funded))
	}
	for _, ue := range funded {
		if ue.UserRole != "seller" {
			t.Errorf("Expected role seller, got %s", ue.UserRole)
		}
	}

	none, err := svc.ListByUser(ctx, "stranger", "", 50)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Expected 0 escrows for a stranger, got %d", len(none))
	}
}

func TestEscrow_GetDetailsExpiredFlag(t *testing.T) {
	market := newMockMarketplace()
	market.sellers["lst_1"] = "seller_1"
	svc := newTestService(market)
	ctx := context.Background()

	result, _ := svc.Create(ctx, CreateRequest{
		ListingID: "lst_1", BuyerID: "buyer_1", SellerID: "seller_1",
		Amount: "150.00", Currency: "EUR",
	})
	id := result.Escrow.ID
	if _, err := svc.Fund(ctx, id, FundRequest{PaymentProof: "p", FundedBy: "buyer_1"}); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}

	details, err := svc.GetDetails(ctx, id, "buyer_1")
	if err != nil {
		t.Fatalf("GetDetails failed: %v", err)
	}
	if details.IsExpired {
		t.Error("Expected freshly funded escrow not expired")
	}

	backdateAutoRelease(t, svc, id)

	details, err = svc.GetDetails(ctx, id, "buyer_1")
	if err != nil {
		t.Fatalf("GetDetails failed: %v", err)
	}
	if !details.IsExpired {
		t.Error("Expected escrow past its deadline to report expired")
	}
}

func TestEscrow_TermsSnapshotSurvivesPolicyChange(t *testing.T) {
	market := newMockMarketplace()
	market.sellers["lst_1"] = "seller_1"

	policy := DefaultPolicy()
	store := NewMemoryStore()
	svc := NewService(store, NewMemoryDisputeStore(), market, policy, testLogger())
	ctx := context.Background()

	result, err := svc.Create(ctx, CreateRequest{
		ListingID: "lst_1", BuyerID: "buyer_1", SellerID: "seller_1",
		Amount: "200.00", Currency: "EUR",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if result.Escrow.Terms.FeeBps != 250 || result.Escrow.Terms.AutoReleaseDays != 7 {
		t.Errorf("Expected terms snapshot of policy, got %+v", result.Escrow.Terms)
	}

	// A new service with a different policy leaves stored terms untouched.
	policy.FeeBps = 500
	svc2 := NewService(store, NewMemoryDisputeStore(), market, policy, testLogger())
	stored, err := svc2.store.Get(ctx, result.Escrow.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Terms.FeeBps != 250 {
		t.Errorf("Expected terms to keep fee 250, got %d", stored.Terms.FeeBps)
	}
}
