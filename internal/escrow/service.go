package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/tradehold/escrowd/internal/idgen"
	"github.com/tradehold/escrowd/internal/metrics"
	"github.com/tradehold/escrowd/internal/money"
	"github.com/tradehold/escrowd/internal/traces"
)

// BankAccount is the platform account echoed in payment instructions.
type BankAccount struct {
	AccountName string
	IBAN        string
	BIC         string
}

// Policy holds the configured escrow policy. A copy of the relevant values
// is snapshot into each escrow's Terms at creation.
type Policy struct {
	FeeBps             int
	MinEscrowAmount    string
	AutoReleaseDays    int
	ApprovalWindowDays int
	DisputeWindowDays  int
	FundingWindowDays  int
	Bank               BankAccount
}

// DefaultPolicy returns the standard platform policy.
func DefaultPolicy() Policy {
	return Policy{
		FeeBps:             250,
		MinEscrowAmount:    "100.00",
		AutoReleaseDays:    7,
		ApprovalWindowDays: 3,
		DisputeWindowDays:  14,
		FundingWindowDays:  3,
	}
}

// balanceTracker is a per-process advisory sum of funded, unreleased escrow
// amounts. It is not a source of truth: a multi-instance deployment must
// reconstruct held funds from persisted records, which Statistics does for
// everything except this one advisory figure.
type balanceTracker struct {
	mu      sync.Mutex
	amounts map[string]*big.Int
	total   *big.Int
}

func newBalanceTracker() *balanceTracker {
	return &balanceTracker{
		amounts: make(map[string]*big.Int),
		total:   new(big.Int),
	}
}

func (b *balanceTracker) add(escrowID string, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.amounts[escrowID]; ok {
		return
	}
	b.amounts[escrowID] = new(big.Int).Set(amount)
	b.total.Add(b.total, amount)
	metrics.HeldBalance.Set(float64(b.total.Int64()))
}

func (b *balanceTracker) remove(escrowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	amount, ok := b.amounts[escrowID]
	if !ok {
		return
	}
	delete(b.amounts, escrowID)
	b.total.Sub(b.total, amount)
	metrics.HeldBalance.Set(float64(b.total.Int64()))
}

func (b *balanceTracker) sum() *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.total)
}

// Service implements the escrow workflow engine.
type Service struct {
	store    Store
	disputes DisputeStore
	market   Marketplace
	policy   Policy
	logger   *slog.Logger
	notifier Notifier
	sink     TransitionSink
	locks    sync.Map // per-escrow ID locks to prevent race conditions
	held     *balanceTracker
}

// NewService creates a new escrow service.
func NewService(store Store, disputes DisputeStore, market Marketplace, policy Policy, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		disputes: disputes,
		market:   market,
		policy:   policy,
		logger:   logger,
		held:     newBalanceTracker(),
	}
}

// WithNotifier adds a lifecycle notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithTransitionSink adds a transition observer, e.g. the realtime feed.
func (s *Service) WithTransitionSink(sink TransitionSink) *Service {
	s.sink = sink
	return s
}

// escrowLock returns a mutex for the given escrow ID.
// This prevents concurrent state transitions (e.g. fund + fund, or
// approve + auto-release racing) within this process; UpdateIfStatus
// covers races across instances.
func (s *Service) escrowLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Service) transition(escrowID string, from, to Status) {
	if s.sink != nil {
		s.sink.EscrowTransition(escrowID, from, to)
	}
}

// Create validates the request against policy and the referenced listing,
// creates a pending escrow, and returns payment instructions for the payer.
// Nothing is persisted on any failure.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.ListingID(req.ListingID), traces.Amount(req.Amount))
	defer span.End()

	amount, ok := money.Parse(req.Amount)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, req.Amount)
	}
	minAmount, _ := money.Parse(s.policy.MinEscrowAmount)
	if amount.Cmp(minAmount) < 0 {
		return nil, fmt.Errorf("%w: minimum is %s", ErrAmountBelowMinimum, s.policy.MinEscrowAmount)
	}

	sellerID, err := s.market.ListingSeller(ctx, req.ListingID)
	if err != nil {
		return nil, err
	}
	if sellerID != req.SellerID {
		return nil, fmt.Errorf("%w: listing %s belongs to %s", ErrSellerMismatch, req.ListingID, sellerID)
	}

	fee, net := money.Split(amount, s.policy.FeeBps)

	paymentMethod := req.PaymentMethod
	if paymentMethod == "" {
		paymentMethod = "bank_transfer"
	}

	now := time.Now()
	e := &Escrow{
		ID:            idgen.WithPrefix("esc_"),
		ListingID:     req.ListingID,
		BuyerID:       req.BuyerID,
		SellerID:      req.SellerID,
		Amount:        money.Format(amount),
		Currency:      req.Currency,
		PlatformFee:   money.Format(fee),
		NetAmount:     money.Format(net),
		PaymentMethod: paymentMethod,
		Status:        StatusPending,
		Terms: Terms{
			FeeBps:          s.policy.FeeBps,
			AutoReleaseDays: s.policy.AutoReleaseDays,
			DisputeDeadline: now.AddDate(0, 0, s.policy.DisputeWindowDays),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	e.appendHistory("created", req.BuyerID, map[string]string{
		"listingId": e.ListingID,
		"amount":    e.Amount,
		"currency":  e.Currency,
	})

	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowsCreatedTotal.Inc()

	return &CreateResult{
		Escrow: e,
		PaymentInstructions: &PaymentInstructions{
			PaymentMethod: e.PaymentMethod,
			Amount:        e.Amount,
			Currency:      e.Currency,
			Reference:     e.ID,
			BankTransfer: BankTransferDetails{
				AccountName: s.policy.Bank.AccountName,
				IBAN:        s.policy.Bank.IBAN,
				BIC:         s.policy.Bank.BIC,
				Reference:   e.ID,
			},
			Deadline: now.AddDate(0, 0, s.policy.FundingWindowDays),
		},
	}, nil
}

// Fund records received payment on a pending escrow and starts the
// auto-release clock.
func (s *Service) Fund(ctx context.Context, id string, req FundRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund", traces.EscrowID(id))
	defer span.End()

	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if e.Status != StatusPending {
		return nil, fmt.Errorf("%w: escrow is %s, expected %s", ErrInvalidStatus, e.Status, StatusPending)
	}

	now := time.Now()
	autoReleaseAt := now.AddDate(0, 0, e.Terms.AutoReleaseDays)
	e.Status = StatusFunded
	e.FundedAt = &now
	e.AutoReleaseAt = &autoReleaseAt
	e.PaymentProof = req.PaymentProof
	e.UpdatedAt = now
	e.appendHistory("funded", req.FundedBy, map[string]string{
		"paymentProof": req.PaymentProof,
	})

	if err := s.store.UpdateIfStatus(ctx, e, StatusPending); err != nil {
		return nil, err
	}

	// Advisory only; authoritative held funds derive from persisted records.
	if amount, ok := money.Parse(e.Amount); ok {
		s.held.add(e.ID, amount)
	}

	metrics.EscrowsFundedTotal.Inc()
	if s.notifier != nil {
		s.notifier.EscrowFunded(e.ID, e.BuyerID, e.SellerID, e.Amount)
	}
	s.transition(e.ID, StatusPending, StatusFunded)

	return e, nil
}

// RequestRelease attaches a pending release request to a funded escrow.
// Only one request may be pending at a time.
func (s *Service) RequestRelease(ctx context.Context, id string, input ReleaseRequestInput) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RequestRelease",
		traces.EscrowID(id), traces.Party(input.RequestedBy))
	defer span.End()

	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if e.Status != StatusFunded {
		return nil, fmt.Errorf("%w: escrow is %s, expected %s", ErrInvalidStatus, e.Status, StatusFunded)
	}
	if !e.IsParty(input.RequestedBy) {
		return nil, ErrNotParty
	}
	if e.ReleaseRequest != nil && e.ReleaseRequest.Status == RequestPending {
		return nil, ErrDuplicateRequest
	}

	now := time.Now()
	e.ReleaseRequest = &ReleaseRequest{
		RequestedBy:      input.RequestedBy,
		RequestedAt:      now,
		Reason:           input.Reason,
		Status:           RequestPending,
		ApprovalDeadline: now.AddDate(0, 0, s.policy.ApprovalWindowDays),
	}
	e.UpdatedAt = now
	e.appendHistory("release_requested", input.RequestedBy, map[string]string{
		"reason": input.Reason,
	})

	if err := s.store.UpdateIfStatus(ctx, e, StatusFunded); err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.ReleaseRequested(e.ID, input.RequestedBy, e.Counterparty(input.RequestedBy), input.Reason)
	}

	return e, nil
}

// ApproveRelease lets the counter-party approve a pending release request
// and executes the release. Self-approval is forbidden.
func (s *Service) ApproveRelease(ctx context.Context, id, approvedBy string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ApproveRelease",
		traces.EscrowID(id), traces.Party(approvedBy))
	defer span.End()

	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	rr := e.ReleaseRequest
	if rr == nil || rr.Status != RequestPending {
		return nil, ErrNoPendingRequest
	}
	if !e.IsParty(approvedBy) {
		return nil, ErrNotParty
	}
	if approvedBy == rr.RequestedBy {
		return nil, ErrSelfApproval
	}
	if e.Status != StatusFunded {
		return nil, fmt.Errorf("%w: escrow is %s, expected %s", ErrInvalidStatus, e.Status, StatusFunded)
	}

	rr.Status = RequestApproved
	return s.executeRelease(ctx, e, approvedBy, ReleaseApproved)
}

// AutoRelease releases a funded escrow whose auto-release deadline has
// passed. Invoked by the sweeper; safe to call directly.
func (s *Service) AutoRelease(ctx context.Context, id string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AutoRelease", traces.EscrowID(id))
	defer span.End()

	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if e.Status != StatusFunded {
		return nil, fmt.Errorf("%w: escrow is %s, expected %s", ErrInvalidStatus, e.Status, StatusFunded)
	}
	if e.AutoReleaseAt == nil || time.Now().Before(*e.AutoReleaseAt) {
		return nil, fmt.Errorf("%w: due at %s", ErrReleaseNotDue, e.AutoReleaseAt)
	}

	return s.executeRelease(ctx, e, SystemActor, ReleaseAuto)
}

// executeRelease is the shared release path for approved and automatic
// releases. Caller must hold the escrow lock and have verified the escrow
// is funded.
func (s *Service) executeRelease(ctx context.Context, e *Escrow, actor, releaseType string) (*Escrow, error) {
	now := time.Now()
	fundedAt := e.FundedAt
	e.Status = StatusReleased
	e.ReleasedAt = &now
	e.ReleasedBy = actor
	e.ReleaseType = releaseType
	e.UpdatedAt = now
	e.appendHistory("released", actor, map[string]string{
		"amountReleased": e.NetAmount,
		"releaseType":    releaseType,
	})

	if err := s.store.UpdateIfStatus(ctx, e, StatusFunded); err != nil {
		return nil, err
	}

	s.held.remove(e.ID)
	metrics.EscrowsReleasedTotal.WithLabelValues(releaseType).Inc()
	if fundedAt != nil {
		metrics.EscrowDuration.Observe(now.Sub(*fundedAt).Seconds())
	}

	// The release is durable at this point; a failed sale completion needs
	// manual resolution, not a rollback of the release.
	orderID, err := s.market.CompleteSale(ctx, e.ListingID, e.BuyerID, e.SellerID, e.Amount, e.Currency, e.ID)
	if err != nil {
		s.logger.Error("escrow released but sale completion failed, requires manual resolution",
			"escrowId", e.ID, "listingId", e.ListingID, "error", err)
	} else {
		s.logger.Info("sale completed",
			"escrowId", e.ID, "listingId", e.ListingID, "orderId", orderID)
	}

	if s.notifier != nil {
		s.notifier.EscrowReleased(e.ID, e.BuyerID, e.SellerID, e.NetAmount, releaseType)
	}
	s.transition(e.ID, StatusFunded, StatusReleased)

	return e, nil
}

// OpenDispute raises a dispute against a funded escrow, halting automatic
// progression until it is resolved out of band.
func (s *Service) OpenDispute(ctx context.Context, id string, input DisputeRequestInput) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.OpenDispute",
		traces.EscrowID(id), traces.Party(input.DisputedBy))
	defer span.End()

	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if e.Status != StatusFunded {
		return nil, fmt.Errorf("%w: escrow is %s, expected %s", ErrInvalidStatus, e.Status, StatusFunded)
	}
	if !e.IsParty(input.DisputedBy) {
		return nil, ErrNotParty
	}

	now := time.Now()
	d := &Dispute{
		ID:         idgen.WithPrefix("dsp_"),
		EscrowID:   e.ID,
		DisputedBy: input.DisputedBy,
		Reason:     input.Reason,
		Status:     DisputeOpen,
		CreatedAt:  now,
	}
	for _, ev := range input.Evidence {
		if ev.SubmittedBy == "" {
			ev.SubmittedBy = input.DisputedBy
		}
		if ev.SubmittedAt.IsZero() {
			ev.SubmittedAt = now
		}
		d.Evidence = append(d.Evidence, ev)
	}
	d.appendHistory("opened", input.DisputedBy, map[string]string{
		"reason": input.Reason,
	})

	e.Status = StatusInDispute
	e.UpdatedAt = now
	e.appendHistory("dispute_opened", input.DisputedBy, map[string]string{
		"disputeId": d.ID,
	})

	if err := s.store.UpdateIfStatus(ctx, e, StatusFunded); err != nil {
		return nil, err
	}

	if err := s.disputes.Create(ctx, d); err != nil {
		// Best-effort revert so the escrow is not stuck in dispute with no
		// dispute record.
		e.Status = StatusFunded
		e.History = e.History[:len(e.History)-1]
		if revertErr := s.store.UpdateIfStatus(ctx, e, StatusInDispute); revertErr != nil {
			s.logger.Error("failed to revert escrow after dispute create failure, requires manual resolution",
				"escrowId", e.ID, "error", revertErr)
		}
		return nil, fmt.Errorf("failed to create dispute record: %w", err)
	}

	metrics.DisputesOpenedTotal.Inc()
	if s.notifier != nil {
		s.notifier.DisputeOpened(e.ID, d.ID, input.DisputedBy, e.Counterparty(input.DisputedBy), input.Reason)
	}
	s.transition(e.ID, StatusFunded, StatusInDispute)

	return d, nil
}

// GetDetails returns an escrow with the derived expiry flag and, when in
// dispute, the associated dispute record.
//
// requestedBy is accepted for a future visibility check but not currently
// enforced; reads are not restricted to the escrow's parties.
func (s *Service) GetDetails(ctx context.Context, id, requestedBy string) (*Details, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	details := &Details{
		Escrow:    e,
		IsExpired: e.Status == StatusFunded && e.AutoReleaseAt != nil && time.Now().After(*e.AutoReleaseAt),
	}

	if e.Status == StatusInDispute {
		d, err := s.disputes.GetByEscrow(ctx, e.ID)
		if err == nil {
			details.Dispute = d
		} else if err != ErrDisputeNotFound {
			return nil, err
		}
	}

	return details, nil
}

// ListDue returns funded escrows whose auto-release deadline has passed.
func (s *Service) ListDue(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	return s.store.ListFundedDue(ctx, before, limit)
}

// ListByUser returns escrows where the user is buyer or seller, newest
// first, each annotated with the user's role. A zero status means no
// filter.
func (s *Service) ListByUser(ctx context.Context, userID string, status Status, limit int) ([]*UserEscrow, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	escrows, err := s.store.ListByParty(ctx, userID, status, limit)
	if err != nil {
		return nil, err
	}

	result := make([]*UserEscrow, 0, len(escrows))
	for _, e := range escrows {
		role := "buyer"
		if e.SellerID == userID {
			role = "seller"
		}
		result = append(result, &UserEscrow{Escrow: e, UserRole: role})
	}
	return result, nil
}
