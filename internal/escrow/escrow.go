// Package escrow owns the lifecycle of a marketplace escrow transaction.
//
// Flow:
//  1. Buyer and seller agree on a listing → escrow created, payment
//     instructions issued (status: pending)
//  2. Payer transfers funds and submits proof → escrow funded
//  3. Either party requests release, the counter-party approves → funds
//     released to seller, listing marked sold, order created
//  4. No action within the auto-release window → released automatically
//  5. Either party disputes a funded escrow → held until resolved
package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEscrowNotFound     = errors.New("escrow not found")
	ErrListingNotFound    = errors.New("listing not found")
	ErrInvalidStatus      = errors.New("invalid escrow status for this operation")
	ErrNotParty           = errors.New("caller is not a party to this escrow")
	ErrSelfApproval       = errors.New("release cannot be approved by its requester")
	ErrNoPendingRequest   = errors.New("no pending release request")
	ErrDuplicateRequest   = errors.New("a release request is already pending")
	ErrSellerMismatch     = errors.New("listing seller does not match escrow seller")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrAmountBelowMinimum = errors.New("amount is below the minimum escrow amount")
	ErrReleaseNotDue      = errors.New("auto-release deadline has not been reached")
	ErrDisputeNotFound    = errors.New("dispute not found")
)

// SystemActor is recorded as the actor on automatic transitions.
const SystemActor = "system"

// Status represents the state of an escrow.
type Status string

const (
	StatusPending   Status = "pending"    // Created, awaiting funds
	StatusFunded    Status = "funded"     // Funds received, held
	StatusInDispute Status = "in_dispute" // Dispute open, progression halted
	StatusReleased  Status = "released"   // Funds sent to seller
	StatusRefunded  Status = "refunded"   // Reserved for manual resolution; no operation drives this
	StatusCancelled Status = "cancelled"  // Reserved for manual resolution; no operation drives this
	StatusExpired   Status = "expired"    // Reserved for manual resolution; no operation drives this
)

// ReleaseType values recorded on a released escrow.
const (
	ReleaseApproved = "approved"
	ReleaseAuto     = "auto_release"
)

// Terms is the policy snapshot captured at creation. A later global policy
// change never retroactively affects an in-flight escrow.
type Terms struct {
	FeeBps          int       `json:"feeBps"`
	AutoReleaseDays int       `json:"autoReleaseDays"`
	DisputeDeadline time.Time `json:"disputeDeadline"`
}

// RequestStatus represents the state of a release request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// ReleaseRequest is the sub-record attached when a party asks for release.
// At most one request may be pending per escrow at a time.
type ReleaseRequest struct {
	RequestedBy string        `json:"requestedBy"`
	RequestedAt time.Time     `json:"requestedAt"`
	Reason      string        `json:"reason,omitempty"`
	Status      RequestStatus `json:"status"`
	// ApprovalDeadline is recorded but nothing currently expires a request
	// past it; stale requests stay pending until approved.
	ApprovalDeadline time.Time `json:"approvalDeadline"`
}

// HistoryEntry is one element of the append-only transaction log. Every
// state-changing operation appends exactly one entry.
type HistoryEntry struct {
	Action  string            `json:"action"`
	At      time.Time         `json:"at"`
	Actor   string            `json:"actor"`
	Details map[string]string `json:"details,omitempty"`
}

// Escrow represents one escrow transaction for a buyer/seller/listing
// agreement. Identity, parties, and amounts are immutable after creation.
type Escrow struct {
	ID            string `json:"id"`
	ListingID     string `json:"listingId"`
	BuyerID       string `json:"buyerId"`
	SellerID      string `json:"sellerId"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	PlatformFee   string `json:"platformFee"`
	NetAmount     string `json:"netAmount"`
	PaymentMethod string `json:"paymentMethod"`

	Status Status `json:"status"`
	Terms  Terms  `json:"terms"`

	PaymentProof   string          `json:"paymentProof,omitempty"`
	ReleaseRequest *ReleaseRequest `json:"releaseRequest,omitempty"`
	ReleasedBy     string          `json:"releasedBy,omitempty"`
	ReleaseType    string          `json:"releaseType,omitempty"`

	CreatedAt     time.Time  `json:"createdAt"`
	FundedAt      *time.Time `json:"fundedAt,omitempty"`
	ReleasedAt    *time.Time `json:"releasedAt,omitempty"`
	AutoReleaseAt *time.Time `json:"autoReleaseAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`

	History []HistoryEntry `json:"history"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusRefunded, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// IsParty returns true if the user is the buyer or seller on record.
func (e *Escrow) IsParty(userID string) bool {
	return userID != "" && (userID == e.BuyerID || userID == e.SellerID)
}

// Counterparty returns the other party relative to userID, or "" if userID
// is not a party.
func (e *Escrow) Counterparty(userID string) string {
	switch userID {
	case e.BuyerID:
		return e.SellerID
	case e.SellerID:
		return e.BuyerID
	}
	return ""
}

// appendHistory adds one entry to the transaction log.
func (e *Escrow) appendHistory(action, actor string, details map[string]string) {
	e.History = append(e.History, HistoryEntry{
		Action:  action,
		At:      time.Now(),
		Actor:   actor,
		Details: details,
	})
}

// Store persists escrow data.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	// UpdateIfStatus persists the escrow only if its stored status still
	// equals expected, so a lost race between concurrent transitions
	// surfaces as ErrInvalidStatus rather than silent corruption.
	UpdateIfStatus(ctx context.Context, e *Escrow, expected Status) error
	// ListByParty returns escrows where the user is buyer or seller,
	// newest first. A zero status means no status filter.
	ListByParty(ctx context.Context, userID string, status Status, limit int) ([]*Escrow, error)
	// ListFundedDue returns funded escrows whose auto-release deadline has
	// passed.
	ListFundedDue(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	// SumVolume returns the total gross amount across all escrows, as a
	// decimal string.
	SumVolume(ctx context.Context) (string, error)
}

// DisputeStore persists dispute data.
type DisputeStore interface {
	Create(ctx context.Context, d *Dispute) error
	GetByEscrow(ctx context.Context, escrowID string) (*Dispute, error)
	Count(ctx context.Context) (total int, open int, err error)
}

// Marketplace abstracts listing and order operations so escrow doesn't
// import marketplace. CompleteSale returns the created order ID.
type Marketplace interface {
	ListingSeller(ctx context.Context, listingID string) (string, error)
	CompleteSale(ctx context.Context, listingID, buyerID, sellerID, amount, currency, escrowID string) (string, error)
}

// Notifier delivers lifecycle notifications to external parties. All
// methods are fire-and-forget; failures never affect the transition.
type Notifier interface {
	EscrowFunded(escrowID, buyerID, sellerID, amount string)
	ReleaseRequested(escrowID, requestedBy, counterparty, reason string)
	EscrowReleased(escrowID, buyerID, sellerID, netAmount, releaseType string)
	DisputeOpened(escrowID, disputeID, disputedBy, counterparty, reason string)
}

// TransitionSink observes status transitions, e.g. for a realtime feed.
type TransitionSink interface {
	EscrowTransition(escrowID string, from, to Status)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	ListingID     string `json:"listingId" binding:"required"`
	BuyerID       string `json:"buyerId" binding:"required"`
	SellerID      string `json:"sellerId" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	Currency      string `json:"currency" binding:"required"`
	PaymentMethod string `json:"paymentMethod"`
}

// FundRequest contains the parameters for funding an escrow.
type FundRequest struct {
	PaymentProof string `json:"paymentProof" binding:"required"`
	FundedBy     string `json:"fundedBy" binding:"required"`
}

// ReleaseRequestInput contains the parameters for requesting release.
type ReleaseRequestInput struct {
	RequestedBy string `json:"requestedBy" binding:"required"`
	Reason      string `json:"reason"`
}

// ApproveRequest contains the parameters for approving a release.
type ApproveRequest struct {
	ApprovedBy string `json:"approvedBy" binding:"required"`
}

// DisputeRequestInput contains the parameters for opening a dispute.
type DisputeRequestInput struct {
	DisputedBy string     `json:"disputedBy" binding:"required"`
	Reason     string     `json:"reason" binding:"required"`
	Evidence   []Evidence `json:"evidence"`
}

// BankTransferDetails describe the platform account the payer transfers to.
type BankTransferDetails struct {
	AccountName string `json:"accountName"`
	IBAN        string `json:"iban"`
	BIC         string `json:"bic"`
	Reference   string `json:"reference"`
}

// PaymentInstructions tell the payer how to move funds into escrow.
type PaymentInstructions struct {
	PaymentMethod string    `json:"paymentMethod"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	Reference     string    `json:"reference"`
	BankTransfer  BankTransferDetails `json:"bankTransfer"`
	Deadline      time.Time `json:"deadline"`
}

// CreateResult is returned by Create.
type CreateResult struct {
	Escrow              *Escrow              `json:"escrow"`
	PaymentInstructions *PaymentInstructions `json:"paymentInstructions"`
}

// Details is the read model returned by GetDetails: the stored record plus
// the derived expiry flag and, when in dispute, the dispute record.
type Details struct {
	*Escrow
	IsExpired bool     `json:"isExpired"`
	Dispute   *Dispute `json:"dispute,omitempty"`
}

// UserEscrow annotates an escrow with the caller's role relative to it.
type UserEscrow struct {
	*Escrow
	UserRole string `json:"userRole"` // "buyer" or "seller"
}
