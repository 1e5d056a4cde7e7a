// Package marketplace holds the listing and order records the escrow engine
// collaborates with: listings are checked at escrow creation and marked sold
// when escrowed funds are released, at which point an order is written.
package marketplace

import (
	"context"
	"errors"
	"time"

	"github.com/tradehold/escrowd/internal/idgen"
)

var (
	ErrListingNotFound  = errors.New("listing not found")
	ErrListingNotActive = errors.New("listing is not active")
	ErrOrderNotFound    = errors.New("order not found")
)

// ListingStatus represents the state of a listing.
type ListingStatus string

const (
	ListingActive  ListingStatus = "active"
	ListingSold    ListingStatus = "sold"
	ListingRemoved ListingStatus = "removed"
)

// Listing is an item offered for sale by a seller.
type Listing struct {
	ID        string        `json:"id"`
	SellerID  string        `json:"sellerId"`
	Title     string        `json:"title"`
	Price     string        `json:"price"`
	Currency  string        `json:"currency"`
	Status    ListingStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	SoldAt    *time.Time    `json:"soldAt,omitempty"`
}

// Order records a completed sale. Orders are only created by the escrow
// release path, never directly.
type Order struct {
	ID        string    `json:"id"`
	ListingID string    `json:"listingId"`
	BuyerID   string    `json:"buyerId"`
	SellerID  string    `json:"sellerId"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	EscrowID  string    `json:"escrowId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists listings and orders.
type Store interface {
	CreateListing(ctx context.Context, l *Listing) error
	GetListing(ctx context.Context, id string) (*Listing, error)
	// CompleteSale marks the listing sold and records the order atomically.
	// Fails with ErrListingNotActive if the listing is not active.
	CompleteSale(ctx context.Context, listingID string, order *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrdersByUser(ctx context.Context, userID string, limit int) ([]*Order, error)
}

// CreateListingRequest contains the parameters for creating a listing.
type CreateListingRequest struct {
	SellerID string `json:"sellerId" binding:"required"`
	Title    string `json:"title" binding:"required"`
	Price    string `json:"price" binding:"required"`
	Currency string `json:"currency"`
}

// Service implements marketplace business logic and the collaborator
// surface the escrow engine depends on.
type Service struct {
	store Store
}

// NewService creates a new marketplace service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// CreateListing creates a new active listing.
func (s *Service) CreateListing(ctx context.Context, req CreateListingRequest) (*Listing, error) {
	currency := req.Currency
	if currency == "" {
		currency = "EUR"
	}
	l := &Listing{
		ID:        idgen.WithPrefix("lst_"),
		SellerID:  req.SellerID,
		Title:     req.Title,
		Price:     req.Price,
		Currency:  currency,
		Status:    ListingActive,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateListing(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// GetListing returns a listing by ID.
func (s *Service) GetListing(ctx context.Context, id string) (*Listing, error) {
	return s.store.GetListing(ctx, id)
}

// GetOrder returns an order by ID.
func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	return s.store.GetOrder(ctx, id)
}

// ListOrdersByUser returns orders where the user is buyer or seller.
func (s *Service) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListOrdersByUser(ctx, userID, limit)
}

// ListingSeller returns the seller recorded on a listing.
// Part of the escrow engine's collaborator contract.
func (s *Service) ListingSeller(ctx context.Context, listingID string) (string, error) {
	l, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return "", err
	}
	return l.SellerID, nil
}

// CompleteSale marks the listing sold and creates the order record.
// Part of the escrow engine's collaborator contract; invoked exactly once
// per released escrow.
func (s *Service) CompleteSale(ctx context.Context, listingID, buyerID, sellerID, amount, currency, escrowID string) (string, error) {
	order := &Order{
		ID:        idgen.WithPrefix("ord_"),
		ListingID: listingID,
		BuyerID:   buyerID,
		SellerID:  sellerID,
		Amount:    amount,
		Currency:  currency,
		EscrowID:  escrowID,
		CreatedAt: time.Now(),
	}
	if err := s.store.CompleteSale(ctx, listingID, order); err != nil {
		return "", err
	}
	return order.ID, nil
}
