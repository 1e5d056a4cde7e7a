package server

import (
	"context"
	"errors"

	"github.com/tradehold/escrowd/internal/escrow"
	"github.com/tradehold/escrowd/internal/marketplace"
	"github.com/tradehold/escrowd/internal/realtime"
)

// marketplaceAdapter implements the escrow service's Marketplace contract,
// translating marketplace errors into the escrow package's error space so
// escrow never imports marketplace.
type marketplaceAdapter struct {
	svc *marketplace.Service
}

func (a *marketplaceAdapter) ListingSeller(ctx context.Context, listingID string) (string, error) {
	seller, err := a.svc.ListingSeller(ctx, listingID)
	if errors.Is(err, marketplace.ErrListingNotFound) {
		return "", escrow.ErrListingNotFound
	}
	return seller, err
}

func (a *marketplaceAdapter) CompleteSale(ctx context.Context, listingID, buyerID, sellerID, amount, currency, escrowID string) (string, error) {
	return a.svc.CompleteSale(ctx, listingID, buyerID, sellerID, amount, currency, escrowID)
}

// realtimeSink feeds escrow transitions into the WebSocket hub.
type realtimeSink struct {
	hub *realtime.Hub
}

func (s *realtimeSink) EscrowTransition(escrowID string, from, to escrow.Status) {
	s.hub.EscrowTransition(escrowID, string(from), string(to))
}
