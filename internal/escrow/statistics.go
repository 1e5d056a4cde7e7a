package escrow

import (
	"context"

	"github.com/tradehold/escrowd/internal/money"
)

// PolicySnapshot exposes the configured policy constants in statistics.
type PolicySnapshot struct {
	FeeBps          int    `json:"feeBps"`
	MinEscrowAmount string `json:"minEscrowAmount"`
	AutoReleaseDays int    `json:"autoReleaseDays"`
}

// Statistics is a read-only operational snapshot for dashboards.
type Statistics struct {
	TotalEscrows   int            `json:"totalEscrows"`
	ActiveEscrows  int            `json:"activeEscrows"` // funded + in_dispute
	ByStatus       map[string]int `json:"byStatus"`
	TotalDisputes  int            `json:"totalDisputes"`
	ActiveDisputes int            `json:"activeDisputes"`
	TotalVolume    string         `json:"totalVolume"`
	// HeldBalance is the advisory in-process tracker value, not derived
	// from storage; it diverges across instances and restarts.
	HeldBalance string         `json:"heldBalance"`
	Policy      PolicySnapshot `json:"policy"`
}

// Statistics computes aggregate counts and volume from storage plus the
// advisory held balance.
func (s *Service) Statistics(ctx context.Context) (*Statistics, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	volume, err := s.store.SumVolume(ctx)
	if err != nil {
		return nil, err
	}

	disputeTotal, disputeOpen, err := s.disputes.Count(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		ByStatus:       make(map[string]int, len(counts)),
		TotalDisputes:  disputeTotal,
		ActiveDisputes: disputeOpen,
		TotalVolume:    volume,
		HeldBalance:    money.Format(s.held.sum()),
		Policy: PolicySnapshot{
			FeeBps:          s.policy.FeeBps,
			MinEscrowAmount: s.policy.MinEscrowAmount,
			AutoReleaseDays: s.policy.AutoReleaseDays,
		},
	}
	for status, n := range counts {
		stats.TotalEscrows += n
		stats.ByStatus[string(status)] = n
	}
	stats.ActiveEscrows = counts[StatusFunded] + counts[StatusInDispute]

	return stats, nil
}
