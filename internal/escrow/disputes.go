package escrow

import "time"

// DisputeStatus represents the state of a dispute.
type DisputeStatus string

const (
	DisputeOpen      DisputeStatus = "open"
	DisputeInReview  DisputeStatus = "in_review"
	DisputeResolved  DisputeStatus = "resolved"
	DisputeEscalated DisputeStatus = "escalated"
)

// Evidence is one attachment or reference supporting a dispute.
type Evidence struct {
	SubmittedBy string    `json:"submittedBy"`
	Description string    `json:"description"`
	URL         string    `json:"url,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Dispute is a formal objection raised against a funded escrow. The escrow
// is referenced, not owned: the dispute halts the escrow's progression but
// the escrow record stays authoritative for the funds.
//
// Resolution (DisputeResolved with an outcome) has no driving operation in
// this module; resolved/escalated statuses are reserved for a manual
// resolution path.
type Dispute struct {
	ID         string        `json:"id"`
	EscrowID   string        `json:"escrowId"`
	DisputedBy string        `json:"disputedBy"`
	Reason     string        `json:"reason"`
	Evidence   []Evidence    `json:"evidence,omitempty"`
	Status     DisputeStatus `json:"status"`
	CreatedAt  time.Time     `json:"createdAt"`
	Resolution string        `json:"resolution,omitempty"`
	ResolvedBy string        `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time    `json:"resolvedAt,omitempty"`

	History []HistoryEntry `json:"history"`
}

func (d *Dispute) appendHistory(action, actor string, details map[string]string) {
	d.History = append(d.History, HistoryEntry{
		Action:  action,
		At:      time.Now(),
		Actor:   actor,
		Details: details,
	})
}
