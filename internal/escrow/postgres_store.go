package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists escrows in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates an escrow store backed by the given database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, listing_id, buyer_id, seller_id, amount, currency,
	platform_fee, net_amount, payment_method, status, terms, payment_proof,
	release_request, released_by, release_type, created_at, funded_at,
	released_at, auto_release_at, updated_at, history`

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	var (
		e              Escrow
		terms          []byte
		releaseRequest []byte
		history        []byte
		paymentProof   sql.NullString
		releasedBy     sql.NullString
		releaseType    sql.NullString
		fundedAt       sql.NullTime
		releasedAt     sql.NullTime
		autoReleaseAt  sql.NullTime
	)
	err := s.Scan(
		&e.ID, &e.ListingID, &e.BuyerID, &e.SellerID, &e.Amount, &e.Currency,
		&e.PlatformFee, &e.NetAmount, &e.PaymentMethod, &e.Status, &terms,
		&paymentProof, &releaseRequest, &releasedBy, &releaseType,
		&e.CreatedAt, &fundedAt, &releasedAt, &autoReleaseAt, &e.UpdatedAt,
		&history,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(terms, &e.Terms); err != nil {
		return nil, fmt.Errorf("unmarshal terms: %w", err)
	}
	if len(releaseRequest) > 0 {
		var rr ReleaseRequest
		if err := json.Unmarshal(releaseRequest, &rr); err != nil {
			return nil, fmt.Errorf("unmarshal release request: %w", err)
		}
		e.ReleaseRequest = &rr
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &e.History); err != nil {
			return nil, fmt.Errorf("unmarshal history: %w", err)
		}
	}

	e.PaymentProof = paymentProof.String
	e.ReleasedBy = releasedBy.String
	e.ReleaseType = releaseType.String
	if fundedAt.Valid {
		e.FundedAt = &fundedAt.Time
	}
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	if autoReleaseAt.Valid {
		e.AutoReleaseAt = &autoReleaseAt.Time
	}
	return &e, nil
}

func escrowJSON(e *Escrow) (terms, releaseRequest, history []byte, err error) {
	terms, err = json.Marshal(e.Terms)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal terms: %w", err)
	}
	if e.ReleaseRequest != nil {
		releaseRequest, err = json.Marshal(e.ReleaseRequest)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal release request: %w", err)
		}
	}
	history, err = json.Marshal(e.History)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal history: %w", err)
	}
	return terms, releaseRequest, history, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	terms, releaseRequest, history, err := escrowJSON(e)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrows (id, listing_id, buyer_id, seller_id, amount,
			currency, platform_fee, net_amount, payment_method, status, terms,
			payment_proof, release_request, released_by, release_type,
			created_at, funded_at, released_at, auto_release_at, updated_at,
			history)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21)`,
		e.ID, e.ListingID, e.BuyerID, e.SellerID, e.Amount, e.Currency,
		e.PlatformFee, e.NetAmount, e.PaymentMethod, e.Status, terms,
		nullString(e.PaymentProof), nullJSON(releaseRequest),
		nullString(e.ReleasedBy), nullString(e.ReleaseType), e.CreatedAt,
		nullTime(e.FundedAt), nullTime(e.ReleasedAt), nullTime(e.AutoReleaseAt),
		e.UpdatedAt, history,
	)
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow: %w", err)
	}
	return e, nil
}

func (p *PostgresStore) UpdateIfStatus(ctx context.Context, e *Escrow, expected Status) error {
	terms, releaseRequest, history, err := escrowJSON(e)
	if err != nil {
		return err
	}

	// The status predicate makes the transition atomic: a concurrent
	// transition that already moved the escrow leaves RowsAffected at zero.
	res, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, terms = $2, payment_proof = $3, release_request = $4,
			released_by = $5, release_type = $6, funded_at = $7,
			released_at = $8, auto_release_at = $9, updated_at = $10,
			history = $11
		WHERE id = $12 AND status = $13`,
		e.Status, terms, nullString(e.PaymentProof), nullJSON(releaseRequest),
		nullString(e.ReleasedBy), nullString(e.ReleaseType),
		nullTime(e.FundedAt), nullTime(e.ReleasedAt),
		nullTime(e.AutoReleaseAt), e.UpdatedAt, history, e.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	if n == 0 {
		// Distinguish a missing row from a lost status race.
		current, getErr := p.Get(ctx, e.ID)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: escrow is %s, expected %s", ErrInvalidStatus, current.Status, expected)
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, userID string, status Status, limit int) ([]*Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows
		WHERE (buyer_id = $1 OR seller_id = $1)`
	args := []any{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	defer rows.Close()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("list escrows: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListFundedDue(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1 AND auto_release_at IS NOT NULL AND auto_release_at < $2
		ORDER BY auto_release_at ASC
		LIMIT $3`,
		StatusFunded, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list due escrows: %w", err)
	}
	defer rows.Close()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("list due escrows: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM escrows GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count escrows: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count escrows: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (p *PostgresStore) SumVolume(ctx context.Context) (string, error) {
	var total string
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM escrows`).Scan(&total)
	if err != nil {
		return "", fmt.Errorf("sum volume: %w", err)
	}
	return total, nil
}

var _ Store = (*PostgresStore)(nil)

// PostgresDisputeStore persists disputes in PostgreSQL.
type PostgresDisputeStore struct {
	db *sql.DB
}

// NewPostgresDisputeStore creates a dispute store backed by the given database.
func NewPostgresDisputeStore(db *sql.DB) *PostgresDisputeStore {
	return &PostgresDisputeStore{db: db}
}

func (p *PostgresDisputeStore) Create(ctx context.Context, d *Dispute) error {
	evidence, err := json.Marshal(d.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	history, err := json.Marshal(d.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO disputes (id, escrow_id, disputed_by, reason, evidence,
			status, created_at, resolution, resolved_by, resolved_at, history)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.EscrowID, d.DisputedBy, d.Reason, evidence, d.Status,
		d.CreatedAt, nullString(d.Resolution), nullString(d.ResolvedBy),
		nullTime(d.ResolvedAt), history,
	)
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (p *PostgresDisputeStore) GetByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	var (
		d          Dispute
		evidence   []byte
		history    []byte
		resolution sql.NullString
		resolvedBy sql.NullString
		resolvedAt sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, escrow_id, disputed_by, reason, evidence, status,
			created_at, resolution, resolved_by, resolved_at, history
		FROM disputes WHERE escrow_id = $1
		ORDER BY created_at DESC LIMIT 1`, escrowID).Scan(
		&d.ID, &d.EscrowID, &d.DisputedBy, &d.Reason, &evidence, &d.Status,
		&d.CreatedAt, &resolution, &resolvedBy, &resolvedAt, &history,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispute: %w", err)
	}

	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
			return nil, fmt.Errorf("unmarshal evidence: %w", err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &d.History); err != nil {
			return nil, fmt.Errorf("unmarshal history: %w", err)
		}
	}
	d.Resolution = resolution.String
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return &d, nil
}

func (p *PostgresDisputeStore) Count(ctx context.Context) (total int, open int, err error) {
	err = p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status IN ('open', 'in_review', 'escalated'))
		FROM disputes`).Scan(&total, &open)
	if err != nil {
		return 0, 0, fmt.Errorf("count disputes: %w", err)
	}
	return total, open, nil
}

var _ DisputeStore = (*PostgresDisputeStore)(nil)
