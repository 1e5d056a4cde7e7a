package marketplace

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists listings and orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed marketplace store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateListing(ctx context.Context, l *Listing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (id, seller_id, title, price, currency, status, created_at, sold_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, $6, $7, $8)`,
		l.ID, l.SellerID, l.Title, l.Price, l.Currency, string(l.Status), l.CreatedAt, nullTime(l.SoldAt),
	)
	return err
}

func (p *PostgresStore) GetListing(ctx context.Context, id string) (*Listing, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, seller_id, title, price, currency, status, created_at, sold_at
		FROM listings WHERE id = $1`, id)

	l := &Listing{}
	var status string
	var soldAt sql.NullTime
	err := row.Scan(&l.ID, &l.SellerID, &l.Title, &l.Price, &l.Currency, &status, &l.CreatedAt, &soldAt)
	if err == sql.ErrNoRows {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	l.Status = ListingStatus(status)
	if soldAt.Valid {
		l.SoldAt = &soldAt.Time
	}
	return l, nil
}

func (p *PostgresStore) CompleteSale(ctx context.Context, listingID string, order *Order) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Conditional on active status so a double-release cannot create two
	// orders for one listing.
	result, err := tx.ExecContext(ctx, `
		UPDATE listings SET status = $1, sold_at = $2
		WHERE id = $3 AND status = $4`,
		string(ListingSold), time.Now(), listingID, string(ListingActive),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := p.GetListing(ctx, listingID); getErr != nil {
			return getErr
		}
		return ErrListingNotActive
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, listing_id, buyer_id, seller_id, amount, currency, escrow_id, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6, $7, $8)`,
		order.ID, order.ListingID, order.BuyerID, order.SellerID,
		order.Amount, order.Currency, order.EscrowID, order.CreatedAt,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, listing_id, buyer_id, seller_id, amount, currency, escrow_id, created_at
		FROM orders WHERE id = $1`, id)

	o := &Order{}
	err := row.Scan(&o.ID, &o.ListingID, &o.BuyerID, &o.SellerID, &o.Amount, &o.Currency, &o.EscrowID, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (p *PostgresStore) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, listing_id, buyer_id, seller_id, amount, currency, escrow_id, created_at
		FROM orders
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o := &Order{}
		if err := rows.Scan(&o.ID, &o.ListingID, &o.BuyerID, &o.SellerID, &o.Amount, &o.Currency, &o.EscrowID, &o.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
