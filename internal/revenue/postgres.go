package revenue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const revenueSchema = `
CREATE TABLE IF NOT EXISTS platform_revenue (
	id             TEXT PRIMARY KEY,
	transaction_id TEXT UNIQUE,
	org_id         TEXT,
	chain          TEXT NOT NULL,
	amount         BIGINT NOT NULL,
	platform_fee   BIGINT NOT NULL,
	seller_amount  BIGINT NOT NULL,
	fee_bps        INTEGER NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_platform_revenue_created_at
	ON platform_revenue (created_at);
CREATE INDEX IF NOT EXISTS idx_platform_revenue_chain_created_at
	ON platform_revenue (chain, created_at);
`

// PostgresRepository is the production revenue ledger.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository connects and ensures the schema.
func NewPostgresRepository(connStr string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("revenue: open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("revenue: ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, revenueSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("revenue: ensure schema: %w", err)
	}
	return &PostgresRepository{db: db}, nil
}

func (r *PostgresRepository) Record(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO platform_revenue
			(id, transaction_id, org_id, chain, amount, platform_fee, seller_amount, fee_bps, created_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8, $9)`,
		e.ID, e.TransactionID, e.OrgID, e.Chain, e.Amount, e.PlatformFee, e.SellerAmount, e.FeeBps, e.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("revenue: record: %w", err)
	}
	return nil
}

func rangeClause(since, until time.Time, chain string, startIdx int) (string, []interface{}) {
	clause := ""
	var args []interface{}
	idx := startIdx
	if !since.IsZero() {
		clause += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, since)
		idx++
	}
	if !until.IsZero() {
		clause += fmt.Sprintf(" AND created_at < $%d", idx)
		args = append(args, until)
		idx++
	}
	if chain != "" {
		clause += fmt.Sprintf(" AND chain = $%d", idx)
		args = append(args, chain)
	}
	return clause, args
}

func (r *PostgresRepository) Aggregate(ctx context.Context, since, until time.Time, chain string) (*Summary, error) {
	clause, args := rangeClause(since, until, chain, 1)
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(amount), 0),
		       COALESCE(SUM(platform_fee), 0),
		       COALESCE(SUM(seller_amount), 0)
		FROM platform_revenue WHERE 1=1` + clause

	sum := &Summary{}
	err := r.db.QueryRowContext(ctx, query, args...).
		Scan(&sum.Count, &sum.TotalAmount, &sum.PlatformFees, &sum.SellerAmount)
	if err != nil {
		return nil, fmt.Errorf("revenue: aggregate: %w", err)
	}
	return sum, nil
}

func (r *PostgresRepository) List(ctx context.Context, since, until time.Time, chain string, limit int) ([]*Entry, error) {
	clause, args := rangeClause(since, until, chain, 1)
	query := `
		SELECT id, COALESCE(transaction_id, ''), COALESCE(org_id, ''),
		       chain, amount, platform_fee, seller_amount, fee_bps, created_at
		FROM platform_revenue WHERE 1=1` + clause + `
		ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("revenue: list: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.OrgID, &e.Chain,
			&e.Amount, &e.PlatformFee, &e.SellerAmount, &e.FeeBps, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("revenue: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM platform_revenue WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("revenue: prune: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) Close() error { return r.db.Close() }

var _ Repository = (*PostgresRepository)(nil)
