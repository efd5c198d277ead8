package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tarunvenkatesh/settleops/internal/domain"
)

// Schema is the full DDL for the engine, applied by cmd/seeder. Every
// statement is idempotent (IF NOT EXISTS) so re-applying is safe.
//
//go:embed schema.sql
var Schema string

var ErrNotFound = errors.New("not found")

type Store struct {
	Db *pgxpool.Pool
}

func NewStore(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

// ApplySchema creates all tables and indexes if they do not exist yet.
func (s *Store) ApplySchema(ctx context.Context) error {
	_, err := s.Db.Exec(ctx, Schema)
	return err
}

// GetAccount retrieves a single account by ID.
func (s *Store) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	var (
		acc     domain.Account
		balance string
	)
	err := s.Db.QueryRow(ctx,
		"SELECT id, name, category, role, balance::text, created_at FROM accounts WHERE id = $1",
		id).Scan(&acc.ID, &acc.Name, &acc.Category, &acc.Role, &balance, &acc.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if acc.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("malformed balance for account %d: %w", id, err)
	}
	return &acc, nil
}

// GetAgreement retrieves an agreement only if accountID is its payer or
// payee; anything else reports ErrNotFound rather than leaking existence.
func (s *Store) GetAgreement(ctx context.Context, id, accountID int64) (*domain.Agreement, error) {
	var a domain.Agreement
	err := s.Db.QueryRow(ctx,
		`SELECT id, payer_id, payee_id, terms, status, created_at
		 FROM agreements
		 WHERE id = $1 AND (payer_id = $2 OR payee_id = $2)`,
		id, accountID).Scan(&a.ID, &a.PayerID, &a.PayeeID, &a.Terms, &a.Status, &a.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAgreements returns the caller's agreements. With closedOnly the result
// is restricted to closed agreements; otherwise closed ones are excluded.
func (s *Store) ListAgreements(ctx context.Context, accountID int64, closedOnly bool, limit int) ([]domain.Agreement, error) {
	statusClause := "status <> 'closed'"
	if closedOnly {
		statusClause = "status = 'closed'"
	}

	rows, err := s.Db.Query(ctx,
		`SELECT id, payer_id, payee_id, terms, status, created_at
		 FROM agreements
		 WHERE (payer_id = $1 OR payee_id = $1) AND `+statusClause+`
		 ORDER BY id ASC
		 LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agreements []domain.Agreement
	for rows.Next() {
		var a domain.Agreement
		if err := rows.Scan(&a.ID, &a.PayerID, &a.PayeeID, &a.Terms, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		agreements = append(agreements, a)
	}
	return agreements, rows.Err()
}

// ListUnpaidWork returns unsettled work records under the caller's active
// agreements, on either side of the agreement.
func (s *Store) ListUnpaidWork(ctx context.Context, accountID int64) ([]domain.WorkRecord, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT w.id, w.agreement_id, w.description, w.amount::text, w.paid, w.paid_at, w.created_at
		 FROM work_records w
		 JOIN agreements a ON a.id = w.agreement_id
		 WHERE w.paid = false
		   AND a.status = 'active'
		   AND (a.payer_id = $1 OR a.payee_id = $1)
		 ORDER BY w.id ASC`,
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.WorkRecord
	for rows.Next() {
		var (
			w      domain.WorkRecord
			amount string
		)
		if err := rows.Scan(&w.ID, &w.AgreementID, &w.Description, &amount, &w.Paid, &w.PaidAt, &w.CreatedAt); err != nil {
			return nil, err
		}
		if w.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("malformed amount for work record %d: %w", w.ID, err)
		}
		records = append(records, w)
	}
	return records, rows.Err()
}

// CreateAccount inserts a new account and returns its ID. Used by the
// seeder and by tests; accounts are never created through the HTTP surface.
func (s *Store) CreateAccount(ctx context.Context, name, category string, role domain.Role, balance decimal.Decimal) (int64, error) {
	var id int64
	err := s.Db.QueryRow(ctx,
		"INSERT INTO accounts (name, category, role, balance) VALUES ($1, $2, $3, $4::numeric) RETURNING id",
		name, category, role, balance.String()).Scan(&id)
	return id, err
}

// CreateAgreement inserts a new agreement and returns its ID.
func (s *Store) CreateAgreement(ctx context.Context, payerID, payeeID int64, terms string, status domain.AgreementStatus) (int64, error) {
	var id int64
	err := s.Db.QueryRow(ctx,
		"INSERT INTO agreements (payer_id, payee_id, terms, status) VALUES ($1, $2, $3, $4) RETURNING id",
		payerID, payeeID, terms, status).Scan(&id)
	return id, err
}

// CreateWorkRecord inserts a new unsettled work record and returns its ID.
func (s *Store) CreateWorkRecord(ctx context.Context, agreementID int64, description string, amount decimal.Decimal) (int64, error) {
	var id int64
	err := s.Db.QueryRow(ctx,
		"INSERT INTO work_records (agreement_id, description, amount) VALUES ($1, $2, $3::numeric) RETURNING id",
		agreementID, description, amount.String()).Scan(&id)
	return id, err
}
