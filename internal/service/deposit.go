package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tarunvenkatesh/settleops/internal/domain"
)

// DepositService authorizes balance top-ups for payers. The allowable
// amount is capped at 25% of the payer's unpaid work under active
// agreements, evaluated inside a serializable transaction so that two
// concurrent deposits cannot both be judged against a stale obligation sum.
type DepositService struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewDepositService(db *pgxpool.Pool, logger *slog.Logger) *DepositService {
	return &DepositService{db: db, logger: logger}
}

// Deposit adds amount to the payer's balance and returns the new balance.
// Validation happens before any transaction opens; serialization conflicts
// are retried a bounded number of times, then surfaced as ErrTxConflict.
func (s *DepositService) Deposit(ctx context.Context, payerID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidAmount
	}

	for attempt := 1; ; attempt++ {
		newBalance, err := s.attempt(ctx, payerID, amount)
		if err == nil {
			s.logger.Info("deposit accepted",
				"payer_id", payerID,
				"amount", amount.String(),
				"balance", newBalance.String(),
			)
			return newBalance, nil
		}
		if !retryable(err) {
			return decimal.Zero, err
		}
		if attempt >= maxTxAttempts {
			return decimal.Zero, fmt.Errorf("%w: %v", ErrTxConflict, err)
		}
		s.logger.Warn("deposit conflict, retrying",
			"payer_id", payerID,
			"attempt", attempt,
		)
		if berr := backoff(ctx, attempt); berr != nil {
			return decimal.Zero, berr
		}
	}
}

func (s *DepositService) attempt(ctx context.Context, payerID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return decimal.Zero, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var balanceText string
	err = tx.QueryRow(ctx,
		"SELECT balance::text FROM accounts WHERE id = $1 AND role = 'payer' FOR UPDATE",
		payerID).Scan(&balanceText)
	if err == pgx.ErrNoRows {
		return decimal.Zero, ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("payer lock failed: %w", err)
	}

	// Postgres rejects FOR SHARE on aggregate queries, so the obligation
	// sum is protected by the serializable isolation level instead: any
	// concurrent settlement or agreement change that would invalidate this
	// read aborts one of the transactions with a serialization failure.
	var owedText string
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(w.amount), 0)::text
		 FROM work_records w
		 JOIN agreements a ON a.id = w.agreement_id
		 WHERE a.payer_id = $1 AND a.status = 'active' AND w.paid = false`,
		payerID).Scan(&owedText)
	if err != nil {
		return decimal.Zero, fmt.Errorf("obligation sum failed: %w", err)
	}
	totalOwed, err := decimal.NewFromString(owedText)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed obligation sum: %w", err)
	}

	if limit := domain.DepositCap(totalOwed); amount.GreaterThan(limit) {
		s.logger.Info("deposit rejected over cap",
			"payer_id", payerID,
			"amount", amount.String(),
			"cap", limit.String(),
		)
		return decimal.Zero, ErrDepositLimitExceeded
	}

	var newBalanceText string
	err = tx.QueryRow(ctx,
		"UPDATE accounts SET balance = balance + $1::numeric WHERE id = $2 RETURNING balance::text",
		amount.String(), payerID).Scan(&newBalanceText)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance update failed: %w", err)
	}
	newBalance, err := decimal.NewFromString(newBalanceText)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("tx commit failed: %w", err)
	}
	return newBalance, nil
}
