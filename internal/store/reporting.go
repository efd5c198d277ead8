package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// CategoryEarnings is one row of the best-category report.
type CategoryEarnings struct {
	Category    string          `json:"category"`
	TotalEarned decimal.Decimal `json:"total_earned"`
}

// PayerSpend is one row of the top-payers report.
type PayerSpend struct {
	ID   int64           `json:"id"`
	Name string          `json:"name"`
	Paid decimal.Decimal `json:"paid"`
}

// BestCategory returns the payee category that earned the most from work
// settled within [start, end]. ErrNotFound when nothing settled in the window.
func (s *Store) BestCategory(ctx context.Context, start, end time.Time) (*CategoryEarnings, error) {
	var (
		result CategoryEarnings
		total  string
	)
	err := s.Db.QueryRow(ctx,
		`SELECT payee.category, SUM(w.amount)::text
		 FROM work_records w
		 JOIN agreements a ON a.id = w.agreement_id
		 JOIN accounts payee ON payee.id = a.payee_id
		 WHERE w.paid AND w.paid_at BETWEEN $1 AND $2
		 GROUP BY payee.category
		 ORDER BY SUM(w.amount) DESC
		 LIMIT 1`,
		start, end).Scan(&result.Category, &total)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if result.TotalEarned, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("malformed earnings total: %w", err)
	}
	return &result, nil
}

// TopPayers returns payers ranked by the amount of work they settled within
// [start, end], highest spend first.
func (s *Store) TopPayers(ctx context.Context, start, end time.Time, limit int) ([]PayerSpend, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT payer.id, payer.name, SUM(w.amount)::text
		 FROM work_records w
		 JOIN agreements a ON a.id = w.agreement_id
		 JOIN accounts payer ON payer.id = a.payer_id
		 WHERE w.paid AND w.paid_at BETWEEN $1 AND $2
		 GROUP BY payer.id, payer.name
		 ORDER BY SUM(w.amount) DESC
		 LIMIT $3`,
		start, end, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payers []PayerSpend
	for rows.Next() {
		var (
			p    PayerSpend
			paid string
		)
		if err := rows.Scan(&p.ID, &p.Name, &paid); err != nil {
			return nil, err
		}
		if p.Paid, err = decimal.NewFromString(paid); err != nil {
			return nil, fmt.Errorf("malformed spend total: %w", err)
		}
		payers = append(payers, p)
	}
	return payers, rows.Err()
}
