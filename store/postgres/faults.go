package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cloudx-io/pennyauction/settlement"
)

const faultColumns = `fault_id, kind, status, auction_id, user_id, amount, idempotency_key,
	voucher, attempts, last_error, created_at, updated_at`

// FaultJournal is a settlement.FaultJournal on PostgreSQL, so pending
// payouts and refunds survive a restart.
type FaultJournal struct {
	db *sql.DB
}

var _ settlement.FaultJournal = (*FaultJournal)(nil)

func NewFaultJournal(db *sql.DB) *FaultJournal {
	return &FaultJournal{db: db}
}

func scanFault(row rowScanner) (settlement.Fault, error) {
	var (
		f            settlement.Fault
		kind, status string
	)
	err := row.Scan(&f.ID, &kind, &status, &f.AuctionID, &f.UserID, &f.Amount, &f.IdempotencyKey,
		&f.Voucher, &f.Attempts, &f.LastError, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return settlement.Fault{}, err
	}
	f.Kind = settlement.FaultKind(kind)
	f.Status = settlement.FaultStatus(status)
	return f, nil
}

func (j *FaultJournal) Record(ctx context.Context, f settlement.Fault) (settlement.Fault, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.Status = settlement.FaultStatusPending
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = f.CreatedAt
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO fulfillment_faults (`+faultColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, '', $9, $10)
		ON CONFLICT (kind, idempotency_key) DO NOTHING
	`, f.ID, string(f.Kind), string(f.Status), f.AuctionID, f.UserID, f.Amount, f.IdempotencyKey,
		f.Voucher, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return settlement.Fault{}, fmt.Errorf("record fault: %w", err)
	}

	stored, err := scanFault(j.db.QueryRowContext(ctx,
		`SELECT `+faultColumns+` FROM fulfillment_faults WHERE kind = $1 AND idempotency_key = $2`,
		string(f.Kind), f.IdempotencyKey))
	if err != nil {
		return settlement.Fault{}, fmt.Errorf("load recorded fault: %w", err)
	}
	return stored, nil
}

func (j *FaultJournal) Pending(ctx context.Context, limit int) ([]settlement.Fault, error) {
	query := `SELECT ` + faultColumns + ` FROM fulfillment_faults
		WHERE status = $1 ORDER BY created_at, fault_id`
	args := []any{string(settlement.FaultStatusPending)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending faults: %w", err)
	}
	defer rows.Close()

	faults := make([]settlement.Fault, 0)
	for rows.Next() {
		f, err := scanFault(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fault: %w", err)
		}
		faults = append(faults, f)
	}
	return faults, rows.Err()
}

func (j *FaultJournal) MarkAttempt(ctx context.Context, id string, lastErr error, now time.Time) error {
	message := ""
	if lastErr != nil {
		message = lastErr.Error()
	}
	res, err := j.db.ExecContext(ctx, `
		UPDATE fulfillment_faults
		SET attempts = attempts + 1, updated_at = $2,
		    last_error = CASE WHEN $3::text = '' THEN last_error ELSE $3::text END
		WHERE fault_id = $1
	`, id, now, message)
	if err != nil {
		return fmt.Errorf("mark fault attempt: %w", err)
	}
	return requireRow(res, id)
}

func (j *FaultJournal) Resolve(ctx context.Context, id string, now time.Time) error {
	res, err := j.db.ExecContext(ctx, `
		UPDATE fulfillment_faults SET status = $2, updated_at = $3
		WHERE fault_id = $1
	`, id, string(settlement.FaultStatusResolved), now)
	if err != nil {
		return fmt.Errorf("resolve fault: %w", err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("fault %s not found", id)
	}
	return nil
}
