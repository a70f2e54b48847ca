package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cloudx-io/pennyauction/core"
)

const claimColumns = `auction_id, user_id, status, attempt, lease_id, lease_expires_at, claimed_at, updated_at`

// ClaimStore is a core.ClaimStore on PostgreSQL. Transitions lock the claim
// row and apply the shared core transition rules.
type ClaimStore struct {
	db *sql.DB
}

var _ core.ClaimStore = (*ClaimStore)(nil)

func NewClaimStore(db *sql.DB) *ClaimStore {
	return &ClaimStore{db: db}
}

func scanClaim(row rowScanner) (core.ClaimRecord, error) {
	var (
		r                      core.ClaimRecord
		status                 string
		leaseExpiry, claimedAt sql.NullTime
	)
	if err := row.Scan(&r.AuctionID, &r.UserID, &status, &r.Attempt, &r.LeaseID, &leaseExpiry, &claimedAt, &r.UpdatedAt); err != nil {
		return core.ClaimRecord{}, err
	}
	r.Status = core.ClaimStatus(status)
	r.LeaseExpiresAt = timeOf(leaseExpiry)
	r.ClaimedAt = timeOf(claimedAt)
	return r, nil
}

func (s *ClaimStore) Get(ctx context.Context, auctionID, userID string) (core.ClaimRecord, bool, error) {
	r, err := scanClaim(s.db.QueryRowContext(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE auction_id = $1 AND user_id = $2`, auctionID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return core.ClaimRecord{}, false, nil
	}
	if err != nil {
		return core.ClaimRecord{}, false, fmt.Errorf("load claim: %w", err)
	}
	return r, true, nil
}

func (s *ClaimStore) List(ctx context.Context, auctionID string) ([]core.ClaimRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE auction_id = $1 ORDER BY user_id`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()

	records := make([]core.ClaimRecord, 0)
	for rows.Next() {
		r, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func lockClaim(ctx context.Context, tx *sql.Tx, auctionID, userID string) (core.ClaimRecord, error) {
	r, err := scanClaim(tx.QueryRowContext(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE auction_id = $1 AND user_id = $2 FOR UPDATE`, auctionID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return core.ClaimRecord{}, fmt.Errorf("%w: no claim record for auction %s user %s", core.ErrInvariantViolation, auctionID, userID)
	}
	if err != nil {
		return core.ClaimRecord{}, fmt.Errorf("lock claim: %w", err)
	}
	return r, nil
}

func saveClaim(ctx context.Context, tx *sql.Tx, r core.ClaimRecord) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE claims
		SET status = $3, attempt = $4, lease_id = $5, lease_expires_at = $6, claimed_at = $7, updated_at = $8
		WHERE auction_id = $1 AND user_id = $2
	`, r.AuctionID, r.UserID, string(r.Status), r.Attempt, r.LeaseID, nullTime(r.LeaseExpiresAt), nullTime(r.ClaimedAt), r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save claim: %w", err)
	}
	return nil
}

func (s *ClaimStore) Acquire(ctx context.Context, auctionID, userID string, now time.Time, leaseTTL time.Duration) (core.ClaimLease, error) {
	var lease core.ClaimLease
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO claims (auction_id, user_id, status, attempt, updated_at)
			VALUES ($1, $2, $3, 0, $4)
			ON CONFLICT (auction_id, user_id) DO NOTHING
		`, auctionID, userID, string(core.ClaimStatusUnclaimed), now); err != nil {
			return fmt.Errorf("create claim: %w", err)
		}

		current, err := lockClaim(ctx, tx, auctionID, userID)
		if err != nil {
			return err
		}
		next, acquired, err := core.AcquireTransition(current, now, leaseTTL)
		if err != nil {
			return err
		}
		if err := saveClaim(ctx, tx, next); err != nil {
			return err
		}
		lease = acquired
		return nil
	})
	if err != nil {
		return core.ClaimLease{}, err
	}
	return lease, nil
}

func (s *ClaimStore) Complete(ctx context.Context, lease core.ClaimLease, now time.Time) (core.ClaimRecord, error) {
	var record core.ClaimRecord
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		r, err := lockClaim(ctx, tx, lease.AuctionID, lease.UserID)
		if err != nil {
			return err
		}
		if err := core.CheckLease(r, lease); err != nil {
			return err
		}
		r.Status = core.ClaimStatusClaimed
		r.ClaimedAt = now
		r.UpdatedAt = now
		r.LeaseID = ""
		r.LeaseExpiresAt = time.Time{}
		if err := saveClaim(ctx, tx, r); err != nil {
			return err
		}
		record = r
		return nil
	})
	if err != nil {
		return core.ClaimRecord{}, err
	}
	return record, nil
}

func (s *ClaimStore) Release(ctx context.Context, lease core.ClaimLease, now time.Time) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		r, err := lockClaim(ctx, tx, lease.AuctionID, lease.UserID)
		if err != nil {
			return err
		}
		if err := core.CheckLease(r, lease); err != nil {
			return err
		}
		r.Status = core.ClaimStatusUnclaimed
		r.UpdatedAt = now
		r.LeaseID = ""
		r.LeaseExpiresAt = time.Time{}
		return saveClaim(ctx, tx, r)
	})
}
