package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/pennyauction/core"
)

const auctionColumns = `auction_id, title, bid_fee, bid_step, starting_bid, current_bid,
	claim_cost, payout_amount, claim_success, start_date, expires_at, max_expiry_date,
	max_claim_date, anti_snipe_window_ms, number_of_winners, is_finalized, winners`

const bidColumns = `bid_id, auction_id, user_id, position, amount, fee, confirmed, created_at, previous_expires_at`

// Ledger is a core.Ledger on PostgreSQL
type Ledger struct {
	db *sql.DB
}

var _ core.Ledger = (*Ledger)(nil)

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuction(row rowScanner) (core.Auction, error) {
	var (
		a                   core.Auction
		maxExpiry, maxClaim sql.NullTime
		antiSnipeMillis     int64
		winners             pq.StringArray
	)
	err := row.Scan(&a.ID, &a.Title, &a.BidFee, &a.BidStep, &a.StartingBid, &a.CurrentBid,
		&a.ClaimCost, &a.PayoutAmount, &a.ClaimSuccess, &a.StartDate, &a.ExpiresAt, &maxExpiry,
		&maxClaim, &antiSnipeMillis, &a.NumberOfWinners, &a.IsFinalized, &winners)
	if err != nil {
		return core.Auction{}, err
	}
	a.MaxExpiryDate = timeOf(maxExpiry)
	a.MaxClaimDate = timeOf(maxClaim)
	a.AntiSnipeWindow = time.Duration(antiSnipeMillis) * time.Millisecond
	if len(winners) > 0 {
		a.Winners = []string(winners)
	}
	return a, nil
}

// winnersArray encodes nil as an empty array for the NOT NULL column
func winnersArray(winners []string) pq.StringArray {
	if winners == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(winners)
}

func scanBid(row rowScanner) (core.Bid, error) {
	var (
		b        core.Bid
		previous sql.NullTime
	)
	err := row.Scan(&b.ID, &b.AuctionID, &b.UserID, &b.Position, &b.Amount, &b.Fee, &b.Confirmed, &b.CreatedAt, &previous)
	b.PreviousExpiry = timeOf(previous)
	return b, err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadAuction(ctx context.Context, q querier, auctionID string, forUpdate bool) (core.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE auction_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	a, err := scanAuction(q.QueryRowContext(ctx, query, auctionID))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Auction{}, fmt.Errorf("%w: %s", core.ErrAuctionNotFound, auctionID)
	}
	if err != nil {
		return core.Auction{}, fmt.Errorf("load auction %s: %w", auctionID, err)
	}
	return a, nil
}

func loadBids(ctx context.Context, q querier, auctionID string) ([]core.Bid, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE auction_id = $1 ORDER BY position`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("load bids of %s: %w", auctionID, err)
	}
	defer rows.Close()

	bids := make([]core.Bid, 0)
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// loadLeader returns the bid with the highest position, or nil
func loadLeader(ctx context.Context, q querier, auctionID string) (*core.Bid, error) {
	b, err := scanBid(q.QueryRowContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE auction_id = $1 ORDER BY position DESC LIMIT 1`, auctionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load leader of %s: %w", auctionID, err)
	}
	return &b, nil
}

func (l *Ledger) CreateAuction(ctx context.Context, a core.Auction) (core.Auction, error) {
	state, err := core.NewAuctionState(a)
	if err != nil {
		return core.Auction{}, err
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO auctions (`+auctionColumns+`, next_position)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1)
	`, state.ID, state.Title, state.BidFee, state.BidStep, state.StartingBid, state.CurrentBid,
		state.ClaimCost, state.PayoutAmount, state.ClaimSuccess, state.StartDate, state.ExpiresAt,
		nullTime(state.MaxExpiryDate), nullTime(state.MaxClaimDate), state.AntiSnipeWindow.Milliseconds(),
		state.WinnerSlots(), state.IsFinalized, winnersArray(state.Winners))
	if isUniqueViolation(err) {
		return core.Auction{}, fmt.Errorf("%w: auction %s already exists", core.ErrInvalidAuction, a.ID)
	}
	if err != nil {
		return core.Auction{}, fmt.Errorf("insert auction %s: %w", a.ID, err)
	}
	return state, nil
}

func (l *Ledger) Auction(ctx context.Context, auctionID string) (core.Auction, error) {
	return loadAuction(ctx, l.db, auctionID, false)
}

func (l *Ledger) Bids(ctx context.Context, auctionID string) ([]core.Bid, error) {
	if _, err := loadAuction(ctx, l.db, auctionID, false); err != nil {
		return nil, err
	}
	return loadBids(ctx, l.db, auctionID)
}

func (l *Ledger) TryAcceptBid(ctx context.Context, auctionID, userID string, proposed decimal.Decimal, now time.Time) (core.Acceptance, error) {
	var acc core.Acceptance
	err := withTx(ctx, l.db, func(tx *sql.Tx) error {
		a, err := loadAuction(ctx, tx, auctionID, true)
		if err != nil {
			return err
		}
		if err := core.CheckBidWindow(a, now); err != nil {
			return err
		}
		if !core.BidMeetsIncrement(proposed, a.CurrentBid, a.BidStep) {
			return fmt.Errorf("%w: %s does not exceed current bid %s by %s",
				core.ErrStaleBid, proposed, a.CurrentBid, a.BidStep)
		}

		previous, err := loadLeader(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if err := core.CheckLeadership(a, previous); err != nil {
			return err
		}

		var position int64
		if err := tx.QueryRowContext(ctx, `
			UPDATE auctions SET next_position = next_position + 1
			WHERE auction_id = $1
			RETURNING next_position - 1
		`, auctionID).Scan(&position); err != nil {
			return fmt.Errorf("allocate bid position: %w", err)
		}

		bid := core.Bid{
			ID:        uuid.NewString(),
			AuctionID: auctionID,
			UserID:    userID,
			Position:  position,
			Amount:    core.RoundAmount(proposed),
			Fee:       a.BidFee,
			CreatedAt: now,

			PreviousExpiry: a.ExpiresAt,
		}
		newExpiry, extended := core.ExtendExpiry(a, now)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bids (`+bidColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $8)
		`, bid.ID, bid.AuctionID, bid.UserID, bid.Position, bid.Amount, bid.Fee, bid.CreatedAt,
			nullTime(bid.PreviousExpiry)); err != nil {
			return fmt.Errorf("insert bid: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE auctions SET current_bid = $2, expires_at = $3
			WHERE auction_id = $1
		`, auctionID, bid.Amount, newExpiry); err != nil {
			return fmt.Errorf("update auction: %w", err)
		}

		acc = core.Acceptance{Bid: bid, NewExpiry: newExpiry, Extended: extended}
		if previous != nil {
			acc.PreviousLeader = previous.UserID
		}
		return nil
	})
	if err != nil {
		return core.Acceptance{}, err
	}
	return acc, nil
}

func (l *Ledger) ConfirmBid(ctx context.Context, auctionID, bidID string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE bids SET confirmed = TRUE
		WHERE auction_id = $1 AND bid_id = $2
	`, auctionID, bidID)
	if err != nil {
		return fmt.Errorf("confirm bid %s: %w", bidID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("confirm bid %s: %w", bidID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: bid %s not found in auction %s", core.ErrInvariantViolation, bidID, auctionID)
	}
	return nil
}

func (l *Ledger) RevertBid(ctx context.Context, auctionID, bidID string) error {
	return withTx(ctx, l.db, func(tx *sql.Tx) error {
		a, err := loadAuction(ctx, tx, auctionID, true)
		if err != nil {
			return err
		}

		reverted, err := scanBid(tx.QueryRowContext(ctx,
			`SELECT `+bidColumns+` FROM bids WHERE auction_id = $1 AND bid_id = $2`, auctionID, bidID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: bid %s not found in auction %s", core.ErrInvariantViolation, bidID, auctionID)
		}
		if err != nil {
			return fmt.Errorf("load bid %s: %w", bidID, err)
		}
		if reverted.Confirmed {
			return fmt.Errorf("%w: bid %s is confirmed and cannot be reverted", core.ErrInvariantViolation, bidID)
		}
		previous, err := loadLeader(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		wasLeader := previous != nil && previous.ID == reverted.ID

		if _, err := tx.ExecContext(ctx, `DELETE FROM bids WHERE bid_id = $1`, bidID); err != nil {
			return fmt.Errorf("delete bid %s: %w", bidID, err)
		}

		current := a.StartingBid
		leader, err := loadLeader(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if leader != nil {
			current = leader.Amount
		}
		expiry := core.ExpiryAfterRevert(a, reverted, wasLeader)
		if _, err := tx.ExecContext(ctx, `UPDATE auctions SET current_bid = $2, expires_at = $3 WHERE auction_id = $1`,
			auctionID, current, expiry); err != nil {
			return fmt.Errorf("restore current bid: %w", err)
		}
		return nil
	})
}

func (l *Ledger) UnconfirmedBids(ctx context.Context, cutoff time.Time) ([]core.Bid, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT `+bidColumns+` FROM bids
		WHERE NOT confirmed AND created_at <= $1
		ORDER BY created_at, bid_id
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list unconfirmed bids: %w", err)
	}
	defer rows.Close()

	stale := make([]core.Bid, 0)
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		stale = append(stale, b)
	}
	return stale, rows.Err()
}

func (l *Ledger) Finalize(ctx context.Context, auctionID string, now time.Time) (core.Auction, bool, error) {
	var (
		final   core.Auction
		applied bool
	)
	err := withTx(ctx, l.db, func(tx *sql.Tx) error {
		a, err := loadAuction(ctx, tx, auctionID, true)
		if err != nil {
			return err
		}
		if a.IsFinalized {
			final = a
			return nil
		}
		if now.Before(a.ExpiresAt) {
			return fmt.Errorf("%w: auction %s open until %s", core.ErrAuctionNotFinished, auctionID, a.ExpiresAt.Format(time.RFC3339))
		}

		var settling int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM bids WHERE auction_id = $1 AND NOT confirmed`,
			auctionID).Scan(&settling); err != nil {
			return fmt.Errorf("count settling bids: %w", err)
		}
		if settling > 0 {
			return fmt.Errorf("%w: auction %s has %d bids settling", core.ErrAuctionNotFinished, auctionID, settling)
		}

		bids, err := loadBids(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		a.Winners = core.RankWinners(bids, a.WinnerSlots())
		a.IsFinalized = true

		if _, err := tx.ExecContext(ctx, `
			UPDATE auctions SET is_finalized = TRUE, winners = $2
			WHERE auction_id = $1
		`, auctionID, winnersArray(a.Winners)); err != nil {
			return fmt.Errorf("finalize auction %s: %w", auctionID, err)
		}

		log.Printf("INFO: Auction %s finalized with %d bids, winners=%v", auctionID, len(bids), a.Winners)
		final = a
		applied = true
		return nil
	})
	if err != nil {
		return core.Auction{}, false, err
	}
	return final, applied, nil
}

func (l *Ledger) DueForFinalization(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT auction_id FROM auctions
		WHERE NOT is_finalized AND expires_at <= $1
		ORDER BY auction_id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list due auctions: %w", err)
	}
	defer rows.Close()

	due := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan auction id: %w", err)
		}
		due = append(due, id)
	}
	return due, rows.Err()
}
