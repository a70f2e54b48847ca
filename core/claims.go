package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClaimStore persists ClaimRecords with compare-and-swap transitions keyed
// on (auction, user).
type ClaimStore interface {
	// Get returns the record and whether it exists.
	Get(ctx context.Context, auctionID, userID string) (ClaimRecord, bool, error)
	// List returns every record of an auction ordered by user.
	List(ctx context.Context, auctionID string) ([]ClaimRecord, error)

	// Acquire moves the record unclaimed→pending (creating it when absent)
	// and returns a lease on the new attempt. A pending record whose lease
	// has expired is taken over with the same attempt number. Any other
	// state fails with ErrAlreadyClaimed.
	Acquire(ctx context.Context, auctionID, userID string, now time.Time, leaseTTL time.Duration) (ClaimLease, error)
	// Complete moves the leased record pending→claimed.
	Complete(ctx context.Context, lease ClaimLease, now time.Time) (ClaimRecord, error)
	// Release moves the leased record pending→unclaimed so the user can retry.
	Release(ctx context.Context, lease ClaimLease, now time.Time) error
}

type claimEntry struct {
	mu     sync.Mutex
	record ClaimRecord
}

// MemoryClaimStore is an in-process ClaimStore.
type MemoryClaimStore struct {
	mu      sync.RWMutex
	records map[string]*claimEntry
}

var _ ClaimStore = (*MemoryClaimStore)(nil)

func NewMemoryClaimStore() *MemoryClaimStore {
	return &MemoryClaimStore{
		records: make(map[string]*claimEntry),
	}
}

func claimKey(auctionID, userID string) string {
	return auctionID + "\x00" + userID
}

func (s *MemoryClaimStore) lookup(auctionID, userID string) *claimEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[claimKey(auctionID, userID)]
}

func (s *MemoryClaimStore) getOrCreate(auctionID, userID string, now time.Time) *claimEntry {
	if e := s.lookup(auctionID, userID); e != nil {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := claimKey(auctionID, userID)
	if e, ok := s.records[key]; ok {
		return e
	}
	e := &claimEntry{record: ClaimRecord{
		AuctionID: auctionID,
		UserID:    userID,
		Status:    ClaimStatusUnclaimed,
		UpdatedAt: now,
	}}
	s.records[key] = e
	return e
}

func (s *MemoryClaimStore) Get(_ context.Context, auctionID, userID string) (ClaimRecord, bool, error) {
	e := s.lookup(auctionID, userID)
	if e == nil {
		return ClaimRecord{}, false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record, true, nil
}

func (s *MemoryClaimStore) List(_ context.Context, auctionID string) ([]ClaimRecord, error) {
	s.mu.RLock()
	entries := make([]*claimEntry, 0)
	for _, e := range s.records {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	records := make([]ClaimRecord, 0)
	for _, e := range entries {
		e.mu.Lock()
		if e.record.AuctionID == auctionID {
			records = append(records, e.record)
		}
		e.mu.Unlock()
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UserID < records[j].UserID
	})
	return records, nil
}

func (s *MemoryClaimStore) Acquire(_ context.Context, auctionID, userID string, now time.Time, leaseTTL time.Duration) (ClaimLease, error) {
	e := s.getOrCreate(auctionID, userID, now)

	e.mu.Lock()
	defer e.mu.Unlock()

	next, lease, err := AcquireTransition(e.record, now, leaseTTL)
	if err != nil {
		return ClaimLease{}, err
	}
	e.record = next
	return lease, nil
}

func (s *MemoryClaimStore) Complete(_ context.Context, lease ClaimLease, now time.Time) (ClaimRecord, error) {
	e := s.lookup(lease.AuctionID, lease.UserID)
	if e == nil {
		return ClaimRecord{}, fmt.Errorf("%w: no claim record for auction %s user %s", ErrInvariantViolation, lease.AuctionID, lease.UserID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := CheckLease(e.record, lease); err != nil {
		return ClaimRecord{}, err
	}
	e.record.Status = ClaimStatusClaimed
	e.record.ClaimedAt = now
	e.record.UpdatedAt = now
	e.record.LeaseID = ""
	e.record.LeaseExpiresAt = time.Time{}
	return e.record, nil
}

func (s *MemoryClaimStore) Release(_ context.Context, lease ClaimLease, now time.Time) error {
	e := s.lookup(lease.AuctionID, lease.UserID)
	if e == nil {
		return fmt.Errorf("%w: no claim record for auction %s user %s", ErrInvariantViolation, lease.AuctionID, lease.UserID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := CheckLease(e.record, lease); err != nil {
		return err
	}
	e.record.Status = ClaimStatusUnclaimed
	e.record.UpdatedAt = now
	e.record.LeaseID = ""
	e.record.LeaseExpiresAt = time.Time{}
	return nil
}

// AcquireTransition computes the record state after a successful Acquire.
// Stores share it so their CAS semantics cannot drift apart.
func AcquireTransition(r ClaimRecord, now time.Time, leaseTTL time.Duration) (ClaimRecord, ClaimLease, error) {
	lease := ClaimLease{
		AuctionID: r.AuctionID,
		UserID:    r.UserID,
		LeaseID:   uuid.NewString(),
		ExpiresAt: now.Add(leaseTTL),
	}

	switch r.Status {
	case ClaimStatusClaimed:
		return r, ClaimLease{}, fmt.Errorf("%w: auction %s claimed by %s at %s",
			ErrAlreadyClaimed, r.AuctionID, r.UserID, r.ClaimedAt.Format(time.RFC3339))
	case ClaimStatusPending:
		if now.Before(r.LeaseExpiresAt) {
			return r, ClaimLease{}, fmt.Errorf("%w: claim on auction %s is being settled", ErrAlreadyClaimed, r.AuctionID)
		}
		lease.Attempt = r.Attempt
		lease.Resumed = true
	case ClaimStatusUnclaimed, "":
		lease.Attempt = r.Attempt + 1
	default:
		return r, ClaimLease{}, fmt.Errorf("%w: unknown claim status %q", ErrInvariantViolation, r.Status)
	}

	r.Status = ClaimStatusPending
	r.Attempt = lease.Attempt
	r.LeaseID = lease.LeaseID
	r.LeaseExpiresAt = lease.ExpiresAt
	r.UpdatedAt = now
	return r, lease, nil
}

// CheckLease verifies that lease still holds the pending record r.
func CheckLease(r ClaimRecord, lease ClaimLease) error {
	if r.Status != ClaimStatusPending {
		return fmt.Errorf("%w: claim on auction %s for %s is %s, not pending",
			ErrInvariantViolation, r.AuctionID, r.UserID, r.Status)
	}
	if r.LeaseID != lease.LeaseID || r.Attempt != lease.Attempt {
		return fmt.Errorf("%w: lease %s no longer holds claim on auction %s", ErrInvariantViolation, lease.LeaseID, r.AuctionID)
	}
	return nil
}
