package settlement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FaultKind classifies work left for out-of-band reconciliation.
type FaultKind string

const (
	// FaultPayoutFailed: the claim is final and charged, the payout call failed.
	FaultPayoutFailed FaultKind = "payout_failed"
	// FaultUnresolvedCharge: a bid was rolled back while its debit outcome
	// was unknown; if the charge exists it must be refunded.
	FaultUnresolvedCharge FaultKind = "unresolved_charge"
	// FaultUnresolvedClaimCharge: a claim debit outcome was unknown and the
	// record was left pending. A found charge completes the claim, a missing
	// one releases it.
	FaultUnresolvedClaimCharge FaultKind = "unresolved_claim_charge"
)

type FaultStatus string

const (
	FaultStatusPending  FaultStatus = "pending"
	FaultStatusResolved FaultStatus = "resolved"
)

// Fault is one journaled reconciliation item.
type Fault struct {
	ID             string          `json:"id"`
	Kind           FaultKind       `json:"kind"`
	Status         FaultStatus     `json:"status"`
	AuctionID      string          `json:"auction_id"`
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
	Voucher        []byte          `json:"voucher,omitempty"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// FaultJournal stores reconciliation work. Recording the same kind and
// idempotency key twice returns the existing fault.
type FaultJournal interface {
	Record(ctx context.Context, f Fault) (Fault, error)
	Pending(ctx context.Context, limit int) ([]Fault, error)
	MarkAttempt(ctx context.Context, id string, lastErr error, now time.Time) error
	Resolve(ctx context.Context, id string, now time.Time) error
}

// MemoryFaultJournal is an in-process FaultJournal.
type MemoryFaultJournal struct {
	mu     sync.Mutex
	faults map[string]*Fault
	byKey  map[string]string
}

var _ FaultJournal = (*MemoryFaultJournal)(nil)

func NewMemoryFaultJournal() *MemoryFaultJournal {
	return &MemoryFaultJournal{
		faults: make(map[string]*Fault),
		byKey:  make(map[string]string),
	}
}

func faultKey(kind FaultKind, idempotencyKey string) string {
	return string(kind) + "|" + idempotencyKey
}

func (j *MemoryFaultJournal) Record(_ context.Context, f Fault) (Fault, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if id, ok := j.byKey[faultKey(f.Kind, f.IdempotencyKey)]; ok {
		return *j.faults[id], nil
	}

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.Status = FaultStatusPending
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = f.CreatedAt
	}
	stored := f
	j.faults[f.ID] = &stored
	j.byKey[faultKey(f.Kind, f.IdempotencyKey)] = f.ID
	return f, nil
}

func (j *MemoryFaultJournal) Pending(_ context.Context, limit int) ([]Fault, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	pending := make([]Fault, 0)
	for _, f := range j.faults {
		if f.Status == FaultStatusPending {
			pending = append(pending, *f)
		}
	}
	sort.Slice(pending, func(i, k int) bool {
		if pending[i].CreatedAt.Equal(pending[k].CreatedAt) {
			return pending[i].ID < pending[k].ID
		}
		return pending[i].CreatedAt.Before(pending[k].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (j *MemoryFaultJournal) MarkAttempt(_ context.Context, id string, lastErr error, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, ok := j.faults[id]
	if !ok {
		return fmt.Errorf("fault %s not found", id)
	}
	f.Attempts++
	f.UpdatedAt = now
	if lastErr != nil {
		f.LastError = lastErr.Error()
	}
	return nil
}

func (j *MemoryFaultJournal) Resolve(_ context.Context, id string, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, ok := j.faults[id]
	if !ok {
		return fmt.Errorf("fault %s not found", id)
	}
	f.Status = FaultStatusResolved
	f.UpdatedAt = now
	return nil
}

// Get returns a fault by ID.
func (j *MemoryFaultJournal) Get(id string) (Fault, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	f, ok := j.faults[id]
	if !ok {
		return Fault{}, false
	}
	return *f, true
}
