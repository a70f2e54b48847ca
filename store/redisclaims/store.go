// Package redisclaims keeps claim records in Redis hashes so several engine
// replicas share one compare-and-swap point per (auction, user).
package redisclaims

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cloudx-io/pennyauction/core"
)

const keyPrefix = "pennyauction:claim:"

// maxTxRetries bounds optimistic retries when another replica touched the
// same record between WATCH and EXEC
const maxTxRetries = 16

// Connect initializes a Redis client from a redis:// URL or host:port
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Store is a core.ClaimStore on Redis. Each transition reads the record
// under WATCH, applies the shared core rules, and writes it in MULTI/EXEC.
type Store struct {
	client redis.UniversalClient
}

var _ core.ClaimStore = (*Store)(nil)

func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

func recordKey(auctionID, userID string) string {
	return keyPrefix + auctionID + ":" + userID
}

func indexKey(auctionID string) string {
	return keyPrefix + auctionID
}

func (s *Store) Get(ctx context.Context, auctionID, userID string) (core.ClaimRecord, bool, error) {
	data, err := s.client.HGetAll(ctx, recordKey(auctionID, userID)).Result()
	if err != nil {
		return core.ClaimRecord{}, false, fmt.Errorf("load claim: %w", err)
	}
	if len(data) == 0 {
		return core.ClaimRecord{}, false, nil
	}
	r, err := decodeRecord(auctionID, userID, data)
	if err != nil {
		return core.ClaimRecord{}, false, err
	}
	return r, true, nil
}

func (s *Store) List(ctx context.Context, auctionID string) ([]core.ClaimRecord, error) {
	users, err := s.client.SMembers(ctx, indexKey(auctionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	sort.Strings(users)

	records := make([]core.ClaimRecord, 0, len(users))
	for _, userID := range users {
		r, ok, err := s.Get(ctx, auctionID, userID)
		if err != nil {
			return nil, err
		}
		if ok {
			records = append(records, r)
		}
	}
	return records, nil
}

// update runs fn against the watched record and writes its result
// atomically. fn receives exists=false for a missing record.
func (s *Store) update(ctx context.Context, auctionID, userID string, fn func(r core.ClaimRecord, exists bool) (core.ClaimRecord, error)) error {
	key := recordKey(auctionID, userID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("load claim: %w", err)
		}

		current := core.ClaimRecord{AuctionID: auctionID, UserID: userID}
		exists := len(data) > 0
		if exists {
			if current, err = decodeRecord(auctionID, userID, data); err != nil {
				return err
			}
		}

		next, err := fn(current, exists)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, encodeRecord(next))
			p.SAdd(ctx, indexKey(auctionID), userID)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("claim on auction %s for %s kept changing after %d attempts", auctionID, userID, maxTxRetries)
}

func (s *Store) Acquire(ctx context.Context, auctionID, userID string, now time.Time, leaseTTL time.Duration) (core.ClaimLease, error) {
	var lease core.ClaimLease
	err := s.update(ctx, auctionID, userID, func(r core.ClaimRecord, _ bool) (core.ClaimRecord, error) {
		next, acquired, err := core.AcquireTransition(r, now, leaseTTL)
		if err != nil {
			return core.ClaimRecord{}, err
		}
		lease = acquired
		return next, nil
	})
	if err != nil {
		return core.ClaimLease{}, err
	}
	return lease, nil
}

func (s *Store) Complete(ctx context.Context, lease core.ClaimLease, now time.Time) (core.ClaimRecord, error) {
	var record core.ClaimRecord
	err := s.update(ctx, lease.AuctionID, lease.UserID, func(r core.ClaimRecord, exists bool) (core.ClaimRecord, error) {
		if !exists {
			return core.ClaimRecord{}, fmt.Errorf("%w: no claim record for auction %s user %s", core.ErrInvariantViolation, lease.AuctionID, lease.UserID)
		}
		if err := core.CheckLease(r, lease); err != nil {
			return core.ClaimRecord{}, err
		}
		r.Status = core.ClaimStatusClaimed
		r.ClaimedAt = now
		r.UpdatedAt = now
		r.LeaseID = ""
		r.LeaseExpiresAt = time.Time{}
		record = r
		return r, nil
	})
	if err != nil {
		return core.ClaimRecord{}, err
	}
	return record, nil
}

func (s *Store) Release(ctx context.Context, lease core.ClaimLease, now time.Time) error {
	return s.update(ctx, lease.AuctionID, lease.UserID, func(r core.ClaimRecord, exists bool) (core.ClaimRecord, error) {
		if !exists {
			return core.ClaimRecord{}, fmt.Errorf("%w: no claim record for auction %s user %s", core.ErrInvariantViolation, lease.AuctionID, lease.UserID)
		}
		if err := core.CheckLease(r, lease); err != nil {
			return core.ClaimRecord{}, err
		}
		r.Status = core.ClaimStatusUnclaimed
		r.UpdatedAt = now
		r.LeaseID = ""
		r.LeaseExpiresAt = time.Time{}
		return r, nil
	})
}

// encodeRecord flattens a record into hash fields; times are unix milliseconds, 0 for unset
func encodeRecord(r core.ClaimRecord) map[string]any {
	return map[string]any{
		"status":           string(r.Status),
		"attempt":          r.Attempt,
		"lease_id":         r.LeaseID,
		"lease_expires_at": unixMillis(r.LeaseExpiresAt),
		"claimed_at":       unixMillis(r.ClaimedAt),
		"updated_at":       unixMillis(r.UpdatedAt),
	}
}

func decodeRecord(auctionID, userID string, data map[string]string) (core.ClaimRecord, error) {
	r := core.ClaimRecord{
		AuctionID: auctionID,
		UserID:    userID,
		Status:    core.ClaimStatus(data["status"]),
		LeaseID:   data["lease_id"],
	}

	var err error
	if r.Attempt, err = strconv.Atoi(data["attempt"]); err != nil {
		return core.ClaimRecord{}, fmt.Errorf("decode claim attempt: %w", err)
	}
	if r.LeaseExpiresAt, err = parseMillis(data["lease_expires_at"]); err != nil {
		return core.ClaimRecord{}, err
	}
	if r.ClaimedAt, err = parseMillis(data["claimed_at"]); err != nil {
		return core.ClaimRecord{}, err
	}
	if r.UpdatedAt, err = parseMillis(data["updated_at"]); err != nil {
		return core.ClaimRecord{}, err
	}
	return r, nil
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func parseMillis(raw string) (time.Time, error) {
	if raw == "" || raw == "0" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode claim time %q: %w", raw, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}
