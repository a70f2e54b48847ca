package core

import (
	"testing"
	"time"

	"github.com/peterldowns/testy/check"
)

func TestResolve_Open(t *testing.T) {
	a := testAuction("auction-1")
	res := Resolve(a, []Bid{bidAt(1, "alice")}, a.ExpiresAt.Add(-time.Nanosecond))

	check.Equal(t, StatusOpen, res.Status)
	_, ok := res.Winner()
	check.False(t, ok)
}

func TestResolve_ExpiredAtExactExpiry(t *testing.T) {
	a := testAuction("auction-1")
	res := Resolve(a, []Bid{bidAt(1, "alice"), bidAt(2, "bob")}, a.ExpiresAt)

	check.Equal(t, StatusExpired, res.Status)
	winner, ok := res.Winner()
	check.True(t, ok)
	check.Equal(t, "bob", winner)
}

func TestResolve_ExpiredWithoutBidsHasNoWinner(t *testing.T) {
	a := testAuction("auction-1")
	res := Resolve(a, nil, a.ExpiresAt.Add(time.Hour))

	check.Equal(t, StatusExpired, res.Status)
	_, ok := res.Winner()
	check.False(t, ok)
	check.False(t, res.IsWinner("alice"))
}

func TestResolve_FinalizedUsesFrozenWinners(t *testing.T) {
	a := testAuction("auction-1")
	a.IsFinalized = true
	a.Winners = []string{"alice"}

	// A later bid in the history does not change a frozen outcome
	res := Resolve(a, []Bid{bidAt(1, "alice"), bidAt(2, "bob")}, a.ExpiresAt.Add(time.Hour))

	check.Equal(t, StatusFinalized, res.Status)
	check.True(t, res.IsWinner("alice"))
	check.False(t, res.IsWinner("bob"))

	// Returned winners do not alias the auction
	res.Winners[0] = "mallory"
	check.Equal(t, "alice", a.Winners[0])
}
