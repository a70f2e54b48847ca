package core

import "sort"

// SortBids orders bids by position, the canonical bid history order.
// The input slice is not modified.
func SortBids(bids []Bid) []Bid {
	sorted := make([]Bid, len(bids))
	copy(sorted, bids)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Position < sorted[j].Position
	})
	return sorted
}

// Leader returns the bid with the highest position, or nil when there are no bids.
func Leader(bids []Bid) *Bid {
	if len(bids) == 0 {
		return nil
	}
	leader := &bids[0]
	for i := range bids {
		if bids[i].Position > leader.Position {
			leader = &bids[i]
		}
	}
	c := *leader
	return &c
}

// RankWinners returns up to slots distinct bidders, walking the bid history
// from the highest position down. The first entry is the bidder holding
// leadership; a bidder appears once even if they led several times.
func RankWinners(bids []Bid, slots int) []string {
	if slots <= 0 {
		slots = 1
	}

	sorted := SortBids(bids)
	winners := make([]string, 0, slots)
	seen := make(map[string]bool, slots)

	for i := len(sorted) - 1; i >= 0 && len(winners) < slots; i-- {
		user := sorted[i].UserID
		if seen[user] {
			continue
		}
		seen[user] = true
		winners = append(winners, user)
	}

	return winners
}
