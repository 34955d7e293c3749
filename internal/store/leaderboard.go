package store

import (
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// LeaderboardEntry is one user's accumulated focus time in a room.
type LeaderboardEntry struct {
	User    string
	Seconds int
}

// Leaderboard tracks accumulated focus seconds per display name, scoped to
// one room. Totals only grow through Credit; Clear removes a user entirely.
type Leaderboard struct {
	mu     sync.Mutex
	store  *Store
	key    string
	totals map[string]int
}

// NewLeaderboard loads the leaderboard for a room, discarding malformed or
// non-positive persisted totals.
func NewLeaderboard(store *Store, roomID string) *Leaderboard {
	lb := &Leaderboard{
		store:  store,
		key:    leaderboardKeyPrefix + roomID,
		totals: make(map[string]int),
	}
	var loaded map[string]int
	if store.getJSON(lb.key, &loaded) {
		lb.totals = lo.PickBy(loaded, func(_ string, seconds int) bool {
			return seconds > 0
		})
	}
	return lb
}

// Credit adds seconds to a user's total. Non-positive amounts and blank
// names are ignored.
func (lb *Leaderboard) Credit(user string, seconds int) {
	user = strings.TrimSpace(user)
	if user == "" || seconds <= 0 {
		return
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.totals[user] += seconds
	lb.store.setJSON(lb.key, lb.totals)
}

// Clear removes a user's entry entirely, so a departed user's total does not
// persist stale unless they return and earn it again.
func (lb *Leaderboard) Clear(user string) {
	user = strings.TrimSpace(user)
	if user == "" {
		return
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()
	if _, ok := lb.totals[user]; !ok {
		return
	}
	delete(lb.totals, user)
	lb.store.setJSON(lb.key, lb.totals)
}

// Total returns a user's accumulated seconds.
func (lb *Leaderboard) Total(user string) int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.totals[user]
}

// Entries returns the leaderboard ordered by descending total, ties broken
// by name.
func (lb *Leaderboard) Entries() []LeaderboardEntry {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	entries := lo.MapToSlice(lb.totals, func(user string, seconds int) LeaderboardEntry {
		return LeaderboardEntry{User: user, Seconds: seconds}
	})
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Seconds != entries[j].Seconds {
			return entries[i].Seconds > entries[j].Seconds
		}
		return entries[i].User < entries[j].User
	})
	return entries
}
