package store

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

const (
	// MaxGoals caps the list length; the oldest entry is dropped at the cap.
	MaxGoals = 200
	// MaxGoalTextLen truncates goal text on update.
	MaxGoalTextLen = 140
)

// Goal is a single study goal.
type Goal struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// GoalList is the goal list scoped to one (room, user) pair. Order is
// insertion order; reordering happens only through remove and re-add.
type GoalList struct {
	mu         sync.Mutex
	store      *Store
	key        string
	goals      []Goal
	deleteMode bool
}

// NewGoalList loads the goal list for (room, user). Malformed persisted data
// is discarded in favor of an empty list.
func NewGoalList(store *Store, roomID, user string) *GoalList {
	gl := &GoalList{
		store: store,
		key:   fmt.Sprintf("%s%s:%s", goalKeyPrefix, roomID, user),
	}
	var loaded []Goal
	if store.getJSON(gl.key, &loaded) {
		if len(loaded) > MaxGoals {
			loaded = loaded[:MaxGoals]
		}
		for i := range loaded {
			if loaded[i].ID == "" {
				loaded[i].ID = uuid.New().String()
			}
			loaded[i].Text = truncateGoalText(loaded[i].Text)
		}
		gl.goals = loaded
	}
	return gl
}

// Add appends a new goal and returns it. At the cap the oldest goal is
// silently dropped.
func (gl *GoalList) Add(text string) Goal {
	gl.mu.Lock()
	defer gl.mu.Unlock()

	goal := Goal{ID: uuid.New().String(), Text: truncateGoalText(text)}
	gl.goals = append(gl.goals, goal)
	if len(gl.goals) > MaxGoals {
		gl.goals = gl.goals[len(gl.goals)-MaxGoals:]
	}
	gl.persistLocked()
	return goal
}

// SeedInitial adds the join-form goal, but only when the list is empty.
func (gl *GoalList) SeedInitial(text string) {
	gl.mu.Lock()
	empty := len(gl.goals) == 0
	gl.mu.Unlock()
	if text == "" || !empty {
		return
	}
	gl.Add(text)
}

// UpdateText replaces a goal's text, truncated to MaxGoalTextLen runes.
// Unknown IDs are ignored.
func (gl *GoalList) UpdateText(id, text string) {
	gl.mu.Lock()
	defer gl.mu.Unlock()

	for i := range gl.goals {
		if gl.goals[i].ID == id {
			gl.goals[i].Text = truncateGoalText(text)
			gl.persistLocked()
			return
		}
	}
}

// ToggleComplete flips a goal's completion flag. Unknown IDs are ignored.
func (gl *GoalList) ToggleComplete(id string) {
	gl.mu.Lock()
	defer gl.mu.Unlock()

	for i := range gl.goals {
		if gl.goals[i].ID == id {
			gl.goals[i].Completed = !gl.goals[i].Completed
			gl.persistLocked()
			return
		}
	}
}

// Remove deletes a goal. When the list becomes empty, bulk-delete mode is
// cleared automatically.
func (gl *GoalList) Remove(id string) {
	gl.mu.Lock()
	defer gl.mu.Unlock()

	next := gl.goals[:0]
	removed := false
	for _, g := range gl.goals {
		if g.ID == id {
			removed = true
			continue
		}
		next = append(next, g)
	}
	if !removed {
		return
	}
	gl.goals = next
	if len(gl.goals) == 0 {
		gl.deleteMode = false
	}
	gl.persistLocked()
}

// ToggleDeleteMode flips bulk-delete mode; it stays off while the list is empty.
func (gl *GoalList) ToggleDeleteMode() bool {
	gl.mu.Lock()
	defer gl.mu.Unlock()

	if len(gl.goals) == 0 {
		gl.deleteMode = false
		return false
	}
	gl.deleteMode = !gl.deleteMode
	return gl.deleteMode
}

// DeleteMode reports whether bulk-delete mode is active.
func (gl *GoalList) DeleteMode() bool {
	gl.mu.Lock()
	defer gl.mu.Unlock()
	return gl.deleteMode
}

// Goals returns a copy of the list in insertion order.
func (gl *GoalList) Goals() []Goal {
	gl.mu.Lock()
	defer gl.mu.Unlock()
	return append([]Goal(nil), gl.goals...)
}

func (gl *GoalList) persistLocked() {
	gl.store.setJSON(gl.key, gl.goals)
}

func truncateGoalText(text string) string {
	runes := []rune(text)
	if len(runes) <= MaxGoalTextLen {
		return text
	}
	return string(runes[:MaxGoalTextLen])
}
