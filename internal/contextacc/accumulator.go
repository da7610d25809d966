// Package contextacc keeps a short, decaying memory of each user's recent
// query embeddings so follow-up questions can be resolved in context.
package contextacc

import (
	"sync"
	"time"

	"supportbot/internal/semantic"
)

type userState struct {
	mu       sync.Mutex
	history  [][]float32 // most recent last
	lastSeen time.Time
	// removed is set under mu once the state has left the map.
	removed bool
}

// Accumulator holds per-user histories. The map lock is only held to find a
// user's state; updates for one user are serialized on that user's lock.
// Lock order is map lock, then user lock.
type Accumulator struct {
	mu    sync.Mutex
	users map[string]*userState
	now   func() time.Time
	// lookedUp runs between finding a user's state and locking it.
	lookedUp func(userKey string)
}

func New() *Accumulator {
	return &Accumulator{
		users: make(map[string]*userState),
		now:   time.Now,
	}
}

func (a *Accumulator) state(userKey string) *userState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.users[userKey]
	if !ok {
		st = &userState{}
		a.users[userKey] = st
	}
	return st
}

// lockedState returns the user's live state with its lock held. A state
// removed by Reset, ResetAll or Sweep after the lookup is not written to;
// the lookup is repeated.
func (a *Accumulator) lockedState(userKey string) *userState {
	for {
		st := a.state(userKey)
		if a.lookedUp != nil {
			a.lookedUp(userKey)
		}
		st.mu.Lock()
		if !st.removed {
			return st
		}
		st.mu.Unlock()
	}
}

// UpdateAndBlend appends q to the user's history, trims it to maxHistory and
// returns the decay-weighted, L2-normalized sum of the history. The most
// recent query has weight 1, the one before decay, then decay², and so on.
// A zero-norm sum yields q unchanged.
func (a *Accumulator) UpdateAndBlend(userKey string, q []float32, decay float64, maxHistory int) []float32 {
	if maxHistory < 1 {
		maxHistory = 1
	}
	st := a.lockedState(userKey)
	defer st.mu.Unlock()

	st.history = append(st.history, append([]float32(nil), q...))
	if over := len(st.history) - maxHistory; over > 0 {
		st.history = append([][]float32(nil), st.history[over:]...)
	}
	st.lastSeen = a.now()

	sum := make([]float32, len(q))
	weight := 1.0
	for i := len(st.history) - 1; i >= 0; i-- {
		h := st.history[i]
		if len(h) == len(sum) && weight != 0 {
			for j, x := range h {
				sum[j] += float32(weight * float64(x))
			}
		}
		weight *= decay
	}
	if semantic.Norm(sum) == 0 {
		return append([]float32(nil), q...)
	}
	return semantic.Normalize(sum)
}

// History returns a copy of the user's stored query vectors, oldest first.
func (a *Accumulator) History(userKey string) [][]float32 {
	a.mu.Lock()
	st, ok := a.users[userKey]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([][]float32, len(st.history))
	for i, h := range st.history {
		out[i] = append([]float32(nil), h...)
	}
	return out
}

// HasHistory reports whether the user has any stored query.
func (a *Accumulator) HasHistory(userKey string) bool {
	a.mu.Lock()
	st, ok := a.users[userKey]
	a.mu.Unlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.history) > 0
}

// Reset forgets one user.
func (a *Accumulator) Reset(userKey string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.users[userKey]; ok {
		delete(a.users, userKey)
		st.markRemoved()
	}
}

// ResetAll forgets every user.
func (a *Accumulator) ResetAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, st := range a.users {
		st.markRemoved()
	}
	a.users = make(map[string]*userState)
}

func (st *userState) markRemoved() {
	st.mu.Lock()
	st.removed = true
	st.mu.Unlock()
}

// Sweep evicts users idle for longer than idleTTL and returns how many were removed.
func (a *Accumulator) Sweep(idleTTL time.Duration) int {
	cutoff := a.now().Add(-idleTTL)
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for key, st := range a.users {
		st.mu.Lock()
		idle := st.lastSeen.Before(cutoff)
		if idle {
			st.removed = true
		}
		st.mu.Unlock()
		if idle {
			delete(a.users, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked users.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.users)
}

// Blend mixes a query score with a context score.
func Blend(queryScore, contextScore, queryWeight, contextWeight float64) float64 {
	return queryWeight*queryScore + contextWeight*contextScore
}
