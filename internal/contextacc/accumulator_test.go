package contextacc

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportbot/internal/semantic"
)

func TestUpdateAndBlend_DecayZeroReturnsQuery(t *testing.T) {
	acc := New()
	acc.UpdateAndBlend("u", []float32{1, 0}, 0, 5)
	got := acc.UpdateAndBlend("u", []float32{0, 1}, 0, 5)
	assert.Equal(t, []float32{0, 1}, got)
}

func TestUpdateAndBlend_MaxHistoryOne(t *testing.T) {
	acc := New()
	acc.UpdateAndBlend("u", []float32{1, 0}, 0.8, 1)
	got := acc.UpdateAndBlend("u", []float32{0, 1}, 0.8, 1)
	assert.Equal(t, []float32{0, 1}, got)
	assert.Len(t, acc.History("u"), 1)
}

func TestUpdateAndBlend_WeightsRecentHigher(t *testing.T) {
	acc := New()
	acc.UpdateAndBlend("u", []float32{1, 0}, 0.5, 5)
	got := acc.UpdateAndBlend("u", []float32{0, 1}, 0.5, 5)
	// 0.5*(1,0) + 1*(0,1), normalized
	want := semantic.Normalize([]float32{0.5, 1})
	assert.InDelta(t, want[0], got[0], 1e-6)
	assert.InDelta(t, want[1], got[1], 1e-6)
	assert.Greater(t, got[1], got[0])
	assert.InDelta(t, 1.0, semantic.Norm(got), 1e-6)
}

func TestUpdateAndBlend_ZeroSumReturnsQuery(t *testing.T) {
	acc := New()
	acc.UpdateAndBlend("u", []float32{-1, 0}, 1, 5)
	got := acc.UpdateAndBlend("u", []float32{1, 0}, 1, 5)
	assert.Equal(t, []float32{1, 0}, got)
}

func TestUpdateAndBlend_TrimsToCap(t *testing.T) {
	acc := New()
	for i := range 8 {
		acc.UpdateAndBlend("u", []float32{float32(i), 1}, 0.8, 3)
	}
	h := acc.History("u")
	require.Len(t, h, 3)
	assert.Equal(t, []float32{5, 1}, h[0])
	assert.Equal(t, []float32{7, 1}, h[2])
}

func TestReset(t *testing.T) {
	acc := New()
	acc.UpdateAndBlend("a", []float32{1}, 0.8, 5)
	acc.UpdateAndBlend("b", []float32{1}, 0.8, 5)
	acc.Reset("a")
	assert.False(t, acc.HasHistory("a"))
	assert.True(t, acc.HasHistory("b"))
	acc.ResetAll()
	assert.Zero(t, acc.Len())
}

func TestUpdateAndBlend_ResetDuringUpdateIsNotLost(t *testing.T) {
	acc := New()
	acc.UpdateAndBlend("u", []float32{1, 0}, 0.8, 5)

	// Reset lands after the update found the user's state but before it
	// took the user's lock.
	resets := 0
	acc.lookedUp = func(userKey string) {
		if resets == 0 {
			resets++
			acc.Reset(userKey)
		}
	}
	got := acc.UpdateAndBlend("u", []float32{0, 1}, 0.8, 5)

	assert.Equal(t, []float32{0, 1}, got, "the reset history must not be blended in")
	h := acc.History("u")
	require.Len(t, h, 1, "the update must land in the live state")
	assert.Equal(t, []float32{0, 1}, h[0])
	assert.Equal(t, 1, acc.Len())
}

func TestSweep_EvictsIdleUsers(t *testing.T) {
	acc := New()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	acc.now = func() time.Time { return now }
	acc.UpdateAndBlend("old", []float32{1}, 0.8, 5)
	now = now.Add(40 * time.Minute)
	acc.UpdateAndBlend("fresh", []float32{1}, 0.8, 5)

	assert.Equal(t, 1, acc.Sweep(30*time.Minute))
	assert.False(t, acc.HasHistory("old"))
	assert.True(t, acc.HasHistory("fresh"))
}

func TestUpdateAndBlend_ConcurrentUsers(t *testing.T) {
	acc := New()
	var wg sync.WaitGroup
	for u := range 8 {
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				acc.UpdateAndBlend(fmt.Sprintf("user-%d", u), []float32{1, 1}, 0.8, 5)
			}()
		}
	}
	wg.Wait()
	assert.Equal(t, 8, acc.Len())
	for u := range 8 {
		assert.Len(t, acc.History(fmt.Sprintf("user-%d", u)), 5)
	}
}

func TestBlend(t *testing.T) {
	assert.InDelta(t, 0.7*0.9+0.3*0.5, Blend(0.9, 0.5, 0.7, 0.3), 1e-12)
}
