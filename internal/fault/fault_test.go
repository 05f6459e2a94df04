package fault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_LegalLattice(t *testing.T) {
	sm := NewStateMachine()
	require.Equal(t, Stopped, sm.Load())

	ok, err := sm.Transition(Initializing)
	require.True(t, ok)
	require.NoError(t, err)

	ok, err = sm.Transition(Running)
	require.True(t, ok)
	require.NoError(t, err)

	ok, err = sm.Transition(Stopping)
	require.True(t, ok)
	require.NoError(t, err)

	ok, err = sm.Transition(Stopped)
	require.True(t, ok)
	require.NoError(t, err)
}

func TestStateMachine_IllegalTransitionFaults(t *testing.T) {
	sm := NewStateMachine() // Stopped

	ok, err := sm.Transition(Running)
	assert.False(t, ok)
	var ist *InvalidStateTransition
	require.ErrorAs(t, err, &ist)
	assert.Equal(t, "Stopped", ist.From)
	assert.Equal(t, "Running", ist.To)
	assert.Equal(t, Stopped, sm.Load(), "state must not change on an illegal transition")
}

func TestStateMachine_BackwardTransitionRejected(t *testing.T) {
	sm := NewStateMachine()
	_, _ = sm.Transition(Initializing)
	_, _ = sm.Transition(Running)

	ok, err := sm.Transition(Initializing)
	assert.False(t, ok)
	assert.Error(t, err)
	assert.Equal(t, Running, sm.Load())
}

func TestRing_RetainsMostRecentN(t *testing.T) {
	r := NewRing(32)
	for i := uint64(0); i < 40; i++ {
		r.Push(i, &IoError{Msg: "x"})
	}
	recent := r.Recent()
	require.Len(t, recent, 32)
	assert.Equal(t, uint64(8), recent[0].CycleIndex)
	assert.Equal(t, uint64(39), recent[len(recent)-1].CycleIndex)
}

func TestRing_BelowCapacity(t *testing.T) {
	r := NewRing(32)
	r.Push(1, &IoError{Msg: "a"})
	r.Push(2, &IoError{Msg: "b"})
	recent := r.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, uint64(1), recent[0].CycleIndex)
	assert.Equal(t, uint64(2), recent[1].CycleIndex)
}

func TestRing_CachedMatchesRecentAndStartsEmpty(t *testing.T) {
	r := NewRing(32)
	assert.Empty(t, r.Cached())

	r.Push(1, &IoError{Msg: "a"})
	r.Push(2, &IoError{Msg: "b"})
	assert.Equal(t, r.Recent(), r.Cached())
}
