package simulated

import (
	"testing"

	"github.com/hadijannat/vplc/internal/fieldbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitThenOperational(t *testing.T) {
	d := New(false)
	assert.False(t, d.IsOperational())
	require.NoError(t, d.Init())
	assert.True(t, d.IsOperational())
}

func TestLoopbackReflectsOutputsIntoInputs(t *testing.T) {
	d := New(true)
	require.NoError(t, d.Init())
	d.SetOutputs(fieldbus.Outputs{Digital: 0b1010})
	require.NoError(t, d.Exchange())
	assert.EqualValues(t, 0b1010, d.GetInputs().Digital)
}

func TestInjectInputsVisibleAfterExchange(t *testing.T) {
	d := New(false)
	require.NoError(t, d.Init())
	d.InjectInputs(fieldbus.Inputs{Digital: 0b1})
	require.NoError(t, d.Exchange())
	assert.EqualValues(t, 0b1, d.GetInputs().Digital)
}

func TestShutdownClearsOperational(t *testing.T) {
	d := New(false)
	require.NoError(t, d.Init())
	require.NoError(t, d.Shutdown())
	assert.False(t, d.IsOperational())
}
