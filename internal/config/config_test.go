package config

import (
	"testing"
	"time"

	"github.com/hadijannat/vplc/internal/fault"
	"github.com/hadijannat/vplc/internal/fieldbus/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaults(t *testing.T) {
	cfg, err := New(WithCyclePeriod(10*time.Millisecond), WithSimulatedFieldbus(true))
	require.NoError(t, err)
	assert.Equal(t, 0.9, cfg.WatchdogSafetyFactor)
	assert.Equal(t, 3, cfg.OverrunToleranceK)
	assert.Equal(t, 64, cfg.FaultRingCapacity)
	assert.Equal(t, 9*time.Millisecond, cfg.WatchdogTimeout())
}

func TestNewRejectsMissingCyclePeriod(t *testing.T) {
	_, err := New(WithSimulatedFieldbus(false))
	require.Error(t, err)
	var configErr *fault.ConfigError
	require.ErrorAs(t, err, &configErr)
}

func TestNewRejectsInvalidSafetyFactor(t *testing.T) {
	_, err := New(WithCyclePeriod(time.Millisecond), WithWatchdogSafetyFactor(1.5))
	require.Error(t, err)
}

func TestNewRejectsNonPowerOfTwoRingCapacity(t *testing.T) {
	_, err := New(WithCyclePeriod(time.Millisecond), WithFaultRingCapacity(50))
	require.Error(t, err)
}

func TestModbusVariantRequiresAddress(t *testing.T) {
	_, err := New(WithCyclePeriod(time.Millisecond), WithModbusFieldbus(modbus.Config{}))
	require.Error(t, err)
}
