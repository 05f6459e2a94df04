package watchdog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArmKickCheck_NotExpiredWhenKickedBeforeDeadline(t *testing.T) {
	w := New()
	w.Arm(0, 1000)
	w.Kick(500, 1000)
	assert.False(t, w.Check(1400)) // 500+1000=1500, not yet expired
}

func TestExpiresWithoutKick(t *testing.T) {
	w := New()
	w.Arm(0, 1000)
	assert.True(t, w.Check(1000))
	assert.True(t, w.Check(2000))
}

func TestDisarmedNeverExpires(t *testing.T) {
	w := New()
	assert.False(t, w.Check(1_000_000))
}

func TestDisarmStopsCountdown(t *testing.T) {
	w := New()
	w.Arm(0, 100)
	w.Disarm()
	assert.False(t, w.Check(1000))
}

func TestZeroTimeoutExpiresImmediately(t *testing.T) {
	w := New()
	w.Arm(0, 0)
	assert.True(t, w.Check(0))
}
