package procimage

import (
	"testing"

	"github.com/hadijannat/vplc/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMirrorRoundTrip(t *testing.T) {
	img := New(DefaultMarkerBytes)
	img.WriteDigitalInputs(0xDEADBEEF)
	for ch := 0; ch < AnalogInputCount; ch++ {
		require.NoError(t, img.WriteAnalogInput(ch, int16(ch*7)))
	}
	img.WriteDigitalOutputs(0x00FF00FF)

	buf := make([]byte, img.Size())
	img.MirrorInto(buf)

	other := New(DefaultMarkerBytes)
	other.MirrorFrom(buf)

	assert.Equal(t, img.Bytes(), other.Bytes())
}

func TestAnalogChannelBounds(t *testing.T) {
	img := New(DefaultMarkerBytes)

	_, err := img.ReadAnalogInput(-1)
	var ioErr *fault.IoError
	require.ErrorAs(t, err, &ioErr)

	_, err = img.ReadAnalogInput(AnalogInputCount)
	require.ErrorAs(t, err, &ioErr)

	require.NoError(t, img.WriteAnalogOutput(0, 42))
	require.NoError(t, img.WriteAnalogOutput(AnalogInputCount-1, 42))
	require.Error(t, img.WriteAnalogOutput(AnalogInputCount, 42))
}

func TestDigitalAllSetAllClear(t *testing.T) {
	img := New(DefaultMarkerBytes)
	img.WriteDigitalOutputs(0xFFFFFFFF)
	assert.Equal(t, uint32(0xFFFFFFFF), img.ReadDigitalOutputs())
	img.WriteDigitalOutputs(0)
	assert.Equal(t, uint32(0), img.ReadDigitalOutputs())
}

func TestZeroOutputs(t *testing.T) {
	img := New(DefaultMarkerBytes)
	img.WriteDigitalOutputs(0xFFFFFFFF)
	require.NoError(t, img.WriteAnalogOutput(3, 1234))
	img.ZeroOutputs()
	assert.Equal(t, uint32(0), img.ReadDigitalOutputs())
	v, err := img.ReadAnalogOutput(3)
	require.NoError(t, err)
	assert.Equal(t, int16(0), v)
}

func TestMarkersRetainedWithinRun(t *testing.T) {
	img := New(8)
	m := img.Markers()
	m[0] = 0xAB
	assert.Equal(t, byte(0xAB), img.Markers()[0])
}
