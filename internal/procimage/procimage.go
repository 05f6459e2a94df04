// Package procimage implements the vPLC's process image (spec.md §3, §4.2):
// a flat, fixed-size, bit-exact byte region with three zones — inputs
// (written by fieldbus, read by logic), outputs (written by logic, read by
// fieldbus), and markers (internal retained state) — plus the typed views
// and bulk mirror operations that bridge it to Wasm linear memory.
package procimage

import (
	"encoding/binary"

	"github.com/hadijannat/vplc/internal/fault"
)

// Default zone sizes, per spec.md §3: "Current core uses at minimum: 32
// bits of digital input, 16×i16 of analog input, 32 bits of digital
// output, 16×i16 of analog output."
const (
	DigitalInputBytes  = 4
	AnalogInputCount   = 16
	AnalogInputBytes   = AnalogInputCount * 2
	DigitalOutputBytes = 4
	AnalogOutputBytes  = AnalogInputCount * 2
	DefaultMarkerBytes = 64

	digitalInputOffset  = 0
	analogInputOffset   = digitalInputOffset + DigitalInputBytes
	digitalOutputOffset = analogInputOffset + AnalogInputBytes
	analogOutputOffset  = digitalOutputOffset + DigitalOutputBytes
	markerOffset        = analogOutputOffset + AnalogOutputBytes
	DefaultSize         = markerOffset + DefaultMarkerBytes
)

// Image is the scheduler-owned process image. It is never shared
// concurrently: the scheduler hands scoped borrows (via MirrorInto /
// MirrorFrom, or the typed accessors) to the fieldbus driver and Wasm host
// only at the well-defined points in the cycle spec.md §3 names.
type Image struct {
	buf         []byte
	markerBytes int
}

// New allocates a process image with the default zone layout and the
// given marker-zone size (use DefaultMarkerBytes if unsure). Allocation
// happens once at init; nothing in Image allocates afterward, per
// spec.md §9 "no hot-path allocation".
func New(markerBytes int) *Image {
	if markerBytes < 0 {
		markerBytes = 0
	}
	size := markerOffset + markerBytes
	return &Image{buf: make([]byte, size), markerBytes: markerBytes}
}

// Size returns the total byte length of the image.
func (img *Image) Size() int { return len(img.buf) }

// ReadDigitalInputs returns the whole-word digital input bits.
func (img *Image) ReadDigitalInputs() uint32 {
	return binary.LittleEndian.Uint32(img.buf[digitalInputOffset:])
}

// WriteDigitalInputs is used by the fieldbus driver to stage input bits
// into the image; logic never calls this directly.
func (img *Image) WriteDigitalInputs(v uint32) {
	binary.LittleEndian.PutUint32(img.buf[digitalInputOffset:], v)
}

// ReadAnalogInput returns channel's analog input value, or an IoError if
// channel is out of range (spec.md §4.2: "Bounds on channel are checked
// and signal IoError on violation").
func (img *Image) ReadAnalogInput(channel int) (int16, error) {
	if channel < 0 || channel >= AnalogInputCount {
		return 0, &fault.IoError{Msg: "analog input channel out of range"}
	}
	off := analogInputOffset + channel*2
	return int16(binary.LittleEndian.Uint16(img.buf[off:])), nil
}

// WriteAnalogInput stages an analog input value; used by the fieldbus
// driver only.
func (img *Image) WriteAnalogInput(channel int, v int16) error {
	if channel < 0 || channel >= AnalogInputCount {
		return &fault.IoError{Msg: "analog input channel out of range"}
	}
	off := analogInputOffset + channel*2
	binary.LittleEndian.PutUint16(img.buf[off:], uint16(v))
	return nil
}

// ReadDigitalOutputs returns the whole-word digital output bits; used by
// the fieldbus driver to drive the wire.
func (img *Image) ReadDigitalOutputs() uint32 {
	return binary.LittleEndian.Uint32(img.buf[digitalOutputOffset:])
}

// WriteDigitalOutputs sets the whole-word digital output bits.
func (img *Image) WriteDigitalOutputs(v uint32) {
	binary.LittleEndian.PutUint32(img.buf[digitalOutputOffset:], v)
}

// ReadAnalogOutput returns channel's staged analog output value, or an
// IoError if channel is out of range.
func (img *Image) ReadAnalogOutput(channel int) (int16, error) {
	if channel < 0 || channel >= AnalogInputCount {
		return 0, &fault.IoError{Msg: "analog output channel out of range"}
	}
	off := analogOutputOffset + channel*2
	return int16(binary.LittleEndian.Uint16(img.buf[off:])), nil
}

// WriteAnalogOutput sets channel's analog output value, or returns an
// IoError if channel is out of range.
func (img *Image) WriteAnalogOutput(channel int, v int16) error {
	if channel < 0 || channel >= AnalogInputCount {
		return &fault.IoError{Msg: "analog output channel out of range"}
	}
	off := analogOutputOffset + channel*2
	binary.LittleEndian.PutUint16(img.buf[off:], uint16(v))
	return nil
}

// Markers returns the marker zone as a mutable slice, for logic-internal
// retained state that isn't part of the fieldbus contract. Per spec.md §9
// open question, markers are in-memory only for the lifetime of a run.
func (img *Image) Markers() []byte {
	return img.buf[markerOffset : markerOffset+img.markerBytes]
}

// MirrorInto copies the full image into dst, which must be at least
// img.Size() bytes — used to push the image into the Wasm linear-memory
// window before step().
func (img *Image) MirrorInto(dst []byte) {
	copy(dst, img.buf)
}

// MirrorFrom copies src back into the image — used to pull the Wasm
// window back out after step() returns. MirrorInto(buf); MirrorFrom(buf)
// must round-trip byte-for-byte (spec.md §8).
func (img *Image) MirrorFrom(src []byte) {
	copy(img.buf, src)
}

// Bytes exposes the raw backing buffer. Callers must not retain it beyond
// the cycle phase that granted access; see spec.md §4.2.
func (img *Image) Bytes() []byte { return img.buf }

// ZeroOutputs drives both digital and analog outputs to zero — the safe
// state fieldbus drivers fall back to on fault or shutdown.
func (img *Image) ZeroOutputs() {
	for i := digitalOutputOffset; i < digitalOutputOffset+DigitalOutputBytes; i++ {
		img.buf[i] = 0
	}
	for i := analogOutputOffset; i < analogOutputOffset+AnalogOutputBytes; i++ {
		img.buf[i] = 0
	}
}
