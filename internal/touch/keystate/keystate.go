// Package keystate implements the per-key evidence accumulator that
// decides when a key has accumulated enough consistent pressure to birth
// a touch.
package keystate

import "github.com/soundgrid/touchcore/internal/touch/geometry"

// KeyState holds one key's one-pole filters driven by per-frame peak
// evidence. KeyCenter is constant; the In fields are written by the
// tracker each frame and reset to neutral defaults by Tick.
type KeyState struct {
	KeyCenterX, KeyCenterY float64

	ZIn, DzIn, DtIn         float64
	PosInX, PosInY          float64
	ZOut, DzOut, DtOut      float64
	PosOutX, PosOutY        float64
	MK                      float64
	Age                     int
}

// Array holds one KeyState per key.
type Array struct {
	states []KeyState
}

// New allocates an Array sized to geometry.NumKeys, with each key's
// KeyCenter set from the given KeyGeometry.
func New(geo *geometry.KeyGeometry) *Array {
	states := make([]KeyState, geometry.NumKeys)
	for i := range states {
		cx, cy := geo.KeyCenter(i)
		states[i] = neutral(cx, cy)
	}
	return &Array{states: states}
}

func neutral(cx, cy float64) KeyState {
	return KeyState{
		KeyCenterX: cx,
		KeyCenterY: cy,
		DtIn:       1.0,
		PosInX:     cx,
		PosInY:     cy,
		PosOutX:    cx,
		PosOutY:    cy,
	}
}

// Len returns the number of keys.
func (a *Array) Len() int {
	return len(a.states)
}

// At returns a pointer to the key state at index i for in-place mutation.
func (a *Array) At(i int) *KeyState {
	return &a.states[i]
}

// MKFromPressure maps a peak pressure z in [onThreshold, 0.5*maxForce] to
// a one-pole coefficient in [0.001, 1.0] by a clamped linear map.
func MKFromPressure(z, onThreshold, maxForce float64) float64 {
	const (
		mkLo = 0.001
		mkHi = 1.0
	)
	hi := 0.5 * maxForce
	if hi <= onThreshold {
		return mkHi
	}
	t := (z - onThreshold) / (hi - onThreshold)
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	return mkLo + t*(mkHi-mkLo)
}

// Feed writes this frame's peak evidence into the key's input fields. It
// does not advance the filter; call Tick once per frame after all Feed
// calls for that frame are done.
func (k *KeyState) Feed(z, dt, posX, posY, onThreshold, maxForce float64) {
	k.MK = MKFromPressure(z, onThreshold, maxForce)
	k.ZIn = z
	k.DtIn = dt
	k.PosInX = posX
	k.PosInY = posY
}

// Tick advances the key's one-pole filters by one frame using its current
// MK and In fields, then resets the In fields to neutral defaults:
//
//	dzIn   := zIn - zOut
//	zOut   += mK * dzIn
//	dtOut  += mK * (dtIn - dtOut)
//	posOut += mK * (posIn - posOut)
//	dzOut  += mK * (dzIn - dzOut)
//	age    += 1
func (k *KeyState) Tick() {
	dzIn := k.ZIn - k.ZOut
	k.ZOut += k.MK * dzIn
	k.DtOut += k.MK * (k.DtIn - k.DtOut)
	k.PosOutX += k.MK * (k.PosInX - k.PosOutX)
	k.PosOutY += k.MK * (k.PosInY - k.PosOutY)
	k.DzOut += k.MK * (dzIn - k.DzOut)
	k.Age++

	k.ZIn = 0
	k.DzIn = 0
	k.DtIn = 1.0
	k.PosInX = k.KeyCenterX
	k.PosInY = k.KeyCenterY
}

// TickAll advances every key state by one frame.
func (a *Array) TickAll() {
	for i := range a.states {
		a.states[i].Tick()
	}
}

// ResetAge clears age back to zero, e.g. on touch birth.
func (k *KeyState) ResetAge() {
	k.Age = 0
}

// Reset reinitializes every key state to its neutral default, keeping
// each key's KeyCenter. Used when the tracker is cleared.
func (a *Array) Reset() {
	for i := range a.states {
		a.states[i] = neutral(a.states[i].KeyCenterX, a.states[i].KeyCenterY)
	}
}
