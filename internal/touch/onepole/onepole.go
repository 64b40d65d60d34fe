// Package onepole implements the per-cell asymmetric first-order IIR
// lowpass used to estimate the slowly-varying pressure background.
package onepole

import (
	"math"

	"github.com/soundgrid/touchcore/internal/touch/grid"
)

// AsymmetricOnepoleField holds the per-cell state y[t] of an asymmetric
// one-pole filter: rising input uses one per-cell cutoff grid, falling
// input uses another. This lets the background estimate follow the
// input at different rates on the way up and on the way down; the
// tracker sets the rising cutoff to zero under active touches so a
// touch's pressure does not rise into the background.
type AsymmetricOnepoleField struct {
	width, height int
	state         *grid.SignalGrid
}

// New allocates a field of the given size, all state zero.
func New(width, height int) *AsymmetricOnepoleField {
	return &AsymmetricOnepoleField{
		width:  width,
		height: height,
		state:  grid.NewSignalGrid(width, height),
	}
}

// Clear resets all state to zero.
func (f *AsymmetricOnepoleField) Clear() {
	f.state.Clear()
}

// State returns the field's current output grid. Callers must not mutate
// it directly; use Update to advance the filter.
func (f *AsymmetricOnepoleField) State() *grid.SignalGrid {
	return f.state
}

// SeedFrom copies an initial state directly into the field, bypassing the
// filter step. Used to initialize the background to the first input frame.
func (f *AsymmetricOnepoleField) SeedFrom(initial *grid.SignalGrid) {
	f.state.Copy(initial)
}

// coefficient computes the standard first-order bilinear-transform IIR
// coefficient a0 = 1 - e^(-2*pi*fc/fs) for a cutoff fc at sample rate fs.
func coefficient(fc, sampleRate float64) float64 {
	if fc <= 0 {
		return 0
	}
	a := 1 - math.Exp(-2*math.Pi*fc/sampleRate)
	if a < 0 {
		return 0
	}
	if a > 1 {
		return 1
	}
	return a
}

// Update advances every cell of the field by one sample: when x >= y the
// per-cell coefficient is derived from fcRise, otherwise from fcFall.
func (f *AsymmetricOnepoleField) Update(input, fcRise, fcFall *grid.SignalGrid, sampleRate float64) {
	for y := 0; y < f.height; y++ {
		for x := 0; x < f.width; x++ {
			cur := f.state.At(x, y)
			in := input.At(x, y)

			var fc float64
			if in >= cur {
				fc = fcRise.At(x, y)
			} else {
				fc = fcFall.At(x, y)
			}
			a := coefficient(fc, sampleRate)
			f.state.Set(x, y, cur+a*(in-cur))
		}
	}
}
