// Package grid provides the 2D and 3D floating-point rasters used
// throughout the touch-tracking pipeline: the raw input frame, the
// background estimate, scratch working grids, and per-bin calibration
// templates all share this representation.
package grid

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// SignalGrid is a fixed-size 2D raster of float64 cells backed by a dense
// gonum matrix. Row index is the Y (sensor row) axis, column index is the
// X (sensor column) axis, matching the row*width+col layout used
// throughout the pipeline.
type SignalGrid struct {
	Width, Height int
	data          *mat.Dense
}

// NewSignalGrid allocates a Width x Height grid, all cells zero.
func NewSignalGrid(width, height int) *SignalGrid {
	return &SignalGrid{
		Width:  width,
		Height: height,
		data:   mat.NewDense(height, width, nil),
	}
}

// At returns the cell value at integer coordinates, clamped to bounds.
func (g *SignalGrid) At(x, y int) float64 {
	x, y = g.clampInt(x, y)
	return g.data.At(y, x)
}

// Set writes the cell value at integer coordinates, clamped to bounds.
func (g *SignalGrid) Set(x, y int, v float64) {
	x, y = g.clampInt(x, y)
	g.data.Set(y, x, v)
}

func (g *SignalGrid) clampInt(x, y int) (int, int) {
	if x < 0 {
		x = 0
	} else if x > g.Width-1 {
		x = g.Width - 1
	}
	if y < 0 {
		y = 0
	} else if y > g.Height-1 {
		y = g.Height - 1
	}
	return x, y
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Sample returns the bilinearly interpolated value at fractional
// coordinates (x, y), clamped to the grid bounds.
func (g *SignalGrid) Sample(x, y float64) float64 {
	x = clampf(x, 0, float64(g.Width-1))
	y = clampf(y, 0, float64(g.Height-1))

	x0 := int(x)
	y0 := int(y)
	x1 := x0 + 1
	y1 := y0 + 1
	if x1 > g.Width-1 {
		x1 = g.Width - 1
	}
	if y1 > g.Height-1 {
		y1 = g.Height - 1
	}

	fx := x - float64(x0)
	fy := y - float64(y0)

	v00 := g.data.At(y0, x0)
	v10 := g.data.At(y0, x1)
	v01 := g.data.At(y1, x0)
	v11 := g.data.At(y1, x1)

	top := v00 + (v10-v00)*fx
	bottom := v01 + (v11-v01)*fx
	return top + (bottom-top)*fy
}

// Clear zeroes every cell.
func (g *SignalGrid) Clear() {
	g.data.Zero()
}

// Copy replaces every cell with the corresponding cell of other.
func (g *SignalGrid) Copy(other *SignalGrid) {
	g.data.Copy(other.data)
}

// Scale multiplies every cell by k.
func (g *SignalGrid) Scale(k float64) {
	g.data.Scale(k, g.data)
}

// Add adds other elementwise into self.
func (g *SignalGrid) Add(other *SignalGrid) {
	g.data.Add(g.data, other.data)
}

// Subtract subtracts other elementwise from self.
func (g *SignalGrid) Subtract(other *SignalGrid) {
	g.data.Sub(g.data, other.data)
}

// Multiply multiplies other elementwise into self.
func (g *SignalGrid) Multiply(other *SignalGrid) {
	g.data.MulElem(g.data, other.data)
}

// ClampBelowToZero replaces every negative cell with 0 (sigMax(0)).
func (g *SignalGrid) ClampBelowToZero() {
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			if v := g.data.At(y, x); v < 0 {
				g.data.Set(y, x, 0)
			}
		}
	}
}

// ClampRange clamps every cell into [lo, hi].
func (g *SignalGrid) ClampRange(lo, hi float64) {
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			g.data.Set(y, x, clampf(g.data.At(y, x), lo, hi))
		}
	}
}

// BlitAdd adds other into self at fractional offset (ox, oy), clipping
// against bounds. Fractional offsets distribute each source cell's value
// bilinearly across the four nearest destination cells.
func (g *SignalGrid) BlitAdd(other *SignalGrid, ox, oy float64) {
	ix := int(math.Floor(ox))
	iy := int(math.Floor(oy))
	fx := ox - float64(ix)
	fy := oy - float64(iy)

	for sy := 0; sy < other.Height; sy++ {
		for sx := 0; sx < other.Width; sx++ {
			v := other.data.At(sy, sx)
			if v == 0 {
				continue
			}
			dx := ix + sx
			dy := iy + sy
			g.blitAddCell(dx, dy, v*(1-fx)*(1-fy))
			g.blitAddCell(dx+1, dy, v*fx*(1-fy))
			g.blitAddCell(dx, dy+1, v*(1-fx)*fy)
			g.blitAddCell(dx+1, dy+1, v*fx*fy)
		}
	}
}

func (g *SignalGrid) blitAddCell(x, y int, v float64) {
	if x < 0 || x > g.Width-1 || y < 0 || y > g.Height-1 {
		return
	}
	g.data.Set(y, x, g.data.At(y, x)+v)
}

// Sum returns the sum of every cell.
func (g *SignalGrid) Sum() float64 {
	total := 0.0
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			total += g.data.At(y, x)
		}
	}
	return total
}

// weights for the 3x3 separable smoothing kernel used across the pipeline:
// center/edge/corner = 4/2/1 out of 16.
const (
	kernelCenter = 4.0 / 16.0
	kernelEdge   = 2.0 / 16.0
	kernelCorner = 1.0 / 16.0
)

// Convolve3x3 writes into dst the result of convolving self with the fixed
// (4,2,1)/16 separable smoothing kernel. dst must be the same size as self
// and must not alias self.
func (g *SignalGrid) Convolve3x3(dst *SignalGrid) {
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			center := g.At(x, y)
			edges := g.At(x-1, y) + g.At(x+1, y) + g.At(x, y-1) + g.At(x, y+1)
			corners := g.At(x-1, y-1) + g.At(x+1, y-1) + g.At(x-1, y+1) + g.At(x+1, y+1)
			dst.data.Set(y, x, center*kernelCenter+edges*kernelEdge+corners*kernelCorner)
		}
	}
}

// FindPeak returns the integer cell with the maximum value.
func (g *SignalGrid) FindPeak() (x, y int, z float64) {
	best := g.data.At(0, 0)
	bx, by := 0, 0
	for cy := 0; cy < g.Height; cy++ {
		for cx := 0; cx < g.Width; cx++ {
			v := g.data.At(cy, cx)
			if v > best {
				best = v
				bx, by = cx, cy
			}
		}
	}
	return bx, by, best
}

// RefinePeak performs a 2nd-order polynomial sub-pixel refinement of a
// local maximum at integer cell (ix, iy), using its 3x3 neighborhood. The
// returned coordinates are bounded to (ix±1, iy±1).
func (g *SignalGrid) RefinePeak(ix, iy int) (fx, fy float64) {
	center := g.At(ix, iy)
	left := g.At(ix-1, iy)
	right := g.At(ix+1, iy)
	up := g.At(ix, iy-1)
	down := g.At(ix, iy+1)

	dx := peakOffset(left, center, right)
	dy := peakOffset(up, center, down)

	return float64(ix) + dx, float64(iy) + dy
}

// peakOffset computes the Taylor-series sub-pixel correction for a 1D
// neighborhood (lo, center, hi), bounded to [-1, 1].
func peakOffset(lo, center, hi float64) float64 {
	denom := lo - 2*center + hi
	if denom == 0 {
		return 0
	}
	offset := 0.5 * (lo - hi) / denom
	return clampf(offset, -1, 1)
}
