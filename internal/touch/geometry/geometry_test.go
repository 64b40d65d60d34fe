package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyGeometry_NumKeys(t *testing.T) {
	assert.Equal(t, 150, NumKeys, "expected 150 keys (30x5)")
}

func TestKeyGeometry_CenterRoundTrip(t *testing.T) {
	g := New()
	for i := 0; i < NumKeys; i++ {
		x, y := g.KeyCenter(i)
		got := g.KeyIndex(x, y)
		assert.Equalf(t, i, got, "key %d center (%v,%v) mapped back to key %d", i, x, y, got)
	}
}

func TestKeyGeometry_ClampsOutOfRange(t *testing.T) {
	g := New()
	// Far below and above the physical span.
	low := g.KeyIndex(-1000, -1000)
	high := g.KeyIndex(1000, 1000)
	assert.Equal(t, 0, low, "expected clamp to key 0")
	assert.Equal(t, NumKeys-1, high, "expected clamp to last key")
}

func TestKeyGeometry_RowColMapping(t *testing.T) {
	g := New()
	// (3.5, 1.25) is the physical top-left of the playing area, which lands
	// on key col/row 1, not 0: col/row 0 holds only coordinates below the
	// playing area's bounds.
	col, row := g.ColRow(3.5, 1.25)
	assert.Equal(t, 1, col)
	assert.Equal(t, 1, row)
}

func TestKeyGeometry_FracColRowAgreesWithFloor(t *testing.T) {
	g := New()
	x, y := g.KeyCenter(47)
	fcol, frow := g.FracColRow(x, y)
	col, row := g.ColRow(x, y)
	assert.Equal(t, col, int(fcol))
	assert.Equal(t, row, int(frow))
}

func TestKeyGeometry_FracColRowClamps(t *testing.T) {
	g := New()
	col, row := g.FracColRow(-1000, -1000)
	assert.Equal(t, 0.0, col)
	assert.Equal(t, 0.0, row)

	col, row = g.FracColRow(1000, 1000)
	assert.Equal(t, float64(Cols-1), col)
	assert.Equal(t, float64(Rows-1), row)
}
