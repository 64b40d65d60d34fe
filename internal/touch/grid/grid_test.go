package grid

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// snapshot dumps a grid as a row-major [][]float64 for golden comparison
// with go-cmp instead of asserting cell-by-cell.
func snapshot(g *SignalGrid) [][]float64 {
	out := make([][]float64, g.Height)
	for y := 0; y < g.Height; y++ {
		row := make([]float64, g.Width)
		for x := 0; x < g.Width; x++ {
			row[x] = g.At(x, y)
		}
		out[y] = row
	}
	return out
}

func TestSignalGrid_Convolve3x3Golden(t *testing.T) {
	src := NewSignalGrid(3, 3)
	src.Set(1, 1, 16.0)
	dst := NewSignalGrid(3, 3)
	src.Convolve3x3(dst)

	want := [][]float64{
		{1.0, 2.0, 1.0},
		{2.0, 4.0, 2.0},
		{1.0, 2.0, 1.0},
	}
	if diff := cmp.Diff(want, snapshot(dst)); diff != "" {
		t.Fatalf("convolved grid mismatch (-want +got):\n%s", diff)
	}
}

func TestSignalGrid_SampleInteger(t *testing.T) {
	g := NewSignalGrid(4, 4)
	g.Set(1, 1, 5.0)
	if v := g.Sample(1, 1); v != 5.0 {
		t.Fatalf("expected 5.0 at integer coords, got %v", v)
	}
}

func TestSignalGrid_SampleBilinear(t *testing.T) {
	g := NewSignalGrid(2, 2)
	g.Set(0, 0, 0)
	g.Set(1, 0, 10)
	g.Set(0, 1, 0)
	g.Set(1, 1, 10)

	if v := g.Sample(0.5, 0); v != 5.0 {
		t.Fatalf("expected midpoint 5.0, got %v", v)
	}
}

func TestSignalGrid_SampleClampsOutOfBounds(t *testing.T) {
	g := NewSignalGrid(4, 4)
	g.Set(0, 0, 3.0)
	if v := g.Sample(-5, -5); v != 3.0 {
		t.Fatalf("expected clamp to corner value 3.0, got %v", v)
	}
}

func TestSignalGrid_ClampBelowToZero(t *testing.T) {
	g := NewSignalGrid(2, 2)
	g.Set(0, 0, -1.0)
	g.Set(1, 0, 2.0)
	g.ClampBelowToZero()
	if g.At(0, 0) != 0 {
		t.Errorf("expected negative clamped to 0, got %v", g.At(0, 0))
	}
	if g.At(1, 0) != 2.0 {
		t.Errorf("expected positive cell untouched, got %v", g.At(1, 0))
	}
}

func TestSignalGrid_AddSubtractMultiply(t *testing.T) {
	a := NewSignalGrid(2, 2)
	b := NewSignalGrid(2, 2)
	a.Set(0, 0, 2.0)
	b.Set(0, 0, 3.0)

	sum := NewSignalGrid(2, 2)
	sum.Copy(a)
	sum.Add(b)
	if sum.At(0, 0) != 5.0 {
		t.Errorf("expected 5.0 after add, got %v", sum.At(0, 0))
	}

	diff := NewSignalGrid(2, 2)
	diff.Copy(b)
	diff.Subtract(a)
	if diff.At(0, 0) != 1.0 {
		t.Errorf("expected 1.0 after subtract, got %v", diff.At(0, 0))
	}

	prod := NewSignalGrid(2, 2)
	prod.Copy(a)
	prod.Multiply(b)
	if prod.At(0, 0) != 6.0 {
		t.Errorf("expected 6.0 after multiply, got %v", prod.At(0, 0))
	}
}

func TestSignalGrid_BlitAddIntegerOffset(t *testing.T) {
	dst := NewSignalGrid(4, 4)
	src := NewSignalGrid(2, 2)
	src.Set(0, 0, 1.0)
	src.Set(1, 1, 1.0)

	dst.BlitAdd(src, 1, 1)

	if dst.At(1, 1) != 1.0 {
		t.Errorf("expected 1.0 at (1,1), got %v", dst.At(1, 1))
	}
	if dst.At(2, 2) != 1.0 {
		t.Errorf("expected 1.0 at (2,2), got %v", dst.At(2, 2))
	}
}

func TestSignalGrid_BlitAddClipsAtBounds(t *testing.T) {
	dst := NewSignalGrid(2, 2)
	src := NewSignalGrid(2, 2)
	src.Set(1, 1, 5.0)

	// Offset pushes src off the top-left edge; should not panic, and the
	// portion that remains in bounds should still land.
	dst.BlitAdd(src, -1, -1)
	if dst.Sum() <= 0 {
		t.Errorf("expected some of the blit to land inside bounds, got sum %v", dst.Sum())
	}
}

func TestSignalGrid_FindPeak(t *testing.T) {
	g := NewSignalGrid(4, 4)
	g.Set(2, 3, 0.8)
	g.Set(0, 0, 0.1)

	x, y, z := g.FindPeak()
	if x != 2 || y != 3 || z != 0.8 {
		t.Fatalf("expected peak at (2,3)=0.8, got (%d,%d)=%v", x, y, z)
	}
}

func TestSignalGrid_RefinePeakSymmetricIsExact(t *testing.T) {
	g := NewSignalGrid(5, 5)
	g.Set(2, 2, 1.0)
	g.Set(1, 2, 0.5)
	g.Set(3, 2, 0.5)
	g.Set(2, 1, 0.5)
	g.Set(2, 3, 0.5)

	fx, fy := g.RefinePeak(2, 2)
	if fx != 2.0 || fy != 2.0 {
		t.Fatalf("expected symmetric peak to refine to (2,2), got (%v,%v)", fx, fy)
	}
}

func TestSignalGrid_RefinePeakBoundedToNeighborhood(t *testing.T) {
	g := NewSignalGrid(5, 5)
	g.Set(2, 2, 1.0)
	g.Set(1, 2, 0.99999)
	g.Set(3, 2, 0.0)
	g.Set(2, 1, 0.5)
	g.Set(2, 3, 0.5)

	fx, _ := g.RefinePeak(2, 2)
	if fx < 1.0 || fx > 3.0 {
		t.Fatalf("refined peak x=%v escaped (ix-1, ix+1) bound", fx)
	}
}

func TestSignalGrid_Convolve3x3Smooths(t *testing.T) {
	src := NewSignalGrid(5, 5)
	src.Set(2, 2, 16.0)
	dst := NewSignalGrid(5, 5)

	src.Convolve3x3(dst)

	if dst.At(2, 2) != 4.0 {
		t.Errorf("expected center weight 4/16 of 16.0 = 4.0, got %v", dst.At(2, 2))
	}
	if dst.At(1, 2) != 2.0 {
		t.Errorf("expected edge weight 2/16 of 16.0 = 2.0, got %v", dst.At(1, 2))
	}
	if dst.At(1, 1) != 1.0 {
		t.Errorf("expected corner weight 1/16 of 16.0 = 1.0, got %v", dst.At(1, 1))
	}
}

func TestSignalStack_FrameIsolation(t *testing.T) {
	s := NewSignalStack(3, 3, 2)
	s.Frame(0).Set(1, 1, 1.0)
	if s.Frame(1).At(1, 1) != 0 {
		t.Error("expected frames to be independent")
	}
}
