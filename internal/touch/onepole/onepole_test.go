package onepole

import (
	"testing"

	"github.com/soundgrid/touchcore/internal/touch/grid"
)

func uniform(width, height int, v float64) *grid.SignalGrid {
	g := grid.NewSignalGrid(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g.Set(x, y, v)
		}
	}
	return g
}

func TestAsymmetricOnepoleField_RisesTowardInput(t *testing.T) {
	f := New(2, 2)
	rise := uniform(2, 2, 100.0)
	fall := uniform(2, 2, 1.0)
	input := uniform(2, 2, 1.0)

	for i := 0; i < 50; i++ {
		f.Update(input, rise, fall, 1000.0)
	}

	if v := f.State().At(0, 0); v < 0.9 {
		t.Fatalf("expected field to converge near 1.0 with fast rise coefficient, got %v", v)
	}
}

func TestAsymmetricOnepoleField_UsesFallWhenInputBelowState(t *testing.T) {
	f := New(2, 2)
	rise := uniform(2, 2, 1000.0)
	fall := uniform(2, 2, 1000.0)
	up := uniform(2, 2, 1.0)
	for i := 0; i < 50; i++ {
		f.Update(up, rise, fall, 1000.0)
	}
	settled := f.State().At(0, 0)

	// Now drop input to zero with a slow fall coefficient; state should
	// decay slowly, not snap to zero in one step.
	slowFall := uniform(2, 2, 0.01)
	down := uniform(2, 2, 0.0)
	f.Update(down, rise, slowFall, 1000.0)

	after := f.State().At(0, 0)
	if after >= settled {
		t.Errorf("expected state to decrease after input drop, got %v -> %v", settled, after)
	}
	if after < settled*0.9 {
		t.Errorf("expected slow decay with tiny fall coefficient, got %v -> %v", settled, after)
	}
}

func TestAsymmetricOnepoleField_ClearResetsState(t *testing.T) {
	f := New(2, 2)
	rise := uniform(2, 2, 1000.0)
	fall := uniform(2, 2, 1000.0)
	input := uniform(2, 2, 5.0)
	f.Update(input, rise, fall, 1000.0)
	if f.State().At(0, 0) == 0 {
		t.Fatal("expected nonzero state before clear")
	}
	f.Clear()
	if f.State().At(0, 0) != 0 {
		t.Error("expected state reset to zero after Clear")
	}
}

func TestAsymmetricOnepoleField_SeedFrom(t *testing.T) {
	f := New(2, 2)
	initial := uniform(2, 2, 7.0)
	f.SeedFrom(initial)
	if f.State().At(0, 0) != 7.0 {
		t.Errorf("expected seeded value 7.0, got %v", f.State().At(0, 0))
	}
}

func TestAsymmetricOnepoleField_ZeroCutoffHolds(t *testing.T) {
	f := New(1, 1)
	zero := uniform(1, 1, 0.0)
	input := uniform(1, 1, 5.0)
	f.Update(input, zero, zero, 1000.0)
	if f.State().At(0, 0) != 0 {
		t.Errorf("expected frozen state with zero cutoff, got %v", f.State().At(0, 0))
	}
}
