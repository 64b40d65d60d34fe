package keystate

import (
	"testing"

	"github.com/soundgrid/touchcore/internal/touch/geometry"
)

func TestArray_NewSeedsKeyCenters(t *testing.T) {
	geo := geometry.New()
	a := New(geo)
	if a.Len() != geometry.NumKeys {
		t.Fatalf("expected %d keys, got %d", geometry.NumKeys, a.Len())
	}
	cx, cy := geo.KeyCenter(0)
	if a.At(0).KeyCenterX != cx || a.At(0).KeyCenterY != cy {
		t.Errorf("expected key 0 center (%v,%v), got (%v,%v)", cx, cy, a.At(0).KeyCenterX, a.At(0).KeyCenterY)
	}
	if a.At(0).DtOut != 0 {
		t.Errorf("expected initial DtOut 0, got %v", a.At(0).DtOut)
	}
}

func TestKeyState_TickResetsInputsToNeutral(t *testing.T) {
	geo := geometry.New()
	a := New(geo)
	ks := a.At(10)
	cx, cy := ks.KeyCenterX, ks.KeyCenterY

	ks.Feed(0.5, 0.1, 99, 99, 0.03, 1.0)
	ks.Tick()

	if ks.ZIn != 0 {
		t.Errorf("expected ZIn reset to 0, got %v", ks.ZIn)
	}
	if ks.DtIn != 1.0 {
		t.Errorf("expected DtIn reset to 1.0, got %v", ks.DtIn)
	}
	if ks.PosInX != cx || ks.PosInY != cy {
		t.Errorf("expected PosIn reset to key center, got (%v,%v)", ks.PosInX, ks.PosInY)
	}
}

func TestKeyState_NoEvidenceDecaysTowardNeutral(t *testing.T) {
	geo := geometry.New()
	a := New(geo)
	ks := a.At(0)

	// Feed strong evidence once, then let many ticks run with no more
	// evidence: zOut should decay toward 0.
	ks.Feed(0.5, 0.0, ks.KeyCenterX, ks.KeyCenterY, 0.03, 1.0)
	ks.Tick()
	afterFirst := ks.ZOut

	for i := 0; i < 200; i++ {
		ks.Tick()
	}

	if ks.ZOut >= afterFirst {
		t.Errorf("expected ZOut to decay without repeated evidence, got %v -> %v", afterFirst, ks.ZOut)
	}
	if ks.ZOut > 1e-6 {
		t.Errorf("expected ZOut to decay near 0 after many idle ticks, got %v", ks.ZOut)
	}
	if ks.DtOut < 0.99 {
		t.Errorf("expected DtOut to decay toward 1.0 (max template distance), got %v", ks.DtOut)
	}
}

func TestKeyState_AgeIncrementsMonotonically(t *testing.T) {
	geo := geometry.New()
	a := New(geo)
	ks := a.At(0)
	for i := 1; i <= 5; i++ {
		ks.Tick()
		if ks.Age != i {
			t.Fatalf("expected age %d, got %d", i, ks.Age)
		}
	}
	ks.ResetAge()
	if ks.Age != 0 {
		t.Errorf("expected ResetAge to clear age, got %d", ks.Age)
	}
}

func TestMKFromPressure_ClampedLinearMap(t *testing.T) {
	onThreshold := 0.03
	maxForce := 1.0

	if mk := MKFromPressure(onThreshold, onThreshold, maxForce); mk != 0.001 {
		t.Errorf("expected mk=0.001 at onThreshold, got %v", mk)
	}
	if mk := MKFromPressure(0.5*maxForce, onThreshold, maxForce); mk != 1.0 {
		t.Errorf("expected mk=1.0 at 0.5*maxForce, got %v", mk)
	}
	if mk := MKFromPressure(10.0, onThreshold, maxForce); mk != 1.0 {
		t.Errorf("expected mk clamped to 1.0 above range, got %v", mk)
	}
	if mk := MKFromPressure(0.0, onThreshold, maxForce); mk != 0.001 {
		t.Errorf("expected mk clamped to 0.001 below range, got %v", mk)
	}
}
