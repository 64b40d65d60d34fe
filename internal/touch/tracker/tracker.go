// Package tracker implements the per-frame pipeline orchestrator: it owns
// the background filter, the per-touch update, residual analysis, birth
// logic, and the output frame.
package tracker

import (
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"github.com/soundgrid/touchcore/internal/config"
	"github.com/soundgrid/touchcore/internal/monitoring"
	"github.com/soundgrid/touchcore/internal/touch/calib"
	"github.com/soundgrid/touchcore/internal/touch/geometry"
	"github.com/soundgrid/touchcore/internal/touch/grid"
	"github.com/soundgrid/touchcore/internal/touch/keystate"
	"github.com/soundgrid/touchcore/internal/touch/onepole"
	"github.com/soundgrid/touchcore/internal/touch/table"
)

// OutputFrame field columns. A touch occupies one row (indexed by its
// table slot) of an (8 x maxTouches)-shaped grid.
const (
	ColX = iota
	ColY
	ColZ
	ColDz
	ColAge
	ColDt
	ColNote
	ColReserved
	NumOutputCols
)

// ConfigError reports a configuration problem at bind time: the operation
// is refused, logged once, and process() becomes a no-op until the
// tracker is reconfigured.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// Listener is notified once when the owned Calibrator reaches Done.
type Listener = calib.Listener

// Tracker orchestrates the full per-frame touch-tracking pipeline. It
// owns the TouchTable, KeyStateArray, BackgroundField, Calibrator, and
// all scratch grids; input and output raster references are borrowed
// for the duration of Process and never resized.
type Tracker struct {
	width, height int
	geo           *geometry.KeyGeometry
	calibrator    *calib.Calibrator
	table         *table.Table
	keys          *keystate.Array
	background    *onepole.AsymmetricOnepoleField

	tuning atomic.Pointer[config.TouchTuning]

	input  *grid.SignalGrid
	output *grid.SignalGrid
	bound  bool

	firstFrame bool

	// scratch grids, allocated once at construction and never resized.
	raw             *grid.SignalGrid
	filtered        *grid.SignalGrid
	sumOfTouches    *grid.SignalGrid
	working         *grid.SignalGrid
	templateMask    *grid.SignalGrid
	residual        *grid.SignalGrid
	scratchResidual *grid.SignalGrid
	fcRise, fcFall  *grid.SignalGrid
	templateScratch *grid.SignalGrid
}

// New allocates a Tracker bound to the given sensor dimensions, with a
// snapshot of tuning parameters taken from the start.
func New(width, height int, tuning *config.TouchTuning) *Tracker {
	geo := geometry.New()
	t := &Tracker{
		width:           width,
		height:          height,
		geo:             geo,
		calibrator:      calib.New(width, height, geo),
		table:           table.New(tuning.GetMaxTouches()),
		keys:            keystate.New(geo),
		background:      onepole.New(width, height),
		firstFrame:      true,
		raw:             grid.NewSignalGrid(width, height),
		filtered:        grid.NewSignalGrid(width, height),
		sumOfTouches:    grid.NewSignalGrid(width, height),
		working:         grid.NewSignalGrid(width, height),
		templateMask:    grid.NewSignalGrid(width, height),
		residual:        grid.NewSignalGrid(width, height),
		scratchResidual: grid.NewSignalGrid(width, height),
		fcRise:          grid.NewSignalGrid(width, height),
		fcFall:          grid.NewSignalGrid(width, height),
		templateScratch: grid.NewSignalGrid(calib.TemplateSize, calib.TemplateSize),
	}
	t.tuning.Store(tuning)
	return t
}

// SetTuning installs a new parameter snapshot, read from a control
// thread. Process() loads it once at the top of each frame, so the
// pipeline always sees a consistent parameter set for that frame.
func (t *Tracker) SetTuning(tuning *config.TouchTuning) {
	t.tuning.Store(tuning)
}

// Calibrator returns the owned Calibrator, for beginCalibrate/
// cancelCalibrate/setCalibration control operations.
func (t *Tracker) Calibrator() *calib.Calibrator {
	return t.calibrator
}

// Bind attaches the borrowed input and output rasters. A mis-sized
// output, or an input not matching the tracker's sensor dimensions, is
// refused and logged; the tracker remains (or becomes) unbound and
// Process is a no-op until a valid Bind succeeds.
func (t *Tracker) Bind(input, output *grid.SignalGrid) error {
	if input == nil || output == nil {
		return t.fail(&ConfigError{Msg: "tracker: bind requires non-nil input and output grids"})
	}
	if input.Width != t.width || input.Height != t.height {
		return t.fail(&ConfigError{Msg: fmt.Sprintf(
			"tracker: input grid %dx%d does not match bound sensor size %dx%d",
			input.Width, input.Height, t.width, t.height)})
	}
	if output.Width < NumOutputCols || output.Height < t.table.Capacity() {
		return t.fail(&ConfigError{Msg: fmt.Sprintf(
			"tracker: output grid %dx%d too small for %d columns x %d touches",
			output.Width, output.Height, NumOutputCols, t.table.Capacity())})
	}
	t.input, t.output = input, output
	t.bound = true
	return nil
}

func (t *Tracker) fail(err error) error {
	t.bound = false
	monitoring.Logf("%v", err)
	return err
}

// Clear reinitializes the background to the current input on the next
// Process call and discards all active touches and key-state evidence.
// Idempotent.
func (t *Tracker) Clear() {
	t.firstFrame = true
	t.table.Clear()
	t.keys.Reset()
}

// Process runs one iteration of the pipeline. It is a no-op if the
// tracker is not bound.
func (t *Tracker) Process() {
	if !t.bound {
		return
	}
	tuning := t.tuning.Load()

	onThreshold := tuning.GetOnThreshold()
	offThreshold := tuning.GetOffThreshold()
	overrideThreshold := tuning.GetOverrideThreshold()
	templateThresh := tuning.GetTemplateThresh()
	maxForce := tuning.GetMaxForce()
	quantize := tuning.GetQuantizeToKey()
	sampleRate := tuning.GetSampleRate()
	backgroundFilterFreq := tuning.GetBackgroundFilterFreq()
	mLopass := tuning.GetLopass()
	touchReleaseFrames := tuning.GetTouchReleaseFrames()
	ageGate := tuning.GetKeyStateAgeGate()
	maxPeaks := tuning.GetMaxPeaksPerFrame()

	t.calibrator.Update(t.input, sampleRate)

	if t.firstFrame {
		t.background.SeedFrom(t.input)
		t.firstFrame = false
		t.writeOutput()
		return
	}

	// 1. Normalize.
	t.raw.Copy(t.input)
	if nm := t.calibrator.NormalizeMap(); nm != nil {
		t.raw.Multiply(nm)
	}

	// 2. Smooth.
	t.raw.Convolve3x3(t.filtered)

	// 3. Synthesize current-touch image.
	t.sumOfTouches.Clear()
	for _, idx := range t.table.Active() {
		t.blitTouchTemplate(t.sumOfTouches, t.table.Touch(idx), false)
	}

	// 4. Background.
	fillConst(t.fcRise, backgroundFilterFreq)
	fillConst(t.fcFall, backgroundFilterFreq)
	for y := 0; y < t.height; y++ {
		for x := 0; x < t.width; x++ {
			fc := backgroundFilterFreq - t.sumOfTouches.At(x, y)*100
			if fc < 0 {
				fc = 0
			}
			t.fcRise.Set(x, y, fc)
		}
	}
	t.background.Update(t.filtered, t.fcRise, t.fcFall, sampleRate)

	// 5. Foreground.
	t.working.Copy(t.filtered)
	t.working.Subtract(t.background.State())
	t.working.ClampBelowToZero()

	// 6. Update existing touches.
	t.templateMask.Clear()
	active := t.table.Active()
	sort.Slice(active, func(i, j int) bool {
		return t.table.Touch(active[i]).Z > t.table.Touch(active[j]).Z
	})
	for _, idx := range active {
		t.updateTouch(idx, onThreshold, offThreshold, overrideThreshold,
			templateThresh, maxForce, mLopass, touchReleaseFrames, sampleRate)
	}

	// 7. Residual.
	t.residual.Copy(t.working)
	t.residual.Subtract(t.sumOfTouches)
	t.residual.ClampBelowToZero()

	// 8. Birth evidence.
	t.scratchResidual.Copy(t.residual)
	for n := 0; n < maxPeaks; n++ {
		px, py, z := t.scratchResidual.FindPeak()
		if z <= 0.25*onThreshold {
			break
		}
		rx, ry := t.scratchResidual.RefinePeak(px, py)
		key := t.geo.KeyIndex(rx, ry)
		dist := t.calibrator.TemplateDistance(t.scratchResidual, rx, ry)

		posX, posY := rx, ry
		if quantize {
			posX, posY = t.geo.KeyCenter(key)
		}
		t.keys.At(key).Feed(z, dist, posX, posY, onThreshold, maxForce)

		t.templateScratch.Copy(t.calibrator.GetTemplate(rx, ry))
		t.templateScratch.Scale(-z * calib.ZAdjust(rx, ry))
		t.scratchResidual.BlitAdd(t.templateScratch, rx-calib.TemplateRadius, ry-calib.TemplateRadius)
		t.scratchResidual.ClampBelowToZero()
	}

	// 9. Tick every key state.
	t.keys.TickAll()

	// 10. Birth.
	for i := 0; i < t.keys.Len(); i++ {
		ks := t.keys.At(i)
		if ks.ZOut <= onThreshold {
			continue
		}
		if ks.ZOut <= t.inhibitThreshold(ks.PosOutX, ks.PosOutY, -1) {
			continue
		}
		if ks.MK <= 0.001 {
			continue
		}
		if ks.Age <= ageGate {
			continue
		}
		if !(ks.DtOut < templateThresh || ks.ZOut > overrideThreshold) {
			continue
		}
		if t.table.FindByKey(i) != -1 {
			continue
		}
		dz := math.Sqrt(clampf(50*ks.DzOut, 0, 1))
		if t.table.Add(table.Touch{
			Key:   i,
			X:     ks.PosOutX,
			Y:     ks.PosOutY,
			Z:     ks.ZOut,
			Dz:    dz,
			TDist: ks.DtOut,
		}) != -1 {
			ks.ResetAge()
		}
	}

	// 11. Emit.
	t.writeOutput()
}

// blitTouchTemplate adds (or, if negate, subtracts) touch's calibration
// template scaled by z*zAdjust(pos) into dst, centered at (touch.X,
// touch.Y).
func (t *Tracker) blitTouchTemplate(dst *grid.SignalGrid, touch *table.Touch, negate bool) {
	scale := touch.Z * calib.ZAdjust(touch.X, touch.Y)
	if negate {
		scale = -scale
	}
	t.templateScratch.Copy(t.calibrator.GetTemplate(touch.X, touch.Y))
	t.templateScratch.Scale(scale)
	dst.BlitAdd(t.templateScratch, touch.X-calib.TemplateRadius, touch.Y-calib.TemplateRadius)
}

// updateTouch applies one frame of the touch update procedure to the
// touch at table slot idx.
func (t *Tracker) updateTouch(idx int, onThreshold, offThreshold, overrideThreshold,
	templateThresh, maxForce, mLopass float64, touchReleaseFrames int, sampleRate float64) {
	tk := t.table.Touch(idx)

	targetX, targetY := tk.X, tk.Y
	if tk.ReleaseCtr == 0 {
		ix := int(math.Round(tk.X))
		iy := int(math.Round(tk.Y))
		nx, ny := findHighestNeighbor(t.working, ix, iy)
		rx, ry := t.working.RefinePeak(nx, ny)
		newKey := t.geo.KeyIndex(rx, ry)
		if newKey == tk.Key || t.table.FindByKey(newKey) == -1 {
			targetX, targetY = rx, ry
			tk.Key = newKey
		}
	}

	newZ := t.working.Sample(targetX, targetY)
	tDist := t.calibrator.MaskedTemplateDistance(t.working, targetX, targetY, t.templateMask)
	tk.TDist = tDist

	inhibit := t.inhibitThreshold(targetX, targetY, idx)
	release := newZ <= offThreshold ||
		(tDist >= templateThresh && newZ <= overrideThreshold) ||
		newZ <= inhibit

	oldZ := tk.Z
	if release {
		if tk.ReleaseCtr == 0 {
			tk.ReleaseSlope = oldZ / float64(touchReleaseFrames)
		}
		tk.ReleaseCtr++
		newZ = oldZ - tk.ReleaseSlope
	} else {
		tk.ReleaseCtr = 0
	}
	tk.Dz = newZ - oldZ
	tk.Z = newZ
	tk.Age++

	posCutoff := clampf((newZ-onThreshold)/(0.25*maxForce), 0, 1)
	posCutoff = clampf(posCutoff*posCutoff*100, 1, 100)
	posA := onepoleCoefficient(posCutoff, sampleRate)
	tk.X += posA * (targetX - tk.X)
	tk.Y += posA * (targetY - tk.Y)

	lpFreq := mLopass * ageWarp(tk.Age)
	zfA := onepoleCoefficient(lpFreq, sampleRate)
	tk.Zf += zfA * (newZ - onThreshold - tk.Zf)

	if tk.Zf < 0 {
		t.table.RemoveAt(idx)
		return
	}

	t.blitTouchTemplate(t.working, tk, true)
	t.working.ClampBelowToZero()
	t.blitTouchTemplate(t.templateMask, tk, false)
}

// inhibitThreshold computes a distance-weighted pressure floor derived
// from every other active touch. excludeIdx is the table slot to skip
// (-1 excludes nothing).
func (t *Tracker) inhibitThreshold(x, y float64, excludeIdx int) float64 {
	best := 0.0
	for _, idx := range t.table.Active() {
		if idx == excludeIdx {
			continue
		}
		other := t.table.Touch(idx)
		d := math.Hypot(x-other.X, y-other.Y)
		if d <= 0.1 {
			continue
		}
		v := 1.1 * other.Z / (1 + d/6)
		if v > best {
			best = v
		}
	}
	return best
}

// writeOutput clears the bound output grid and writes one row per
// touch-table slot.
func (t *Tracker) writeOutput() {
	for y := 0; y < t.output.Height; y++ {
		for x := 0; x < t.output.Width; x++ {
			t.output.Set(x, y, 0)
		}
	}
	for slot := 0; slot < t.table.Capacity() && slot < t.output.Height; slot++ {
		tk := t.table.Touch(slot)
		z := 0.0
		note := 0.0
		if tk.Age > 0 {
			z = tk.Zf
			note = float64(tk.Key)
		}
		t.output.Set(ColX, slot, tk.X)
		t.output.Set(ColY, slot, tk.Y)
		t.output.Set(ColZ, slot, z)
		t.output.Set(ColDz, slot, tk.Dz)
		t.output.Set(ColAge, slot, float64(tk.Age))
		t.output.Set(ColDt, slot, tk.TDist)
		t.output.Set(ColNote, slot, note)
	}
}

// findHighestNeighbor returns the integer cell among (ix, iy) and its
// 8-neighborhood with the greatest value: a touch steps to a
// strictly-higher neighbor, one cell at a time.
func findHighestNeighbor(g *grid.SignalGrid, ix, iy int) (int, int) {
	best := g.At(ix, iy)
	bx, by := ix, iy
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			if v := g.At(ix+dx, iy+dy); v > best {
				best = v
				bx, by = ix+dx, iy+dy
			}
		}
	}
	return bx, by
}

// ageWarp scales mLopass down from 1.0x at birth toward 0.25x as a
// touch's age grows.
func ageWarp(age int) float64 {
	const ageWarpScale = 50.0
	return 0.25 + 0.75*math.Exp(-float64(age)/ageWarpScale)
}

// onepoleCoefficient computes the standard first-order bilinear-
// transform IIR coefficient shared by every lowpass in the pipeline.
func onepoleCoefficient(fc, sampleRate float64) float64 {
	if fc <= 0 {
		return 0
	}
	a := 1 - math.Exp(-2*math.Pi*fc/sampleRate)
	return clampf(a, 0, 1)
}

func fillConst(g *grid.SignalGrid, v float64) {
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			g.Set(x, y, v)
		}
	}
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
