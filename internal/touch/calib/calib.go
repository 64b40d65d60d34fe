// Package calib implements the Calibrator, which learns a per-location
// touch-shape template and a per-sensor normalization map by observing a
// finger slide over every key.
package calib

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/soundgrid/touchcore/internal/touch/geometry"
	"github.com/soundgrid/touchcore/internal/touch/grid"
	"github.com/soundgrid/touchcore/internal/touch/onepole"
)

// TemplateRadius is R: each per-bin template patch is (2R+1) x (2R+1)
// cells.
const TemplateRadius = 3

// TemplateSize is the side length of a template patch.
const TemplateSize = 2*TemplateRadius + 1

// kPassesToCalibrate is the number of distinct visits each bin must
// receive (finger sliding over every key twice) before calibration is
// considered complete.
const kPassesToCalibrate = 2

// kCalibrateTrackerThresh is the fixed peak-pressure threshold above
// which a frame contributes to the calibration accumulators. Chosen
// below the default on-threshold so a finger easing on or off a key
// during the slide still contributes samples.
const kCalibrateTrackerThresh = 0.02

// warmupFrames is the number of frames treated as touch-free baseline
// collection immediately after begin().
const warmupFrames = 1000

// baselineCutoffHz is the fixed lowpass cutoff used to track the
// warm-up baseline into FilteredInput.
const baselineCutoffHz = 1.0

// State is the Calibrator's lifecycle state.
type State int

const (
	Idle State = iota
	Collecting
	Done
)

// Listener is notified once when the Calibrator reaches Done. The two
// signals are passed by reference; the listener must persist them
// externally if it wants to keep them past the call.
type Listener func(signal *grid.SignalStack, normalizeMap *grid.SignalGrid, avgDistance float64)

// Calibrator collects per-bin touch templates and a sensor normalization
// map. It is owned by the Tracker; width and height are the sensor
// grid's dimensions.
type Calibrator struct {
	geo *geometry.KeyGeometry

	state   State
	frame   int
	lastBin int

	dataMin     []*grid.SignalGrid // per-bin minimum-sample template (scratch during Collecting)
	dataSum     []*grid.SignalGrid // per-bin running sum, for avgDistance
	sampleCount []int
	passCount   []int

	normalizeSum   *grid.SignalGrid
	normalizeCount *grid.SignalGrid

	baseline      *onepole.AsymmetricOnepoleField
	fcBaseline    *grid.SignalGrid
	filteredInput *grid.SignalGrid
	width, height int

	calibrated      bool
	calibrateSignal *grid.SignalStack
	normalizeMap    *grid.SignalGrid
	defaultTemplate *grid.SignalGrid

	listener Listener
}

// New allocates a Calibrator for a width x height sensor grid.
func New(width, height int, geo *geometry.KeyGeometry) *Calibrator {
	c := &Calibrator{
		geo:             geo,
		width:           width,
		height:          height,
		dataMin:         make([]*grid.SignalGrid, geometry.NumKeys),
		dataSum:         make([]*grid.SignalGrid, geometry.NumKeys),
		sampleCount:     make([]int, geometry.NumKeys),
		passCount:       make([]int, geometry.NumKeys),
		normalizeSum:    grid.NewSignalGrid(width, height),
		normalizeCount:  grid.NewSignalGrid(width, height),
		baseline:        onepole.New(width, height),
		fcBaseline:      grid.NewSignalGrid(width, height),
		filteredInput:   grid.NewSignalGrid(width, height),
		defaultTemplate: defaultRadialTemplate(),
		lastBin:         -1,
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c.fcBaseline.Set(x, y, baselineCutoffHz)
		}
	}
	for i := range c.dataMin {
		c.dataMin[i] = fullPatch(math.Inf(1))
		c.dataSum[i] = grid.NewSignalGrid(TemplateSize, TemplateSize)
	}
	return c
}

// SetListener installs the calibration-complete callback.
func (c *Calibrator) SetListener(l Listener) {
	c.listener = l
}

// State returns the current lifecycle state.
func (c *Calibrator) State() State {
	return c.state
}

// IsCalibrated reports whether a completed (or externally loaded)
// calibration is available for GetTemplate and NormalizeMap.
func (c *Calibrator) IsCalibrated() bool {
	return c.calibrated
}

// Begin clears all per-bin accumulators and the normalize-map
// accumulators, and enters Collecting; a previously installed normalize
// map stays in place until collection completes. The next warmupFrames frames passed to Update are
// treated as touch-free baseline collection.
func (c *Calibrator) Begin() {
	for i := range c.dataMin {
		c.dataMin[i] = fullPatch(math.Inf(1))
		c.dataSum[i].Clear()
		c.sampleCount[i] = 0
		c.passCount[i] = 0
	}
	c.normalizeSum.Clear()
	c.normalizeCount.Clear()
	c.filteredInput.Clear()
	c.baseline.Clear()
	c.frame = 0
	c.lastBin = -1
	c.state = Collecting
}

// Cancel abandons an in-progress collection, leaving any previously
// completed calibration untouched.
func (c *Calibrator) Cancel() {
	c.state = Idle
}

// Clear discards any calibration entirely, reverting GetTemplate to the
// fixed default template and NormalizeMap to absent.
func (c *Calibrator) Clear() {
	c.state = Idle
	c.calibrated = false
	c.calibrateSignal = nil
	c.normalizeMap = nil
}

// SetCalibration installs an externally-provided template stack (e.g.
// loaded from persisted storage) as though calibration had completed.
func (c *Calibrator) SetCalibration(signal *grid.SignalStack) {
	c.calibrateSignal = signal
	c.calibrated = true
	c.state = Done
}

// SetNormalizeMap installs an externally-provided normalization map.
func (c *Calibrator) SetNormalizeMap(m *grid.SignalGrid) {
	c.normalizeMap = m
}

// SetDefaultCalibration discards any loaded or learned calibration,
// falling back to the fixed default template and no normalization.
func (c *Calibrator) SetDefaultCalibration() {
	c.calibrateSignal = nil
	c.normalizeMap = nil
	c.calibrated = false
}

// NormalizeMap returns the learned per-sensor-cell gain map, or nil if
// none has been learned or loaded.
func (c *Calibrator) NormalizeMap() *grid.SignalGrid {
	return c.normalizeMap
}

// Update advances the calibrator by one frame of raw input. It is a
// no-op unless the state is Collecting.
func (c *Calibrator) Update(input *grid.SignalGrid, sampleRate float64) {
	if c.state != Collecting {
		return
	}
	c.frame++

	if c.frame <= warmupFrames {
		c.baseline.Update(input, c.fcBaseline, c.fcBaseline, sampleRate)
		c.filteredInput.Copy(c.baseline.State())
		return
	}
	c.baseline.Update(input, c.fcBaseline, c.fcBaseline, sampleRate)
	c.filteredInput.Copy(c.baseline.State())

	px, py, peak := input.FindPeak()
	if peak <= kCalibrateTrackerThresh {
		return
	}

	raw := extractPatchAt(input, float64(px), float64(py))
	smoothed := grid.NewSignalGrid(TemplateSize, TemplateSize)
	raw.Convolve3x3(smoothed)
	normalizeCenter(smoothed)

	// Sub-pixel refine before binning: key boundaries do not line up
	// with sensor cells, so binning on the raw integer peak can put a
	// sample in the neighboring bin.
	fx, fy := input.RefinePeak(px, py)
	bin := c.geo.KeyIndex(fx, fy)
	c.dataSum[bin].Add(smoothed)
	elementwiseMinInto(c.dataMin[bin], smoothed)
	c.sampleCount[bin]++

	c.normalizeSum.Set(px, py, c.normalizeSum.At(px, py)+peak)
	c.normalizeCount.Set(px, py, c.normalizeCount.At(px, py)+1)

	if bin != c.lastBin {
		if c.passCount[bin] < kPassesToCalibrate {
			c.passCount[bin]++
		}
		c.lastBin = bin
	}

	if c.isDone() {
		c.finish()
	}
}

func (c *Calibrator) isDone() bool {
	for _, p := range c.passCount {
		if p < kPassesToCalibrate {
			return false
		}
	}
	return true
}

func (c *Calibrator) finish() {
	signal := grid.NewSignalStack(TemplateSize, TemplateSize, geometry.NumKeys)
	for i := 0; i < geometry.NumKeys; i++ {
		signal.SetFrame(i, c.dataMin[i])
	}

	dists := make([]float64, 0, geometry.NumKeys)
	for i := 0; i < geometry.NumKeys; i++ {
		if c.sampleCount[i] == 0 {
			continue
		}
		avgPatch := grid.NewSignalGrid(TemplateSize, TemplateSize)
		avgPatch.Copy(c.dataSum[i])
		avgPatch.Scale(1.0 / float64(c.sampleCount[i]))
		dists = append(dists, patchRMSDiff(c.dataMin[i], avgPatch))
	}
	avgDistance := 0.0
	if len(dists) > 0 {
		avgDistance = stat.Mean(dists, nil)
	}

	c.calibrateSignal = signal
	c.normalizeMap = c.buildNormalizeMap()
	c.calibrated = true
	c.state = Done

	if c.listener != nil {
		c.listener(c.calibrateSignal, c.normalizeMap, avgDistance)
	}
}

// buildNormalizeMap computes a per-cell gain map: the final gain at a
// visited cell is the grand mean of per-cell average
// peak values divided by that cell's own average; unvisited cells get
// the grand mean's gain (1.0 after division); fixed edge-row boosts
// compensate for known falloff near the top and bottom of the sensor.
func (c *Calibrator) buildNormalizeMap() *grid.SignalGrid {
	avg := grid.NewSignalGrid(c.width, c.height)
	sum := 0.0
	visited := 0
	for y := 0; y < c.height; y++ {
		for x := 0; x < c.width; x++ {
			cnt := c.normalizeCount.At(x, y)
			if cnt <= 0 {
				continue
			}
			a := c.normalizeSum.At(x, y) / cnt
			avg.Set(x, y, a)
			sum += a
			visited++
		}
	}
	m := 0.0
	if visited > 0 {
		m = sum / float64(visited)
	}

	out := grid.NewSignalGrid(c.width, c.height)
	for y := 0; y < c.height; y++ {
		for x := 0; x < c.width; x++ {
			a := avg.At(x, y)
			cnt := c.normalizeCount.At(x, y)
			if cnt <= 0 || a == 0 {
				a = m
			}
			if a == 0 {
				out.Set(x, y, 1)
				continue
			}
			out.Set(x, y, m/a)
		}
	}
	applyEdgeRowBoosts(out)
	return out
}

// applyEdgeRowBoosts scales the top two and bottom two sensor rows by
// fixed hardware-specific factors.
func applyEdgeRowBoosts(g *grid.SignalGrid) {
	boosts := map[int]float64{
		0:            1.7,
		1:            1.45,
		g.Height - 2: 1.1,
		g.Height - 1: 1.33,
	}
	for row, factor := range boosts {
		if row < 0 || row >= g.Height {
			continue
		}
		for x := 0; x < g.Width; x++ {
			g.Set(x, row, g.At(x, row)*factor)
		}
	}
}

// GetTemplate returns the touch-shape template for a position: the
// bilinear interpolation of the four surrounding bin templates once
// calibrated, or the fixed radial default otherwise.
func (c *Calibrator) GetTemplate(x, y float64) *grid.SignalGrid {
	if !c.calibrated {
		return c.defaultTemplate
	}

	col, row := c.geo.FracColRow(x, y)
	c0 := int(col)
	r0 := int(row)
	c1 := clampInt(c0+1, 0, geometry.Cols-1)
	r1 := clampInt(r0+1, 0, geometry.Rows-1)
	fc := col - float64(c0)
	fr := row - float64(r0)

	t00 := c.calibrateSignal.Frame(r0*geometry.Cols + c0)
	t10 := c.calibrateSignal.Frame(r0*geometry.Cols + c1)
	t01 := c.calibrateSignal.Frame(r1*geometry.Cols + c0)
	t11 := c.calibrateSignal.Frame(r1*geometry.Cols + c1)

	out := grid.NewSignalGrid(TemplateSize, TemplateSize)
	for j := 0; j < TemplateSize; j++ {
		for i := 0; i < TemplateSize; i++ {
			top := t00.At(i, j) + (t10.At(i, j)-t00.At(i, j))*fc
			bottom := t01.At(i, j) + (t11.At(i, j)-t01.At(i, j))*fc
			out.Set(i, j, top+(bottom-top)*fr)
		}
	}
	return out
}

// TemplateDistance computes the RMS difference, over cells of a
// positive extracted patch, between the interpolated template and a
// patch extracted from in around (x, y) and scaled by
// 1/(in.Sample(x, y)*ZAdjust(x, y)); the patch center is therefore
// 1/ZAdjust(x, y), not 1.
func (c *Calibrator) TemplateDistance(in *grid.SignalGrid, x, y float64) float64 {
	return c.templateDistance(in, x, y, nil)
}

// MaskedTemplateDistance is TemplateDistance but skips any cell where
// mask exceeds 0.001, so already-updated touches don't corrupt a
// crowded touch's template test.
func (c *Calibrator) MaskedTemplateDistance(in *grid.SignalGrid, x, y float64, mask *grid.SignalGrid) float64 {
	return c.templateDistance(in, x, y, mask)
}

func (c *Calibrator) templateDistance(in *grid.SignalGrid, x, y float64, mask *grid.SignalGrid) float64 {
	template := c.GetTemplate(x, y)
	adjust := ZAdjust(x, y)
	center := in.Sample(x, y)
	denom := center * adjust
	if denom == 0 {
		return 0
	}
	scale := 1 / denom

	sumSq := 0.0
	count := 0
	for j := 0; j < TemplateSize; j++ {
		for i := 0; i < TemplateSize; i++ {
			sx := x - TemplateRadius + float64(i)
			sy := y - TemplateRadius + float64(j)
			v := in.Sample(sx, sy) * scale
			if v <= 0 {
				continue
			}
			if mask != nil && mask.Sample(sx, sy) > 0.001 {
				continue
			}
			d := template.At(i, j) - v
			sumSq += d * d
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sumSq / float64(count))
}

// ZAdjust compensates for bilinear sampling energy loss: loss is
// greatest at half-cell offsets and smallest on-grid.
func ZAdjust(x, y float64) float64 {
	fx := x - math.Floor(x)
	fy := y - math.Floor(y)
	norm := math.Hypot(fx-0.5, fy-0.5)
	return 1.414 - 0.5*norm
}

func extractPatchAt(src *grid.SignalGrid, cx, cy float64) *grid.SignalGrid {
	out := grid.NewSignalGrid(TemplateSize, TemplateSize)
	for j := 0; j < TemplateSize; j++ {
		for i := 0; i < TemplateSize; i++ {
			sx := cx - TemplateRadius + float64(i)
			sy := cy - TemplateRadius + float64(j)
			out.Set(i, j, src.Sample(sx, sy))
		}
	}
	return out
}

func normalizeCenter(patch *grid.SignalGrid) {
	center := patch.At(TemplateRadius, TemplateRadius)
	if center == 0 {
		return
	}
	patch.Scale(1 / center)
}

func elementwiseMinInto(dst, src *grid.SignalGrid) {
	for j := 0; j < TemplateSize; j++ {
		for i := 0; i < TemplateSize; i++ {
			if v := src.At(i, j); v < dst.At(i, j) {
				dst.Set(i, j, v)
			}
		}
	}
}

func patchRMSDiff(a, b *grid.SignalGrid) float64 {
	sumSq := 0.0
	for j := 0; j < TemplateSize; j++ {
		for i := 0; i < TemplateSize; i++ {
			d := a.At(i, j) - b.At(i, j)
			sumSq += d * d
		}
	}
	return math.Sqrt(sumSq / float64(TemplateSize*TemplateSize))
}

func fullPatch(v float64) *grid.SignalGrid {
	g := grid.NewSignalGrid(TemplateSize, TemplateSize)
	for j := 0; j < TemplateSize; j++ {
		for i := 0; i < TemplateSize; i++ {
			g.Set(i, j, v)
		}
	}
	return g
}

// defaultRadialTemplate builds a radial cone with unit peak and linear
// falloff to the patch edge, used before calibration and for tests.
func defaultRadialTemplate() *grid.SignalGrid {
	g := grid.NewSignalGrid(TemplateSize, TemplateSize)
	for j := 0; j < TemplateSize; j++ {
		for i := 0; i < TemplateSize; i++ {
			dx := float64(i - TemplateRadius)
			dy := float64(j - TemplateRadius)
			d := math.Hypot(dx, dy) / TemplateRadius
			v := 1 - d
			if v < 0 {
				v = 0
			}
			g.Set(i, j, v)
		}
	}
	return g
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
