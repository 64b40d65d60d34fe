// Command touchsim demonstrates the two-goroutine capture/tracker model end
// to end: a capture goroutine pushes synthetic pressure frames into a
// single-producer/single-consumer ring buffer, and a tracker goroutine
// drains it, runs Tracker.Process, and prints each newly born or released
// touch. It optionally records the session to SQLite and renders an HTML
// dashboard afterward, generating throwaway data for manual inspection.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/soundgrid/touchcore/internal/config"
	"github.com/soundgrid/touchcore/internal/touch/grid"
	"github.com/soundgrid/touchcore/internal/touch/recorder"
	"github.com/soundgrid/touchcore/internal/touch/report"
	"github.com/soundgrid/touchcore/internal/touch/tracker"
)

var (
	width       = flag.Int("width", 64, "sensor grid width")
	height      = flag.Int("height", 8, "sensor grid height")
	configFile  = flag.String("config", "", "path to a JSON tuning config file (defaults to built-in defaults)")
	duration    = flag.Duration("duration", 10*time.Second, "how long to run the simulated session")
	touchCount  = flag.Int("touches", 2, "number of synthetic fingers sliding across the surface")
	ringBuffer  = flag.Int("ring-buffer", 4, "capacity of the capture->tracker frame channel")
	recordPath  = flag.String("record", "", "if set, record the session to this SQLite file")
	reportDir   = flag.String("report-dir", "", "if set together with -record, write a session dashboard here after the run")
	sessionName = flag.String("label", "touchsim", "session label used when recording")
)

// ringFrame is one timestamped capture handed from the capture goroutine to
// the tracker goroutine.
type ringFrame struct {
	seq            int
	takenUnixNanos int64
	data           *grid.SignalGrid
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	tuning := config.EmptyTouchTuning()
	if *configFile != "" {
		loaded, err := config.LoadTouchTuning(*configFile)
		if err != nil {
			return fmt.Errorf("touchsim: load config: %w", err)
		}
		tuning = loaded
	}

	tr := tracker.New(*width, *height, tuning)
	input := grid.NewSignalGrid(*width, *height)
	output := grid.NewSignalGrid(tracker.NumOutputCols, tuning.GetMaxTouches())
	if err := tr.Bind(input, output); err != nil {
		return fmt.Errorf("touchsim: bind: %w", err)
	}

	var rec *recorder.Recorder
	var sessionID uuid.UUID
	if *recordPath != "" {
		r, err := recorder.Open(*recordPath)
		if err != nil {
			return fmt.Errorf("touchsim: open recorder: %w", err)
		}
		defer r.Close()
		id, err := r.BeginSession(*sessionName, *width, *height, tuning.GetSampleRate(), time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("touchsim: begin session: %w", err)
		}
		rec = r
		sessionID = id
		log.Printf("touchsim: recording session %s to %s", sessionID, *recordPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	frames := make(chan ringFrame, *ringBuffer)
	gen := newSyntheticGenerator(*width, *height, *touchCount)
	period := time.Duration(float64(time.Second) / tuning.GetSampleRate())

	go captureLoop(ctx, frames, gen, period)
	trackLoop(ctx, tr, input, output, frames, rec, sessionID)

	if *reportDir != "" && rec != nil {
		if err := writeReport(rec, sessionID, *width, *height, *reportDir); err != nil {
			log.Printf("touchsim: report: %v", err)
		}
	}
	return nil
}

// captureLoop plays the role of the capture thread: it owns frame
// generation and pushes into the ring buffer on a fixed period, dropping a
// frame rather than blocking if the tracker has fallen behind.
func captureLoop(ctx context.Context, out chan ringFrame, gen *syntheticGenerator, period time.Duration) {
	defer close(out)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f := ringFrame{seq: seq, takenUnixNanos: time.Now().UnixNano(), data: gen.next()}
			seq++
			select {
			case out <- f:
			default:
				// Ring buffer full: drop the oldest pending frame and retry once.
				select {
				case <-out:
				default:
				}
				select {
				case out <- f:
				default:
				}
			}
		}
	}
}

// trackLoop plays the role of the tracker thread: dequeue, copy into the
// bound input, run Process to completion, observe the output.
func trackLoop(ctx context.Context, tr *tracker.Tracker, input, output *grid.SignalGrid, in <-chan ringFrame, rec *recorder.Recorder, session uuid.UUID) {
	prevActive := map[int]bool{}
	for {
		select {
		case <-ctx.Done():
			drain(in)
			return
		case f, ok := <-in:
			if !ok {
				return
			}
			input.Copy(f.data)
			tr.Process()

			reportTransitions(f.seq, output, prevActive)

			if rec != nil {
				if err := rec.RecordFrame(session, f.seq, f.takenUnixNanos, input); err != nil {
					log.Printf("touchsim: record frame %d: %v", f.seq, err)
				}
				if err := rec.RecordOutput(session, f.seq, output); err != nil {
					log.Printf("touchsim: record output %d: %v", f.seq, err)
				}
			}
		}
	}
}

func drain(in <-chan ringFrame) {
	for range in {
	}
}

// reportTransitions prints a line whenever a touch slot's active state
// flips, so a human running touchsim sees births and releases live.
func reportTransitions(seq int, output *grid.SignalGrid, prevActive map[int]bool) {
	for slot := 0; slot < output.Height; slot++ {
		active := output.At(tracker.ColAge, slot) > 0
		was := prevActive[slot]
		switch {
		case active && !was:
			fmt.Printf("frame %6d: touch born   slot=%d key=%.0f x=%.2f y=%.2f z=%.3f\n",
				seq, slot, output.At(tracker.ColNote, slot), output.At(tracker.ColX, slot),
				output.At(tracker.ColY, slot), output.At(tracker.ColZ, slot))
		case !active && was:
			fmt.Printf("frame %6d: touch released slot=%d\n", seq, slot)
		}
		prevActive[slot] = active
	}
}

func writeReport(rec *recorder.Recorder, session uuid.UUID, width, height int, dir string) error {
	touches, err := rec.ReadTouches(session)
	if err != nil {
		return fmt.Errorf("read touches: %w", err)
	}
	dashboard, err := report.SessionDashboard(touches, width, height)
	if err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	path := dir + "/dashboard.html"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if err := os.WriteFile(path, []byte(dashboard), 0o644); err != nil {
		return fmt.Errorf("write dashboard: %w", err)
	}
	log.Printf("touchsim: wrote %s (%d recorded touch rows)", path, len(touches))
	return nil
}

// syntheticGenerator produces Gaussian pressure bumps sliding back and
// forth across the playing surface, one per simulated finger.
type syntheticGenerator struct {
	width, height int
	fingers       []finger
	frame         int
	rng           *rand.Rand
}

type finger struct {
	y, peak, sigma, speed, phase float64
}

func newSyntheticGenerator(width, height, count int) *syntheticGenerator {
	rng := rand.New(rand.NewSource(1))
	fingers := make([]finger, count)
	for i := range fingers {
		fingers[i] = finger{
			y:     1 + rng.Float64()*float64(height-2),
			peak:  0.06 + rng.Float64()*0.08,
			sigma: 1.2 + rng.Float64()*0.6,
			speed: 0.05 + rng.Float64()*0.1,
			phase: rng.Float64() * 2 * math.Pi,
		}
	}
	return &syntheticGenerator{width: width, height: height, fingers: fingers, rng: rng}
}

func (g *syntheticGenerator) next() *grid.SignalGrid {
	out := grid.NewSignalGrid(g.width, g.height)
	t := float64(g.frame)
	g.frame++

	margin := 4.0
	span := float64(g.width) - 2*margin
	for _, f := range g.fingers {
		cx := margin + span*0.5*(1+math.Sin(f.speed*t+f.phase))
		addGaussian(out, cx, f.y, f.peak, f.sigma)
	}
	return out
}

func addGaussian(dst *grid.SignalGrid, cx, cy, peak, sigma float64) {
	for y := 0; y < dst.Height; y++ {
		for x := 0; x < dst.Width; x++ {
			dx := float64(x) - cx
			dy := float64(y) - cy
			d2 := dx*dx + dy*dy
			dst.Set(x, y, dst.At(x, y)+peak*math.Exp(-d2/(2*sigma*sigma)))
		}
	}
}
