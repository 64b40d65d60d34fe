// Package recorder persists touch-tracker input frames and tracker output
// to a SQLite database, for building golden-replay fixtures and for
// offline inspection of recorded sessions. It uses modernc.org/sqlite as
// the driver, golang-migrate against an embedded migration set, and
// applies WAL/busy_timeout PRAGMAs once when the database is opened.
package recorder

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"embed"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/soundgrid/touchcore/internal/monitoring"
	"github.com/soundgrid/touchcore/internal/touch/grid"
	"github.com/soundgrid/touchcore/internal/touch/tracker"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Recorder wraps a SQLite connection holding recorded touch sessions.
type Recorder struct {
	db *sql.DB
}

// Open creates or opens a recorder database at path and migrates it to
// the latest schema version.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open %q: %w", path, err)
	}

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	r := &Recorder{db: db}
	if err := r.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("recorder: %s: %w", p, err)
		}
	}
	return nil
}

func (r *Recorder) migrateUp() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("recorder: iofs source: %w", err)
	}
	driver, err := sqlite.WithInstance(r.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("recorder: sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("recorder: migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	// Note: m.Close() is not called here; the sqlite driver's Close() would
	// close the underlying sql.DB connection, which Recorder owns separately.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("recorder: migrate up: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[recorder migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// Close closes the underlying database connection.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// Session identifies one recorded capture run.
type Session struct {
	ID               uuid.UUID
	Label            string
	Width, Height    int
	SampleRate       float64
	StartedUnixNanos int64
}

// BeginSession inserts a new session row and returns its generated ID.
func (r *Recorder) BeginSession(label string, width, height int, sampleRate float64, startedUnixNanos int64) (uuid.UUID, error) {
	id := uuid.New()
	_, err := r.db.Exec(
		`INSERT INTO sessions (session_id, label, width, height, sample_rate, started_unix_nanos) VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), label, width, height, sampleRate, startedUnixNanos,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("recorder: begin session: %w", err)
	}
	return id, nil
}

// RecordFrame persists one input frame for a session.
func (r *Recorder) RecordFrame(session uuid.UUID, frameIndex int, takenUnixNanos int64, input *grid.SignalGrid) error {
	blob, err := encodeGrid(input)
	if err != nil {
		return fmt.Errorf("recorder: encode frame: %w", err)
	}
	_, err = r.db.Exec(
		`INSERT OR REPLACE INTO frames (session_id, frame_index, taken_unix_nanos, input_blob) VALUES (?, ?, ?, ?)`,
		session.String(), frameIndex, takenUnixNanos, blob,
	)
	if err != nil {
		return fmt.Errorf("recorder: record frame: %w", err)
	}
	return nil
}

// RecordOutput persists every active touch slot from a tracker output
// frame, laid out per tracker.NumOutputCols (one row per slot).
func (r *Recorder) RecordOutput(session uuid.UUID, frameIndex int, output *grid.SignalGrid) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("recorder: record output: %w", err)
	}
	defer tx.Rollback()

	for slot := 0; slot < output.Height; slot++ {
		age := output.At(tracker.ColAge, slot)
		if age <= 0 {
			continue
		}
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO touches (session_id, frame_index, slot, key, x, y, z, dz, age, tdist)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			session.String(), frameIndex, slot,
			int(output.At(tracker.ColNote, slot)),
			output.At(tracker.ColX, slot),
			output.At(tracker.ColY, slot),
			output.At(tracker.ColZ, slot),
			output.At(tracker.ColDz, slot),
			int(age),
			output.At(tracker.ColDt, slot),
		)
		if err != nil {
			return fmt.Errorf("recorder: record output slot %d: %w", slot, err)
		}
	}
	return tx.Commit()
}

// RecordedFrame is one decoded frame read back from a session.
type RecordedFrame struct {
	FrameIndex     int
	TakenUnixNanos int64
	Input          *grid.SignalGrid
}

// ReadFrames returns every recorded input frame for a session, ordered by
// frame index, for replaying against a freshly-built Tracker in tests.
func (r *Recorder) ReadFrames(session uuid.UUID, width, height int) ([]RecordedFrame, error) {
	rows, err := r.db.Query(
		`SELECT frame_index, taken_unix_nanos, input_blob FROM frames WHERE session_id = ? ORDER BY frame_index ASC`,
		session.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("recorder: read frames: %w", err)
	}
	defer rows.Close()

	var out []RecordedFrame
	for rows.Next() {
		var idx int
		var taken int64
		var blob []byte
		if err := rows.Scan(&idx, &taken, &blob); err != nil {
			return nil, fmt.Errorf("recorder: scan frame: %w", err)
		}
		g, err := decodeGrid(blob, width, height)
		if err != nil {
			return nil, fmt.Errorf("recorder: decode frame %d: %w", idx, err)
		}
		out = append(out, RecordedFrame{FrameIndex: idx, TakenUnixNanos: taken, Input: g})
	}
	return out, rows.Err()
}

// RecordedTouch is one active touch row read back from a session.
type RecordedTouch struct {
	FrameIndex int
	Slot       int
	Key        int
	X, Y       float64
	Z, Dz      float64
	Age        int
	TDist      float64
}

// ReadTouches returns every recorded touch row for a session, ordered by
// frame index then slot.
func (r *Recorder) ReadTouches(session uuid.UUID) ([]RecordedTouch, error) {
	rows, err := r.db.Query(
		`SELECT frame_index, slot, key, x, y, z, dz, age, tdist FROM touches WHERE session_id = ? ORDER BY frame_index ASC, slot ASC`,
		session.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("recorder: read touches: %w", err)
	}
	defer rows.Close()

	var out []RecordedTouch
	for rows.Next() {
		var t RecordedTouch
		if err := rows.Scan(&t.FrameIndex, &t.Slot, &t.Key, &t.X, &t.Y, &t.Z, &t.Dz, &t.Age, &t.TDist); err != nil {
			return nil, fmt.Errorf("recorder: scan touch: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// encodeGrid serializes a SignalGrid to a gzip-compressed row-major
// float64 blob.
func encodeGrid(g *grid.SignalGrid) ([]byte, error) {
	var raw bytes.Buffer
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			if err := binary.Write(&raw, binary.LittleEndian, g.At(x, y)); err != nil {
				return nil, err
			}
		}
	}

	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	if _, err := zw.Write(raw.Bytes()); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return compressed.Bytes(), nil
}

func decodeGrid(blob []byte, width, height int) (*grid.SignalGrid, error) {
	zr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}

	g := grid.NewSignalGrid(width, height)
	buf := bytes.NewReader(raw)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var v float64
			if err := binary.Read(buf, binary.LittleEndian, &v); err != nil {
				return nil, err
			}
			g.Set(x, y, v)
		}
	}
	return g, nil
}
