// Package store persists finished sessions, their point trail, and their
// terrain segments to SQLite. Timestamps are stored as unix nanoseconds
// so reads reconstruct the exact instants that were written.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session id has no stored row.
var ErrNotFound = errors.New("session not found")

type Store struct {
	*sql.DB
}

// Open opens (or creates) the database file. The schema is managed by
// MigrateUp; call it after Open before the first write.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}
	return &Store{db}, nil
}

// SessionRecord is one row of the sessions table.
type SessionRecord struct {
	ID              string
	StartedAt       time.Time
	StoppedAt       time.Time
	LoadWeightKg    float64
	DistanceM       float64
	GainM           float64
	LossM           float64
	MinAltM         float64
	MaxAltM         float64
	DurationS       float64
	AvgPaceSecPerKm float64
	EffortWork      float64
	SampleCount     int64
}

// Point is one row of the session_points table: a filtered fix with its
// fused elevation and labels at that instant.
type Point struct {
	Timestamp        time.Time
	Lat              float64
	Lon              float64
	AltM             float64
	SpeedMps         float64
	CourseDeg        float64
	UncertaintyM     float64
	GradePct         float64
	GradeSmoothedPct float64
	Multiplier       float64
	Regime           string
	Terrain          string
	Predicted        bool
}

// SegmentRecord is one row of the terrain_segments table.
type SegmentRecord struct {
	StartTS    time.Time
	EndTS      time.Time
	Label      string
	Confidence float64
	Manual     bool
}

// SaveSummary upserts the session row, so re-saving after a crash replay
// is harmless.
func (s *Store) SaveSummary(rec SessionRecord) error {
	_, err := s.Exec(`
		INSERT INTO sessions (
			id, started_at, stopped_at, load_weight_kg, distance_m, gain_m,
			loss_m, min_alt_m, max_alt_m, duration_s, avg_pace_s_per_km,
			effort_work, sample_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			started_at = excluded.started_at,
			stopped_at = excluded.stopped_at,
			load_weight_kg = excluded.load_weight_kg,
			distance_m = excluded.distance_m,
			gain_m = excluded.gain_m,
			loss_m = excluded.loss_m,
			min_alt_m = excluded.min_alt_m,
			max_alt_m = excluded.max_alt_m,
			duration_s = excluded.duration_s,
			avg_pace_s_per_km = excluded.avg_pace_s_per_km,
			effort_work = excluded.effort_work,
			sample_count = excluded.sample_count`,
		rec.ID, rec.StartedAt.UnixNano(), rec.StoppedAt.UnixNano(),
		rec.LoadWeightKg, rec.DistanceM, rec.GainM, rec.LossM,
		rec.MinAltM, rec.MaxAltM, rec.DurationS, rec.AvgPaceSecPerKm,
		rec.EffortWork, rec.SampleCount,
	)
	return err
}

// InsertPoint upserts one point keyed by (session_id, ts). Replayed or
// re-recorded samples overwrite rather than duplicate.
func (s *Store) InsertPoint(sessionID string, p Point) error {
	_, err := s.Exec(`
		INSERT INTO session_points (
			session_id, ts, lat, lon, alt_m, speed_mps, course_deg,
			uncertainty_m, grade_pct, grade_smoothed_pct, multiplier,
			regime, terrain, predicted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, ts) DO UPDATE SET
			lat = excluded.lat,
			lon = excluded.lon,
			alt_m = excluded.alt_m,
			speed_mps = excluded.speed_mps,
			course_deg = excluded.course_deg,
			uncertainty_m = excluded.uncertainty_m,
			grade_pct = excluded.grade_pct,
			grade_smoothed_pct = excluded.grade_smoothed_pct,
			multiplier = excluded.multiplier,
			regime = excluded.regime,
			terrain = excluded.terrain,
			predicted = excluded.predicted`,
		sessionID, p.Timestamp.UnixNano(), p.Lat, p.Lon, p.AltM,
		p.SpeedMps, p.CourseDeg, p.UncertaintyM, p.GradePct,
		p.GradeSmoothedPct, p.Multiplier, p.Regime, p.Terrain,
		boolToInt(p.Predicted),
	)
	return err
}

// InsertSegments replaces the terrain segments of a session in one
// transaction.
func (s *Store) InsertSegments(sessionID string, segs []SegmentRecord) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM terrain_segments WHERE session_id = ?", sessionID); err != nil {
		return err
	}
	for _, seg := range segs {
		_, err := tx.Exec(`
			INSERT INTO terrain_segments (
				session_id, start_ts, end_ts, label, confidence, manual
			) VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, seg.StartTS.UnixNano(), seg.EndTS.UnixNano(),
			seg.Label, seg.Confidence, boolToInt(seg.Manual),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetSummary loads one session row. Returns ErrNotFound for unknown ids.
func (s *Store) GetSummary(id string) (SessionRecord, error) {
	row := s.QueryRow(`
		SELECT id, started_at, stopped_at, load_weight_kg, distance_m,
			gain_m, loss_m, min_alt_m, max_alt_m, duration_s,
			avg_pace_s_per_km, effort_work, sample_count
		FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// ListSessions returns the most recent sessions, newest first.
func (s *Store) ListSessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.Query(`
		SELECT id, started_at, stopped_at, load_weight_kg, distance_m,
			gain_m, loss_m, min_alt_m, max_alt_m, duration_s,
			avg_pace_s_per_km, effort_work, sample_count
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// PointsForSession returns the recorded trail in timestamp order.
func (s *Store) PointsForSession(id string) ([]Point, error) {
	rows, err := s.Query(`
		SELECT ts, lat, lon, alt_m, speed_mps, course_deg, uncertainty_m,
			grade_pct, grade_smoothed_pct, multiplier, regime, terrain,
			predicted
		FROM session_points WHERE session_id = ? ORDER BY ts ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var (
			p         Point
			ts        int64
			predicted int64
		)
		if err := rows.Scan(
			&ts, &p.Lat, &p.Lon, &p.AltM, &p.SpeedMps, &p.CourseDeg,
			&p.UncertaintyM, &p.GradePct, &p.GradeSmoothedPct,
			&p.Multiplier, &p.Regime, &p.Terrain, &predicted,
		); err != nil {
			return nil, err
		}
		p.Timestamp = time.Unix(0, ts).UTC()
		p.Predicted = predicted != 0
		points = append(points, p)
	}
	return points, rows.Err()
}

// SegmentsForSession returns a session's terrain segments in start order.
func (s *Store) SegmentsForSession(id string) ([]SegmentRecord, error) {
	rows, err := s.Query(`
		SELECT start_ts, end_ts, label, confidence, manual
		FROM terrain_segments WHERE session_id = ? ORDER BY start_ts ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segs []SegmentRecord
	for rows.Next() {
		var (
			seg     SegmentRecord
			startTS int64
			endTS   int64
			manual  int64
		)
		if err := rows.Scan(&startTS, &endTS, &seg.Label, &seg.Confidence, &manual); err != nil {
			return nil, err
		}
		seg.StartTS = time.Unix(0, startTS).UTC()
		seg.EndTS = time.Unix(0, endTS).UTC()
		seg.Manual = manual != 0
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var (
		rec       SessionRecord
		startedAt int64
		stoppedAt int64
	)
	err := row.Scan(
		&rec.ID, &startedAt, &stoppedAt, &rec.LoadWeightKg, &rec.DistanceM,
		&rec.GainM, &rec.LossM, &rec.MinAltM, &rec.MaxAltM, &rec.DurationS,
		&rec.AvgPaceSecPerKm, &rec.EffortWork, &rec.SampleCount,
	)
	if err != nil {
		return SessionRecord{}, err
	}
	rec.StartedAt = time.Unix(0, startedAt).UTC()
	rec.StoppedAt = time.Unix(0, stoppedAt).UTC()
	return rec, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Recorder is the persistence hook a session carries while running. It
// records every RecordEvery-th accepted point (1 records all) and the
// summary plus segments at stop.
type Recorder struct {
	Store       *Store
	RecordEvery int
}

func (r *Recorder) RecordPoint(sessionID string, p Point) error {
	return r.Store.InsertPoint(sessionID, p)
}

func (r *Recorder) RecordSegments(sessionID string, segs []SegmentRecord) error {
	return r.Store.InsertSegments(sessionID, segs)
}

func (r *Recorder) RecordSummary(rec SessionRecord) error {
	return r.Store.SaveSummary(rec)
}
