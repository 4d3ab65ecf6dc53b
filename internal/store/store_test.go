package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "ruck.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	return st
}

func testSession(id string, startedAt time.Time) SessionRecord {
	return SessionRecord{
		ID:              id,
		StartedAt:       startedAt,
		StoppedAt:       startedAt.Add(90 * time.Minute),
		LoadWeightKg:    18.5,
		DistanceM:       7421.3,
		GainM:           182.4,
		LossM:           176.1,
		MinAltM:         241.0,
		MaxAltM:         398.2,
		DurationS:       5214.0,
		AvgPaceSecPerKm: 702.6,
		EffortWork:      196432.8,
		SampleCount:     5120,
	}
}

func TestMigrateVersionLifecycle(t *testing.T) {
	st := openTestStore(t)

	version, dirty, err := st.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	if dirty {
		t.Fatal("schema dirty after MigrateUp")
	}
	if version != 3 {
		t.Fatalf("version = %d, want 3", version)
	}

	if err := st.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown: %v", err)
	}
	version, _, err = st.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion after down: %v", err)
	}
	if version != 2 {
		t.Fatalf("version after down = %d, want 2", version)
	}

	if err := st.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp again: %v", err)
	}
	version, _, err = st.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion after re-up: %v", err)
	}
	if version != 3 {
		t.Fatalf("version after re-up = %d, want 3", version)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	st := openTestStore(t)
	rec := testSession("ruck-rt-1", time.Date(2026, 3, 14, 7, 30, 0, 0, time.UTC))

	if err := st.SaveSummary(rec); err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}
	got, err := st.GetSummary(rec.ID)
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Fatalf("session round-trip mismatch (-want +got):\n%s", diff)
	}

	// Saving again must update in place, not duplicate.
	rec.DistanceM = 8000.0
	if err := st.SaveSummary(rec); err != nil {
		t.Fatalf("SaveSummary update: %v", err)
	}
	got, err = st.GetSummary(rec.ID)
	if err != nil {
		t.Fatalf("GetSummary after update: %v", err)
	}
	if got.DistanceM != 8000.0 {
		t.Fatalf("DistanceM after upsert = %v, want 8000", got.DistanceM)
	}
	all, err := st.ListSessions(10)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("sessions after upsert = %d, want 1", len(all))
	}
}

func TestGetSummaryMissing(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.GetSummary("no-such-session"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSummary error = %v, want ErrNotFound", err)
	}
}

func TestPointsRoundTrip(t *testing.T) {
	st := openTestStore(t)
	base := time.Date(2026, 3, 14, 7, 30, 0, 0, time.UTC)
	points := []Point{
		{
			Timestamp: base, Lat: 37.0001, Lon: -122.0001, AltM: 250.5,
			SpeedMps: 1.42, CourseDeg: 88.5, UncertaintyM: 4.2,
			GradePct: 1.5, GradeSmoothedPct: 1.2, Multiplier: 1.05,
			Regime: "walking", Terrain: "trail", Predicted: false,
		},
		{
			Timestamp: base.Add(time.Second), Lat: 37.0002, Lon: -122.0002, AltM: 250.6,
			SpeedMps: 1.44, CourseDeg: 89.0, UncertaintyM: 4.1,
			GradePct: 1.6, GradeSmoothedPct: 1.3, Multiplier: 1.06,
			Regime: "walking", Terrain: "trail", Predicted: false,
		},
		{
			Timestamp: base.Add(2 * time.Second), Lat: 37.0003, Lon: -122.0003, AltM: 250.8,
			SpeedMps: 0.0, CourseDeg: -1.0, UncertaintyM: 12.0,
			GradePct: 0.0, GradeSmoothedPct: 0.9, Multiplier: 1.0,
			Regime: "stationary", Terrain: "trail", Predicted: true,
		},
	}

	// Insert out of order; reads must come back sorted by timestamp.
	for _, i := range []int{2, 0, 1} {
		if err := st.InsertPoint("ruck-pt-1", points[i]); err != nil {
			t.Fatalf("InsertPoint %d: %v", i, err)
		}
	}
	got, err := st.PointsForSession("ruck-pt-1")
	if err != nil {
		t.Fatalf("PointsForSession: %v", err)
	}
	if diff := cmp.Diff(points, got); diff != "" {
		t.Fatalf("points round-trip mismatch (-want +got):\n%s", diff)
	}

	// Same (session, ts) upserts.
	updated := points[1]
	updated.SpeedMps = 1.50
	if err := st.InsertPoint("ruck-pt-1", updated); err != nil {
		t.Fatalf("InsertPoint upsert: %v", err)
	}
	got, err = st.PointsForSession("ruck-pt-1")
	if err != nil {
		t.Fatalf("PointsForSession after upsert: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("points after upsert = %d, want 3", len(got))
	}
	if got[1].SpeedMps != 1.50 {
		t.Fatalf("upserted SpeedMps = %v, want 1.50", got[1].SpeedMps)
	}
}

func TestSegmentsRoundTrip(t *testing.T) {
	st := openTestStore(t)
	base := time.Date(2026, 3, 14, 7, 30, 0, 0, time.UTC)
	segs := []SegmentRecord{
		{StartTS: base, EndTS: base.Add(20 * time.Minute), Label: "paved", Confidence: 0.91, Manual: false},
		{StartTS: base.Add(20 * time.Minute), EndTS: base.Add(55 * time.Minute), Label: "trail", Confidence: 0.84, Manual: false},
		{StartTS: base.Add(55 * time.Minute), EndTS: base.Add(70 * time.Minute), Label: "sand", Confidence: 1.0, Manual: true},
	}

	if err := st.InsertSegments("ruck-seg-1", segs); err != nil {
		t.Fatalf("InsertSegments: %v", err)
	}
	got, err := st.SegmentsForSession("ruck-seg-1")
	if err != nil {
		t.Fatalf("SegmentsForSession: %v", err)
	}
	if diff := cmp.Diff(segs, got); diff != "" {
		t.Fatalf("segments round-trip mismatch (-want +got):\n%s", diff)
	}

	// Re-inserting replaces the previous set.
	if err := st.InsertSegments("ruck-seg-1", segs[:1]); err != nil {
		t.Fatalf("InsertSegments replace: %v", err)
	}
	got, err = st.SegmentsForSession("ruck-seg-1")
	if err != nil {
		t.Fatalf("SegmentsForSession after replace: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("segments after replace = %d, want 1", len(got))
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	st := openTestStore(t)
	base := time.Date(2026, 3, 14, 7, 0, 0, 0, time.UTC)
	for i, id := range []string{"ruck-a", "ruck-b", "ruck-c"} {
		if err := st.SaveSummary(testSession(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("SaveSummary %s: %v", id, err)
		}
	}

	recs, err := st.ListSessions(2)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("ListSessions(2) = %d rows, want 2", len(recs))
	}
	if recs[0].ID != "ruck-c" || recs[1].ID != "ruck-b" {
		t.Fatalf("ListSessions order = [%s, %s], want [ruck-c, ruck-b]", recs[0].ID, recs[1].ID)
	}
}

func TestRecorderWritesThrough(t *testing.T) {
	st := openTestStore(t)
	r := &Recorder{Store: st, RecordEvery: 1}
	base := time.Date(2026, 3, 14, 7, 30, 0, 0, time.UTC)

	if err := r.RecordPoint("ruck-rec-1", Point{Timestamp: base, Lat: 37, Lon: -122, Multiplier: 1, Regime: "walking", Terrain: "paved"}); err != nil {
		t.Fatalf("RecordPoint: %v", err)
	}
	if err := r.RecordSegments("ruck-rec-1", []SegmentRecord{{StartTS: base, EndTS: base.Add(time.Minute), Label: "paved", Confidence: 0.9}}); err != nil {
		t.Fatalf("RecordSegments: %v", err)
	}
	if err := r.RecordSummary(testSession("ruck-rec-1", base)); err != nil {
		t.Fatalf("RecordSummary: %v", err)
	}

	if pts, err := st.PointsForSession("ruck-rec-1"); err != nil || len(pts) != 1 {
		t.Fatalf("PointsForSession = %d points, err %v; want 1, nil", len(pts), err)
	}
	if segs, err := st.SegmentsForSession("ruck-rec-1"); err != nil || len(segs) != 1 {
		t.Fatalf("SegmentsForSession = %d segments, err %v; want 1, nil", len(segs), err)
	}
	if _, err := st.GetSummary("ruck-rec-1"); err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
}
