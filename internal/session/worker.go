package session

import (
	"time"

	"github.com/paulmach/orb/geo"

	"github.com/lelanhus/ruck-map-sub009/internal/elevation"
	"github.com/lelanhus/ruck-map-sub009/internal/fusion"
	"github.com/lelanhus/ruck-map-sub009/internal/logging"
	"github.com/lelanhus/ruck-map-sub009/internal/motion"
	"github.com/lelanhus/ruck-map-sub009/internal/power"
	"github.com/lelanhus/ruck-map-sub009/internal/sensor"
	"github.com/lelanhus/ruck-map-sub009/internal/store"
	"github.com/lelanhus/ruck-map-sub009/internal/terrain"
	"github.com/lelanhus/ruck-map-sub009/internal/units"
)

const (
	// accrualGapMax bounds the time credited between consecutive accepted
	// fixes. Past this gap the location filter has re-initialised, so the
	// straight-line segment across it carries no distance, duration, or
	// effort.
	accrualGapMax = 5 * time.Minute

	// CurrentPace stays 0 until the trailing window holds at least this
	// much time and movement.
	minPaceSpanSeconds    = 10.0
	minPaceDistanceMetres = 5.0

	// recentFixCap bounds the ring used to pair motion snapshots with the
	// nearest accepted fix.
	recentFixCap = 16

	// droppedLogEvery throttles the buffer-full diag line.
	droppedLogEvery = 50
)

type pacePoint struct {
	at  time.Time
	cum float64
}

type fixStamp struct {
	at    time.Time
	speed float64
}

// worker owns every estimation component. All fields are confined to the
// run goroutine; the only cross-goroutine hand-off is the snapshot value.
type worker struct {
	cfg        Config
	id         string
	loadWeight float64
	startedAt  time.Time

	classifier *motion.Classifier
	filter     *fusion.Filter
	elev       *elevation.Engine
	terrain    *terrain.Classifier
	power      *power.Controller

	watermark  time.Time // newest processed sample timestamp
	lastFix    fusion.FilteredFix
	haveFix    bool
	prevActive bool
	shownFix   fusion.FilteredFix // published fix; a prediction while suppressed
	recent     []fixStamp

	cum  float64
	acc  Accumulators
	diag Diagnostics
	pace []pacePoint

	prevTier    power.Tier
	tierChanges int

	recorder    *store.Recorder
	sinceRecord int

	stopped bool
}

func newWorker(cfg Config, id string, loadWeightKg float64, start time.Time) *worker {
	w := &worker{
		cfg:        cfg,
		id:         id,
		loadWeight: loadWeightKg,
		startedAt:  start,
		classifier: motion.NewClassifier(cfg.Motion),
		filter:     fusion.NewFilter(cfg.Fusion),
		elev:       elevation.NewEngine(cfg.Elevation),
		terrain:    terrain.NewClassifier(cfg.Terrain),
		power:      power.NewController(cfg.Power),
		recorder:   cfg.Recorder,
	}
	w.prevTier = w.power.State().Tier
	return w
}

// handleRaw runs one GPS sample through the full pipeline: classify,
// filter, fuse elevation, observe terrain, update policy, accrue totals.
func (w *worker) handleRaw(s sensor.RawSample) {
	if err := s.Validate(); err != nil {
		w.diag.InvalidSamples++
		logging.Diagf("session %s: dropped raw sample: %v", w.id, err)
		return
	}
	if w.isStale(s.Timestamp) {
		w.diag.StaleSamples++
		logging.Diagf("session %s: stale raw sample at %s", w.id, s.Timestamp.Format(time.RFC3339))
		return
	}

	// Classify on the platform-reported speed when present, otherwise on
	// the last filtered speed so the regime survives speed-less fixes.
	speed, speedKnown := s.Speed, s.Speed >= 0
	if !speedKnown && w.haveFix {
		speed, speedKnown = w.lastFix.Speed, true
	}
	cls := w.classifier.Classify(speed, speedKnown, s.Timestamp)

	fix, err := w.filter.Process(s, cls)
	accepted := err == nil
	if err != nil {
		w.diag.RejectedFixes++
		logging.Diagf("session %s: rejected fix: %v", w.id, err)
	}

	if accepted && fix.Speed >= motion.StationarySpeedMax {
		w.power.NoteMovingFix()
	}
	st := w.power.Update(cls, s.BatteryLevel, s.Timestamp)
	if st.Suppressed {
		// Break accrual continuity so the segment out of a suppressed
		// stretch carries no distance or duration.
		w.prevActive = false
	}

	if accepted {
		w.elev.Process(s, fix)
		w.terrain.Process(terrain.Observation{
			Timestamp: s.Timestamp,
			Speed:     fix.Speed,
			Accuracy:  s.HorizontalAccuracy,
			Grade:     w.elev.Last().Smoothed,
			Regime:    cls.Regime,
		})
		w.accrue(fix, st.Suppressed)
		w.record(s, fix, cls)
	}
	w.advanceWatermark(s.Timestamp)
}

// handleMotion feeds one inertial snapshot to the classifier and, while
// suppressed, publishes a dead-reckoned fix so the snapshot position
// keeps a timestamp without waking the GPS.
func (w *worker) handleMotion(m sensor.MotionSnapshot) {
	if err := m.Validate(); err != nil {
		w.diag.MalformedSnapshots++
		logging.Diagf("session %s: dropped motion snapshot: %v", w.id, err)
		return
	}
	if w.isStale(m.Timestamp) {
		w.diag.StaleSamples++
		return
	}

	w.classifier.Observe(m)
	speed, speedKnown := w.nearestFixSpeed(m.Timestamp)
	cls := w.classifier.Classify(speed, speedKnown, m.Timestamp)
	st := w.power.Update(cls, -1, m.Timestamp)

	if st.Suppressed {
		w.prevActive = false
		if w.filter.Ready() {
			if fix, err := w.filter.Predict(m.Timestamp); err == nil {
				w.diag.PredictedFixes++
				w.shownFix = fix
			}
		}
	}
	w.advanceWatermark(m.Timestamp)
}

// accrue folds one accepted fix into the session totals. Distance is the
// geodesic segment from the previous accepted fix; suppressed stretches
// and long gaps contribute nothing.
func (w *worker) accrue(fix fusion.FilteredFix, suppressed bool) {
	w.acc.SampleCount++
	if w.haveFix && !suppressed && w.prevActive {
		dt := fix.Timestamp.Sub(w.lastFix.Timestamp)
		if dt > 0 && dt <= accrualGapMax {
			w.cum += geo.Distance(w.lastFix.Point(), fix.Point())
			w.acc.Distance = w.cum
			w.acc.Duration += dt
			mult := 1.0
			if w.elev.Ready() {
				mult = w.elev.Last().Multiplier
			}
			w.acc.EffortWork += w.loadWeight * fix.Speed * mult * dt.Seconds()
		}
	}
	w.prevActive = !suppressed
	w.lastFix, w.haveFix = fix, true
	w.shownFix = fix
	w.pushRecent(fix)
	w.pushPace(fix.Timestamp)
}

func (w *worker) pushRecent(fix fusion.FilteredFix) {
	w.recent = append(w.recent, fixStamp{at: fix.Timestamp, speed: fix.Speed})
	if len(w.recent) > recentFixCap {
		w.recent = append(w.recent[:0], w.recent[len(w.recent)-recentFixCap:]...)
	}
}

// nearestFixSpeed pairs a motion snapshot timestamp with the closest
// accepted fix inside the match tolerance.
func (w *worker) nearestFixSpeed(at time.Time) (float64, bool) {
	best, bestGap := 0.0, time.Duration(-1)
	for _, f := range w.recent {
		gap := at.Sub(f.at)
		if gap < 0 {
			gap = -gap
		}
		if gap <= w.cfg.MotionMatchTolerance && (bestGap < 0 || gap < bestGap) {
			best, bestGap = f.speed, gap
		}
	}
	return best, bestGap >= 0
}

func (w *worker) pushPace(at time.Time) {
	w.pace = append(w.pace, pacePoint{at: at, cum: w.cum})
	cutoff := at.Add(-w.cfg.PaceWindow)
	trim := 0
	for trim < len(w.pace) && w.pace[trim].at.Before(cutoff) {
		trim++
	}
	if trim > 0 {
		w.pace = append(w.pace[:0], w.pace[trim:]...)
	}
	first, last := w.pace[0], w.pace[len(w.pace)-1]
	span := last.at.Sub(first.at).Seconds()
	dist := last.cum - first.cum
	if span >= minPaceSpanSeconds && dist >= minPaceDistanceMetres {
		w.acc.CurrentPace = units.PaceSecPerKm(dist / span)
	} else {
		w.acc.CurrentPace = 0
	}
}

// record persists every RecordEvery-th accepted fix through the recorder.
func (w *worker) record(s sensor.RawSample, fix fusion.FilteredFix, cls motion.Classification) {
	if w.recorder == nil {
		return
	}
	every := w.recorder.RecordEvery
	if every < 1 {
		every = 1
	}
	w.sinceRecord++
	if w.sinceRecord < every {
		return
	}
	w.sinceRecord = 0

	alt, mult := s.Altitude, 1.0
	g := w.elev.Last()
	if w.elev.Ready() {
		alt, mult = g.Altitude, g.Multiplier
	}
	p := store.Point{
		Timestamp:        fix.Timestamp,
		Lat:              fix.Latitude,
		Lon:              fix.Longitude,
		AltM:             alt,
		SpeedMps:         fix.Speed,
		CourseDeg:        fix.Course,
		UncertaintyM:     fix.Uncertainty,
		GradePct:         g.Instantaneous,
		GradeSmoothedPct: g.Smoothed,
		Multiplier:       mult,
		Regime:           string(cls.Regime),
		Terrain:          string(w.terrain.Current().Label),
		Predicted:        fix.Predicted,
	}
	if err := w.recorder.RecordPoint(w.id, p); err != nil {
		logging.Opsf("session %s: record point failed: %v", w.id, err)
	}
}

func (w *worker) isStale(at time.Time) bool {
	return !w.watermark.IsZero() && at.Before(w.watermark.Add(-w.cfg.StaleTolerance))
}

func (w *worker) advanceWatermark(at time.Time) {
	if at.After(w.watermark) {
		w.watermark = at
	}
}

// controlTime anchors control operations (overrides) to sample time, so
// expiry never depends on the wall clock.
func (w *worker) controlTime() time.Time {
	if w.watermark.IsZero() {
		return w.startedAt
	}
	return w.watermark
}

func (w *worker) noteTierChange() {
	st := w.power.State()
	if st.Tier == w.prevTier {
		return
	}
	logging.Opsf("session %s: tier %s -> %s (%s)", w.id, w.prevTier, st.Tier, st.Reason)
	w.prevTier = st.Tier
	w.tierChanges++
}

// snapshot assembles the published view. Elevation totals are pulled here
// so the accumulators always reflect the engine's latest commit.
func (w *worker) snapshot(dropped int64) Snapshot {
	if w.elev.Ready() {
		t := w.elev.Totals()
		w.acc.Gain, w.acc.Loss = t.Gain, t.Loss
		w.acc.MinAltitude, w.acc.MaxAltitude = t.MinAltitude, t.MaxAltitude
	}
	st := w.power.State()
	d := w.diag
	d.DroppedBackpressure = dropped

	state := StateActive
	switch {
	case w.stopped:
		state = StateStopped
	case st.Suppressed:
		state = StateSuppressed
	}
	return Snapshot{
		SessionID:  w.id,
		State:      state,
		Fix:        w.shownFix,
		Grade:      w.elev.Last(),
		Motion:     w.classifier.Current(),
		Terrain:    w.terrain.Current().Label,
		TerrainSeg: w.terrain.Segments(),
		Policy:     st,
		Totals:     w.acc,
		Diag:       d,
		LoadWeight: w.loadWeight,
	}
}

// finalize closes the open terrain segment at the watermark, persists the
// summary when a recorder is attached, and marks the worker stopped.
func (w *worker) finalize(droppedTotal int64) Summary {
	end := w.watermark
	if end.IsZero() {
		end = w.startedAt
	}
	w.terrain.Finalize(end)
	w.stopped = true

	if w.elev.Ready() {
		t := w.elev.Totals()
		w.acc.Gain, w.acc.Loss = t.Gain, t.Loss
		w.acc.MinAltitude, w.acc.MaxAltitude = t.MinAltitude, t.MaxAltitude
	}
	avg := 0.0
	if w.acc.Distance > 0 && w.acc.Duration > 0 {
		avg = units.PaceSecPerKm(w.acc.Distance / w.acc.Duration.Seconds())
	}
	d := w.diag
	d.DroppedBackpressure = droppedTotal

	sum := Summary{
		SessionID:           w.id,
		StartedAt:           w.startedAt,
		StoppedAt:           end,
		Totals:              w.acc,
		AveragePaceSecPerKm: avg,
		Terrain:             w.terrain.Segments(),
		LoadWeight:          w.loadWeight,
		TierChanges:         w.tierChanges,
		Diag:                d,
	}
	w.persistSummary(sum)
	logging.Opsf("session %s: stopped, %.0f m over %s, gain %.0f m, loss %.0f m",
		w.id, sum.Totals.Distance, sum.Totals.Duration, sum.Totals.Gain, sum.Totals.Loss)
	return sum
}

func (w *worker) persistSummary(sum Summary) {
	if w.recorder == nil {
		return
	}
	segs := make([]store.SegmentRecord, len(sum.Terrain))
	for i, seg := range sum.Terrain {
		segs[i] = store.SegmentRecord{
			StartTS:    seg.Start,
			EndTS:      seg.End,
			Label:      string(seg.Label),
			Confidence: seg.Confidence,
			Manual:     seg.Manual,
		}
	}
	if err := w.recorder.RecordSegments(w.id, segs); err != nil {
		logging.Opsf("session %s: record terrain segments failed: %v", w.id, err)
	}
	rec := store.SessionRecord{
		ID:              sum.SessionID,
		StartedAt:       sum.StartedAt,
		StoppedAt:       sum.StoppedAt,
		LoadWeightKg:    sum.LoadWeight,
		DistanceM:       sum.Totals.Distance,
		GainM:           sum.Totals.Gain,
		LossM:           sum.Totals.Loss,
		MinAltM:         sum.Totals.MinAltitude,
		MaxAltM:         sum.Totals.MaxAltitude,
		DurationS:       sum.Totals.Duration.Seconds(),
		AvgPaceSecPerKm: sum.AveragePaceSecPerKm,
		EffortWork:      sum.Totals.EffortWork,
		SampleCount:     sum.Totals.SampleCount,
	}
	if err := w.recorder.RecordSummary(rec); err != nil {
		logging.Opsf("session %s: record summary failed: %v", w.id, err)
	}
}
