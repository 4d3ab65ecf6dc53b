// Package session owns one recording session end to end. A single worker
// goroutine feeds every estimation component in sample order, keeps the
// accumulated totals, and republishes a read-only snapshot after each
// event for the UI layer to poll. Control operations travel the same
// channel as samples, so all component state stays confined to the worker.
package session

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lelanhus/ruck-map-sub009/internal/config"
	"github.com/lelanhus/ruck-map-sub009/internal/elevation"
	"github.com/lelanhus/ruck-map-sub009/internal/fusion"
	"github.com/lelanhus/ruck-map-sub009/internal/logging"
	"github.com/lelanhus/ruck-map-sub009/internal/motion"
	"github.com/lelanhus/ruck-map-sub009/internal/power"
	"github.com/lelanhus/ruck-map-sub009/internal/sensor"
	"github.com/lelanhus/ruck-map-sub009/internal/store"
	"github.com/lelanhus/ruck-map-sub009/internal/terrain"
)

// State is the lifecycle state published in every Snapshot.
type State string

const (
	StateActive     State = "active"
	StateSuppressed State = "suppressed"
	StateStopped    State = "stopped"
)

// ConflictError is returned synchronously by control operations that
// cannot be applied: unknown tier or terrain label, non-positive weight,
// or any call against a stopped session.
type ConflictError struct {
	Op     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// Diagnostics counts the data-quality events of one session. All counters
// are monotonic for the session lifetime.
type Diagnostics struct {
	InvalidSamples      int64
	StaleSamples        int64
	RejectedFixes       int64
	MalformedSnapshots  int64
	DroppedBackpressure int64
	PredictedFixes      int64
}

// Accumulators are the running totals of a session. Duration counts
// active (non-suppressed) sample time only; suppressed stretches accrue
// no distance, duration, or effort.
type Accumulators struct {
	Distance    float64       // metres
	Gain        float64       // metres
	Loss        float64       // metres
	MinAltitude float64       // metres, fused
	MaxAltitude float64       // metres, fused
	Duration    time.Duration // active sample time
	EffortWork  float64       // sum of weight*speed*multiplier*dt, joule-like
	CurrentPace float64       // s/km over the trailing pace window; 0 when unknown
	SampleCount int64         // accepted fixes
}

// Snapshot is the externally visible state of a running session. It is
// value-copied out of the worker after every processed event; readers
// never share mutable state with the pipeline.
type Snapshot struct {
	SessionID  string
	State      State
	Fix        fusion.FilteredFix
	Grade      elevation.GradeSample
	Motion     motion.Classification
	Terrain    terrain.Label
	TerrainSeg []terrain.Segment
	Policy     power.PolicyState
	Totals     Accumulators
	Diag       Diagnostics
	LoadWeight float64
}

// Summary is the immutable result of a stopped session.
type Summary struct {
	SessionID           string
	StartedAt           time.Time
	StoppedAt           time.Time
	Totals              Accumulators
	AveragePaceSecPerKm float64
	Terrain             []terrain.Segment
	LoadWeight          float64 // kg, final value
	TierChanges         int
	Diag                Diagnostics
}

// Config wires the per-component configs together with the session-level
// queue and pairing parameters.
type Config struct {
	Motion    motion.Config
	Fusion    fusion.Config
	Elevation elevation.Config
	Terrain   terrain.Config
	Power     power.Config

	// PaceWindow is the trailing window CurrentPace is computed over.
	PaceWindow time.Duration

	// StaleTolerance bounds how far behind the processing watermark a
	// sample may arrive before it is dropped as stale.
	StaleTolerance time.Duration

	// MotionMatchTolerance bounds the timestamp gap when pairing a motion
	// snapshot with the nearest accepted fix for speed evidence.
	MotionMatchTolerance time.Duration

	// IngestBuffer is the capacity of the ingestion channel. When full,
	// new samples are dropped and counted rather than blocking the caller.
	IngestBuffer int

	// Recorder, when non-nil, persists points while the session runs and
	// the summary plus terrain segments at Stop. Persistence failures are
	// logged and never interrupt estimation.
	Recorder *store.Recorder
}

// DefaultConfig returns the session defaults with every component at its
// own defaults.
func DefaultConfig() Config {
	return Config{
		Motion:               motion.DefaultConfig(),
		Fusion:               fusion.DefaultConfig(),
		Elevation:            elevation.DefaultConfig(),
		Terrain:              terrain.DefaultConfig(),
		Power:                power.DefaultConfig(),
		PaceWindow:           60 * time.Second,
		StaleTolerance:       2 * time.Second,
		MotionMatchTolerance: 2 * time.Second,
		IngestBuffer:         256,
	}
}

// ConfigFromTuning builds a Config from the tuning file, falling back to
// defaults for absent values.
func ConfigFromTuning(tc *config.TuningConfig) Config {
	return Config{
		Motion:               motion.ConfigFromTuning(tc),
		Fusion:               fusion.ConfigFromTuning(tc),
		Elevation:            elevation.ConfigFromTuning(tc),
		Terrain:              terrain.ConfigFromTuning(tc),
		Power:                power.ConfigFromTuning(tc),
		PaceWindow:           tc.GetPaceWindow(),
		StaleTolerance:       tc.GetStaleTolerance(),
		MotionMatchTolerance: tc.GetMotionMatchTolerance(),
		IngestBuffer:         tc.GetIngestBuffer(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Motion == (motion.Config{}) {
		c.Motion = def.Motion
	}
	if c.Fusion == (fusion.Config{}) {
		c.Fusion = def.Fusion
	}
	if c.Elevation == (elevation.Config{}) {
		c.Elevation = def.Elevation
	}
	if c.Terrain == (terrain.Config{}) {
		c.Terrain = def.Terrain
	}
	if c.Power == (power.Config{}) {
		c.Power = def.Power
	}
	if c.PaceWindow <= 0 {
		c.PaceWindow = def.PaceWindow
	}
	if c.StaleTolerance <= 0 {
		c.StaleTolerance = def.StaleTolerance
	}
	if c.MotionMatchTolerance <= 0 {
		c.MotionMatchTolerance = def.MotionMatchTolerance
	}
	if c.IngestBuffer <= 0 {
		c.IngestBuffer = def.IngestBuffer
	}
	return c
}

type eventKind int

const (
	evRaw eventKind = iota
	evMotion
	evCommand
)

type command struct {
	name  string
	apply func(*worker) error
	reply chan error
}

type event struct {
	kind   eventKind
	raw    sensor.RawSample
	motion sensor.MotionSnapshot
	cmd    command
}

type stopRequest struct {
	reply chan Summary
}

// Session is the handle returned by Start. All methods are safe for
// concurrent use; ingestion never blocks the caller.
type Session struct {
	id  string
	cfg Config

	events chan event
	stopCh chan stopRequest
	done   chan struct{}

	mu   sync.RWMutex
	snap Snapshot

	stopping atomic.Bool
	dropped  atomic.Int64
}

// Start validates the load weight, builds the component graph, publishes
// the initial snapshot, and spawns the worker goroutine.
func Start(cfg Config, loadWeightKg float64, start time.Time) (*Session, error) {
	if math.IsNaN(loadWeightKg) || math.IsInf(loadWeightKg, 0) || loadWeightKg <= 0 {
		return nil, &ConflictError{Op: "start", Reason: fmt.Sprintf("load weight must be positive, got %.2f kg", loadWeightKg)}
	}
	cfg = cfg.withDefaults()

	w := newWorker(cfg, uuid.NewString(), loadWeightKg, start)
	s := &Session{
		id:     w.id,
		cfg:    cfg,
		events: make(chan event, cfg.IngestBuffer),
		stopCh: make(chan stopRequest),
		done:   make(chan struct{}),
	}
	s.setSnapshot(w.snapshot(0))
	logging.Opsf("session %s: started, load %.1f kg, tier %s", s.id, loadWeightKg, w.power.State().Tier)

	go s.run(w)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// IngestRawSample enqueues one GPS sample. Never blocks: when the buffer
// is full the sample is dropped and counted.
func (s *Session) IngestRawSample(smp sensor.RawSample) {
	if s.stopping.Load() {
		return
	}
	select {
	case s.events <- event{kind: evRaw, raw: smp}:
	default:
		s.noteDropped()
	}
}

// IngestMotionSnapshot enqueues one inertial snapshot under the same
// contract as IngestRawSample.
func (s *Session) IngestMotionSnapshot(m sensor.MotionSnapshot) {
	if s.stopping.Load() {
		return
	}
	select {
	case s.events <- event{kind: evMotion, motion: m}:
	default:
		s.noteDropped()
	}
}

func (s *Session) noteDropped() {
	if n := s.dropped.Add(1); n%droppedLogEvery == 1 {
		logging.Diagf("session %s: ingest buffer full, %d samples dropped so far", s.id, n)
	}
}

// CurrentState returns a copy of the latest published snapshot. The
// terrain segment list is cloned so callers can hold it freely.
func (s *Session) CurrentState() Snapshot {
	s.mu.RLock()
	snap := s.snap
	s.mu.RUnlock()
	if len(snap.TerrainSeg) > 0 {
		snap.TerrainSeg = append([]terrain.Segment(nil), snap.TerrainSeg...)
	}
	return snap
}

// SetOptimizationTier requests a power tier. The effective tier may stay
// coarser when a battery floor or session-length escalation demands it.
func (s *Session) SetOptimizationTier(t power.Tier) error {
	if !power.ValidTier(t) {
		return &ConflictError{Op: "set optimization tier", Reason: fmt.Sprintf("unknown tier %q", t)}
	}
	return s.do("set optimization tier", func(w *worker) error {
		if err := w.power.RequestTier(t); err != nil {
			return &ConflictError{Op: "set optimization tier", Reason: err.Error()}
		}
		return nil
	})
}

// SetTerrainOverride pins the terrain label manually. A non-positive
// duration selects the configured default. Expiry advances on sample
// timestamps, so an override outlives wall-clock pauses.
func (s *Session) SetTerrainOverride(label terrain.Label, d time.Duration) error {
	if !terrain.ValidLabel(label) {
		return &ConflictError{Op: "set terrain override", Reason: fmt.Sprintf("unknown terrain label %q", label)}
	}
	return s.do("set terrain override", func(w *worker) error {
		if err := w.terrain.SetOverride(label, d, w.controlTime()); err != nil {
			return &ConflictError{Op: "set terrain override", Reason: err.Error()}
		}
		return nil
	})
}

// ClearTerrainOverride lifts a manual terrain label and resumes automatic
// classification from the next processed sample.
func (s *Session) ClearTerrainOverride() error {
	return s.do("clear terrain override", func(w *worker) error {
		w.terrain.ClearOverride(w.controlTime())
		return nil
	})
}

// SetLoadWeight changes the carried weight mid-session. Effort integrates
// the new weight from the next accepted fix on; past work is untouched.
func (s *Session) SetLoadWeight(kg float64) error {
	if math.IsNaN(kg) || math.IsInf(kg, 0) || kg <= 0 {
		return &ConflictError{Op: "set load weight", Reason: fmt.Sprintf("load weight must be positive, got %.2f kg", kg)}
	}
	return s.do("set load weight", func(w *worker) error {
		w.loadWeight = kg
		return nil
	})
}

// Stop finalises the open terrain segment, persists the summary when a
// recorder is attached, discards queued-but-unprocessed samples, and
// stops the worker. A second call returns a ConflictError.
func (s *Session) Stop() (Summary, error) {
	if !s.stopping.CompareAndSwap(false, true) {
		return Summary{}, &ConflictError{Op: "stop", Reason: "session already stopped"}
	}
	req := stopRequest{reply: make(chan Summary, 1)}
	s.stopCh <- req
	return <-req.reply, nil
}

// do runs one control operation on the worker and waits for its reply.
func (s *Session) do(name string, apply func(*worker) error) error {
	if s.stopping.Load() {
		return &ConflictError{Op: name, Reason: "session stopped"}
	}
	cmd := command{name: name, apply: apply, reply: make(chan error, 1)}
	select {
	case s.events <- event{kind: evCommand, cmd: cmd}:
	case <-s.done:
		return &ConflictError{Op: name, Reason: "session stopped"}
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		// The drain replies to queued commands before done closes; prefer
		// that reply when both are ready.
		select {
		case err := <-cmd.reply:
			return err
		default:
			return &ConflictError{Op: name, Reason: "session stopped"}
		}
	}
}

func (s *Session) setSnapshot(snap Snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

// run is the worker loop. Samples and commands arrive in order on one
// channel; stop bypasses the queue so pending samples are discarded, not
// processed.
func (s *Session) run(w *worker) {
	defer close(s.done)
	for {
		select {
		case req := <-s.stopCh:
			discarded := s.drain()
			sum := w.finalize(s.dropped.Add(discarded))
			s.setSnapshot(w.snapshot(s.dropped.Load()))
			req.reply <- sum
			return
		case ev := <-s.events:
			switch ev.kind {
			case evRaw:
				w.handleRaw(ev.raw)
			case evMotion:
				w.handleMotion(ev.motion)
			case evCommand:
				ev.cmd.reply <- ev.cmd.apply(w)
			}
			w.noteTierChange()
			s.setSnapshot(w.snapshot(s.dropped.Load()))
		}
	}
}

// drain empties the event queue after a stop request. Queued samples are
// counted as discarded; queued commands get a stopped reply so no caller
// is left waiting.
func (s *Session) drain() int64 {
	var n int64
	for {
		select {
		case ev := <-s.events:
			if ev.kind == evCommand {
				ev.cmd.reply <- &ConflictError{Op: ev.cmd.name, Reason: "session stopped"}
			} else {
				n++
			}
		default:
			return n
		}
	}
}
