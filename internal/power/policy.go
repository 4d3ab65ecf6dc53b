// Package power decides how hard the sensors work: it maps the optimization
// tier and the active motion regime onto GPS accuracy, distance filter,
// sample cadence, and motion sensor rate, applies battery floors and session
// length escalation, and runs the stationary GPS suppression sub-state.
package power

import (
	"fmt"
	"time"

	"github.com/lelanhus/ruck-map-sub009/internal/config"
	"github.com/lelanhus/ruck-map-sub009/internal/motion"
)

// Tier is a user-selectable power/accuracy trade-off.
type Tier string

const (
	TierMaximumPerformance Tier = "maximum_performance"
	TierBalanced           Tier = "balanced"
	TierBatterySaver       Tier = "battery_saver"
	TierUltraLowPower      Tier = "ultra_low_power"
)

// ValidTier reports whether t is a recognised tier.
func ValidTier(t Tier) bool {
	switch t {
	case TierMaximumPerformance, TierBalanced, TierBatterySaver, TierUltraLowPower:
		return true
	}
	return false
}

// tierRank orders tiers from most capable (0) to most frugal (3).
func tierRank(t Tier) int {
	switch t {
	case TierMaximumPerformance:
		return 0
	case TierBalanced:
		return 1
	case TierBatterySaver:
		return 2
	case TierUltraLowPower:
		return 3
	}
	return 1
}

func tierForRank(r int) Tier {
	switch {
	case r <= 0:
		return TierMaximumPerformance
	case r == 1:
		return TierBalanced
	case r == 2:
		return TierBatterySaver
	}
	return TierUltraLowPower
}

// AccuracyClass is the requested GPS accuracy bucket.
type AccuracyClass string

const (
	AccuracyBest       AccuracyClass = "best"
	AccuracyNearestTen AccuracyClass = "nearest_ten"
	AccuracyHundred    AccuracyClass = "hundred"
	AccuracyKilometre  AccuracyClass = "kilometre"
)

// Policy is one row of the tier x regime table.
type Policy struct {
	GPSAccuracy    AccuracyClass
	DistanceFilter float64 // metres
	SampleInterval time.Duration
	MotionRate     float64 // Hz
}

// PolicyState is the published sampling decision.
type PolicyState struct {
	Tier            Tier // effective tier after overrides
	RequestedTier   Tier
	GPSAccuracy     AccuracyClass
	DistanceFilter  float64
	SampleInterval  time.Duration
	MotionRate      float64
	Suppressed      bool
	BatteryOverride bool
	Reason          string
}

// policyFor returns the sampling row for a tier and regime. Within every
// tier the stationary row is at least as coarse as any moving row.
func policyFor(t Tier, r motion.ActivityRegime) Policy {
	stationary := r == motion.RegimeStationary
	vehicle := r == motion.RegimeCycling || r == motion.RegimeAutomotive

	switch t {
	case TierMaximumPerformance:
		if stationary {
			return Policy{AccuracyBest, 5, 5 * time.Second, 25}
		}
		return Policy{AccuracyBest, 0, time.Second, 50}

	case TierBatterySaver:
		switch {
		case stationary:
			return Policy{AccuracyHundred, 50, 30 * time.Second, 5}
		case vehicle:
			return Policy{AccuracyHundred, 40, 5 * time.Second, 10}
		}
		return Policy{AccuracyHundred, 15, 5 * time.Second, 10}

	case TierUltraLowPower:
		switch {
		case stationary:
			return Policy{AccuracyKilometre, 200, 60 * time.Second, 1}
		case vehicle:
			return Policy{AccuracyKilometre, 100, 30 * time.Second, 1}
		}
		return Policy{AccuracyHundred, 50, 15 * time.Second, 5}
	}

	// Balanced
	switch {
	case stationary:
		return Policy{AccuracyHundred, 25, 15 * time.Second, 10}
	case vehicle:
		return Policy{AccuracyNearestTen, 20, 2 * time.Second, 25}
	}
	return Policy{AccuracyNearestTen, 5, 2 * time.Second, 25}
}

// Config holds the controller tuning.
type Config struct {
	DefaultTier      Tier
	BatteryLow       float64       // floor to BatterySaver below this (default: 0.20)
	BatteryCritical  float64       // floor to UltraLowPower below this (default: 0.10)
	EscalateAfter    time.Duration // one tier step per elapsed multiple (default: 2h)
	AutoOptimize     bool          // session length escalation enabled (default: true)
	SuppressionDwell time.Duration // stationary dwell before GPS pause (default: 30s)
}

// DefaultConfig returns the compiled controller defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTier:      TierBalanced,
		BatteryLow:       0.20,
		BatteryCritical:  0.10,
		EscalateAfter:    2 * time.Hour,
		AutoOptimize:     true,
		SuppressionDwell: 30 * time.Second,
	}
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	c := DefaultConfig()
	c.BatteryLow = cfg.GetBatteryLowThreshold()
	c.BatteryCritical = cfg.GetBatteryCriticalThreshold()
	c.EscalateAfter = cfg.GetEscalateAfter()
	c.AutoOptimize = cfg.GetAutoOptimize()
	c.SuppressionDwell = cfg.GetSuppressionDwell()
	return c
}

// battery classes, coarsest wins
const (
	batteryNormal = iota
	batteryLow
	batteryCritical
)

// Controller owns the sampling policy state machine. All timing decisions
// run on sample timestamps so replayed sessions behave identically. Not
// safe for concurrent use; the session worker owns it.
type Controller struct {
	cfg Config

	requested    Tier
	regime       motion.ActivityRegime
	batteryClass int
	sessionStart time.Time
	escalations  int

	stationarySince time.Time
	suppressed      bool

	state PolicyState
}

// NewController creates a controller starting at the configured default tier.
func NewController(cfg Config) *Controller {
	if cfg.DefaultTier == "" || !ValidTier(cfg.DefaultTier) {
		cfg.DefaultTier = TierBalanced
	}
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = DefaultConfig().EscalateAfter
	}
	c := &Controller{
		cfg:       cfg,
		requested: cfg.DefaultTier,
		regime:    motion.RegimeUnknown,
	}
	c.recompute("session start")
	return c
}

// State returns the current sampling decision.
func (c *Controller) State() PolicyState { return c.state }

// RequestTier changes the user-selected tier. The effective tier may stay
// coarser if battery or session length floors demand it.
func (c *Controller) RequestTier(t Tier) error {
	if !ValidTier(t) {
		return fmt.Errorf("unknown optimization tier %q", t)
	}
	if t == c.requested {
		return nil
	}
	c.requested = t
	c.recompute("tier requested")
	return nil
}

// Update folds one classified sample into the controller: suppression
// dwell, battery class, and session length escalation all advance on the
// sample timestamp.
func (c *Controller) Update(cl motion.Classification, batteryLevel float64, at time.Time) PolicyState {
	if c.sessionStart.IsZero() {
		c.sessionStart = at
	}

	if cl.Regime != c.regime {
		c.regime = cl.Regime
		c.updateSuppression(cl.Regime, at)
		c.recompute("regime change")
	} else {
		c.updateSuppression(cl.Regime, at)
	}

	if batteryLevel >= 0 {
		class := batteryNormal
		switch {
		case batteryLevel < c.cfg.BatteryCritical:
			class = batteryCritical
		case batteryLevel < c.cfg.BatteryLow:
			class = batteryLow
		}
		if class != c.batteryClass {
			prev := c.batteryClass
			c.batteryClass = class
			switch {
			case class == batteryCritical:
				c.recompute("battery critical")
			case class == batteryLow:
				c.recompute("battery low")
			case prev != batteryNormal:
				c.recompute("battery recovered")
			}
		}
	}

	if c.cfg.AutoOptimize {
		if steps := int(at.Sub(c.sessionStart) / c.cfg.EscalateAfter); steps > c.escalations {
			c.escalations = steps
			c.recompute("session length")
		}
	}

	// Suppression flag changes do not alter the tier row but must surface.
	if c.suppressed != c.state.Suppressed {
		c.recompute("suppression")
	}

	return c.state
}

// NoteMovingFix exits suppression on any accepted fix that implies motion.
// Takes effect immediately, without waiting for the classifier to commit.
func (c *Controller) NoteMovingFix() {
	c.stationarySince = time.Time{}
	if c.suppressed {
		c.suppressed = false
		c.recompute("movement detected")
	}
}

func (c *Controller) updateSuppression(r motion.ActivityRegime, at time.Time) {
	if !motion.SuppressionEligible(r) {
		c.stationarySince = time.Time{}
		c.suppressed = false
		return
	}
	if c.stationarySince.IsZero() {
		c.stationarySince = at
		return
	}
	if !c.suppressed && at.Sub(c.stationarySince) >= c.cfg.SuppressionDwell {
		c.suppressed = true
	}
}

// recompute rebuilds the published state from the current drivers.
func (c *Controller) recompute(reason string) {
	rank := tierRank(c.requested) + c.escalations
	floor := 0
	switch c.batteryClass {
	case batteryCritical:
		floor = tierRank(TierUltraLowPower)
	case batteryLow:
		floor = tierRank(TierBatterySaver)
	}
	override := floor > rank
	if override {
		rank = floor
	}
	effective := tierForRank(rank)

	row := policyFor(effective, c.regime)
	c.state = PolicyState{
		Tier:            effective,
		RequestedTier:   c.requested,
		GPSAccuracy:     row.GPSAccuracy,
		DistanceFilter:  row.DistanceFilter,
		SampleInterval:  row.SampleInterval,
		MotionRate:      row.MotionRate,
		Suppressed:      c.suppressed,
		BatteryOverride: override,
		Reason:          reason,
	}
}
