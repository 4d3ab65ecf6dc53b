package power

import (
	"testing"
	"time"

	"github.com/lelanhus/ruck-map-sub009/internal/motion"
)

var polBase = time.Date(2025, 6, 14, 8, 0, 0, 0, time.UTC)

func cls(r motion.ActivityRegime) motion.Classification {
	return motion.Classification{Regime: r, Confidence: 0.9, At: polBase}
}

func accuracyRank(a AccuracyClass) int {
	switch a {
	case AccuracyBest:
		return 0
	case AccuracyNearestTen:
		return 1
	case AccuracyHundred:
		return 2
	case AccuracyKilometre:
		return 3
	}
	return -1
}

// Within every tier the stationary row must be at least as coarse as every
// moving row.
func TestPolicyTableStationaryCoarsest(t *testing.T) {
	tiers := []Tier{TierMaximumPerformance, TierBalanced, TierBatterySaver, TierUltraLowPower}
	moving := []motion.ActivityRegime{
		motion.RegimeWalking, motion.RegimeJogging, motion.RegimeRunning,
		motion.RegimeCycling, motion.RegimeAutomotive,
	}

	for _, tier := range tiers {
		idle := policyFor(tier, motion.RegimeStationary)
		for _, r := range moving {
			row := policyFor(tier, r)
			if idle.SampleInterval < row.SampleInterval {
				t.Errorf("%s/%s: stationary interval %v finer than moving %v", tier, r, idle.SampleInterval, row.SampleInterval)
			}
			if idle.DistanceFilter < row.DistanceFilter {
				t.Errorf("%s/%s: stationary filter %v finer than moving %v", tier, r, idle.DistanceFilter, row.DistanceFilter)
			}
			if idle.MotionRate > row.MotionRate {
				t.Errorf("%s/%s: stationary motion rate %v above moving %v", tier, r, idle.MotionRate, row.MotionRate)
			}
			if accuracyRank(idle.GPSAccuracy) < accuracyRank(row.GPSAccuracy) {
				t.Errorf("%s/%s: stationary accuracy %s finer than moving %s", tier, r, idle.GPSAccuracy, row.GPSAccuracy)
			}
		}
	}
}

func TestBatteryOverrides(t *testing.T) {
	c := NewController(DefaultConfig())
	walk := cls(motion.RegimeWalking)

	st := c.Update(walk, 0.80, polBase)
	if st.Tier != TierBalanced || st.BatteryOverride {
		t.Fatalf("state = %+v, want balanced without override", st)
	}

	st = c.Update(walk, 0.15, polBase.Add(time.Second))
	if st.Tier != TierBatterySaver {
		t.Errorf("tier = %s at 15%% battery, want battery_saver", st.Tier)
	}
	if !st.BatteryOverride || st.RequestedTier != TierBalanced {
		t.Errorf("state = %+v, want override with requested tier preserved", st)
	}

	st = c.Update(walk, 0.05, polBase.Add(2*time.Second))
	if st.Tier != TierUltraLowPower {
		t.Errorf("tier = %s at 5%% battery, want ultra_low_power", st.Tier)
	}

	// The user cannot out-request the battery floor.
	if err := c.RequestTier(TierMaximumPerformance); err != nil {
		t.Fatalf("RequestTier: %v", err)
	}
	st = c.State()
	if st.Tier != TierUltraLowPower || st.RequestedTier != TierMaximumPerformance {
		t.Errorf("state = %+v, want floor held with request recorded", st)
	}

	// Recovery restores the requested tier.
	st = c.Update(walk, 0.60, polBase.Add(3*time.Second))
	if st.Tier != TierMaximumPerformance || st.BatteryOverride {
		t.Errorf("state = %+v after recovery, want requested tier restored", st)
	}
	if st.Reason != "battery recovered" {
		t.Errorf("reason = %q, want battery recovered", st.Reason)
	}
}

func TestSessionLengthEscalation(t *testing.T) {
	c := NewController(DefaultConfig())
	walk := cls(motion.RegimeWalking)

	c.Update(walk, 0.9, polBase)

	st := c.Update(walk, 0.9, polBase.Add(2*time.Hour+time.Second))
	if st.Tier != TierBatterySaver {
		t.Errorf("tier = %s past 2 h, want battery_saver", st.Tier)
	}
	if st.RequestedTier != TierBalanced || st.BatteryOverride {
		t.Errorf("state = %+v, want requested preserved and no battery override", st)
	}

	st = c.Update(walk, 0.9, polBase.Add(4*time.Hour+time.Second))
	if st.Tier != TierUltraLowPower {
		t.Errorf("tier = %s past 4 h, want ultra_low_power", st.Tier)
	}

	// Escalation saturates at the coarsest tier.
	st = c.Update(walk, 0.9, polBase.Add(9*time.Hour))
	if st.Tier != TierUltraLowPower {
		t.Errorf("tier = %s past 9 h, want ultra_low_power", st.Tier)
	}
}

func TestEscalationDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoOptimize = false
	c := NewController(cfg)
	walk := cls(motion.RegimeWalking)

	c.Update(walk, 0.9, polBase)
	st := c.Update(walk, 0.9, polBase.Add(5*time.Hour))
	if st.Tier != TierBalanced {
		t.Errorf("tier = %s with auto-optimize off, want balanced", st.Tier)
	}
}

func TestEscalationNeverBeatsBatteryFloor(t *testing.T) {
	c := NewController(DefaultConfig())
	if err := c.RequestTier(TierMaximumPerformance); err != nil {
		t.Fatalf("RequestTier: %v", err)
	}
	walk := cls(motion.RegimeWalking)

	c.Update(walk, 0.9, polBase)
	st := c.Update(walk, 0.05, polBase.Add(2*time.Hour+time.Second))
	if st.Tier != TierUltraLowPower || !st.BatteryOverride {
		t.Errorf("state = %+v, want critical floor above escalated tier", st)
	}
}

func TestSuppressionDwellAndExit(t *testing.T) {
	c := NewController(DefaultConfig())
	stat := cls(motion.RegimeStationary)
	walk := cls(motion.RegimeWalking)

	st := c.Update(stat, 0.9, polBase)
	if st.Suppressed {
		t.Fatal("suppressed immediately on stationary commit")
	}

	st = c.Update(stat, 0.9, polBase.Add(29*time.Second))
	if st.Suppressed {
		t.Fatal("suppressed before the 30 s dwell elapsed")
	}

	st = c.Update(stat, 0.9, polBase.Add(31*time.Second))
	if !st.Suppressed {
		t.Fatal("not suppressed after 31 s of stationary dwell")
	}
	if st.Tier != TierBalanced {
		t.Errorf("tier = %s while suppressed, want unchanged balanced", st.Tier)
	}

	// Any non-stationary commit exits immediately, no debounce.
	st = c.Update(walk, 0.9, polBase.Add(40*time.Second))
	if st.Suppressed {
		t.Error("still suppressed after a walking commit")
	}
}

func TestSuppressionExitOnMovingFix(t *testing.T) {
	c := NewController(DefaultConfig())
	stat := cls(motion.RegimeStationary)

	c.Update(stat, 0.9, polBase)
	st := c.Update(stat, 0.9, polBase.Add(35*time.Second))
	if !st.Suppressed {
		t.Fatal("not suppressed after dwell")
	}

	c.NoteMovingFix()
	st = c.State()
	if st.Suppressed {
		t.Error("still suppressed after a moving fix")
	}
	if st.Reason != "movement detected" {
		t.Errorf("reason = %q, want movement detected", st.Reason)
	}
}

func TestRequestTierValidation(t *testing.T) {
	c := NewController(DefaultConfig())
	before := c.State()

	if err := c.RequestTier(Tier("warp")); err == nil {
		t.Fatal("RequestTier accepted an unknown tier")
	}
	if c.State() != before {
		t.Error("state changed on a rejected tier request")
	}
}

func TestStateStableWithoutDrivers(t *testing.T) {
	c := NewController(DefaultConfig())
	walk := cls(motion.RegimeWalking)

	first := c.Update(walk, 0.9, polBase)
	second := c.Update(walk, 0.9, polBase.Add(time.Second))
	if first != second {
		t.Errorf("state churned without a driver change:\n%+v\n%+v", first, second)
	}
}
