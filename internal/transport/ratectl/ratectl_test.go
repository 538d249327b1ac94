package ratectl

import (
	"testing"
	"time"

	"github.com/pion/rtcp"

	"github.com/colinmarc/magic-mirror/internal/transport/fec"
)

func newTestController(t *testing.T, initial, min, max int) *Controller {
	t.Helper()
	c, err := New(Config{
		InitialBitrate: initial,
		MinBitrate:     min,
		MaxBitrate:     max,
		Cooldown:       time.Nanosecond, // effectively zero for tests
		FECRatio:       fec.Ratio{K: 10, R: 2},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// warmup feeds clean samples to get past the 3-sample EWMA warmup.
func warmup(c *Controller, rtt time.Duration, loss float64) {
	for i := 0; i < 3; i++ {
		c.Update(rtt, loss)
	}
}

func TestInitialBitrateMatchesConfig(t *testing.T) {
	c := newTestController(t, 2_500_000, 500_000, 8_000_000)
	if c.targetBitrate != 2_500_000 {
		t.Fatalf("targetBitrate = %d, want 2500000", c.targetBitrate)
	}
}

func TestSustainedLossDegradesBitrate(t *testing.T) {
	c := newTestController(t, 4_000_000, 500_000, 8_000_000)
	warmup(c, 20*time.Millisecond, 0.10) // 10% loss, well above the 5% degrade threshold

	d := c.Update(20*time.Millisecond, 0.10)
	if d.Action != "degrade" {
		t.Fatalf("Action = %q, want degrade", d.Action)
	}
	if d.Bitrate >= 4_000_000 {
		t.Fatalf("Bitrate = %d, want < 4000000 after degrade", d.Bitrate)
	}
}

func TestSustainedCleanConditionsUpgradeAfterStablePeriod(t *testing.T) {
	c := newTestController(t, 1_000_000, 500_000, 8_000_000)
	warmup(c, 10*time.Millisecond, 0.0)

	// First clean post-warmup sample only increments stableCount to 1.
	first := c.Update(10*time.Millisecond, 0.0)
	if first.Action == "upgrade" {
		t.Fatalf("expected no upgrade on the first stable sample, got upgrade")
	}

	// Second consecutive clean sample crosses stableRequired=2.
	second := c.Update(10*time.Millisecond, 0.0)
	if second.Action != "upgrade" {
		t.Fatalf("Action = %q, want upgrade after 2 consecutive stable samples", second.Action)
	}
	if second.Bitrate <= 1_000_000 {
		t.Fatalf("Bitrate = %d, want > 1000000 after upgrade", second.Bitrate)
	}
}

func TestHighRTTAloneDoesNotDegrade(t *testing.T) {
	c := newTestController(t, 2_000_000, 500_000, 8_000_000)
	warmup(c, 500*time.Millisecond, 0.0) // high RTT, zero loss

	d := c.Update(500*time.Millisecond, 0.0)
	if d.Action == "degrade" {
		t.Fatal("high RTT with zero loss must not trigger degrade")
	}
}

func TestBitrateNeverExceedsConfiguredBounds(t *testing.T) {
	c := newTestController(t, 7_900_000, 500_000, 8_000_000)
	for i := 0; i < 10; i++ {
		d := c.Update(5*time.Millisecond, 0.0)
		if d.Bitrate > 8_000_000 {
			t.Fatalf("Bitrate = %d exceeds max 8000000", d.Bitrate)
		}
	}
}

// TestNeedsRefreshMatchesFECCapacity grounds testable property S4:
// 20% loss under a 10:2 ratio's repair capacity (2 of 12 chunks, ~17%)
// still triggers a refresh need once loss exceeds the repair count,
// while loss within the repair count does not.
func TestNeedsRefreshMatchesFECCapacity(t *testing.T) {
	c := newTestController(t, 2_000_000, 500_000, 8_000_000) // FECRatio{10,2}

	if c.NeedsRefresh(2, 12) {
		t.Fatal("losing exactly r=2 of 12 chunks must still reconstruct, no refresh needed")
	}
	if !c.NeedsRefresh(3, 12) {
		t.Fatal("losing more than r=2 of 12 chunks must require a refresh")
	}
}

func TestParsePresetDefaultsToMedium(t *testing.T) {
	if got := ParsePreset("bogus"); got != PresetMedium {
		t.Errorf("ParsePreset(bogus) = %v, want PresetMedium", got)
	}
	if got := ParsePreset("ultra"); got != PresetUltra {
		t.Errorf("ParsePreset(ultra) = %v, want PresetUltra", got)
	}
}

func TestQPRangeOrderingAcrossPresets(t *testing.T) {
	lowMin, lowMax := PresetLow.QPRange()
	ultraMin, ultraMax := PresetUltra.QPRange()
	if lowMin <= ultraMin || lowMax <= ultraMax {
		t.Fatalf("expected low preset QP range (%d,%d) to sit above ultra's (%d,%d)", lowMin, lowMax, ultraMin, ultraMax)
	}
}

func TestLossFromReceptionReport(t *testing.T) {
	cases := []struct {
		fractionLost uint8
		want         float64
	}{
		{0, 0},
		{128, 0.5},
		{255, 255.0 / 256},
	}
	for _, c := range cases {
		got := LossFromReceptionReport(rtcp.ReceptionReport{FractionLost: c.fractionLost})
		if got != c.want {
			t.Errorf("LossFromReceptionReport(%d) = %v, want %v", c.fractionLost, got, c.want)
		}
	}
}

func TestLossFromReceptionReportFeedsDegrade(t *testing.T) {
	c := newTestController(t, 4_000_000, 1_000_000, 8_000_000)
	// FractionLost=26 is ~10%, comfortably above the 5% degrade threshold.
	loss := LossFromReceptionReport(rtcp.ReceptionReport{FractionLost: 26})
	warmup(c, 20*time.Millisecond, loss)
	d := c.Update(20*time.Millisecond, loss)
	if d.Action != "degrade" {
		t.Fatalf("expected degrade from a client-reported loss sample, got %q", d.Action)
	}
}
