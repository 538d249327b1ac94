// Package ratectl adapts an attachment's target bitrate, encoder
// quality preset, and frame rate to observed network conditions
// (spec §4.1/§4.2: "bitrate target is updated once per frame from the
// transport's estimate"), and decides when packet loss has exceeded
// what FEC can repair and a refresh (forced keyframe, stream_seq bump)
// must be requested (spec §3 Refresh; spec §8 S4).
package ratectl

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"

	"github.com/colinmarc/magic-mirror/internal/transport/fec"
)

// Preset is the attachment's quality preset, mapping to both an
// encoder QP band and a default FEC ratio (spec §3 Attachment:
// "quality preset (maps to QP range and FEC ratios)").
type Preset int

const (
	PresetLow Preset = iota
	PresetMedium
	PresetHigh
	PresetUltra
)

func (p Preset) String() string {
	switch p {
	case PresetLow:
		return "low"
	case PresetMedium:
		return "medium"
	case PresetHigh:
		return "high"
	case PresetUltra:
		return "ultra"
	default:
		return "unknown"
	}
}

func (p Preset) valid() bool { return p >= PresetLow && p <= PresetUltra }

// QPRange returns the [min, max] quantization-parameter band the
// encode stage should target for this preset.
func (p Preset) QPRange() (min, max int) {
	switch p {
	case PresetLow:
		return 32, 45
	case PresetMedium:
		return 24, 36
	case PresetHigh:
		return 18, 28
	case PresetUltra:
		return 12, 22
	default:
		return 24, 36
	}
}

// DefaultFECRatio returns the source:repair ratio a preset uses absent
// an explicit server.video_fec_ratios override.
func (p Preset) DefaultFECRatio() fec.Ratio {
	switch p {
	case PresetLow:
		return fec.Ratio{K: 10, R: 4}
	case PresetMedium:
		return fec.Ratio{K: 10, R: 2}
	case PresetHigh:
		return fec.Ratio{K: 16, R: 2}
	case PresetUltra:
		return fec.Ratio{K: 16, R: 1}
	default:
		return fec.Ratio{K: 10, R: 2}
	}
}

// minBitsPerFrame is the floor below which FPS is reduced rather than
// letting per-frame quality collapse, scaling adaptive FPS with
// bitrate the same way the teacher's encoder does.
const minBitsPerFrame = 40000

const ewmaAlpha = 0.3

// Config configures a new Controller.
type Config struct {
	MinBitrate     int
	MaxBitrate     int
	InitialBitrate int
	MinPreset      Preset
	MaxPreset      Preset
	Cooldown       time.Duration
	MaxFPS         int
	FECRatio       fec.Ratio
	OnFPSChange    func(int)
}

// Decision is the outcome of a rate-control update: the new targets
// the caller should push into the GPU encode stage.
type Decision struct {
	Action  string // "hold", "degrade", or "upgrade", for logging
	Bitrate int
	Preset  Preset
	FPS     int
}

// Controller tracks EWMA-smoothed loss/RTT and applies AIMD: a fast
// multiplicative decrease on sustained loss, a gentle additive
// increase once conditions have been clean for several consecutive
// samples.
type Controller struct {
	mu sync.Mutex

	minBitrate, maxBitrate int
	minPreset, maxPreset   Preset
	cooldown               time.Duration
	lastAdjust             time.Time

	targetBitrate int
	targetPreset  Preset

	maxFPS      int
	currentFPS  int
	onFPSChange func(int)

	fecRatio fec.Ratio

	smoothedLoss float64
	smoothedRTT  time.Duration
	samplesCount int
	stableCount  int
}

// New builds a Controller from cfg, applying the same defaulting rules
// the teacher's adaptive bitrate controller uses (zero Cooldown/MaxFPS
// fall back to sane defaults; an unset InitialBitrate starts at the
// floor rather than the ceiling).
func New(cfg Config) (*Controller, error) {
	if cfg.MinBitrate <= 0 || cfg.MaxBitrate <= 0 || cfg.MinBitrate > cfg.MaxBitrate {
		return nil, errors.New("ratectl: invalid bitrate bounds")
	}
	minPreset, maxPreset := cfg.MinPreset, cfg.MaxPreset
	if !minPreset.valid() {
		minPreset = PresetLow
	}
	if !maxPreset.valid() {
		maxPreset = PresetUltra
	}
	if minPreset > maxPreset {
		minPreset, maxPreset = maxPreset, minPreset
	}

	cooldown := cfg.Cooldown
	if cooldown == 0 {
		cooldown = 500 * time.Millisecond
	}

	initial := cfg.InitialBitrate
	if initial <= 0 {
		initial = cfg.MinBitrate
	}
	initial = clampInt(initial, cfg.MinBitrate, cfg.MaxBitrate)

	maxFPS := cfg.MaxFPS
	if maxFPS <= 0 {
		maxFPS = 60
	}
	initialFPS := clampInt(initial/minBitsPerFrame, 10, maxFPS)

	ratio := cfg.FECRatio
	if ratio.K == 0 {
		ratio = PresetMedium.DefaultFECRatio()
	}

	return &Controller{
		minBitrate:    cfg.MinBitrate,
		maxBitrate:    cfg.MaxBitrate,
		minPreset:     minPreset,
		maxPreset:     maxPreset,
		cooldown:      cooldown,
		targetBitrate: initial,
		targetPreset:  PresetMedium,
		maxFPS:        maxFPS,
		currentFPS:    initialFPS,
		onFPSChange:   cfg.OnFPSChange,
		fecRatio:      ratio,
	}, nil
}

// SetMaxBitrate updates the ceiling the controller ramps toward,
// clamping the current target down immediately if it now exceeds it.
func (c *Controller) SetMaxBitrate(max int) {
	if max <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxBitrate = max
	if c.targetBitrate > max {
		c.targetBitrate = max
	}
}

// LossFromReceptionReport converts an RTCP-style "fraction lost" byte
// (RFC 3550 §6.4.1: 256 * lost/total since the last report, the same
// field `rtcp.ReceptionReport.FractionLost` carries for RTP/RTCP
// streams) into the [0,1] loss fraction Update expects. This server
// doesn't run RTP/RTCP over its QUIC media streams, but a client's
// periodic network-quality sample (wire.NetworkReport) reuses that
// wire-proven integer encoding rather than inventing a new one, so this
// helper bridges it back to a float for the controller.
func LossFromReceptionReport(rr rtcp.ReceptionReport) float64 {
	return float64(rr.FractionLost) / 256
}

// Update feeds one RTT/loss sample (from transport-level loss
// estimation, e.g. FEC-unrecoverable packet counts or QUIC ACK
// timing) and returns the rate-control decision for the next frame.
func (c *Controller) Update(rtt time.Duration, packetLoss float64) Decision {
	if packetLoss < 0 {
		packetLoss = 0
	} else if packetLoss > 1 {
		packetLoss = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	onCooldown := !c.lastAdjust.IsZero() && now.Sub(c.lastAdjust) < c.cooldown
	c.updateEWMA(rtt, packetLoss)

	if onCooldown || c.samplesCount <= 3 {
		return c.currentDecision("hold")
	}

	loss := c.smoothedLoss
	smoothRTT := c.smoothedRTT

	degrade := loss >= 0.05 || (smoothRTT >= 300*time.Millisecond && loss >= 0.02)
	upgrade := loss <= 0.01

	if degrade {
		c.stableCount = 0
	} else if upgrade {
		c.stableCount++
	} else if c.stableCount > 0 {
		c.stableCount--
	}

	const stableRequired = 2

	action := "hold"
	newBitrate := c.targetBitrate
	newPreset := c.targetPreset

	switch {
	case degrade:
		action = "degrade"
		newBitrate = clampInt(int(float64(newBitrate)*0.70), c.minBitrate, c.maxBitrate)
		newPreset = stepPreset(newPreset, -1, c.minPreset, c.maxPreset)
	case c.stableCount >= stableRequired && c.targetBitrate < c.maxBitrate:
		action = "upgrade"
		step := c.maxBitrate / 20
		if step < 100_000 {
			step = 100_000
		}
		newBitrate = clampInt(newBitrate+step, c.minBitrate, c.maxBitrate)
		newPreset = stepPreset(newPreset, 1, c.minPreset, c.maxPreset)
		c.stableCount = 0
	}

	newFPS := clampInt(newBitrate/minBitsPerFrame, 10, c.maxFPS)

	if newBitrate == c.targetBitrate && newPreset == c.targetPreset && newFPS == c.currentFPS {
		return c.currentDecision("hold")
	}

	prevFPS := c.currentFPS
	c.targetBitrate = newBitrate
	c.targetPreset = newPreset
	c.currentFPS = newFPS
	c.lastAdjust = now

	if newFPS != prevFPS && c.onFPSChange != nil {
		c.onFPSChange(newFPS)
	}

	return Decision{Action: action, Bitrate: newBitrate, Preset: newPreset, FPS: newFPS}
}

func (c *Controller) currentDecision(action string) Decision {
	return Decision{Action: action, Bitrate: c.targetBitrate, Preset: c.targetPreset, FPS: c.currentFPS}
}

func (c *Controller) updateEWMA(rtt time.Duration, loss float64) {
	c.samplesCount++
	if c.samplesCount == 1 {
		c.smoothedLoss = loss
		c.smoothedRTT = rtt
		return
	}
	c.smoothedLoss = ewmaAlpha*loss + (1-ewmaAlpha)*c.smoothedLoss
	c.smoothedRTT = time.Duration(ewmaAlpha*float64(rtt) + (1-ewmaAlpha)*float64(c.smoothedRTT))
}

// Current returns the controller's present targets without feeding a
// new sample, for callers (e.g. the GPU encode stage) that need the
// active bitrate/preset/FPS on every frame but only sample RTT/loss
// periodically.
func (c *Controller) Current() Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentDecision("hold")
}

// NeedsRefresh reports whether a frame's chunk loss exceeded the
// configured FEC ratio's repair capacity, meaning the frame cannot be
// reconstructed and a forced keyframe must be requested (spec §8 S4:
// 20% loss under a ratio with >=20% repair capacity reconstructs
// cleanly; 40% loss exceeds it and triggers a refresh).
func (c *Controller) NeedsRefresh(chunksLost, chunksTotal int) bool {
	c.mu.Lock()
	ratio := c.fecRatio
	c.mu.Unlock()
	if chunksTotal <= 0 {
		return false
	}
	return chunksLost > ratio.R
}

// SetFECRatio updates the ratio NeedsRefresh checks against, e.g. after
// a preset change.
func (c *Controller) SetFECRatio(ratio fec.Ratio) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fecRatio = ratio
}

func clampInt(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func stepPreset(current Preset, delta int, minP, maxP Preset) Preset {
	next := current + Preset(delta)
	if next < minP {
		next = minP
	}
	if next > maxP {
		next = maxP
	}
	return next
}

// ParsePreset maps a client-facing preset name (as sent in Attach) to
// a Preset, defaulting to PresetMedium for an unrecognized value.
func ParsePreset(name string) Preset {
	switch name {
	case "low":
		return PresetLow
	case "medium", "":
		return PresetMedium
	case "high":
		return PresetHigh
	case "ultra":
		return PresetUltra
	default:
		return PresetMedium
	}
}

func (p Preset) validationError() error {
	if !p.valid() {
		return fmt.Errorf("ratectl: preset %d out of range", int(p))
	}
	return nil
}
