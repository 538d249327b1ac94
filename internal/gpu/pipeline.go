package gpu

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/colinmarc/magic-mirror/internal/displayparams"
	"github.com/colinmarc/magic-mirror/internal/gpu/vk"
	"github.com/colinmarc/magic-mirror/internal/logging"
	"github.com/colinmarc/magic-mirror/internal/session"
	"github.com/colinmarc/magic-mirror/internal/transport/fec"
	"github.com/colinmarc/magic-mirror/internal/transport/ratectl"
	"github.com/colinmarc/magic-mirror/internal/wire"
)

// Pipeline implements session.Pipeline: the Composite -> Convert ->
// Encode -> Packetise chain from spec §4.5, run once per render tick
// that the compositor decides needs a frame.
type Pipeline struct {
	sessionID uint64
	params    displayparams.Params

	encoder     *Encoder
	controller  *ratectl.Controller
	packetiser  *Packetiser
	curRatio    fec.Ratio

	log *slog.Logger
}

// Deps are the pieces a session already owns (or the Session Manager
// builds once per session) that the pipeline is wired against, rather
// than constructing itself: the rate controller is shared with the
// attachment worker that feeds it loss/RTT samples, and the caps come
// from whatever device enumeration the server did at startup.
type Deps struct {
	Caps       vk.DeviceCaps
	Controller *ratectl.Controller
}

// NewPipeline builds a Pipeline for one session. Returns
// vk.ErrNoSuitableDevice (wrapped) if caps doesn't advertise H.265
// encode, which the session manager must treat as a fatal startup
// error per spec §4.5.
func NewPipeline(sessionID uint64, params displayparams.Params, deps Deps) (*Pipeline, error) {
	enc, err := NewEncoder(deps.Caps)
	if err != nil {
		return nil, err
	}

	ratio := deps.Controller.Current().Preset.DefaultFECRatio()
	pk, err := NewPacketiser(ratio)
	if err != nil {
		_ = enc.Close()
		return nil, err
	}
	deps.Controller.SetFECRatio(ratio)

	return &Pipeline{
		sessionID:  sessionID,
		params:     params,
		encoder:    enc,
		controller: deps.Controller,
		packetiser: pk,
		curRatio:   ratio,
		log:        logging.L("gpu"),
	}, nil
}

// AsPipelineFactory adapts NewPipeline to session.PipelineFactory,
// closing over the deps every session's pipeline shares (device caps)
// and building a fresh rate controller per session.
func AsPipelineFactory(caps vk.DeviceCaps, newController func() (*ratectl.Controller, error)) session.PipelineFactory {
	return func(sessionID uint64, params displayparams.Params) (session.Pipeline, error) {
		ctrl, err := newController()
		if err != nil {
			return nil, fmt.Errorf("gpu: build rate controller for session %d: %w", sessionID, err)
		}
		return NewPipeline(sessionID, params, Deps{Caps: caps, Controller: ctrl})
	}
}

// RenderFrame implements session.Pipeline.
func (p *Pipeline) RenderFrame(ctx context.Context, req session.FrameRequest) ([]wire.FramePacket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fb := Composite(req.Surfaces, req.Profile, req.Width, req.Height)
	converted := Convert(fb)

	decision := p.controller.Current()
	if ratio := decision.Preset.DefaultFECRatio(); ratio != p.curRatio {
		pk, err := NewPacketiser(ratio)
		if err != nil {
			return nil, fmt.Errorf("gpu: rebuild packetiser for preset %s (ratio %s): %w", decision.Preset, ratio.String(), err)
		}
		p.packetiser = pk
		p.curRatio = ratio
		p.controller.SetFECRatio(ratio)
	}

	fps := decision.FPS
	if fps <= 0 {
		fps = p.params.Framerate
	}
	if fps <= 0 {
		fps = 60
	}

	payload, layer, err := p.encoder.Encode(converted, decision.Preset, decision.Bitrate, fps, req.Keyframe, req.FrameSeq)
	if err != nil {
		return nil, err
	}

	flags := uint8(0)
	if req.Keyframe {
		flags |= wire.FlagKeyframe | wire.FlagHeaderPrefix
	}

	pts := ptsForFrame(req.FrameSeq, fps)

	packets, err := p.packetiser.Packetise(payload, req.StreamSeq, req.FrameSeq, pts, layer, flags)
	if err != nil {
		return nil, err
	}
	return packets, nil
}

// ptsForFrame derives a frame's presentation timestamp (microseconds
// since attachment epoch, spec §3) from its sequence number and the
// active framerate, rather than sampling a wall clock: frame_seq
// already advances exactly once per rendered frame, so this keeps pts
// strictly monotonic and independent of scheduling jitter.
func ptsForFrame(frameSeq uint64, fps int) uint64 {
	if fps <= 0 {
		fps = 60
	}
	return (frameSeq - 1) * 1_000_000 / uint64(fps)
}

// UpdateNetworkStats implements session.RateFeedback, forwarding one
// RTT/loss sample to the rate controller. The next RenderFrame call
// picks up whatever preset/bitrate/FEC-ratio the controller derives
// from it (spec §4.1: "the encoder adjusts target QP within its
// allowed band" once per frame).
func (p *Pipeline) UpdateNetworkStats(rtt time.Duration, packetLoss float64) {
	decision := p.controller.Update(rtt, packetLoss)
	if decision.Action != "hold" {
		p.log.Debug("rate controller adjusted", "session", p.sessionID, "action", decision.Action,
			"bitrate", decision.Bitrate, "preset", decision.Preset, "loss", packetLoss, "rtt", rtt)
	}
}

// Close releases the encoder's device.
func (p *Pipeline) Close() error {
	return p.encoder.Close()
}
