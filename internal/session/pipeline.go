package session

import (
	"context"
	"time"

	"github.com/colinmarc/magic-mirror/internal/displayparams"
	"github.com/colinmarc/magic-mirror/internal/session/surface"
	"github.com/colinmarc/magic-mirror/internal/wire"
)

// FrameRequest is what the compositor hands the GPU pipeline once per
// render tick that actually needs to produce a frame (spec §4.4 tick
// step 3, §4.5 Composite→Convert→Encode→Packetise).
type FrameRequest struct {
	StreamSeq uint64
	FrameSeq  uint64
	Keyframe  bool
	Width     int
	Height    int
	Profile   displayparams.OutputProfile
	Surfaces  []*surface.Surface
}

// Pipeline is the GPU frame pipeline's contract with the compositor
// (internal/gpu implements this). Factored out as an interface, the
// same decoupling seam used for sessionmgr.Compositor: internal/gpu has
// no reason to import internal/session, and internal/session must not
// import internal/gpu's Vulkan-shaped internals directly so that a
// compositor under test can run against a fake pipeline with no GPU
// present.
type Pipeline interface {
	// RenderFrame composites req.Surfaces, converts colour space per
	// req.Profile, encodes, and packetises the result into one or more
	// FramePackets (source chunks plus any FEC repair chunks).
	RenderFrame(ctx context.Context, req FrameRequest) ([]wire.FramePacket, error)
	// Close releases the pipeline's GPU resources.
	Close() error
}

// PipelineFactory builds a Pipeline for one session. Supplied by the
// caller (internal/gpu) the same way sessionmgr.CompositorFactory is.
type PipelineFactory func(sessionID uint64, params displayparams.Params) (Pipeline, error)

// RateFeedback is implemented by a Pipeline that adapts its bitrate,
// quality preset, and frame rate to observed network conditions (spec
// §4.1/§4.2: "bitrate target is updated once per frame from the
// transport's estimate"). internal/gpu's Pipeline implements this by
// forwarding to its internal/transport/ratectl Controller; audio has no
// adaptive-bitrate path and so AudioPipeline carries no equivalent.
type RateFeedback interface {
	UpdateNetworkStats(rtt time.Duration, packetLoss float64)
}
