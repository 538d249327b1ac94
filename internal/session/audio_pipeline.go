package session

import (
	"context"
	"time"

	"github.com/colinmarc/magic-mirror/internal/displayparams"
	"github.com/colinmarc/magic-mirror/internal/wire"
)

// AudioFrameRequest is what the compositor hands the audio pipeline
// once per audio tick (spec §4.6 Audio Pipeline: "Opus encode aligned
// to the session clock"). Unlike FrameRequest, it carries no surface
// damage: audio runs on its own fixed cadence independent of whether
// the video tick found anything to render.
type AudioFrameRequest struct {
	StreamSeq uint64
	FrameSeq  uint64
}

// AudioPipeline is the audio pipeline's contract with the compositor
// (internal/audio implements this). Factored out the same way Pipeline
// is: internal/audio has no reason to import internal/session beyond
// this interface, and a compositor under test can run with no audio
// pipeline at all (Config.Audio is optional).
type AudioPipeline interface {
	// EncodeFrame pulls one fixed-duration slice of audio, Opus-encodes
	// it, and packetises the result the same way a video frame is
	// packetised (source chunks plus any FEC repair chunks).
	EncodeFrame(ctx context.Context, req AudioFrameRequest) ([]wire.FramePacket, error)
	// FrameDuration reports the wall-clock duration one EncodeFrame call
	// advances by, so the compositor can tick the audio loop at the
	// matching cadence (spec §4.6: 20ms Opus frames).
	FrameDuration() time.Duration
	// Close releases the pipeline's encoder resources.
	Close() error
}

// AudioPipelineFactory builds an AudioPipeline for one session, the
// same way PipelineFactory does for video.
type AudioPipelineFactory func(sessionID uint64, params displayparams.Params) (AudioPipeline, error)
