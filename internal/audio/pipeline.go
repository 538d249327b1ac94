package audio

import (
	"context"
	"fmt"
	"time"

	"github.com/colinmarc/magic-mirror/internal/displayparams"
	"github.com/colinmarc/magic-mirror/internal/logging"
	"github.com/colinmarc/magic-mirror/internal/session"
	"github.com/colinmarc/magic-mirror/internal/transport/fec"
	"github.com/colinmarc/magic-mirror/internal/wire"
)

// SampleRate and Channels are fixed for every session: spec §4.6 names
// Opus encode with no per-application override, so unlike video there
// is no negotiated width/height/framerate to carry through.
const (
	SampleRate    = 48000
	Channels      = 2
	frameDuration = 20 * time.Millisecond
)

// Config configures a session's audio pipeline from server settings
// (spec §6 server.audio_bitrate, server.audio_fec_ratio).
type Config struct {
	Bitrate  int
	FECRatio fec.Ratio
}

// Pipeline implements session.AudioPipeline: pull one fixed-duration
// slice of PCM, Opus-encode it, and packetise the result the same way
// internal/gpu packetises video (source chunks plus FEC repair
// chunks), sharing internal/transport/fec rather than internal/gpu's
// video-specific Packetiser so this package has no reason to import
// internal/gpu.
type Pipeline struct {
	sessionID uint64

	source  Source
	encoder *Encoder
	fecEnc  *fec.Encoder
	ratio   fec.Ratio

	pcmBuf []int16
}

// NewPipeline builds a Pipeline for one session.
func NewPipeline(sessionID uint64, cfg Config) (*Pipeline, error) {
	frameSize := int(SampleRate * frameDuration / time.Second)

	enc, err := newEncoder(SampleRate, Channels, frameSize, cfg.Bitrate)
	if err != nil {
		return nil, err
	}
	fecEnc, err := fec.NewEncoder(cfg.FECRatio)
	if err != nil {
		return nil, fmt.Errorf("audio: build fec encoder: %w", err)
	}

	return &Pipeline{
		sessionID: sessionID,
		source:    newToneSource(SampleRate, Channels),
		encoder:   enc,
		fecEnc:    fecEnc,
		ratio:     cfg.FECRatio,
		pcmBuf:    make([]int16, frameSize*Channels),
	}, nil
}

// AsAudioPipelineFactory adapts NewPipeline to session.AudioPipelineFactory,
// the same wiring shape as gpu.AsPipelineFactory for video.
func AsAudioPipelineFactory(cfg Config) session.AudioPipelineFactory {
	return func(sessionID uint64, params displayparams.Params) (session.AudioPipeline, error) {
		return NewPipeline(sessionID, cfg)
	}
}

// FrameDuration implements session.AudioPipeline.
func (p *Pipeline) FrameDuration() time.Duration { return frameDuration }

// EncodeFrame implements session.AudioPipeline.
func (p *Pipeline) EncodeFrame(ctx context.Context, req session.AudioFrameRequest) ([]wire.FramePacket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, err := p.source.Read(p.pcmBuf); err != nil {
		return nil, fmt.Errorf("audio: read source: %w", err)
	}

	payload, err := p.encoder.Encode(p.pcmBuf)
	if err != nil {
		return nil, err
	}

	shards, err := p.fecEnc.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("audio: packetise frame %d: %w", req.FrameSeq, err)
	}

	k := uint16(p.ratio.K)
	total := uint16(p.ratio.Total())
	pts := ptsForFrame(req.FrameSeq)

	packets := make([]wire.FramePacket, len(shards))
	for i, s := range shards {
		packets[i] = wire.FramePacket{
			StreamKind:  wire.StreamKindAudio,
			StreamSeq:   req.StreamSeq,
			FrameSeq:    req.FrameSeq,
			PTS:         pts,
			ChunkIndex:  uint16(s.Index),
			TotalChunks: k,
			FECIndex:    uint16(s.Index),
			FECTotal:    total,
			Payload:     s.Data,
		}
	}
	return packets, nil
}

// ptsForFrame mirrors gpu.ptsForFrame: derived from frame_seq and the
// fixed frame duration rather than a wall clock, so pts stays strictly
// monotonic and independent of scheduling jitter.
func ptsForFrame(frameSeq uint64) uint64 {
	return (frameSeq - 1) * uint64(frameDuration.Microseconds())
}

// Close releases the pipeline's encoder resources. The Opus encoder
// itself holds no OS resources beyond Go-managed memory, unlike the
// GPU pipeline's device handles, so there is nothing to release beyond
// satisfying the session.AudioPipeline contract.
func (p *Pipeline) Close() error {
	log.Debug("audio pipeline closed", logging.KeySession, p.sessionID)
	return nil
}
