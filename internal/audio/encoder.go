package audio

import (
	"fmt"

	"github.com/hraban/opus"
)

// maxOpusPacketBytes generously bounds one encoded Opus frame; actual
// frames at the bitrates this pipeline runs are far smaller.
const maxOpusPacketBytes = 4000

// Encoder wraps a libopus encoder fixed to this pipeline's sample
// rate, channel count, and frame size.
type Encoder struct {
	enc       *opus.Encoder
	frameSize int // samples per channel per frame
	channels  int
	buf       []byte
}

func newEncoder(sampleRate, channels, frameSize, bitrate int) (*Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("audio: new opus encoder: %w", err)
	}
	if err := enc.SetBitrate(bitrate); err != nil {
		return nil, fmt.Errorf("audio: set bitrate %d: %w", bitrate, err)
	}
	return &Encoder{
		enc:       enc,
		frameSize: frameSize,
		channels:  channels,
		buf:       make([]byte, maxOpusPacketBytes),
	}, nil
}

// Encode compresses one frame of interleaved PCM samples (frameSize
// samples per channel, Channels per frame) into an Opus packet.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	n, err := e.enc.Encode(pcm, e.buf)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}
