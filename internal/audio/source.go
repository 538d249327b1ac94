package audio

import "math"

// Source produces interleaved PCM samples for the pipeline to encode,
// pulled synchronously once per audio tick.
type Source interface {
	// Read fills buf with interleaved int16 samples and returns the
	// number of complete frames (samples per channel) written.
	Read(buf []int16) (frames int, err error)
}

// toneSource is the only Source in this exercise: there is no live
// audio capture device to read from (spec §1 Non-goals scopes out
// client/device integration), so it generates a quiet, continuous sine
// wave instead — the audio equivalent of internal/gpu's Encode stage
// modelling its bitstream rather than running a real hardware
// encoder. Every structural property the rest of the pipeline
// depends on (fixed frame size, continuous phase across calls,
// non-silent but boundable amplitude) holds; only the content is a
// placeholder.
type toneSource struct {
	sampleRate int
	channels   int
	freqHz     float64
	phase      float64
}

const toneAmplitude = 2000 // well under int16 range, avoids clipping

func newToneSource(sampleRate, channels int) *toneSource {
	if channels <= 0 {
		channels = 1
	}
	return &toneSource{sampleRate: sampleRate, channels: channels, freqHz: 440}
}

func (s *toneSource) Read(buf []int16) (int, error) {
	frames := len(buf) / s.channels
	step := 2 * math.Pi * s.freqHz / float64(s.sampleRate)
	for i := 0; i < frames; i++ {
		sample := int16(toneAmplitude * math.Sin(s.phase))
		for c := 0; c < s.channels; c++ {
			buf[i*s.channels+c] = sample
		}
		s.phase += step
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	return frames, nil
}
