package audio

import (
	"context"
	"testing"
	"time"

	"github.com/colinmarc/magic-mirror/internal/session"
	"github.com/colinmarc/magic-mirror/internal/transport/fec"
	"github.com/colinmarc/magic-mirror/internal/wire"
)

func testConfig() Config {
	return Config{Bitrate: 64_000, FECRatio: fec.Ratio{K: 4, R: 1}}
}

func TestNewPipelineFrameDurationIs20ms(t *testing.T) {
	p, err := NewPipeline(1, testConfig())
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	defer p.Close()

	if p.FrameDuration() != 20*time.Millisecond {
		t.Errorf("FrameDuration() = %v, want 20ms", p.FrameDuration())
	}
}

func TestEncodeFrameProducesFramePacketsTaggedAudio(t *testing.T) {
	p, err := NewPipeline(1, testConfig())
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	defer p.Close()

	packets, err := p.EncodeFrame(context.Background(), session.AudioFrameRequest{StreamSeq: 1, FrameSeq: 1})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if len(packets) != testConfig().FECRatio.Total() {
		t.Fatalf("got %d packets, want %d (k+r)", len(packets), testConfig().FECRatio.Total())
	}
	for _, pkt := range packets {
		if pkt.StreamKind != wire.StreamKindAudio {
			t.Errorf("StreamKind = %v, want StreamKindAudio", pkt.StreamKind)
		}
		if pkt.StreamSeq != 1 || pkt.FrameSeq != 1 {
			t.Errorf("unexpected stream_seq/frame_seq on packet: %+v", pkt)
		}
		if len(pkt.Payload) == 0 {
			t.Errorf("expected a non-empty payload, got %+v", pkt)
		}
	}
}

func TestEncodeFramePTSIsMonotonicAcrossFrameSeq(t *testing.T) {
	p, err := NewPipeline(1, testConfig())
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	defer p.Close()

	first, err := p.EncodeFrame(context.Background(), session.AudioFrameRequest{StreamSeq: 1, FrameSeq: 1})
	if err != nil {
		t.Fatalf("EncodeFrame 1: %v", err)
	}
	second, err := p.EncodeFrame(context.Background(), session.AudioFrameRequest{StreamSeq: 1, FrameSeq: 2})
	if err != nil {
		t.Fatalf("EncodeFrame 2: %v", err)
	}
	if first[0].PTS >= second[0].PTS {
		t.Fatalf("expected pts to strictly increase across frame_seq, got %d then %d", first[0].PTS, second[0].PTS)
	}
	if second[0].PTS-first[0].PTS != uint64(frameDuration.Microseconds()) {
		t.Errorf("expected pts to advance by exactly one frame duration, got delta %d", second[0].PTS-first[0].PTS)
	}
}

func TestEncodeFrameRejectsCancelledContext(t *testing.T) {
	p, err := NewPipeline(1, testConfig())
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.EncodeFrame(ctx, session.AudioFrameRequest{StreamSeq: 1, FrameSeq: 1}); err == nil {
		t.Fatal("expected EncodeFrame to reject a cancelled context")
	}
}

func TestNewPipelineRejectsInvalidFECRatio(t *testing.T) {
	_, err := NewPipeline(1, Config{Bitrate: 64_000, FECRatio: fec.Ratio{K: 0, R: 1}})
	if err == nil {
		t.Fatal("expected an error for a zero-k FEC ratio")
	}
}

func TestToneSourceFillsEveryFrameAndAdvancesPhase(t *testing.T) {
	src := newToneSource(SampleRate, Channels)
	buf := make([]int16, 960*Channels) // 20ms at 48kHz stereo

	n, err := src.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 960 {
		t.Fatalf("Read returned %d frames, want 960", n)
	}

	allZero := true
	for _, s := range buf {
		if s != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Error("expected a non-silent tone, got an all-zero buffer")
	}

	// A second read should not reproduce the first block verbatim: the
	// phase accumulator must carry forward across calls.
	buf2 := make([]int16, len(buf))
	if _, err := src.Read(buf2); err != nil {
		t.Fatalf("Read (second): %v", err)
	}
	identical := true
	for i := range buf {
		if buf[i] != buf2[i] {
			identical = false
			break
		}
	}
	if identical {
		t.Error("expected consecutive reads to differ (continuing phase), got identical buffers")
	}
}
