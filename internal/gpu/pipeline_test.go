package gpu

import (
	"context"
	"testing"

	"github.com/colinmarc/magic-mirror/internal/displayparams"
	"github.com/colinmarc/magic-mirror/internal/gpu/vk"
	"github.com/colinmarc/magic-mirror/internal/session"
	"github.com/colinmarc/magic-mirror/internal/session/surface"
	"github.com/colinmarc/magic-mirror/internal/transport/ratectl"
)

func testController(t *testing.T) *ratectl.Controller {
	t.Helper()
	ctrl, err := ratectl.New(ratectl.Config{MinBitrate: 500_000, MaxBitrate: 20_000_000, InitialBitrate: 4_000_000})
	if err != nil {
		t.Fatalf("ratectl.New: %v", err)
	}
	return ctrl
}

func testRequest(streamSeq, frameSeq uint64, keyframe bool) session.FrameRequest {
	tree := surface.NewTree()
	ref := tree.Create(surface.RoleToplevel, surface.Ref{})
	s, _ := tree.Get(ref)
	s.Attach(surface.Buffer{Kind: surface.BufferSHM, Width: 64, Height: 64})
	tree.Commit(ref)

	return session.FrameRequest{
		StreamSeq: streamSeq,
		FrameSeq:  frameSeq,
		Keyframe:  keyframe,
		Width:     64,
		Height:    64,
		Profile:   displayparams.ProfileHD,
		Surfaces:  tree.BottomToTop(),
	}
}

func TestNewPipelineFailsWithoutHardwareEncoder(t *testing.T) {
	_, err := NewPipeline(1, displayparams.Params{Width: 64, Height: 64, Framerate: 60}, Deps{
		Caps:       vk.DeviceCaps{},
		Controller: testController(t),
	})
	if err == nil {
		t.Fatalf("expected NewPipeline to fail without a hardware H.265 encoder")
	}
}

func TestRenderFrameProducesFramePacketsWithHeaderPrefixOnKeyframe(t *testing.T) {
	p, err := NewPipeline(1, displayparams.Params{Width: 64, Height: 64, Framerate: 60}, Deps{
		Caps:       h265Caps(),
		Controller: testController(t),
	})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	defer p.Close()

	packets, err := p.RenderFrame(context.Background(), testRequest(1, 1, true))
	if err != nil {
		t.Fatalf("RenderFrame: %v", err)
	}
	if len(packets) == 0 {
		t.Fatalf("expected at least one FramePacket")
	}
	for _, pkt := range packets {
		if pkt.StreamSeq != 1 || pkt.FrameSeq != 1 {
			t.Fatalf("unexpected stream_seq/frame_seq on packet: %+v", pkt)
		}
		if !pkt.IsKeyframe() {
			t.Fatalf("expected FlagKeyframe set on every chunk of a keyframe")
		}
		if !pkt.HasHeaderPrefix() {
			t.Fatalf("expected FlagHeaderPrefix set on every chunk of a keyframe")
		}
	}
}

func TestRenderFrameRejectsCancelledContext(t *testing.T) {
	p, err := NewPipeline(1, displayparams.Params{Width: 64, Height: 64, Framerate: 60}, Deps{
		Caps:       h265Caps(),
		Controller: testController(t),
	})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.RenderFrame(ctx, testRequest(1, 1, true)); err == nil {
		t.Fatalf("expected RenderFrame to reject a cancelled context")
	}
}

func TestRenderFramePTSIsMonotonicAcrossFrameSeq(t *testing.T) {
	p, err := NewPipeline(1, displayparams.Params{Width: 64, Height: 64, Framerate: 60}, Deps{
		Caps:       h265Caps(),
		Controller: testController(t),
	})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	defer p.Close()

	first, err := p.RenderFrame(context.Background(), testRequest(1, 1, true))
	if err != nil {
		t.Fatalf("RenderFrame 1: %v", err)
	}
	second, err := p.RenderFrame(context.Background(), testRequest(1, 2, false))
	if err != nil {
		t.Fatalf("RenderFrame 2: %v", err)
	}
	if first[0].PTS >= second[0].PTS {
		t.Fatalf("expected pts to strictly increase across frame_seq, got %d then %d", first[0].PTS, second[0].PTS)
	}
}
