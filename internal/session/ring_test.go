package session

import (
	"testing"

	"github.com/colinmarc/magic-mirror/internal/wire"
)

func drainAll(t *testing.T, ch <-chan wire.FramePacket) []wire.FramePacket {
	t.Helper()
	var out []wire.FramePacket
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, p)
		default:
			return out
		}
	}
}

func TestPublishFansOutToEverySubscriber(t *testing.T) {
	r := NewMediaRing()
	a := r.Subscribe(1)
	b := r.Subscribe(2)

	r.Publish(wire.FramePacket{FrameSeq: 1})

	if got := drainAll(t, a); len(got) != 1 {
		t.Fatalf("subscriber a got %d packets, want 1", len(got))
	}
	if got := drainAll(t, b); len(got) != 1 {
		t.Fatalf("subscriber b got %d packets, want 1", len(got))
	}
}

func TestPublishDropsNonKeyframesBeforeKeyframeWhenFull(t *testing.T) {
	r := NewMediaRing()
	sub := r.Subscribe(1)

	// Fill the ring: one keyframe followed by a long inter-frame run.
	r.Publish(wire.FramePacket{FrameSeq: 1, Flags: wire.FlagKeyframe})
	for i := 0; i < ringBufferSize+10; i++ {
		r.Publish(wire.FramePacket{FrameSeq: uint64(i + 2)})
	}

	got := drainAll(t, sub)
	if len(got) == 0 {
		t.Fatal("expected some packets to survive backpressure")
	}
	if !got[0].IsKeyframe() {
		t.Fatalf("expected the surviving keyframe to be kept at the front, got %+v", got[0])
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	r := NewMediaRing()
	sub := r.Subscribe(1)
	r.Unsubscribe(1)

	if _, ok := <-sub; ok {
		t.Fatal("expected channel to be closed after Unsubscribe")
	}
	if r.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", r.SubscriberCount())
	}
}

func TestCloseAllClosesEverySubscriber(t *testing.T) {
	r := NewMediaRing()
	a := r.Subscribe(1)
	b := r.Subscribe(2)
	r.CloseAll()

	if _, ok := <-a; ok {
		t.Fatal("expected a's channel closed")
	}
	if _, ok := <-b; ok {
		t.Fatal("expected b's channel closed")
	}
}
