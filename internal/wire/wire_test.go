package wire

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	attach := Attach{
		Application: "steam",
		Width:       1920,
		Height:      1080,
		Framerate:   60,
		UIScale:     1.0,
		Profile:     ProfileHD,
		Codec:       "h264",
	}
	env := Envelope{Type: MessageAttach, Payload: attach.Marshal()}

	var buf bytes.Buffer
	if err := WriteEnvelope(&buf, env); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}

	got, err := ReadEnvelope(&buf)
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if got.Type != MessageAttach {
		t.Fatalf("Type = %v, want MessageAttach", got.Type)
	}

	decoded, err := UnmarshalAttach(got.Payload)
	if err != nil {
		t.Fatalf("UnmarshalAttach: %v", err)
	}
	if decoded != attach {
		t.Errorf("round-trip mismatch: got %+v, want %+v", decoded, attach)
	}
}

func TestApplicationListRoundTrip(t *testing.T) {
	list := ApplicationList{Applications: []ApplicationListEntry{
		{Name: "steam", Description: "Steam", HeaderImagePath: "/img/steam.png"},
		{Name: "desktop", Description: "Plain desktop"},
	}}

	decoded, err := UnmarshalApplicationList(list.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalApplicationList: %v", err)
	}
	if len(decoded.Applications) != 2 {
		t.Fatalf("got %d applications, want 2", len(decoded.Applications))
	}
	if decoded.Applications[0] != list.Applications[0] {
		t.Errorf("entry 0 mismatch: got %+v, want %+v", decoded.Applications[0], list.Applications[0])
	}
}

func TestFramePacketRoundTrip(t *testing.T) {
	p := FramePacket{
		StreamSeq:         1,
		FrameSeq:          42,
		PTS:               16666,
		HierarchicalLayer: 0,
		Flags:             FlagKeyframe | FlagHeaderPrefix,
		ChunkIndex:        0,
		TotalChunks:       4,
		FECIndex:          0,
		FECTotal:          6,
		Payload:           []byte{0x00, 0x00, 0x00, 0x01, 0x67},
	}

	decoded, err := UnmarshalFramePacket(p.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalFramePacket: %v", err)
	}
	if decoded.StreamSeq != p.StreamSeq || decoded.FrameSeq != p.FrameSeq {
		t.Errorf("round-trip mismatch: got %+v, want %+v", decoded, p)
	}
	if !decoded.IsKeyframe() || !decoded.HasHeaderPrefix() {
		t.Errorf("expected keyframe+header-prefix flags to survive round trip")
	}
	if decoded.IsRepair() {
		t.Errorf("chunk 0 of 4 must not be classified as repair")
	}
}

func TestFramePacketStreamKindRoundTrip(t *testing.T) {
	video := FramePacket{StreamKind: StreamKindVideo, StreamSeq: 1, TotalChunks: 1, FECTotal: 1, Payload: []byte{1}}
	audio := FramePacket{StreamKind: StreamKindAudio, StreamSeq: 1, TotalChunks: 1, FECTotal: 1, Payload: []byte{2}}

	gotVideo, err := UnmarshalFramePacket(video.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalFramePacket(video): %v", err)
	}
	if gotVideo.StreamKind != StreamKindVideo {
		t.Errorf("video StreamKind = %v, want %v", gotVideo.StreamKind, StreamKindVideo)
	}

	gotAudio, err := UnmarshalFramePacket(audio.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalFramePacket(audio): %v", err)
	}
	if gotAudio.StreamKind != StreamKindAudio {
		t.Errorf("audio StreamKind = %v, want %v", gotAudio.StreamKind, StreamKindAudio)
	}
}

func TestFramePacketRejectsZeroStreamSeq(t *testing.T) {
	p := FramePacket{StreamSeq: 0, TotalChunks: 1, FECTotal: 1, Payload: []byte{1}}
	if _, err := UnmarshalFramePacket(p.Marshal()); err == nil {
		t.Fatal("expected an error for stream_seq == 0")
	}
}

func TestFuzzedControlStreamNeverPanics(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		buf := make([]byte, rng.Intn(256))
		rng.Read(buf)

		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("UnmarshalEnvelope panicked on fuzzed input %x: %v", buf, r)
				}
			}()
			env, err := UnmarshalEnvelope(buf)
			if err != nil {
				return
			}
			// Also exercise sub-message parsing on whatever payload fell out.
			_, _ = UnmarshalAttach(env.Payload)
			_, _ = UnmarshalFramePacket(env.Payload)
		}()
	}
}

func TestWriteReadFramePacketRoundTrip(t *testing.T) {
	p := FramePacket{StreamSeq: 1, FrameSeq: 3, TotalChunks: 2, FECTotal: 2, Payload: []byte{9, 9, 9}}

	var buf bytes.Buffer
	if err := WriteFramePacket(&buf, p); err != nil {
		t.Fatalf("WriteFramePacket: %v", err)
	}
	// Write a second packet to confirm length-prefix framing finds the boundary.
	p2 := FramePacket{StreamSeq: 1, FrameSeq: 4, TotalChunks: 2, FECTotal: 2, Payload: []byte{1}}
	if err := WriteFramePacket(&buf, p2); err != nil {
		t.Fatalf("WriteFramePacket (second): %v", err)
	}

	got1, err := ReadFramePacket(&buf)
	if err != nil {
		t.Fatalf("ReadFramePacket (first): %v", err)
	}
	if got1.FrameSeq != 3 {
		t.Errorf("first FrameSeq = %d, want 3", got1.FrameSeq)
	}

	got2, err := ReadFramePacket(&buf)
	if err != nil {
		t.Fatalf("ReadFramePacket (second): %v", err)
	}
	if got2.FrameSeq != 4 {
		t.Errorf("second FrameSeq = %d, want 4", got2.FrameSeq)
	}
}

func TestFecIndexMarksRepairChunk(t *testing.T) {
	p := FramePacket{TotalChunks: 4, FECIndex: 5}
	if !p.IsRepair() {
		t.Fatal("fec_index >= total_chunks must be classified as repair")
	}
}
