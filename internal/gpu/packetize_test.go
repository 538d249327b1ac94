package gpu

import (
	"bytes"
	"testing"

	"github.com/colinmarc/magic-mirror/internal/transport/fec"
	"github.com/colinmarc/magic-mirror/internal/wire"
)

func TestPacketiseProducesKPlusRChunksWithSharedFrameSeq(t *testing.T) {
	pk, err := NewPacketiser(fec.Ratio{K: 4, R: 2})
	if err != nil {
		t.Fatalf("NewPacketiser: %v", err)
	}

	payload := bytes.Repeat([]byte{0xAB}, 1024)
	packets, err := pk.Packetise(payload, 1, 7, 1_000, 0, wire.FlagKeyframe)
	if err != nil {
		t.Fatalf("Packetise: %v", err)
	}
	if len(packets) != 6 {
		t.Fatalf("expected 6 chunks (4 source + 2 repair), got %d", len(packets))
	}
	for _, p := range packets {
		if p.StreamSeq != 1 || p.FrameSeq != 7 {
			t.Fatalf("expected shared stream_seq/frame_seq, got %+v", p)
		}
		if p.TotalChunks != 4 {
			t.Fatalf("expected TotalChunks 4, got %d", p.TotalChunks)
		}
	}
}

func TestPacketiseMarksRepairChunksByFECIndex(t *testing.T) {
	pk, err := NewPacketiser(fec.Ratio{K: 3, R: 2})
	if err != nil {
		t.Fatalf("NewPacketiser: %v", err)
	}

	packets, err := pk.Packetise([]byte("some frame payload data"), 1, 1, 0, 0, 0)
	if err != nil {
		t.Fatalf("Packetise: %v", err)
	}

	var source, repair int
	for _, p := range packets {
		if p.IsRepair() {
			repair++
		} else {
			source++
		}
	}
	if source != 3 || repair != 2 {
		t.Fatalf("expected 3 source + 2 repair chunks, got %d source, %d repair", source, repair)
	}
}

func TestPacketiseNoFECStillSplitsIntoKChunks(t *testing.T) {
	pk, err := NewPacketiser(fec.Ratio{K: 2, R: 0})
	if err != nil {
		t.Fatalf("NewPacketiser: %v", err)
	}

	packets, err := pk.Packetise([]byte("abcdefgh"), 1, 1, 0, 0, 0)
	if err != nil {
		t.Fatalf("Packetise: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("expected 2 source chunks with no FEC, got %d", len(packets))
	}
	for _, p := range packets {
		if p.IsRepair() {
			t.Fatalf("did not expect any repair chunk with r=0")
		}
	}
}
