package fec

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestParseRatio(t *testing.T) {
	got, err := ParseRatio("10:2")
	if err != nil {
		t.Fatalf("ParseRatio: %v", err)
	}
	if got != (Ratio{K: 10, R: 2}) {
		t.Errorf("got %+v, want {10 2}", got)
	}
	if _, err := ParseRatio("bogus"); err == nil {
		t.Fatal("expected error for malformed ratio")
	}
}

// TestRatioFromFloatMatchesScenarioS4 grounds testable scenario S4:
// video_fec_ratios=[0.25] against a 10-chunk frame yields r=3 (ceil(2.5)),
// so 20% loss (2 of 13 chunks) reconstructs while 40% (5 of 13) doesn't.
func TestRatioFromFloatMatchesScenarioS4(t *testing.T) {
	got, err := RatioFromFloat(10, 0.25)
	if err != nil {
		t.Fatalf("RatioFromFloat: %v", err)
	}
	if got != (Ratio{K: 10, R: 3}) {
		t.Errorf("got %+v, want {10 3}", got)
	}
}

func TestRatioFromFloatZeroIsUnprotected(t *testing.T) {
	got, err := RatioFromFloat(10, 0)
	if err != nil {
		t.Fatalf("RatioFromFloat: %v", err)
	}
	if got.R != 0 {
		t.Errorf("R = %d, want 0 for a zero ratio", got.R)
	}
}

func TestRatioFromFloatRejectsNonPositiveK(t *testing.T) {
	if _, err := RatioFromFloat(0, 0.25); err == nil {
		t.Fatal("expected error for non-positive k")
	}
}

func TestEncodeDecodeRoundTripNoLoss(t *testing.T) {
	payload := bytes.Repeat([]byte("frame-data-"), 500)
	ratio := Ratio{K: 10, R: 2}

	enc, err := NewEncoder(ratio)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	shards, err := enc.Encode(payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(shards) != ratio.Total() {
		t.Fatalf("got %d shards, want %d", len(shards), ratio.Total())
	}

	received := make(map[int][]byte, len(shards))
	for _, s := range shards {
		received[s.Index] = s.Data
	}

	dec, err := NewDecoder(ratio)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	got, err := dec.Reconstruct(received, len(payload))
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("reconstructed payload does not match original")
	}
}

// TestReconstructSurvives20PercentLoss grounds testable property S4:
// dropping 20% of a frame's chunks under a 16:4 (20% repair) ratio
// must still reconstruct, since exactly k of k+r chunks arrived.
func TestReconstructSurvives20PercentLoss(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 4096)
	ratio := Ratio{K: 16, R: 4} // 20 total chunks; losing 4 (20%) still leaves 16 = k

	enc, _ := NewEncoder(ratio)
	shards, err := enc.Encode(payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	rng := rand.New(rand.NewSource(7))
	dropped := map[int]bool{}
	for len(dropped) < 4 {
		dropped[rng.Intn(ratio.Total())] = true
	}

	received := make(map[int][]byte)
	for _, s := range shards {
		if dropped[s.Index] {
			continue
		}
		received[s.Index] = s.Data
	}

	dec, _ := NewDecoder(ratio)
	got, err := dec.Reconstruct(received, len(payload))
	if err != nil {
		t.Fatalf("Reconstruct with 20%% loss: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("reconstructed payload mismatch after 20% loss")
	}
}

func TestReconstructFailsBelowK(t *testing.T) {
	payload := bytes.Repeat([]byte("y"), 1024)
	ratio := Ratio{K: 10, R: 2}

	enc, _ := NewEncoder(ratio)
	shards, _ := enc.Encode(payload)

	received := make(map[int][]byte)
	for _, s := range shards[:9] { // only 9 of 12, need 10
		received[s.Index] = s.Data
	}

	dec, _ := NewDecoder(ratio)
	if _, err := dec.Reconstruct(received, len(payload)); err == nil {
		t.Fatal("expected reconstruction to fail with fewer than k shards")
	}
}

func TestNoFECFallsBackToPlainSplit(t *testing.T) {
	payload := []byte("0123456789")
	ratio := Ratio{K: 5, R: 0}

	enc, err := NewEncoder(ratio)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	shards, err := enc.Encode(payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(shards) != 5 {
		t.Fatalf("got %d shards, want 5", len(shards))
	}

	received := make(map[int][]byte)
	for _, s := range shards {
		received[s.Index] = s.Data
	}
	dec, _ := NewDecoder(ratio)
	got, err := dec.Reconstruct(received, len(payload))
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("no-FEC round trip mismatch")
	}
}
