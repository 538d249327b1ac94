// Package fec implements the packetiser's forward-error-correction
// layer from spec §4.2/§4.1: splitting an encoded frame into k source
// chunks plus r repair chunks such that any k of the resulting k+r
// chunks reconstruct the original payload (spec §3 FramePacket,
// "fec_total - total_chunks repair chunks allow reconstruction of any
// total_chunks of fec_total").
//
// No Go repository in the reference corpus implements Raptor codes
// specifically; klauspost/reedsolomon is the closest real
// erasure-coding library available (systematic Reed-Solomon gives the
// same k-of-(k+r) reconstruction guarantee the spec asks for) and is
// adopted here instead of hand-rolling one.
package fec

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/klauspost/reedsolomon"
)

// Ratio is a configured k:r pair (spec §6 server.video_fec_ratios,
// e.g. "10:2" meaning 10 source shards, 2 repair shards).
type Ratio struct {
	K int
	R int
}

// ParseRatio parses a "k:r" string as found in server.video_fec_ratios.
func ParseRatio(s string) (Ratio, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Ratio{}, fmt.Errorf("fec: invalid ratio %q, want \"k:r\"", s)
	}
	k, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || k <= 0 {
		return Ratio{}, fmt.Errorf("fec: invalid k in ratio %q", s)
	}
	r, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || r < 0 {
		return Ratio{}, fmt.Errorf("fec: invalid r in ratio %q", s)
	}
	return Ratio{K: k, R: r}, nil
}

// RatioFromFloat builds a Ratio from a source chunk count and a
// server.video_fec_ratios entry (spec §4.1: "For a frame split into k
// source chunks, generate r = ceil(k * ratio) ... repair chunks"). A
// ratio of exactly zero is valid and yields Ratio{K: k, R: 0} (spec
// §4.1: "If the ratio is zero the layer degrades to unprotected").
func RatioFromFloat(k int, ratio float64) (Ratio, error) {
	if k <= 0 {
		return Ratio{}, fmt.Errorf("fec: k must be positive, got %d", k)
	}
	if ratio < 0 {
		return Ratio{}, fmt.Errorf("fec: ratio must be >= 0, got %v", ratio)
	}
	r := int(math.Ceil(float64(k) * ratio))
	return Ratio{K: k, R: r}, nil
}

func (r Ratio) String() string { return fmt.Sprintf("%d:%d", r.K, r.R) }

// Total returns k+r, the number of chunks emitted per frame.
func (r Ratio) Total() int { return r.K + r.R }

// Encoder splits frame payloads into source+repair shards for a fixed
// ratio. One Encoder is reused across frames of the same attachment to
// avoid rebuilding the Vandermonde matrices on every call.
type Encoder struct {
	ratio Ratio
	enc   reedsolomon.Encoder
}

// NewEncoder builds an Encoder for the given ratio. r.R == 0 is valid
// (no FEC, source chunks only) and is handled without invoking
// reedsolomon at all.
func NewEncoder(ratio Ratio) (*Encoder, error) {
	if ratio.K <= 0 {
		return nil, fmt.Errorf("fec: k must be positive, got %d", ratio.K)
	}
	if ratio.R == 0 {
		return &Encoder{ratio: ratio}, nil
	}
	enc, err := reedsolomon.New(ratio.K, ratio.R)
	if err != nil {
		return nil, fmt.Errorf("fec: build encoder for %s: %w", ratio, err)
	}
	return &Encoder{ratio: ratio, enc: enc}, nil
}

// Shard is one chunk of an encoded frame: a FramePacket's payload plus
// the fec_index that identifies it as source (< TotalChunks) or repair
// (>= TotalChunks).
type Shard struct {
	Index int
	Data  []byte
}

// Encode splits payload into Ratio.K source shards and produces
// Ratio.R repair shards, returning k+r Shards in fec_index order. All
// shards (including the last, zero-padded source shard) are the same
// length, which the caller carries as payload length per FramePacket
// for reconstruction.
func (e *Encoder) Encode(payload []byte) ([]Shard, error) {
	if e.ratio.R == 0 {
		return splitNoFEC(payload, e.ratio.K), nil
	}

	dataShards, err := e.enc.Split(payload)
	if err != nil {
		return nil, fmt.Errorf("fec: split payload: %w", err)
	}

	shards := make([][]byte, e.ratio.Total())
	copy(shards, dataShards)
	shardLen := len(dataShards[0])
	for i := e.ratio.K; i < e.ratio.Total(); i++ {
		shards[i] = make([]byte, shardLen)
	}

	if err := e.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("fec: encode parity: %w", err)
	}

	out := make([]Shard, len(shards))
	for i, s := range shards {
		out[i] = Shard{Index: i, Data: s}
	}
	return out, nil
}

// splitNoFEC is used when r == 0: straightforward zero-padded equal
// splitting, with no parity shards to compute.
func splitNoFEC(payload []byte, k int) []Shard {
	shardLen := (len(payload) + k - 1) / k
	if shardLen == 0 {
		shardLen = 1
	}
	out := make([]Shard, k)
	for i := 0; i < k; i++ {
		start := i * shardLen
		end := start + shardLen
		data := make([]byte, shardLen)
		if start < len(payload) {
			if end > len(payload) {
				end = len(payload)
			}
			copy(data, payload[start:end])
		}
		out[i] = Shard{Index: i, Data: data}
	}
	return out
}

// Decoder reconstructs a frame payload from a partial set of shards.
type Decoder struct {
	ratio Ratio
	enc   reedsolomon.Encoder
}

// NewDecoder builds a Decoder for the given ratio.
func NewDecoder(ratio Ratio) (*Decoder, error) {
	if ratio.K <= 0 {
		return nil, fmt.Errorf("fec: k must be positive, got %d", ratio.K)
	}
	if ratio.R == 0 {
		return &Decoder{ratio: ratio}, nil
	}
	enc, err := reedsolomon.New(ratio.K, ratio.R)
	if err != nil {
		return nil, fmt.Errorf("fec: build decoder for %s: %w", ratio, err)
	}
	return &Decoder{ratio: ratio, enc: enc}, nil
}

// Reconstruct rebuilds the original payload of length payloadLen from
// whatever shards were received. received maps fec_index -> shard
// data; any index in [0, Total) missing from the map is treated as
// lost. Returns an error if fewer than K shards were received (spec
// §3: "any total_chunks of fec_total" reconstruct the frame — fewer
// cannot).
func (d *Decoder) Reconstruct(received map[int][]byte, payloadLen int) ([]byte, error) {
	if len(received) < d.ratio.K {
		return nil, fmt.Errorf("fec: %d of %d shards received, need at least %d", len(received), d.ratio.Total(), d.ratio.K)
	}

	if d.ratio.R == 0 {
		return joinNoFEC(received, d.ratio.K, payloadLen)
	}

	shards := make([][]byte, d.ratio.Total())
	for i, data := range received {
		if i < 0 || i >= d.ratio.Total() {
			continue
		}
		shards[i] = data
	}

	if err := d.enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("fec: reconstruct: %w", err)
	}

	var buf bytes.Buffer
	if err := d.enc.Join(&buf, shards, payloadLen); err != nil {
		return nil, fmt.Errorf("fec: join: %w", err)
	}
	return buf.Bytes(), nil
}

func joinNoFEC(received map[int][]byte, k, payloadLen int) ([]byte, error) {
	buf := make([]byte, 0, payloadLen)
	for i := 0; i < k; i++ {
		data, ok := received[i]
		if !ok {
			return nil, fmt.Errorf("fec: shard %d missing and no parity configured", i)
		}
		buf = append(buf, data...)
	}
	if len(buf) > payloadLen {
		buf = buf[:payloadLen]
	}
	return buf, nil
}
