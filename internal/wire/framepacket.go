package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Flag bits for FramePacket.Flags (spec §6).
const (
	FlagKeyframe     uint8 = 1 << 0
	FlagHeaderPrefix uint8 = 1 << 1
)

// StreamKind tags which media a FramePacket carries. Video and audio
// share one wire framing and one packetise/FEC code path (spec §4.6:
// pts shares a single attachment epoch across both), so a subscriber
// demultiplexes the ring by this field rather than the session opening
// a second media stream per attachment. The zero value is video, so
// every FramePacket built before audio existed keeps encoding/decoding
// identically.
type StreamKind uint8

const (
	StreamKindVideo StreamKind = iota
	StreamKindAudio
)

func (k StreamKind) String() string {
	switch k {
	case StreamKindVideo:
		return "video"
	case StreamKindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// FramePacket is the media framing used on video/audio streams and
// datagrams: one source or FEC-repair chunk of an encoded frame.
// FecIndex >= TotalChunks marks a repair chunk (spec §6).
type FramePacket struct {
	StreamKind        StreamKind
	StreamSeq         uint64
	FrameSeq          uint64
	PTS               uint64
	HierarchicalLayer uint8
	Flags             uint8
	ChunkIndex        uint16
	TotalChunks       uint16
	FECIndex          uint16
	FECTotal          uint16
	Payload           []byte
}

// IsKeyframe reports whether FlagKeyframe is set.
func (p FramePacket) IsKeyframe() bool { return p.Flags&FlagKeyframe != 0 }

// HasHeaderPrefix reports whether the payload carries codec parameter
// sets (SPS/PPS/VPS) before the VCL data.
func (p FramePacket) HasHeaderPrefix() bool { return p.Flags&FlagHeaderPrefix != 0 }

// IsRepair reports whether this chunk is FEC repair data rather than a
// source chunk.
func (p FramePacket) IsRepair() bool { return p.FECIndex >= p.TotalChunks }

const (
	fpFieldStreamSeq  protowire.Number = 1
	fpFieldFrameSeq   protowire.Number = 2
	fpFieldPTS        protowire.Number = 3
	fpFieldHierLayer  protowire.Number = 4
	fpFieldFlags      protowire.Number = 5
	fpFieldChunkIndex protowire.Number = 6
	fpFieldTotalChunks protowire.Number = 7
	fpFieldFECIndex   protowire.Number = 8
	fpFieldFECTotal   protowire.Number = 9
	fpFieldPayload    protowire.Number = 10
	fpFieldStreamKind protowire.Number = 11
)

// Marshal encodes the packet. Marshal does not validate StreamSeq,
// since packets are constructed server-side from already-validated
// state; a zero StreamSeq is rejected only on decode, by
// UnmarshalFramePacket.
func (p FramePacket) Marshal() []byte {
	var b []byte
	b = appendVarint(b, fpFieldStreamSeq, p.StreamSeq)
	b = appendVarint(b, fpFieldFrameSeq, p.FrameSeq)
	b = appendVarint(b, fpFieldPTS, p.PTS)
	b = appendVarint(b, fpFieldHierLayer, uint64(p.HierarchicalLayer))
	b = appendVarint(b, fpFieldFlags, uint64(p.Flags))
	b = appendVarint(b, fpFieldChunkIndex, uint64(p.ChunkIndex))
	b = appendVarint(b, fpFieldTotalChunks, uint64(p.TotalChunks))
	b = appendVarint(b, fpFieldFECIndex, uint64(p.FECIndex))
	b = appendVarint(b, fpFieldFECTotal, uint64(p.FECTotal))
	if len(p.Payload) > 0 {
		b = protowire.AppendTag(b, fpFieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Payload)
	}
	b = appendVarint(b, fpFieldStreamKind, uint64(p.StreamKind))
	return b
}

// UnmarshalFramePacket decodes a packet and rejects StreamSeq == 0,
// which is illegal on the wire (spec §4.1, §8 property 1): a stream
// reset or test hook must never be allowed to smuggle a zero
// stream_seq into the pipeline.
func UnmarshalFramePacket(data []byte) (FramePacket, error) {
	var p FramePacket
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case fpFieldStreamSeq:
			p.StreamSeq = v.varint
		case fpFieldFrameSeq:
			p.FrameSeq = v.varint
		case fpFieldPTS:
			p.PTS = v.varint
		case fpFieldHierLayer:
			p.HierarchicalLayer = uint8(v.varint)
		case fpFieldFlags:
			p.Flags = uint8(v.varint)
		case fpFieldChunkIndex:
			p.ChunkIndex = uint16(v.varint)
		case fpFieldTotalChunks:
			p.TotalChunks = uint16(v.varint)
		case fpFieldFECIndex:
			p.FECIndex = uint16(v.varint)
		case fpFieldFECTotal:
			p.FECTotal = uint16(v.varint)
		case fpFieldPayload:
			p.Payload = append([]byte(nil), v.bytes...)
		case fpFieldStreamKind:
			p.StreamKind = StreamKind(v.varint)
		}
		return nil
	})
	if err != nil {
		return FramePacket{}, err
	}
	if p.StreamSeq == 0 {
		return FramePacket{}, fmt.Errorf("wire: frame packet has illegal stream_seq 0")
	}
	return p, nil
}

// maxFramePacketLen bounds a single chunk's encoded size on the wire;
// media streams carry many packets and a corrupt length must not make
// the reader allocate unbounded memory.
const maxFramePacketLen = 1 << 20 // 1 MiB

// WriteFramePacket writes one length-prefixed FramePacket to a media
// stream, the same uint32-big-endian framing convention the control
// envelope uses (internal/wire.WriteEnvelope).
func WriteFramePacket(w io.Writer, p FramePacket) error {
	body := p.Marshal()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write frame packet length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write frame packet body: %w", err)
	}
	return nil
}

// ReadFramePacket reads one length-prefixed FramePacket from a media
// stream.
func ReadFramePacket(r io.Reader) (FramePacket, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return FramePacket{}, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length > maxFramePacketLen {
		return FramePacket{}, fmt.Errorf("wire: frame packet length %d exceeds maximum %d", length, maxFramePacketLen)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return FramePacket{}, fmt.Errorf("wire: read frame packet body: %w", err)
	}
	return UnmarshalFramePacket(body)
}
