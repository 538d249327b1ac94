package gpu

import (
	"fmt"

	"github.com/colinmarc/magic-mirror/internal/transport/fec"
	"github.com/colinmarc/magic-mirror/internal/wire"
)

// Packetiser splits one encoded frame into FramePackets: fec.K source
// chunks plus fec.R repair chunks (spec §4.5 step 4, §3 FramePacket
// "fec_total - total_chunks repair chunks allow reconstruction of any
// total_chunks of fec_total"). One Packetiser per attachment stream,
// rebuilt whenever the FEC ratio changes (ratectl degrades/upgrades the
// preset and with it the ratio).
type Packetiser struct {
	ratio fec.Ratio
	enc   *fec.Encoder
}

// NewPacketiser builds a Packetiser for the given ratio.
func NewPacketiser(ratio fec.Ratio) (*Packetiser, error) {
	enc, err := fec.NewEncoder(ratio)
	if err != nil {
		return nil, fmt.Errorf("gpu: packetiser: %w", err)
	}
	return &Packetiser{ratio: ratio, enc: enc}, nil
}

// Ratio reports the configured k:r split.
func (p *Packetiser) Ratio() fec.Ratio { return p.ratio }

// Packetise splits payload into k+r chunks and wraps each as a
// FramePacket sharing streamSeq/frameSeq/pts/hierarchicalLayer/flags.
// Per spec §3, fec_index >= total_chunks marks a repair chunk
// (wire.FramePacket.IsRepair).
func (p *Packetiser) Packetise(payload []byte, streamSeq, frameSeq, pts uint64, hierarchicalLayer uint8, flags uint8) ([]wire.FramePacket, error) {
	shards, err := p.enc.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("gpu: packetise frame %d: %w", frameSeq, err)
	}

	k := uint16(p.ratio.K)
	total := uint16(p.ratio.Total())

	out := make([]wire.FramePacket, len(shards))
	for i, s := range shards {
		out[i] = wire.FramePacket{
			StreamSeq:         streamSeq,
			FrameSeq:          frameSeq,
			PTS:               pts,
			HierarchicalLayer: hierarchicalLayer,
			Flags:             flags,
			ChunkIndex:        uint16(s.Index),
			TotalChunks:       k,
			FECIndex:          uint16(s.Index),
			FECTotal:          total,
			Payload:           s.Data,
		}
	}
	return out, nil
}
