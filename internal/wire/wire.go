// Package wire implements the control-stream envelope and media-frame
// wire formats from spec §6: length-prefixed protobuf envelopes for
// RPCs on control streams, and a compact FramePacket framing for media
// streams and datagrams. Messages are hand-encoded with
// google.golang.org/protobuf/encoding/protowire's low-level varint/tag
// helpers rather than generated from a .proto file, since this
// environment has no protoc — the wire bytes are genuine protobuf wire
// format, just written and parsed by hand.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MessageType tags the payload carried by an Envelope, since the
// control-stream RPCs are dispatched by type rather than by a
// generated oneof.
type MessageType uint32

const (
	MessageUnknown MessageType = iota
	MessageAttach
	MessageDetach
	MessageKeepAlive // deprecated, no-op; kept for protocol compatibility
	MessageSessionParams
	MessageListApplications
	MessageApplicationList
	MessageAttached
	MessageError
	MessageAttachmentEnded
	MessageCursorUpdate
	MessageSessionParametersChanged
	MessageInputEvent
	MessageNetworkReport
)

func (t MessageType) String() string {
	switch t {
	case MessageAttach:
		return "Attach"
	case MessageDetach:
		return "Detach"
	case MessageKeepAlive:
		return "KeepAlive"
	case MessageSessionParams:
		return "SessionParams"
	case MessageListApplications:
		return "ListApplications"
	case MessageApplicationList:
		return "ApplicationList"
	case MessageAttached:
		return "Attached"
	case MessageError:
		return "Error"
	case MessageAttachmentEnded:
		return "AttachmentEnded"
	case MessageCursorUpdate:
		return "CursorUpdate"
	case MessageSessionParametersChanged:
		return "SessionParametersChanged"
	case MessageInputEvent:
		return "InputEvent"
	case MessageNetworkReport:
		return "NetworkReport"
	default:
		return "Unknown"
	}
}

// Envelope field numbers.
const (
	envelopeFieldType    protowire.Number = 1
	envelopeFieldPayload protowire.Number = 2
)

// Envelope wraps a single control-stream message with its type tag.
type Envelope struct {
	Type    MessageType
	Payload []byte
}

// Marshal encodes the envelope in protobuf wire format.
func (e Envelope) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, envelopeFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Type))
	b = protowire.AppendTag(b, envelopeFieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	return b
}

// UnmarshalEnvelope decodes an Envelope from protobuf wire format.
// Unknown fields are skipped rather than rejected, matching proto3
// forward-compatibility; any malformed varint/tag/length returns an
// error rather than panicking, so that a corrupt or fuzzed control
// stream only resets that stream (testable property, spec §8 S6).
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Envelope{}, fmt.Errorf("wire: invalid envelope tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == envelopeFieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Envelope{}, fmt.Errorf("wire: invalid envelope type varint: %w", protowire.ParseError(n))
			}
			env.Type = MessageType(v)
			data = data[n:]
		case num == envelopeFieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Envelope{}, fmt.Errorf("wire: invalid envelope payload: %w", protowire.ParseError(n))
			}
			env.Payload = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Envelope{}, fmt.Errorf("wire: invalid envelope field: %w", protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return env, nil
}

// maxEnvelopeLen bounds the length prefix read from a control stream so
// a corrupt or malicious peer cannot make the server allocate an
// unbounded buffer.
const maxEnvelopeLen = 4 << 20 // 4 MiB

// WriteEnvelope writes a uint32-length-prefixed Envelope to w. Control
// streams are framed this way (rather than with protobuf's own
// embedded-length convention) so a reader can size its buffer before
// parsing.
func WriteEnvelope(w io.Writer, env Envelope) error {
	body := env.Marshal()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write envelope length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write envelope body: %w", err)
	}
	return nil
}

// ReadEnvelope reads one length-prefixed Envelope from r.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Envelope{}, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length > maxEnvelopeLen {
		return Envelope{}, fmt.Errorf("wire: envelope length %d exceeds maximum %d", length, maxEnvelopeLen)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("wire: read envelope body: %w", err)
	}
	return UnmarshalEnvelope(body)
}
