package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Profile mirrors displayparams.OutputProfile on the wire, kept as its
// own small enum here so internal/wire has no dependency on
// internal/displayparams (the control-protocol codec should be usable
// standalone, e.g. from a test harness).
type Profile uint32

const (
	ProfileHD Profile = iota
	ProfileHDR10
)

// Attach is the client's request to attach to (or create) a session.
type Attach struct {
	Application string
	Width       uint32
	Height      uint32
	Framerate   uint32
	UIScale     float64
	Profile     Profile
	Codec       string // "h264", "h265", "av1"
	EnableDatagrams bool
}

const (
	attachFieldApplication protowire.Number = 1
	attachFieldWidth       protowire.Number = 2
	attachFieldHeight      protowire.Number = 3
	attachFieldFramerate   protowire.Number = 4
	attachFieldUIScale     protowire.Number = 5
	attachFieldProfile     protowire.Number = 6
	attachFieldCodec       protowire.Number = 7
	attachFieldDatagrams   protowire.Number = 8
)

func (a Attach) Marshal() []byte {
	var b []byte
	b = appendString(b, attachFieldApplication, a.Application)
	b = appendVarint(b, attachFieldWidth, uint64(a.Width))
	b = appendVarint(b, attachFieldHeight, uint64(a.Height))
	b = appendVarint(b, attachFieldFramerate, uint64(a.Framerate))
	b = appendFixed64(b, attachFieldUIScale, math.Float64bits(a.UIScale))
	b = appendVarint(b, attachFieldProfile, uint64(a.Profile))
	b = appendString(b, attachFieldCodec, a.Codec)
	b = appendBool(b, attachFieldDatagrams, a.EnableDatagrams)
	return b
}

func UnmarshalAttach(data []byte) (Attach, error) {
	var a Attach
	return a, walkFields(data, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case attachFieldApplication:
			a.Application = v.str
		case attachFieldWidth:
			a.Width = uint32(v.varint)
		case attachFieldHeight:
			a.Height = uint32(v.varint)
		case attachFieldFramerate:
			a.Framerate = uint32(v.varint)
		case attachFieldUIScale:
			a.UIScale = math.Float64frombits(v.fixed64)
		case attachFieldProfile:
			a.Profile = Profile(v.varint)
		case attachFieldCodec:
			a.Codec = v.str
		case attachFieldDatagrams:
			a.EnableDatagrams = v.varint != 0
		}
		return nil
	})
}

// Detach ends an attachment; the session itself is unaffected.
type Detach struct {
	AttachmentID uint64
}

const detachFieldAttachmentID protowire.Number = 1

func (d Detach) Marshal() []byte {
	var b []byte
	b = appendVarint(b, detachFieldAttachmentID, d.AttachmentID)
	return b
}

func UnmarshalDetach(data []byte) (Detach, error) {
	var d Detach
	return d, walkFields(data, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		if num == detachFieldAttachmentID {
			d.AttachmentID = v.varint
		}
		return nil
	})
}

// SessionParams requests a parameter change (e.g. resize) on an
// already-attached session.
type SessionParams struct {
	AttachmentID uint64
	Width        uint32
	Height       uint32
	Framerate    uint32
	Refresh      bool // force a keyframe / stream_seq bump
}

const (
	sessionParamsFieldAttachmentID protowire.Number = 1
	sessionParamsFieldWidth        protowire.Number = 2
	sessionParamsFieldHeight       protowire.Number = 3
	sessionParamsFieldFramerate    protowire.Number = 4
	sessionParamsFieldRefresh      protowire.Number = 5
)

func (s SessionParams) Marshal() []byte {
	var b []byte
	b = appendVarint(b, sessionParamsFieldAttachmentID, s.AttachmentID)
	b = appendVarint(b, sessionParamsFieldWidth, uint64(s.Width))
	b = appendVarint(b, sessionParamsFieldHeight, uint64(s.Height))
	b = appendVarint(b, sessionParamsFieldFramerate, uint64(s.Framerate))
	b = appendBool(b, sessionParamsFieldRefresh, s.Refresh)
	return b
}

func UnmarshalSessionParams(data []byte) (SessionParams, error) {
	var s SessionParams
	return s, walkFields(data, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case sessionParamsFieldAttachmentID:
			s.AttachmentID = v.varint
		case sessionParamsFieldWidth:
			s.Width = uint32(v.varint)
		case sessionParamsFieldHeight:
			s.Height = uint32(v.varint)
		case sessionParamsFieldFramerate:
			s.Framerate = uint32(v.varint)
		case sessionParamsFieldRefresh:
			s.Refresh = v.varint != 0
		}
		return nil
	})
}

// ListApplications requests the server's application catalogue.
type ListApplications struct{}

func (ListApplications) Marshal() []byte { return nil }

func UnmarshalListApplications(data []byte) (ListApplications, error) {
	return ListApplications{}, walkFields(data, func(protowire.Number, protowire.Type, fieldValue) error { return nil })
}

// ApplicationListEntry is one catalogue entry as sent to the client.
type ApplicationListEntry struct {
	Name            string
	Description     string
	HeaderImagePath string
}

// ApplicationList is the response to ListApplications.
type ApplicationList struct {
	Applications []ApplicationListEntry
}

const (
	applicationListFieldApps protowire.Number = 1

	appEntryFieldName        protowire.Number = 1
	appEntryFieldDescription protowire.Number = 2
	appEntryFieldHeaderImage protowire.Number = 3
)

func (e ApplicationListEntry) marshal() []byte {
	var b []byte
	b = appendString(b, appEntryFieldName, e.Name)
	b = appendString(b, appEntryFieldDescription, e.Description)
	b = appendString(b, appEntryFieldHeaderImage, e.HeaderImagePath)
	return b
}

func (a ApplicationList) Marshal() []byte {
	var b []byte
	for _, e := range a.Applications {
		b = protowire.AppendTag(b, applicationListFieldApps, protowire.BytesType)
		b = protowire.AppendBytes(b, e.marshal())
	}
	return b
}

func UnmarshalApplicationList(data []byte) (ApplicationList, error) {
	var a ApplicationList
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		if num != applicationListFieldApps {
			return nil
		}
		var e ApplicationListEntry
		err := walkFields(v.bytes, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
			switch num {
			case appEntryFieldName:
				e.Name = v.str
			case appEntryFieldDescription:
				e.Description = v.str
			case appEntryFieldHeaderImage:
				e.HeaderImagePath = v.str
			}
			return nil
		})
		if err != nil {
			return err
		}
		a.Applications = append(a.Applications, e)
		return nil
	})
	return a, err
}

// Attached is the successful response to Attach.
type Attached struct {
	SessionID    uint64
	AttachmentID uint64
	Width        uint32
	Height       uint32
	Framerate    uint32
	EpochMicros  uint64 // shared pts epoch for audio/video sync
}

const (
	attachedFieldSessionID    protowire.Number = 1
	attachedFieldAttachmentID protowire.Number = 2
	attachedFieldWidth        protowire.Number = 3
	attachedFieldHeight       protowire.Number = 4
	attachedFieldFramerate    protowire.Number = 5
	attachedFieldEpochMicros  protowire.Number = 6
)

func (a Attached) Marshal() []byte {
	var b []byte
	b = appendVarint(b, attachedFieldSessionID, a.SessionID)
	b = appendVarint(b, attachedFieldAttachmentID, a.AttachmentID)
	b = appendVarint(b, attachedFieldWidth, uint64(a.Width))
	b = appendVarint(b, attachedFieldHeight, uint64(a.Height))
	b = appendVarint(b, attachedFieldFramerate, uint64(a.Framerate))
	b = appendVarint(b, attachedFieldEpochMicros, a.EpochMicros)
	return b
}

func UnmarshalAttached(data []byte) (Attached, error) {
	var a Attached
	return a, walkFields(data, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case attachedFieldSessionID:
			a.SessionID = v.varint
		case attachedFieldAttachmentID:
			a.AttachmentID = v.varint
		case attachedFieldWidth:
			a.Width = uint32(v.varint)
		case attachedFieldHeight:
			a.Height = uint32(v.varint)
		case attachedFieldFramerate:
			a.Framerate = uint32(v.varint)
		case attachedFieldEpochMicros:
			a.EpochMicros = v.varint
		}
		return nil
	})
}

// ErrorMessage is the wire Error{code,message} sent on failure; it
// mirrors internal/servererr.Kind's numeric code without importing that
// package (see Profile's rationale above).
type ErrorMessage struct {
	Code    uint32
	Message string
}

const (
	errorFieldCode    protowire.Number = 1
	errorFieldMessage protowire.Number = 2
)

func (e ErrorMessage) Marshal() []byte {
	var b []byte
	b = appendVarint(b, errorFieldCode, uint64(e.Code))
	b = appendString(b, errorFieldMessage, e.Message)
	return b
}

func UnmarshalErrorMessage(data []byte) (ErrorMessage, error) {
	var e ErrorMessage
	return e, walkFields(data, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case errorFieldCode:
			e.Code = uint32(v.varint)
		case errorFieldMessage:
			e.Message = v.str
		}
		return nil
	})
}

// AttachmentEnded notifies the client that its attachment was torn
// down, with the reason expressed as an ErrorMessage-shaped code (zero
// means a clean Detach-initiated end).
type AttachmentEnded struct {
	AttachmentID uint64
	Code         uint32
	Message      string
}

const (
	attachmentEndedFieldAttachmentID protowire.Number = 1
	attachmentEndedFieldCode         protowire.Number = 2
	attachmentEndedFieldMessage      protowire.Number = 3
)

func (a AttachmentEnded) Marshal() []byte {
	var b []byte
	b = appendVarint(b, attachmentEndedFieldAttachmentID, a.AttachmentID)
	b = appendVarint(b, attachmentEndedFieldCode, uint64(a.Code))
	b = appendString(b, attachmentEndedFieldMessage, a.Message)
	return b
}

func UnmarshalAttachmentEnded(data []byte) (AttachmentEnded, error) {
	var a AttachmentEnded
	return a, walkFields(data, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case attachmentEndedFieldAttachmentID:
			a.AttachmentID = v.varint
		case attachmentEndedFieldCode:
			a.Code = uint32(v.varint)
		case attachmentEndedFieldMessage:
			a.Message = v.str
		}
		return nil
	})
}

// CursorUpdate carries a cursor shape/position change out-of-band from
// the video stream.
type CursorUpdate struct {
	AttachmentID uint64
	X, Y         int32
	Visible      bool
	ShapePNG     []byte // nil if only position changed
}

const (
	cursorFieldAttachmentID protowire.Number = 1
	cursorFieldX            protowire.Number = 2
	cursorFieldY            protowire.Number = 3
	cursorFieldVisible      protowire.Number = 4
	cursorFieldShapePNG     protowire.Number = 5
)

func (c CursorUpdate) Marshal() []byte {
	var b []byte
	b = appendVarint(b, cursorFieldAttachmentID, c.AttachmentID)
	b = appendVarint(b, cursorFieldX, zigzag(int64(c.X)))
	b = appendVarint(b, cursorFieldY, zigzag(int64(c.Y)))
	b = appendBool(b, cursorFieldVisible, c.Visible)
	if len(c.ShapePNG) > 0 {
		b = protowire.AppendTag(b, cursorFieldShapePNG, protowire.BytesType)
		b = protowire.AppendBytes(b, c.ShapePNG)
	}
	return b
}

func UnmarshalCursorUpdate(data []byte) (CursorUpdate, error) {
	var c CursorUpdate
	return c, walkFields(data, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case cursorFieldAttachmentID:
			c.AttachmentID = v.varint
		case cursorFieldX:
			c.X = int32(unzigzag(v.varint))
		case cursorFieldY:
			c.Y = int32(unzigzag(v.varint))
		case cursorFieldVisible:
			c.Visible = v.varint != 0
		case cursorFieldShapePNG:
			c.ShapePNG = append([]byte(nil), v.bytes...)
		}
		return nil
	})
}

// SessionParametersChanged confirms a SessionParams request was applied
// (dimensions may have been normalized, e.g. odd values rounded up).
type SessionParametersChanged struct {
	AttachmentID uint64
	Width        uint32
	Height       uint32
	Framerate    uint32
}

const (
	paramsChangedFieldAttachmentID protowire.Number = 1
	paramsChangedFieldWidth        protowire.Number = 2
	paramsChangedFieldHeight       protowire.Number = 3
	paramsChangedFieldFramerate    protowire.Number = 4
)

func (s SessionParametersChanged) Marshal() []byte {
	var b []byte
	b = appendVarint(b, paramsChangedFieldAttachmentID, s.AttachmentID)
	b = appendVarint(b, paramsChangedFieldWidth, uint64(s.Width))
	b = appendVarint(b, paramsChangedFieldHeight, uint64(s.Height))
	b = appendVarint(b, paramsChangedFieldFramerate, uint64(s.Framerate))
	return b
}

func UnmarshalSessionParametersChanged(data []byte) (SessionParametersChanged, error) {
	var s SessionParametersChanged
	return s, walkFields(data, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case paramsChangedFieldAttachmentID:
			s.AttachmentID = v.varint
		case paramsChangedFieldWidth:
			s.Width = uint32(v.varint)
		case paramsChangedFieldHeight:
			s.Height = uint32(v.varint)
		case paramsChangedFieldFramerate:
			s.Framerate = uint32(v.varint)
		}
		return nil
	})
}

// InputEventKind tags which fields of InputEvent are meaningful, since
// one client-to-server event stream carries every input modality (spec
// §4.2: "keyboard, pointer motion/absolute/relative, pointer button,
// scroll, cursor-lock toggle, gamepad add/remove/state").
type InputEventKind uint32

const (
	InputEventUnknown InputEventKind = iota
	InputEventKey
	InputEventPointerMotion
	InputEventPointerButton
	InputEventPointerScroll
	InputEventPointerLock
	InputEventGamepadConnect
	InputEventGamepadDisconnect
	InputEventGamepadState
)

// InputEvent carries one input event from the client to the session's
// input inbox (spec §4.2). TargetIndex/TargetGeneration identify the
// surface the event targets in the same (index, generation) shape the
// compositor's surface tree uses internally, so a stale reference to an
// already-destroyed surface is detected rather than silently aliasing a
// reused slot.
type InputEvent struct {
	AttachmentID     uint64
	Kind             InputEventKind
	Keysym           uint32
	Modifiers        uint32
	Pressed          bool
	TargetIndex      uint32
	TargetGeneration uint32
	X, Y             float64
	Relative         bool
	Button           uint32
	DeltaX, DeltaY   int32
	Locked           bool
	GamepadSlot      uint32
	GamepadButtons   uint32
	GamepadAxes      []float32
}

const (
	inputEventFieldAttachmentID     protowire.Number = 1
	inputEventFieldKind             protowire.Number = 2
	inputEventFieldKeysym           protowire.Number = 3
	inputEventFieldModifiers        protowire.Number = 4
	inputEventFieldPressed          protowire.Number = 5
	inputEventFieldTargetIndex      protowire.Number = 6
	inputEventFieldTargetGeneration protowire.Number = 7
	inputEventFieldX                protowire.Number = 8
	inputEventFieldY                protowire.Number = 9
	inputEventFieldRelative         protowire.Number = 10
	inputEventFieldButton           protowire.Number = 11
	inputEventFieldDeltaX           protowire.Number = 12
	inputEventFieldDeltaY           protowire.Number = 13
	inputEventFieldLocked           protowire.Number = 14
	inputEventFieldGamepadSlot      protowire.Number = 15
	inputEventFieldGamepadButtons   protowire.Number = 16
	inputEventFieldGamepadAxes      protowire.Number = 17
)

func (e InputEvent) Marshal() []byte {
	var b []byte
	b = appendVarint(b, inputEventFieldAttachmentID, e.AttachmentID)
	b = appendVarint(b, inputEventFieldKind, uint64(e.Kind))
	b = appendVarint(b, inputEventFieldKeysym, uint64(e.Keysym))
	b = appendVarint(b, inputEventFieldModifiers, uint64(e.Modifiers))
	b = appendBool(b, inputEventFieldPressed, e.Pressed)
	b = appendVarint(b, inputEventFieldTargetIndex, uint64(e.TargetIndex))
	b = appendVarint(b, inputEventFieldTargetGeneration, uint64(e.TargetGeneration))
	b = appendFixed64(b, inputEventFieldX, math.Float64bits(e.X))
	b = appendFixed64(b, inputEventFieldY, math.Float64bits(e.Y))
	b = appendBool(b, inputEventFieldRelative, e.Relative)
	b = appendVarint(b, inputEventFieldButton, uint64(e.Button))
	b = appendVarint(b, inputEventFieldDeltaX, zigzag(int64(e.DeltaX)))
	b = appendVarint(b, inputEventFieldDeltaY, zigzag(int64(e.DeltaY)))
	b = appendBool(b, inputEventFieldLocked, e.Locked)
	b = appendVarint(b, inputEventFieldGamepadSlot, uint64(e.GamepadSlot))
	b = appendVarint(b, inputEventFieldGamepadButtons, uint64(e.GamepadButtons))
	for _, axis := range e.GamepadAxes {
		b = protowire.AppendTag(b, inputEventFieldGamepadAxes, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(axis))
	}
	return b
}

func UnmarshalInputEvent(data []byte) (InputEvent, error) {
	var e InputEvent
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case inputEventFieldAttachmentID:
			e.AttachmentID = v.varint
		case inputEventFieldKind:
			e.Kind = InputEventKind(v.varint)
		case inputEventFieldKeysym:
			e.Keysym = uint32(v.varint)
		case inputEventFieldModifiers:
			e.Modifiers = uint32(v.varint)
		case inputEventFieldPressed:
			e.Pressed = v.varint != 0
		case inputEventFieldTargetIndex:
			e.TargetIndex = uint32(v.varint)
		case inputEventFieldTargetGeneration:
			e.TargetGeneration = uint32(v.varint)
		case inputEventFieldX:
			e.X = math.Float64frombits(v.fixed64)
		case inputEventFieldY:
			e.Y = math.Float64frombits(v.fixed64)
		case inputEventFieldRelative:
			e.Relative = v.varint != 0
		case inputEventFieldButton:
			e.Button = uint32(v.varint)
		case inputEventFieldDeltaX:
			e.DeltaX = int32(unzigzag(v.varint))
		case inputEventFieldDeltaY:
			e.DeltaY = int32(unzigzag(v.varint))
		case inputEventFieldLocked:
			e.Locked = v.varint != 0
		case inputEventFieldGamepadSlot:
			e.GamepadSlot = uint32(v.varint)
		case inputEventFieldGamepadButtons:
			e.GamepadButtons = uint32(v.varint)
		case inputEventFieldGamepadAxes:
			e.GamepadAxes = append(e.GamepadAxes, math.Float32frombits(uint32(v.varint)))
		}
		return nil
	})
	return e, err
}

// NetworkReport is a periodic client->server sample of observed RTT
// and fractional packet loss for one attachment's media streams, fed
// into the session's rate controller so it can adjust bitrate/preset/
// FEC ratio (spec §4.1 "rate control"). FractionLost mirrors the RTCP
// "fraction lost" field's scale (a value in [0,1], encoded on the wire
// as the same 0-255 eighths-of-a-percent-free integer RFC 3550 uses
// for rtcp.ReceptionReport.FractionLost) rather than a raw float, so a
// malformed or out-of-range sample can't silently become a negative or
// >1 loss fraction downstream.
type NetworkReport struct {
	AttachmentID uint64
	RTTMicros    uint64
	// FractionLost is in [0,255], same encoding as RFC 3550 §6.4.1's
	// RTCP receiver-report fraction-lost field: 256 * lost/total since
	// the previous report.
	FractionLost uint8
}

const (
	networkReportFieldAttachmentID protowire.Number = 1
	networkReportFieldRTTMicros    protowire.Number = 2
	networkReportFieldFractionLost protowire.Number = 3
)

func (r NetworkReport) Marshal() []byte {
	var b []byte
	b = appendVarint(b, networkReportFieldAttachmentID, r.AttachmentID)
	b = appendVarint(b, networkReportFieldRTTMicros, r.RTTMicros)
	b = appendVarint(b, networkReportFieldFractionLost, uint64(r.FractionLost))
	return b
}

func UnmarshalNetworkReport(data []byte) (NetworkReport, error) {
	var r NetworkReport
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case networkReportFieldAttachmentID:
			r.AttachmentID = v.varint
		case networkReportFieldRTTMicros:
			r.RTTMicros = v.varint
		case networkReportFieldFractionLost:
			r.FractionLost = uint8(v.varint)
		}
		return nil
	})
	return r, err
}

// --- shared low-level helpers ---

type fieldValue struct {
	varint  uint64
	fixed64 uint64
	str     string
	bytes   []byte
}

// walkFields iterates the top-level fields of a protobuf message,
// calling fn with whichever of fieldValue's members matches the wire
// type. It never panics on malformed input: a bad tag, varint, or
// length returns an error immediately so the caller can reset the
// stream instead of crashing (spec §8 S6).
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, v fieldValue) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("wire: invalid field tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		var v fieldValue
		var consumed int
		switch typ {
		case protowire.VarintType:
			val, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("wire: invalid varint field: %w", protowire.ParseError(n))
			}
			v.varint = val
			consumed = n
		case protowire.Fixed64Type:
			val, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return fmt.Errorf("wire: invalid fixed64 field: %w", protowire.ParseError(n))
			}
			v.fixed64 = val
			consumed = n
		case protowire.BytesType:
			val, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("wire: invalid bytes field: %w", protowire.ParseError(n))
			}
			v.bytes = val
			v.str = string(val)
			consumed = n
		case protowire.Fixed32Type:
			val, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return fmt.Errorf("wire: invalid fixed32 field: %w", protowire.ParseError(n))
			}
			v.varint = uint64(val)
			consumed = n
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("wire: invalid field value: %w", protowire.ParseError(n))
			}
			consumed = n
		}
		data = data[consumed:]

		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendFixed64(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}

func zigzag(v int64) uint64  { return uint64((v << 1) ^ (v >> 63)) }
func unzigzag(v uint64) int64 { return int64(v>>1) ^ -int64(v&1) }
