// Package audio implements the Audio Pipeline from spec §4.6: Opus
// encode aligned to the session clock, packetised onto the same
// FramePacket framing the GPU pipeline uses for video (distinguished by
// wire.StreamKind).
package audio

import "github.com/colinmarc/magic-mirror/internal/logging"

var log = logging.L("audio")
