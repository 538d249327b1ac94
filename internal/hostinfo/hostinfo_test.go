package hostinfo

import (
	"testing"

	"github.com/colinmarc/magic-mirror/internal/gpu/vk"
)

func TestCollectNeverPanics(t *testing.T) {
	// Best-effort: a zero Snapshot is an acceptable result in a
	// sandboxed CI environment lacking /proc, but the call must not
	// panic or block indefinitely.
	_ = Collect()
}

func TestCheckHardwareEncoderAcceptsCapableDevice(t *testing.T) {
	caps := vk.DeviceCaps{Name: "test-gpu", VideoOps: vk.VideoCodecOperationEncodeH265}
	if err := CheckHardwareEncoder(caps); err != nil {
		t.Fatalf("CheckHardwareEncoder: %v", err)
	}
}

func TestCheckHardwareEncoderRejectsIncapableDevice(t *testing.T) {
	caps := vk.DeviceCaps{Name: "test-gpu"}
	if err := CheckHardwareEncoder(caps); err == nil {
		t.Fatal("expected an error for a device with no H.265 encode support")
	}
}
