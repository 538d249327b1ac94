// Package vk models the single Vulkan queue family this server's GPU
// pipeline submits compute, graphics, and video-encode work to (spec
// §4.5: "A single Vulkan queue family is used for compute, graphics,
// and video encode"). It mirrors the call shape of
// github.com/vulkan-go/vulkan (handle types, a Submit-with-fence
// pattern, capability queries returning a result code) without cgo or a
// live driver: there is no GPU in this exercise, so a Device here
// tracks submitted work deterministically instead of programming real
// hardware. See DESIGN.md for why this boundary exists and where a
// real binding would replace it.
package vk

import (
	"errors"
	"sync"
	"sync/atomic"
)

// Result mirrors vulkan-go/vulkan's VkResult return convention: zero is
// success, nonzero values are specific failure codes.
type Result int32

const (
	Success Result = 0
	ErrorDeviceLost Result = -4
	ErrorFeatureNotPresent Result = -8
)

func (r Result) Error() string {
	switch r {
	case Success:
		return "VK_SUCCESS"
	case ErrorDeviceLost:
		return "VK_ERROR_DEVICE_LOST"
	case ErrorFeatureNotPresent:
		return "VK_ERROR_FEATURE_NOT_PRESENT"
	default:
		return "VK_ERROR_UNKNOWN"
	}
}

// VideoCodecOperation identifies which hardware video-encode extension
// a queue family must advertise (VK_KHR_video_encode_h264 /
// VK_KHR_video_encode_h265). This server only ever requests H.265 (spec
// §4.5).
type VideoCodecOperation uint32

const (
	VideoCodecOperationNone VideoCodecOperation = 0
	VideoCodecOperationEncodeH265 VideoCodecOperation = 1 << 0
)

// DeviceCaps reports what a physical device's queue family advertises.
// The caller supplies it to Open; a live driver would report it via
// vkGetPhysicalDeviceVideoCapabilitiesKHR. HasHardwareEncoder is the
// gate spec §4.5 requires at startup ("If a hardware encoder is not
// available the server refuses to start").
type DeviceCaps struct {
	Name                 string
	VideoOps             VideoCodecOperation
	MaxHierarchicalLayers int
	DPBAlignment         int // required width/height alignment for DPB images
}

func (c DeviceCaps) HasHardwareEncoder() bool {
	return c.VideoOps&VideoCodecOperationEncodeH265 != 0
}

// ErrNoSuitableDevice is returned by Open when the supplied caps do
// not advertise H.265 encode support.
var ErrNoSuitableDevice = errors.New("vk: no device with VK_KHR_video_encode_h265 support")

// Device is a handle to the selected physical+logical device pair and
// its single queue family. A Device exposes only Caps, Submit, Wait and
// Close, none of which hand out Vulkan structures: nothing above the GPU
// pipeline touches them directly (spec §5: "no lock is ever held
// across a GPU submit").
type Device struct {
	caps DeviceCaps

	mu         sync.Mutex
	submitted  atomic.Uint64
	lastFence  uint64
}

// Open selects a device meeting the required caps. In the absence of a
// live driver it succeeds for any caller-supplied caps value that
// advertises H.265 encode (and returns ErrNoSuitableDevice otherwise),
// modeling "device selection" as configuration rather than hardware
// enumeration (see DESIGN.md).
func Open(caps DeviceCaps) (*Device, error) {
	if !caps.HasHardwareEncoder() {
		return nil, ErrNoSuitableDevice
	}
	if caps.DPBAlignment <= 0 {
		caps.DPBAlignment = 16
	}
	return &Device{caps: caps}, nil
}

// Caps returns the device's reported capabilities.
func (d *Device) Caps() DeviceCaps { return d.caps }

// Fence is an opaque timeline-semaphore value a submission can be
// awaited on (vkWaitSemaphores / VK_KHR_timeline_semaphore shape).
type Fence uint64

// Submit enqueues one unit of GPU work (a composite blit, a convert
// compute dispatch, or a video-encode operation) and returns the fence
// value the caller can wait on. Never blocks past constructing the
// fence — there is no live queue to drain in this exercise.
func (d *Device) Submit(fn func() error) (Fence, error) {
	if err := fn(); err != nil {
		return 0, err
	}
	n := d.submitted.Add(1)
	d.mu.Lock()
	d.lastFence = n
	d.mu.Unlock()
	return Fence(n), nil
}

// Wait blocks until the given fence has been submitted. Since Submit is
// synchronous in this model, Wait never actually blocks; it exists so
// callers are written against the real wait-for-fence shape.
func (d *Device) Wait(f Fence) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if uint64(f) > d.lastFence {
		return errors.New("vk: wait on a fence that was never submitted")
	}
	return nil
}

// Close releases the device. A no-op placeholder here, present for
// callers that defer Close() the way a real Vulkan binding requires.
func (d *Device) Close() error { return nil }
