package gpu

import (
	"math"
	"testing"

	"github.com/colinmarc/magic-mirror/internal/displayparams"
	"github.com/colinmarc/magic-mirror/internal/session/surface"
)

// uniformFrameBuffer builds a FrameBuffer whose every texel is t,
// bypassing Composite for tests that only care about Convert's math.
func uniformFrameBuffer(width, height int, profile displayparams.OutputProfile, t texel) FrameBuffer {
	pixels := make([]texel, width*height)
	for i := range pixels {
		pixels[i] = t
	}
	return FrameBuffer{Width: width, Height: height, Profile: profile, pixels: pixels}
}

func TestConvertProducesCorrectlySizedNV12Buffer(t *testing.T) {
	fb := uniformFrameBuffer(64, 32, displayparams.ProfileHD, texel{r: 0.5, g: 0.5, b: 0.5, a: 1})
	out := Convert(fb)

	want := nv12Size(64, 32)
	if len(out.NV12) != want {
		t.Fatalf("expected NV12 buffer of length %d, got %d", want, len(out.NV12))
	}
}

func TestConvertIsNarrowRange(t *testing.T) {
	fb := uniformFrameBuffer(16, 16, displayparams.ProfileHD, texel{r: 0.9, g: 0.1, b: 0.6, a: 1})
	out := Convert(fb)

	ySize := fb.Width * fb.Height
	for i, b := range out.NV12[:ySize] {
		if b < 16 || b > 235 {
			t.Fatalf("Y sample %d out of narrow range: %d", i, b)
		}
	}
	for i, b := range out.NV12[ySize:] {
		if b < 16 || b > 240 {
			t.Fatalf("UV sample %d out of narrow range: %d", i, b)
		}
	}
}

func TestConvertIsDeterministicForSameInput(t *testing.T) {
	fb := uniformFrameBuffer(32, 32, displayparams.ProfileHD, texel{r: 0.3, g: 0.4, b: 0.5, a: 1})
	out1 := Convert(fb)
	out2 := Convert(fb)

	if string(out1.NV12) != string(out2.NV12) {
		t.Fatalf("expected identical input to produce identical NV12 bytes")
	}
}

func TestConvertDiffersForDifferentContent(t *testing.T) {
	fb1 := uniformFrameBuffer(32, 32, displayparams.ProfileHD, texel{r: 0.1, g: 0.1, b: 0.1, a: 1})
	fb2 := uniformFrameBuffer(32, 32, displayparams.ProfileHD, texel{r: 0.9, g: 0.9, b: 0.9, a: 1})

	if string(Convert(fb1).NV12) == string(Convert(fb2).NV12) {
		t.Fatalf("expected different pixel content to produce different NV12 bytes")
	}
}

func TestHDRScaleFactorMatchesProfile(t *testing.T) {
	if got := hdrScaleFactor(displayparams.ProfileHD); got != 1.0 {
		t.Fatalf("expected SDR scale factor 1.0, got %v", got)
	}
	if got := hdrScaleFactor(displayparams.ProfileHDR10); got == 1.0 {
		t.Fatalf("expected HDR10 scale factor to differ from 1.0")
	}
}

// TestColorRoundTripWithinOneCodePerChannel grounds testable property 7:
// a uniform HD/BT.709 surface, composited then converted, decodes back
// (via the matrix's inverse and the sRGB EOTF) to within 1 code value
// per 8-bit channel of its original input.
func TestColorRoundTripWithinOneCodePerChannel(t *testing.T) {
	const r8, g8, b8 = 180, 90, 30

	tree := surface.NewTree()
	committedPixelSurface(t, tree, 4, 4, surface.ColorSpaceSRGB, r8, g8, b8, 255)
	fb := Composite(tree.BottomToTop(), displayparams.ProfileHD, 4, 4)
	out := Convert(fb)

	ySize := fb.Width * fb.Height
	y := out.NV12[1*fb.Width+1]
	uvRow := 0
	uvCol := 0
	uvBase := ySize + uvRow*fb.Width + uvCol*2
	cb, cr := out.NV12[uvBase], out.NV12[uvBase+1]

	rp, gp, bp := bt709Matrix.decode(y, cb, cr)
	gotR := clampToByte(rp * 255)
	gotG := clampToByte(gp * 255)
	gotB := clampToByte(bp * 255)

	for _, pair := range [][2]int{{int(gotR), r8}, {int(gotG), g8}, {int(gotB), b8}} {
		if math.Abs(float64(pair[0]-pair[1])) > 1 {
			t.Fatalf("round-trip channel mismatch: got %d, want within 1 of %d", pair[0], pair[1])
		}
	}
}
