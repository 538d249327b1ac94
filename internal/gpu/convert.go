package gpu

import (
	"encoding/binary"

	"github.com/colinmarc/magic-mirror/internal/displayparams"
)

// ConvertedFrame is the encoder-ready chroma-subsampled plane data (spec
// §4.5 step 2: NV12 4:2:0 semiplanar, narrow-range [16,235]/[16,240]).
type ConvertedFrame struct {
	Width, Height int
	NV12          []byte // Y plane (w*h) followed by interleaved UV (w*h/2)
}

// nv12Size returns the byte length of an NV12 buffer for width x height.
func nv12Size(width, height int) int { return width*height + width*height/2 }

// Convert downsamples the composited framebuffer to NV12 (spec §4.5
// step 2). The matrix applied depends on the output profile: BT.709
// coefficients for HD, BT.709->BT.2020 primaries plus inverse PQ for
// HDR10 (SDR_REFERENCE_WHITE=203 nits against PQ_MAX_WHITE=10000).
// Chroma is box-filtered 2x2 to produce 4:2:0 subsampling, matching the
// average a real NV12 downsample would take rather than nearest-sample
// picking, which would otherwise bias the round-trip on sharp edges.
func Convert(fb FrameBuffer) ConvertedFrame {
	size := nv12Size(fb.Width, fb.Height)
	nv12 := make([]byte, size)

	isHDR := fb.Profile == displayparams.ProfileHDR10
	m := bt709Matrix
	if isHDR {
		m = bt2020Matrix
	}

	ySize := fb.Width * fb.Height
	yPlane := nv12[:ySize]
	uvPlane := nv12[ySize:]

	chromaW := (fb.Width + 1) / 2
	chromaH := (fb.Height + 1) / 2
	chromaSum := make([]struct{ cb, cr float64 }, chromaW*chromaH)
	chromaN := make([]int, chromaW*chromaH)

	for y := 0; y < fb.Height; y++ {
		for x := 0; x < fb.Width; x++ {
			rp, gp, bp := encodeChannels(fb.at(x, y), isHDR)
			yy, cb, cr := m.encode(rp, gp, bp)
			yPlane[y*fb.Width+x] = yy

			ci := (y/2)*chromaW + (x / 2)
			chromaSum[ci].cb += float64(cb)
			chromaSum[ci].cr += float64(cr)
			chromaN[ci]++
		}
	}

	for ci := range chromaSum {
		n := chromaN[ci]
		if n == 0 {
			continue
		}
		cb := clampToByte(chromaSum[ci].cb / float64(n))
		cr := clampToByte(chromaSum[ci].cr / float64(n))
		y := ci / chromaW
		x := ci % chromaW
		i := (y*fb.Width + x*2)
		if i+1 < len(uvPlane) {
			uvPlane[i] = cb
			uvPlane[i+1] = cr
		}
	}

	return ConvertedFrame{Width: fb.Width, Height: fb.Height, NV12: nv12}
}

// encodeChannels takes one premultiplied-linear-BT.709 texel, unpremultiplies
// it against a black background (narrow-range YCbCr has no alpha channel
// of its own), transforms primaries for HDR10 output, and re-encodes with
// the matching OETF (sRGB's, reused for BT.709 per colorspace.go's
// srgbOETF doc comment; PQ's for HDR10).
func encodeChannels(t texel, isHDR bool) (rp, gp, bp float64) {
	r, g, b := t.r, t.g, t.b
	if t.a > 0 {
		r, g, b = r/t.a, g/t.a, b/t.a
	}

	if isHDR {
		c := bt709To2020(rgb{r: r, g: g, b: b})
		return pqOETF(clamp01(c.r)), pqOETF(clamp01(c.g)), pqOETF(clamp01(c.b))
	}
	return srgbOETF(clamp01(r)), srgbOETF(clamp01(g)), srgbOETF(clamp01(b))
}

// hdrScaleFactor reports the SDR-to-HDR reference-white scaling ratio
// used when the output profile is HDR10 (spec §4.5: "SDR->HDR scaling
// uses SDR_REFERENCE_WHITE = 203 nits against PQ_MAX_WHITE = 10000").
// Only the tests call it; the actual scaling is folded into
// pqEOTF/pqOETF's normalization above.
func hdrScaleFactor(profile displayparams.OutputProfile) float64 {
	if profile == displayparams.ProfileHDR10 {
		return sdrReferenceWhiteNit / pqMaxWhite
	}
	return 1.0
}

// encodeUint32 is a small helper the encode stage uses to build
// length-prefixed parameter sets (VPS/SPS/PPS) without importing
// encoding/binary itself twice for one call site.
func encodeUint32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}
