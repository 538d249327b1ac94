package gpu

import (
	"image"

	"github.com/colinmarc/magic-mirror/internal/displayparams"
	"github.com/colinmarc/magic-mirror/internal/session/surface"
)

// texel is a premultiplied-alpha linear RGBA sample in BT.709 primaries,
// the common working space every surface's buffer is decoded into
// before blending (spec §4.5 step 1).
type texel struct{ r, g, b, a float64 }

// FrameBuffer is the session's composite target, equivalent to the
// RGBA16F image a Vulkan compositor would hold on the GPU (spec §4.5
// step 1). There is no live GPU in this exercise (see internal/gpu/vk),
// but the colour math that would run in its shader is ordinary CPU
// float arithmetic, so pixels holds it directly rather than standing in
// a fingerprint. Composite always allocates Width*Height texels; a
// surface that carries no pixel data (the common case in tests
// exercising only geometry/damage) leaves its texels at the zero value.
// pixels is nil only in a zero-value FrameBuffer.
type FrameBuffer struct {
	Width, Height int
	Damage        image.Rectangle
	SurfaceCount  int
	Profile       displayparams.OutputProfile

	pixels []texel // row-major, Width*Height, premultiplied linear BT.709
}

// at returns the texel at (x, y), or the zero texel if out of bounds or
// if this FrameBuffer carries no pixel data.
func (fb FrameBuffer) at(x, y int) texel {
	if fb.pixels == nil || x < 0 || y < 0 || x >= fb.Width || y >= fb.Height {
		return texel{}
	}
	return fb.pixels[y*fb.Width+x]
}

// Composite blits every mapped, bottom-to-top surface into the session
// framebuffer (spec §4.5 step 1: "For each current surface, blit into
// the session framebuffer using a source-rectangle / destination-
// rectangle push constant"), decoding each surface's buffer from its own
// colour space into linear BT.709 (sRGB EOTF, identity for scRGB, PQ-EOTF
// plus BT.2020->BT.709 for HDR10) and blending with Porter-Duff "over".
// A fully transparent source leaves the destination untouched, so
// compositing a single alpha=0 surface over an empty framebuffer yields
// (0,0,0,0) (spec §8 property 8).
func Composite(surfaces []*surface.Surface, profile displayparams.OutputProfile, width, height int) FrameBuffer {
	pixels := make([]texel, width*height)
	var damage image.Rectangle

	for _, s := range surfaces {
		buf := s.CurrentBuffer()
		blendSurface(pixels, width, height, buf)

		d := s.TakeDamage()
		if !d.Empty() {
			if damage.Empty() {
				damage = d
			} else {
				damage = damage.Union(d)
			}
		}
	}

	return FrameBuffer{
		Width:        width,
		Height:       height,
		Damage:       damage,
		SurfaceCount: len(surfaces),
		Profile:      profile,
		pixels:       pixels,
	}
}

// blendSurface composites one surface's buffer over dst in place,
// anchored at the origin: this compositor does not yet model a
// per-surface blit offset beyond z-order, so every surface's top-left
// texel lands on dst's top-left texel, clipped to whichever of the two
// is smaller.
func blendSurface(dst []texel, dstW, dstH int, buf surface.Buffer) {
	if len(buf.Pixels) == 0 || buf.ColorSpace == surface.ColorSpaceUnknown {
		return
	}

	w, h := buf.Width, buf.Height
	if w > dstW {
		w = dstW
	}
	if h > dstH {
		h = dstH
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*buf.Width + x) * 4
			if i+3 >= len(buf.Pixels) {
				continue
			}
			src := decodeTexel(buf.ColorSpace, buf.Pixels[i], buf.Pixels[i+1], buf.Pixels[i+2], buf.Pixels[i+3])
			di := y*dstW + x
			dst[di] = over(src, dst[di])
		}
	}
}

// decodeTexel linearizes one straight-alpha RGBA8 sample from cs into
// premultiplied linear BT.709.
func decodeTexel(cs surface.ColorSpace, r8, g8, b8, a8 byte) texel {
	a := float64(a8) / 255
	r := float64(r8) / 255
	g := float64(g8) / 255
	b := float64(b8) / 255

	switch cs {
	case surface.ColorSpaceSRGB:
		r, g, b = srgbEOTF(r), srgbEOTF(g), srgbEOTF(b)
	case surface.ColorSpaceLinearExtendedSRGB:
		// already linear, nothing to do
	case surface.ColorSpaceHDR10:
		r, g, b = pqEOTF(r), pqEOTF(g), pqEOTF(b)
		lin := bt2020To709(rgb{r: r, g: g, b: b})
		r, g, b = lin.r, lin.g, lin.b
	}

	return texel{r: r * a, g: g * a, b: b * a, a: a}
}

// over applies the Porter-Duff "over" operator to premultiplied
// samples: result = src + dst*(1-src.a).
func over(src, dst texel) texel {
	inv := 1 - src.a
	return texel{
		r: src.r + dst.r*inv,
		g: src.g + dst.g*inv,
		b: src.b + dst.b*inv,
		a: src.a + dst.a*inv,
	}
}
