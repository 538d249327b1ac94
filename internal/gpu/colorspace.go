package gpu

import "math"

// This file holds the colour-space math for the Composite/Convert pair
// (spec §4.5 steps 1-2): linearizing each surface's buffer into a common
// BT.709-primaries working space, and re-encoding the composited result
// into narrow-range YCbCr for whichever output profile is active. None
// of it touches a GPU — it's the deterministic float arithmetic the
// Vulkan shader would otherwise do, kept on the CPU so it can run (and
// be tested) without one.

// srgbEOTF converts a non-linear sRGB channel value in [0,1] to linear
// light (IEC 61966-2-1).
func srgbEOTF(v float64) float64 {
	if v <= 0.04045 {
		return v / 12.92
	}
	return math.Pow((v+0.055)/1.055, 2.4)
}

// srgbOETF is the inverse of srgbEOTF: linear light back to non-linear
// sRGB. Reused for the HD/BT.709 output profile, since BT.709's own
// OETF differs from sRGB's only in the shape of the toe and the two are
// treated as equivalent here (a common approximation also made by most
// software compositors) — the important property for property 7's
// round-trip is that this function and srgbEOTF are exact inverses of
// each other.
func srgbOETF(v float64) float64 {
	if v <= 0.0031308 {
		return v * 12.92
	}
	return 1.055*math.Pow(v, 1/2.4) - 0.055
}

// PQ (SMPTE ST 2084) constants, normalized so that 1.0 linear maps to
// pqMaxWhite nits.
const (
	pqM1 = 2610.0 / 16384.0
	pqM2 = 2523.0 / 4096.0 * 128.0
	pqC1 = 3424.0 / 4096.0
	pqC2 = 2413.0 / 4096.0 * 32.0
	pqC3 = 2392.0 / 4096.0 * 32.0

	pqMaxWhite          = 10000.0
	sdrReferenceWhiteNit = 203.0
)

// pqEOTF converts a PQ-encoded channel value in [0,1] to linear light,
// normalized against sdrReferenceWhiteNit rather than pqMaxWhite so that
// PQ-encoded SDR-equivalent content lands near 1.0 in the working space
// shared with sRGB surfaces.
func pqEOTF(v float64) float64 {
	if v <= 0 {
		return 0
	}
	vp := math.Pow(v, 1/pqM2)
	num := vp - pqC1
	if num < 0 {
		num = 0
	}
	denom := pqC2 - pqC3*vp
	lin := math.Pow(num/denom, 1/pqM1)
	return lin * pqMaxWhite / sdrReferenceWhiteNit
}

// pqOETF is the inverse of pqEOTF: linear light (again normalized
// against sdrReferenceWhiteNit) back to PQ-encoded.
func pqOETF(v float64) float64 {
	lin := v * sdrReferenceWhiteNit / pqMaxWhite
	if lin <= 0 {
		return 0
	}
	ym1 := math.Pow(lin, pqM1)
	num := pqC1 + pqC2*ym1
	denom := 1 + pqC3*ym1
	return math.Pow(num/denom, pqM2)
}

// rgb is a linear-light RGB triple in some primaries.
type rgb struct{ r, g, b float64 }

// bt2020To709 transforms linear BT.2020 primaries to linear BT.709
// primaries (ITU-R BT.2087).
func bt2020To709(c rgb) rgb {
	return rgb{
		r: 1.6605*c.r - 0.5876*c.g - 0.0728*c.b,
		g: -0.1246*c.r + 1.1329*c.g - 0.0083*c.b,
		b: -0.0182*c.r - 0.1006*c.g + 1.1187*c.b,
	}
}

// bt709To2020 is the inverse of bt2020To709, used when the output
// profile is HDR10/BT.2020 but the working space is BT.709.
func bt709To2020(c rgb) rgb {
	return rgb{
		r: 0.6274*c.r + 0.3293*c.g + 0.0433*c.b,
		g: 0.0691*c.r + 0.9195*c.g + 0.0114*c.b,
		b: 0.0164*c.r + 0.0880*c.g + 0.8956*c.b,
	}
}

// ycbcrMatrix holds Kr/Kb luma coefficients for a matrix standard; Kg is
// derived so Kr+Kg+Kb == 1.
type ycbcrMatrix struct{ kr, kb float64 }

var (
	bt709Matrix  = ycbcrMatrix{kr: 0.2126, kb: 0.0722}
	bt2020Matrix = ycbcrMatrix{kr: 0.2627, kb: 0.0593}
)

// encode converts gamma-encoded (OETF-applied) R'G'B' in [0,1] to
// narrow-range 8-bit Y'CbCr (ITU-R BT.601/BT.709/BT.2020 §3.3, narrow
// range: Y in [16,235], Cb/Cr in [16,240]).
func (m ycbcrMatrix) encode(rp, gp, bp float64) (y, cb, cr uint8) {
	kg := 1 - m.kr - m.kb
	yp := m.kr*rp + kg*gp + m.kb*bp
	cbp := (bp - yp) / (2 * (1 - m.kb))
	crp := (rp - yp) / (2 * (1 - m.kr))

	y = clampToByte(16 + yp*219)
	cb = clampToByte(128 + cbp*224)
	cr = clampToByte(128 + crp*224)
	return
}

// decode is encode's inverse: narrow-range 8-bit Y'CbCr back to
// gamma-encoded R'G'B' in [0,1]. Only used by tests, which verify the
// forward transform is actually invertible rather than relying on a
// real decoder component.
func (m ycbcrMatrix) decode(y, cb, cr uint8) (rp, gp, bp float64) {
	kg := 1 - m.kr - m.kb
	yp := (float64(y) - 16) / 219
	cbp := (float64(cb) - 128) / 224
	crp := (float64(cr) - 128) / 224

	bp = yp + cbp*2*(1-m.kb)
	rp = yp + crp*2*(1-m.kr)
	gp = (yp - m.kr*rp - m.kb*bp) / kg
	return
}

func clampToByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(math.Round(v))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
