// Package displayparams defines the negotiated display parameters that
// identify a session's GPU render target, and the hash the session
// manager uses to key its registry (spec §4.3: "(application_name,
// display_parameters_hash)").
package displayparams

import (
	"fmt"
	"hash/fnv"
)

// OutputProfile is the session's output colour profile.
type OutputProfile int

const (
	ProfileHD OutputProfile = iota
	ProfileHDR10
)

func (p OutputProfile) String() string {
	if p == ProfileHDR10 {
		return "HDR10-BT2020-PQ"
	}
	return "HD-BT709"
}

// Params are the display parameters fixed for a session's lifetime
// (spec §3 "Session" invariants: width/height even, fixed for lifetime).
type Params struct {
	Width     int
	Height    int
	Framerate int
	UIScale   float64 // 1.0 = no scaling
	Profile   OutputProfile
}

// Normalize rounds odd width/height up to the next even value, as
// required by testable property 2 ("a request with odd values is
// rounded up and echoed in SessionParameters").
func (p Params) Normalize() Params {
	if p.Width%2 != 0 {
		p.Width++
	}
	if p.Height%2 != 0 {
		p.Height++
	}
	if p.Framerate <= 0 {
		p.Framerate = 60
	}
	if p.UIScale <= 0 {
		p.UIScale = 1.0
	}
	return p
}

// Valid reports whether the parameters satisfy the session invariants.
func (p Params) Valid() bool {
	return p.Width > 0 && p.Height > 0 && p.Width%2 == 0 && p.Height%2 == 0 && p.Framerate > 0
}

// Hash returns a stable key for (application, Params) used by the
// session manager's registry. It deliberately does not use Go's map
// iteration or pointer identity so that two identical attach requests
// from different connections resolve to the same session.
func (p Params) Hash(application string) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%d|%d|%.4f|%d", application, p.Width, p.Height, p.Framerate, p.UIScale, p.Profile)
	return fmt.Sprintf("%016x", h.Sum64())
}
