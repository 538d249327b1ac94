// Package surface implements the compositor's Wayland surface tree (spec
// §3 Surface, §4.4): a generational slot map of surfaces keyed by Wayland
// object id, so that destroyed surfaces never alias a freshly created one
// sharing the same index (spec §9: "cyclic references ... resolved with
// generational slot maps keyed by id; back-references are indices plus
// generation, checked on every access").
package surface

import (
	"fmt"
	"image"
	"sort"
)

// Role is a surface's role in the Wayland protocol sense: top-level
// window, transient popup, subsurface, or the cursor surface.
type Role int

const (
	RoleToplevel Role = iota
	RolePopup
	RoleSubsurface
	RoleCursor
)

func (r Role) String() string {
	switch r {
	case RoleToplevel:
		return "toplevel"
	case RolePopup:
		return "popup"
	case RoleSubsurface:
		return "subsurface"
	case RoleCursor:
		return "cursor"
	default:
		return "unknown"
	}
}

// BufferKind distinguishes the two buffer transports the compositor
// accepts (spec §4.4: "wp_linux_dmabuf (with wl_drm fallback)").
type BufferKind int

const (
	BufferNone BufferKind = iota
	BufferDMABuf
	BufferSHM
)

// ColorSpace tags the transfer function and primaries a buffer's pixel
// data was encoded with, so the compositor can linearize it correctly
// before blending (spec §4.5 step 1: "decode each surface's buffer into
// a common linear working space before compositing").
type ColorSpace int

const (
	// ColorSpaceUnknown means the buffer carries no sampled pixel data
	// (the common case in tests and for buffers not yet wired to a real
	// client): it contributes nothing to a composite.
	ColorSpaceUnknown ColorSpace = iota
	// ColorSpaceSRGB is gamma-encoded sRGB, the default for SDR clients.
	ColorSpaceSRGB
	// ColorSpaceLinearExtendedSRGB is scRGB: sRGB primaries, already
	// linear, values outside [0,1] permitted for extended range.
	ColorSpaceLinearExtendedSRGB
	// ColorSpaceHDR10 is PQ-encoded (SMPTE ST 2084) BT.2020 primaries.
	ColorSpaceHDR10
)

// Buffer is an opaque handle to a client-submitted buffer. The fence
// field models the explicit-sync handoff (wp_linux_drm_syncobj_timeline):
// the compositor must not sample the buffer's contents until the fence
// signals, and in turn must signal the release fence once composited.
//
// Pixels, when non-nil, is straight-alpha RGBA8 data in ColorSpace, row
// major, top-to-bottom, 4 bytes per texel (Width*Height*4 total). Real
// dmabuf/shm buffers are opaque GPU-resident memory this package never
// reads; Pixels exists so the compositor's colour pipeline has
// deterministic CPU-visible input to transform without a live GPU.
type Buffer struct {
	Kind       BufferKind
	Width      int
	Height     int
	Handle     uintptr // dmabuf fd or shm pool offset; opaque to this package
	Fence      uint64  // explicit-sync timeline point, 0 if none
	ColorSpace ColorSpace
	Pixels     []byte
}

// Ref identifies a surface by slot index plus generation. A Ref captured
// before a Destroy compares unequal to any Ref handed out afterward for
// the same slot index, so stale back-references (e.g. a subsurface's
// Parent) are detected on use rather than silently aliasing.
type Ref struct {
	Index      uint32
	Generation uint32
}

func (r Ref) String() string { return fmt.Sprintf("surface#%d.%d", r.Index, r.Generation) }

// IsZero reports whether r is the zero Ref (never a valid surface).
func (r Ref) IsZero() bool { return r == Ref{} }

// Surface is one tracked Wayland surface (spec §3 Surface).
type Surface struct {
	ref    Ref
	Role   Role
	Parent Ref // zero Ref if top-level

	current Buffer
	pending Buffer
	hasPending bool

	damage image.Rectangle // accumulated since last composite, in surface-local coords

	// Transform/Scale/Viewport implement wp_viewporter and the output
	// transform; ZOrder is assigned by the tree on creation and updated
	// by wl_subsurface.place_above/below.
	Transform int // 0..7, matches wl_output.transform values
	Scale     int // wl_surface.set_buffer_scale; fractional scale layered on top in wp_fractional_scale_v1
	ZOrder    int

	mapped bool // has committed at least one buffer
}

// Ref returns the surface's stable identity.
func (s *Surface) Ref() Ref { return s.ref }

// CurrentBuffer returns the buffer last promoted by Commit, or the zero
// Buffer if nothing has been committed yet.
func (s *Surface) CurrentBuffer() Buffer { return s.current }

// Mapped reports whether the surface has committed at least one buffer
// (spec §4.4 tick step 2: "collect surfaces whose pending buffer has been
// committed and become current").
func (s *Surface) Mapped() bool { return s.mapped }

// Attach stages a buffer as pending, per wl_surface.attach.
func (s *Surface) Attach(buf Buffer) {
	s.pending = buf
	s.hasPending = true
}

// DamageLocal accumulates client-reported damage in surface-local
// coordinates (wl_surface.damage / wl_surface.damage_buffer).
func (s *Surface) DamageLocal(r image.Rectangle) {
	if s.damage.Empty() {
		s.damage = r
		return
	}
	s.damage = s.damage.Union(r)
}

// commit promotes the pending buffer to current and clears pending
// state, returning whether anything actually changed (a commit with no
// attach and no damage is a no-op tick-wise).
func (s *Surface) commit() bool {
	changed := false
	if s.hasPending {
		s.current = s.pending
		s.hasPending = false
		s.mapped = true
		changed = true
	}
	if !s.damage.Empty() {
		changed = true
	}
	return changed
}

// TakeDamage returns the accumulated damage and clears it, for the GPU
// pipeline's composite pass to read once per tick.
func (s *Surface) TakeDamage() image.Rectangle {
	d := s.damage
	s.damage = image.Rectangle{}
	return d
}

// Tree is the generational slot map of all surfaces in one session,
// plus the z-ordered toplevel/subsurface stacking order the compositor
// walks on each render tick.
type Tree struct {
	slots []slot
	free  []uint32
	count int
	nextZ int
}

type slot struct {
	surface    *Surface
	generation uint32
}

// NewTree returns an empty surface tree.
func NewTree() *Tree {
	return &Tree{}
}

// Create allocates a new surface with the given role and parent (zero
// Ref for top-level surfaces), returning its stable Ref.
func (t *Tree) Create(role Role, parent Ref) Ref {
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, slot{})
	}

	gen := t.slots[idx].generation
	ref := Ref{Index: idx, Generation: gen}
	t.slots[idx] = slot{
		surface: &Surface{
			ref:    ref,
			Role:   role,
			Parent: parent,
			Scale:  1,
			ZOrder: t.nextZ,
		},
		generation: gen,
	}
	t.nextZ++
	t.count++
	return ref
}

// Get resolves a Ref to its Surface. Returns false if the surface was
// destroyed (generation mismatch) or the index was never allocated.
func (t *Tree) Get(ref Ref) (*Surface, bool) {
	if int(ref.Index) >= len(t.slots) {
		return nil, false
	}
	s := t.slots[ref.Index]
	if s.surface == nil || s.generation != ref.Generation {
		return nil, false
	}
	return s.surface, true
}

// Destroy removes a surface, bumping its slot's generation so any Ref
// still pointing at it becomes stale (spec §9: destroyed surfaces must
// not collide with new ones).
func (t *Tree) Destroy(ref Ref) {
	if _, ok := t.Get(ref); !ok {
		return
	}
	t.slots[ref.Index] = slot{generation: ref.Generation + 1}
	t.free = append(t.free, ref.Index)
	t.count--
}

// Commit promotes ref's pending buffer to current, returning whether the
// surface changed (new buffer or damage). False for an unknown ref.
func (t *Tree) Commit(ref Ref) bool {
	s, ok := t.Get(ref)
	if !ok {
		return false
	}
	return s.commit()
}

// Len reports the number of live surfaces.
func (t *Tree) Len() int { return t.count }

// BottomToTop returns every mapped, non-cursor surface ordered for
// compositing: parents before their subsurfaces/popups, and within a
// layer by ZOrder ascending ("subsurfaces are composited according to
// their z-order; popups are translated correctly in the parent's
// coordinate space", spec §4.4).
func (t *Tree) BottomToTop() []*Surface {
	out := make([]*Surface, 0, t.count)
	for i := range t.slots {
		s := t.slots[i].surface
		if s == nil || !s.mapped || s.Role == RoleCursor {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Parent != out[j].Parent {
			return parentDepth(t, out[i].ref) < parentDepth(t, out[j].ref)
		}
		return out[i].ZOrder < out[j].ZOrder
	})
	return out
}

func parentDepth(t *Tree, ref Ref) int {
	depth := 0
	for {
		s, ok := t.Get(ref)
		if !ok || s.Parent.IsZero() {
			return depth
		}
		ref = s.Parent
		depth++
	}
}

// Damaged reports whether any mapped surface has accumulated damage (an
// attached but uncommitted buffer does not count), used to decide whether a render tick
// needs to drive the GPU pipeline (spec §4.4 tick step 3).
func (t *Tree) Damaged() bool {
	for i := range t.slots {
		s := t.slots[i].surface
		if s == nil || !s.mapped {
			continue
		}
		if !s.damage.Empty() {
			return true
		}
	}
	return false
}
