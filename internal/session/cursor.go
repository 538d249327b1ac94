package session

import "sync"

// CursorShape identifies either a well-known system cursor or that the
// client-submitted cursor surface's pixels should be used verbatim.
type CursorShape int

const (
	CursorShapeDefault CursorShape = iota
	CursorShapeText
	CursorShapePointer
	CursorShapeImage // compositor-submitted cursor surface buffer
)

// CursorState tracks the session's cursor independently of the video
// frame rate (spec §4.4 Cursor: "tracked separately and forwarded to
// clients as out-of-band cursor updates ... enabling local cursor
// rendering"). Grounded on the teacher's CursorProvider interface shape
// (x, y, visible) in internal/remote/desktop/capture.go, extended with
// shape/image and the pointer-lock mode this spec also requires.
type CursorState struct {
	mu      sync.Mutex
	x, y    float64
	visible bool
	shape   CursorShape
	image   []byte // only meaningful when shape == CursorShapeImage
	width   int
	height  int
	locked  bool // relative-motion reporting mode
	dirty   bool
}

// NewCursorState returns a visible, default-shaped cursor at the origin.
func NewCursorState() *CursorState {
	return &CursorState{visible: true}
}

// Move updates the cursor position. Ignored while locked, since a
// locked pointer reports relative deltas instead of absolute position
// (spec §4.4: "the server switches to relative-motion reporting").
func (c *CursorState) Move(x, y float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locked {
		return
	}
	if c.x != x || c.y != y {
		c.x, c.y = x, y
		c.dirty = true
	}
}

// SetVisible hides or shows the cursor (a client may hide the system
// cursor while drawing its own, spec §4.4: "Hidden cursors are
// respected").
func (c *CursorState) SetVisible(visible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.visible != visible {
		c.visible = visible
		c.dirty = true
	}
}

// SetShape sets a well-known cursor shape, clearing any custom image.
func (c *CursorState) SetShape(shape CursorShape) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shape = shape
	if shape != CursorShapeImage {
		c.image = nil
	}
	c.dirty = true
}

// SetImage installs a client-submitted cursor surface buffer as the
// active cursor image.
func (c *CursorState) SetImage(pixels []byte, width, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shape = CursorShapeImage
	c.image = pixels
	c.width, c.height = width, height
	c.dirty = true
}

// SetLocked enters or leaves pointer-lock (relative-motion) mode. The
// caller is responsible for warping the pointer before locking, per
// spec §4.4: "warps-before-locking the pointer".
func (c *CursorState) SetLocked(locked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locked != locked {
		c.locked = locked
		c.dirty = true
	}
}

// Snapshot is an immutable view of the cursor state at one instant, for
// building a CursorUpdate wire message.
type Snapshot struct {
	X, Y    float64
	Visible bool
	Shape   CursorShape
	Image   []byte
	Width   int
	Height  int
	Locked  bool
}

// TakeIfDirty returns the current cursor state and clears the dirty
// flag, or (Snapshot{}, false) if nothing changed since the last call.
func (c *CursorState) TakeIfDirty() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return Snapshot{}, false
	}
	c.dirty = false
	return Snapshot{
		X: c.x, Y: c.y,
		Visible: c.visible,
		Shape:   c.shape,
		Image:   c.image,
		Width:   c.width,
		Height:  c.height,
		Locked:  c.locked,
	}, true
}
