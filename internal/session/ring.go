package session

import (
	"sync"

	"github.com/colinmarc/magic-mirror/internal/wire"
)

// ringBufferSize bounds how many FramePackets a slow subscriber can fall
// behind by before packets are dropped for it; a keyframe-carrying
// stream_seq refresh re-synchronises a subscriber that fell behind
// rather than this ring trying to buffer indefinitely.
const ringBufferSize = 64

// MediaRing fans encoded FramePackets out to every attached worker (spec
// §3: "Attachment workers hold shared-reader handles to the session's
// media ring"). Each subscriber gets its own buffered channel so one
// slow attachment worker cannot stall the render tick publishing to the
// others; a full subscriber channel has its buffered non-keyframe
// packets dropped (keyframes are kept, see makeRoom) rather than
// blocking Publish.
type MediaRing struct {
	mu   sync.RWMutex
	subs map[uint64]chan wire.FramePacket
}

// NewMediaRing returns an empty ring with no subscribers.
func NewMediaRing() *MediaRing {
	return &MediaRing{subs: make(map[uint64]chan wire.FramePacket)}
}

// Subscribe registers attachmentID as a reader and returns its channel.
// Calling Subscribe again with the same id replaces its channel.
func (r *MediaRing) Subscribe(attachmentID uint64) <-chan wire.FramePacket {
	ch := make(chan wire.FramePacket, ringBufferSize)
	r.mu.Lock()
	r.subs[attachmentID] = ch
	r.mu.Unlock()
	return ch
}

// Unsubscribe removes attachmentID's reader handle and closes its
// channel.
func (r *MediaRing) Unsubscribe(attachmentID uint64) {
	r.mu.Lock()
	ch, ok := r.subs[attachmentID]
	delete(r.subs, attachmentID)
	r.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish fans one packet out to every current subscriber.
func (r *MediaRing) Publish(p wire.FramePacket) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.subs {
		select {
		case ch <- p:
		default:
			// Subscriber fell behind; make room and retry once rather
			// than blocking the render tick.
			makeRoom(ch)
			select {
			case ch <- p:
			default:
			}
		}
	}
}

// makeRoom drops a full subscriber channel's buffered non-keyframe
// packets, keeping any keyframes in place (spec §4.1: "drop oldest
// non-keyframe frames first, then coalesce ... up to the next
// keyframe"). Dropping whichever packet happens to be literal-oldest
// can discard a keyframe, stranding the subscriber until the next
// refresh; coalescing the inter-frame run instead keeps it
// resynchronisable from whatever keyframe survives.
func makeRoom(ch chan wire.FramePacket) {
	var kept []wire.FramePacket
drain:
	for {
		select {
		case p := <-ch:
			if p.IsKeyframe() {
				kept = append(kept, p)
			}
		default:
			break drain
		}
	}
	for _, p := range kept {
		select {
		case ch <- p:
		default:
			// Unreachable: ch was just fully drained above.
		}
	}
}

// SubscriberCount reports the number of active readers.
func (r *MediaRing) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// CloseAll unsubscribes and closes every subscriber's channel, for
// session teardown.
func (r *MediaRing) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
}
