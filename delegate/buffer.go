package delegate

import (
	"github.com/google/btree"
	"github.com/maxpert/tidemark/common"
	"github.com/maxpert/tidemark/hlc"
)

const bufferBtreeDegree = 16

// pending is one change event waiting for, or past, release.
//
// orderTS is the position in the region's stream; seq breaks ties in apply
// order. index is the log index of the entry that produced the event, zero
// for events inherited through a split or merge.
type pending struct {
	orderTS hlc.Timestamp
	seq     uint64
	index   uint64
	ev      common.ChangeEvent
}

func pendingLess(a, b pending) bool {
	if a.orderTS != b.orderTS {
		return a.orderTS < b.orderTS
	}
	return a.seq < b.seq
}

// eventBuffer holds applied events until the resolved ts passes them
type eventBuffer struct {
	tree *btree.BTreeG[pending]
}

func newEventBuffer() *eventBuffer {
	return &eventBuffer{tree: btree.NewG(bufferBtreeDegree, pendingLess)}
}

func (b *eventBuffer) add(p pending) {
	b.tree.ReplaceOrInsert(p)
}

// releaseThrough removes and returns, in order, every event at or below ts
func (b *eventBuffer) releaseThrough(ts hlc.Timestamp) []pending {
	var out []pending
	for {
		p, ok := b.tree.Min()
		if !ok || p.orderTS > ts {
			return out
		}
		b.tree.DeleteMin()
		out = append(out, p)
	}
}

func (b *eventBuffer) len() int {
	return b.tree.Len()
}

func (b *eventBuffer) items() []pending {
	out := make([]pending, 0, b.tree.Len())
	b.tree.Ascend(func(p pending) bool {
		out = append(out, p)
		return true
	})
	return out
}

func (b *eventBuffer) clear() {
	b.tree.Clear(false)
}

// rewindWindow keeps recently released events so a subscriber can resume
// from a checkpoint without a scan. It holds every released event ordered
// after floor; resuming below floor needs a scan.
type rewindWindow struct {
	capacity int
	floor    hlc.Timestamp
	items    []pending
}

func newRewindWindow(capacity int, floor hlc.Timestamp) *rewindWindow {
	return &rewindWindow{capacity: capacity, floor: floor}
}

func (w *rewindWindow) add(p pending) {
	w.items = append(w.items, p)
	for len(w.items) > w.capacity {
		w.evictOldest()
	}
}

// evictOldest drops the oldest group of events sharing one order ts.
// Dropping part of a group would leave the floor claiming events that are
// gone.
func (w *rewindWindow) evictOldest() {
	if len(w.items) == 0 {
		return
	}
	ts := w.items[0].orderTS
	n := 0
	for n < len(w.items) && w.items[n].orderTS <= ts {
		n++
	}
	clear(w.items[:n])
	w.items = w.items[n:]
	w.floor = hlc.MaxOf(w.floor, ts)
}

// covers reports whether every event after from is still held
func (w *rewindWindow) covers(from hlc.Timestamp) bool {
	return from >= w.floor
}

// since returns the held events ordered after from
func (w *rewindWindow) since(from hlc.Timestamp) []pending {
	var out []pending
	for _, p := range w.items {
		if p.orderTS > from {
			out = append(out, p)
		}
	}
	return out
}

func (w *rewindWindow) len() int {
	return len(w.items)
}

// filter returns a window for regionID holding only the events whose key
// satisfies keep
func (w *rewindWindow) filter(regionID uint64, keep func(key []byte) bool) *rewindWindow {
	out := newRewindWindow(w.capacity, w.floor)
	for _, p := range w.items {
		if keep(p.ev.Key) {
			out.items = append(out.items, inherit(p, regionID))
		}
	}
	return out
}

// absorb merges other's events into w, as regionID, keeping order ts order
func (w *rewindWindow) absorb(regionID uint64, other *rewindWindow) {
	merged := make([]pending, 0, len(w.items)+len(other.items))
	i, j := 0, 0
	for i < len(w.items) && j < len(other.items) {
		if other.items[j].orderTS < w.items[i].orderTS {
			merged = append(merged, inherit(other.items[j], regionID))
			j++
			continue
		}
		merged = append(merged, w.items[i])
		i++
	}
	merged = append(merged, w.items[i:]...)
	for ; j < len(other.items); j++ {
		merged = append(merged, inherit(other.items[j], regionID))
	}

	w.items = merged
	w.floor = hlc.MaxOf(w.floor, other.floor)
	for len(w.items) > w.capacity {
		w.evictOldest()
	}
}

// inherit rebinds an event to the region taking it over. Its log index
// belongs to another region's log, and the entry is applied already, so
// it drops to zero.
func inherit(p pending, regionID uint64) pending {
	p.index = 0
	p.ev.RegionID = regionID
	return p
}
