package policy

import (
	"sync"
	"sync/atomic"

	"github.com/jnesss/fim-recorder/events"
)

type inodeKey struct {
	mountID uint32
	inode   uint64
}

// InodeDiscarders is the shared discarder table the resolver consults on each
// walk step. Entries are added as the consumer learns which subtrees are
// uninteresting and removed when the inode is invalidated. Updates are
// per-key atomic; unrelated execution contexts never contend.
type InodeDiscarders struct {
	masks sync.Map // inodeKey -> *atomic.Uint64 event mask
}

// NewInodeDiscarders creates an empty discarder table
func NewInodeDiscarders() *InodeDiscarders {
	return &InodeDiscarders{}
}

// Add marks the inode as discarded for the given event type
func (d *InodeDiscarders) Add(mountID uint32, inode uint64, eventType events.EventType) {
	mask := new(atomic.Uint64)
	mask.Store(eventType.Mask())
	actual, loaded := d.masks.LoadOrStore(inodeKey{mountID, inode}, mask)
	if !loaded {
		return
	}
	p := actual.(*atomic.Uint64)
	for {
		old := p.Load()
		if old&eventType.Mask() != 0 || p.CompareAndSwap(old, old|eventType.Mask()) {
			return
		}
	}
}

// IsDiscarded reports whether the inode is discarded for the event type
func (d *InodeDiscarders) IsDiscarded(mountID uint32, inode uint64, eventType events.EventType) bool {
	v, ok := d.masks.Load(inodeKey{mountID, inode})
	if !ok {
		return false
	}
	return v.(*atomic.Uint64).Load()&eventType.Mask() != 0
}

// Remove drops the discarder for an inode, typically after the inode was
// invalidated by a mutating operation.
func (d *InodeDiscarders) Remove(mountID uint32, inode uint64) {
	d.masks.Delete(inodeKey{mountID, inode})
}
