// Package events defines the event model shared between the in-kernel
// coordination engine and the user-space consumer: event types, path keys,
// file records and the fixed-layout wire encoding.
package events

import (
	"fmt"
	"math/rand"
)

// EventType identifies a monitored syscall family
type EventType uint32

const (
	EventUnknown EventType = iota
	EventLink
	EventUnlink
	EventRename
	EventMkdir
	EventRmdir

	maxEventType
)

func (t EventType) String() string {
	switch t {
	case EventLink:
		return "link"
	case EventUnlink:
		return "unlink"
	case EventRename:
		return "rename"
	case EventMkdir:
		return "mkdir"
	case EventRmdir:
		return "rmdir"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// ParseEventType maps a config-file name to an event type
func ParseEventType(name string) (EventType, error) {
	for t := EventLink; t < maxEventType; t++ {
		if t.String() == name {
			return t, nil
		}
	}
	return EventUnknown, fmt.Errorf("unknown event type %q", name)
}

// Mask returns the bit for this event type in an enabled/discarder mask
func (t EventType) Mask() uint64 {
	return 1 << uint64(t)
}

// Header flags
const (
	// FlagAsync marks events that did not originate from a synchronous syscall
	FlagAsync uint32 = 1 << 0
)

// FileRecord flags
const (
	// FlagUpperLayer marks files located on the upper layer of an overlay filesystem
	FlagUpperLayer uint32 = 1 << 0
)

// Unlink payload flags
const (
	UnlinkRemoveDir uint32 = 1 << 0
)

// FakeInodeMSW is stored in the most significant word of inode numbers that
// were synthesized by the engine (e.g. hard link targets) and must never be
// inserted into the resolution cache.
const FakeInodeMSW = 0xdeadc001

// IsFakeInode returns true if the inode was synthesized by the engine
func IsFakeInode(inode uint64) bool {
	return inode>>32 == FakeInodeMSW
}

// NewFakeInode synthesizes an inode number carrying the fake marker
func NewFakeInode() uint64 {
	return FakeInodeMSW<<32 | uint64(rand.Uint32())
}
