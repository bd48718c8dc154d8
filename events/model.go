package events

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ByteOrder is the wire byte order for all fixed-layout records
var ByteOrder = binary.LittleEndian

// PathKey identifies a file inside a mount. PathID is the path-cache
// generation for the inode; it is bumped whenever the cached path for the
// inode is invalidated so stale references can be told apart.
type PathKey struct {
	Inode   uint64
	MountID uint32
	PathID  uint32
}

// IsNull returns true if the key does not reference a file
func (k PathKey) IsNull() bool {
	return k.Inode == 0 && k.MountID == 0
}

func (k PathKey) String() string {
	return fmt.Sprintf("%x/%x", k.MountID, k.Inode)
}

// FileMetadata carries the stat fields captured with the dentry
type FileMetadata struct {
	Mode  uint32
	UID   uint32
	GID   uint32
	CTime uint64
	MTime uint64
}

// PathRef points at the leaf-to-root component run written into the shared
// path-component ring for one resolution. CPU selects the per-CPU buffer.
type PathRef struct {
	Offset uint32
	Length uint32
	CPU    uint32
}

// FileRecord references a file by key and ring-buffer offset instead of an
// inline path string.
type FileRecord struct {
	Key      PathKey
	Flags    uint32
	Metadata FileMetadata
	PathRef  PathRef
}

// Header is the fixed event header
type Header struct {
	Type      uint32
	Flags     uint32
	Timestamp uint64
}

// ProcessContext is the process identity joined in just before emission
type ProcessContext struct {
	PID  uint32
	TID  uint32
	UID  uint32
	GID  uint32
	Comm [16]byte
}

// ContainerContext carries the container identifier, if any
type ContainerContext struct {
	ID [64]byte
}

// SpanContext carries tracing correlation identifiers, if any
type SpanContext struct {
	SpanID  uint64
	TraceID uint64
}

// LinkEvent is emitted once per accepted link()/linkat() instance
type LinkEvent struct {
	Header    Header
	Process   ProcessContext
	Container ContainerContext
	Span      SpanContext
	Retval    int64
	Source    FileRecord
	Target    FileRecord
}

// UnlinkEvent is emitted once per accepted unlink()/unlinkat() instance
type UnlinkEvent struct {
	Header    Header
	Process   ProcessContext
	Container ContainerContext
	Span      SpanContext
	Retval    int64
	File      FileRecord
	Flags     uint32
	Padding   uint32
}

// Marshal encodes an event into its fixed little-endian layout
func Marshal(event interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, ByteOrder, event); err != nil {
		return nil, fmt.Errorf("failed to encode event: %v", err)
	}
	return buf.Bytes(), nil
}

// DecodeHeader reads just the header so the consumer can dispatch on type
func DecodeHeader(data []byte) (Header, error) {
	var hdr Header
	if err := binary.Read(bytes.NewReader(data), ByteOrder, &hdr); err != nil {
		return hdr, fmt.Errorf("failed to decode event header: %v", err)
	}
	return hdr, nil
}

// DecodeLink decodes a full link event record
func DecodeLink(data []byte) (*LinkEvent, error) {
	var evt LinkEvent
	if err := binary.Read(bytes.NewReader(data), ByteOrder, &evt); err != nil {
		return nil, fmt.Errorf("failed to decode link event: %v", err)
	}
	return &evt, nil
}

// DecodeUnlink decodes a full unlink event record
func DecodeUnlink(data []byte) (*UnlinkEvent, error) {
	var evt UnlinkEvent
	if err := binary.Read(bytes.NewReader(data), ByteOrder, &evt); err != nil {
		return nil, fmt.Errorf("failed to decode unlink event: %v", err)
	}
	return &evt, nil
}

// CommString trims the fixed comm buffer to a string
func CommString(comm [16]byte) string {
	for i, b := range comm {
		if b == 0 {
			return string(comm[:i])
		}
	}
	return string(comm[:])
}

// MakeComm builds a fixed comm buffer from a string
func MakeComm(s string) [16]byte {
	var comm [16]byte
	copy(comm[:], s)
	return comm
}

// ContainerString trims the fixed container ID buffer to a string
func ContainerString(id [64]byte) string {
	for i, b := range id {
		if b == 0 {
			return string(id[:i])
		}
	}
	return string(id[:])
}
