package ring

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/jnesss/fim-recorder/events"
)

const segmentHeaderSize = 2

// PathBuffer is one CPU's slice of the shared path-component ring. The
// resolver appends length-prefixed components leaf to root; events reference
// the run through a PathRef instead of carrying strings.
type PathBuffer struct {
	data   []byte
	mask   uint32
	cursor atomic.Uint32
}

// NewPathBuffer creates a buffer with capacity rounded up to a power of two
func NewPathBuffer(capacity int) *PathBuffer {
	size := uint32(1)
	for size < uint32(capacity) {
		size <<= 1
	}
	return &PathBuffer{
		data: make([]byte, size),
		mask: size - 1,
	}
}

// Cursor returns the current write offset; resolutions capture it before
// their first append so the final PathRef covers the whole run.
func (p *PathBuffer) Cursor() uint32 {
	return p.cursor.Load()
}

// AppendSegment writes one component and returns its start offset
func (p *PathBuffer) AppendSegment(name string) uint32 {
	size := uint32(segmentHeaderSize + len(name))
	start := p.cursor.Add(size) - size
	p.data[start&p.mask] = byte(len(name))
	p.data[(start+1)&p.mask] = byte(len(name) >> 8)
	for i := 0; i < len(name); i++ {
		p.data[(start+segmentHeaderSize+uint32(i))&p.mask] = name[i]
	}
	return start
}

// Ref closes the run started at start into an event path reference
func (p *PathBuffer) Ref(start uint32, cpu int) events.PathRef {
	return events.PathRef{
		Offset: start,
		Length: p.cursor.Load() - start,
		CPU:    uint32(cpu),
	}
}

// Snapshot copies the raw buffer so user space can parse refs out of it
func (p *PathBuffer) Snapshot() []byte {
	out := make([]byte, len(p.data))
	copy(out, p.data)
	return out
}

// ParsePath rebuilds the slash-joined path from a raw buffer snapshot.
// Components are stored leaf to root, so the parse order is reversed.
func ParsePath(data []byte, ref events.PathRef) (string, error) {
	if len(data) == 0 || len(data)&(len(data)-1) != 0 {
		return "", fmt.Errorf("path buffer size %d is not a power of two", len(data))
	}
	mask := uint32(len(data) - 1)
	if ref.Length > uint32(len(data)) {
		return "", fmt.Errorf("path ref length %d exceeds buffer", ref.Length)
	}

	var components []string
	off := ref.Offset
	consumed := uint32(0)
	for consumed < ref.Length {
		nameLen := uint32(data[off&mask]) | uint32(data[(off+1)&mask])<<8
		if nameLen == 0 || consumed+segmentHeaderSize+nameLen > ref.Length {
			return "", fmt.Errorf("corrupted path segment at offset %d", off)
		}
		name := make([]byte, nameLen)
		for i := uint32(0); i < nameLen; i++ {
			name[i] = data[(off+segmentHeaderSize+i)&mask]
		}
		components = append(components, string(name))
		off += segmentHeaderSize + nameLen
		consumed += segmentHeaderSize + nameLen
	}

	if len(components) == 0 {
		return "/", nil
	}
	var sb strings.Builder
	for i := len(components) - 1; i >= 0; i-- {
		sb.WriteByte('/')
		sb.WriteString(components[i])
	}
	return sb.String(), nil
}

// PathRing is the set of per-CPU path buffers. Keeping one buffer per CPU
// means concurrent resolutions never interleave segments inside a run.
type PathRing struct {
	buffers []*PathBuffer
}

// NewPathRing creates cpus buffers of the given capacity each
func NewPathRing(cpus, capacity int) *PathRing {
	if cpus < 1 {
		cpus = 1
	}
	ring := &PathRing{buffers: make([]*PathBuffer, cpus)}
	for i := range ring.buffers {
		ring.buffers[i] = NewPathBuffer(capacity)
	}
	return ring
}

// CPU returns the buffer for a CPU index
func (r *PathRing) CPU(cpu int) *PathBuffer {
	return r.buffers[cpu%len(r.buffers)]
}

// ReadPath rebuilds the path referenced by ref
func (r *PathRing) ReadPath(ref events.PathRef) (string, error) {
	if int(ref.CPU) >= len(r.buffers) {
		return "", fmt.Errorf("path ref cpu %d out of range", ref.CPU)
	}
	return ParsePath(r.buffers[ref.CPU].Snapshot(), ref)
}
