package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLinkEventRoundTrip(t *testing.T) {
	evt := LinkEvent{
		Header: Header{Type: uint32(EventLink), Flags: FlagAsync, Timestamp: 12345},
		Process: ProcessContext{
			PID: 100, TID: 101, UID: 1000, GID: 1000,
			Comm: MakeComm("ln"),
		},
		Span:   SpanContext{SpanID: 7, TraceID: 9},
		Retval: -13,
		Source: FileRecord{
			Key:      PathKey{Inode: 42, MountID: 1, PathID: 2},
			Metadata: FileMetadata{Mode: 0o644, UID: 1000, GID: 1000, CTime: 5, MTime: 6},
			PathRef:  PathRef{Offset: 10, Length: 20, CPU: 0},
		},
		Target: FileRecord{
			Key:     PathKey{Inode: NewFakeInode(), MountID: 1},
			Flags:   FlagUpperLayer,
			PathRef: PathRef{Offset: 30, Length: 12, CPU: 0},
		},
	}

	data, err := Marshal(&evt)
	require.NoError(t, err)

	hdr, err := DecodeHeader(data)
	require.NoError(t, err)
	require.Equal(t, uint32(EventLink), hdr.Type)
	require.Equal(t, FlagAsync, hdr.Flags)

	decoded, err := DecodeLink(data)
	require.NoError(t, err)
	require.Equal(t, evt, *decoded)
}

func TestUnlinkEventRoundTrip(t *testing.T) {
	evt := UnlinkEvent{
		Header:  Header{Type: uint32(EventUnlink), Timestamp: 99},
		Process: ProcessContext{PID: 200, TID: 200, Comm: MakeComm("rm")},
		Retval:  0,
		File: FileRecord{
			Key:     PathKey{Inode: 17, MountID: 3},
			PathRef: PathRef{Offset: 0, Length: 9, CPU: 1},
		},
		Flags: UnlinkRemoveDir,
	}

	data, err := Marshal(&evt)
	require.NoError(t, err)

	decoded, err := DecodeUnlink(data)
	require.NoError(t, err)
	require.Equal(t, evt, *decoded)
}

func TestDecodeShortBuffer(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	require.Error(t, err)
	_, err = DecodeLink(make([]byte, 8))
	require.Error(t, err)
}

func TestPathKeyIsNull(t *testing.T) {
	require.True(t, PathKey{}.IsNull())
	require.False(t, PathKey{Inode: 1}.IsNull())
	require.False(t, PathKey{MountID: 1}.IsNull())
}

func TestCommString(t *testing.T) {
	require.Equal(t, "ln", CommString(MakeComm("ln")))

	// names longer than the buffer are truncated, not corrupted
	long := "a-very-long-process-name"
	require.Equal(t, long[:16], CommString(MakeComm(long)))
}
