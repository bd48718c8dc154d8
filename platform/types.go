// Package platform attaches the engine's probe programs to a real host and
// streams raw records back to the consumer. On hosts without eBPF support
// the monitor is unavailable and the agent runs consumer-only.
package platform

import "errors"

// ErrUnsupported is returned where BPF monitoring is not available
var ErrUnsupported = errors.New("BPF monitoring not supported on this platform")

// Handler receives one raw event record from the kernel ring buffer
type Handler func(record []byte)

// Config locates the probe object and names the interception points
type Config struct {
	// ObjectPath is the prebuilt BPF object file
	ObjectPath string
	// EventMapName is the output ring buffer map
	EventMapName string
}

// Monitor drives kernel-side event collection
type Monitor interface {
	Start() error
	Stop() error
}
