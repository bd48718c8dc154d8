//go:build !linux

package platform

import (
	"github.com/jnesss/fim-recorder/policy"
)

// NewMonitor is unavailable off Linux; the agent runs consumer-only
func NewMonitor(cfg Config, policies *policy.Engine, handler Handler) (Monitor, error) {
	return nil, ErrUnsupported
}
