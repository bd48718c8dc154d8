//go:build linux

package platform

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/jnesss/fim-recorder/policy"
)

// probeAttachments maps program section names to the kernel symbols they hook
var probeAttachments = []struct {
	program string
	symbol  string
	ret     bool
}{
	{"kprobe_do_linkat", "do_linkat", false},
	{"kretprobe_do_linkat", "do_linkat", true},
	{"kprobe_vfs_link", "vfs_link", false},
	{"kprobe_do_unlinkat", "do_unlinkat", false},
	{"kretprobe_do_unlinkat", "do_unlinkat", true},
	{"kprobe_vfs_unlink", "vfs_unlink", false},
}

// LinuxMonitor loads the probe object, pushes the policy tables into the
// kernel maps, attaches the hooks and streams ring buffer records.
type LinuxMonitor struct {
	cfg      Config
	policies *policy.Engine
	handler  Handler

	coll     *ebpf.Collection
	links    []link.Link
	reader   *ringbuf.Reader
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates a Linux BPF monitor
func NewMonitor(cfg Config, policies *policy.Engine, handler Handler) (Monitor, error) {
	if cfg.ObjectPath == "" {
		return nil, ErrUnsupported
	}
	if cfg.EventMapName == "" {
		cfg.EventMapName = "events"
	}
	return &LinuxMonitor{
		cfg:      cfg,
		policies: policies,
		handler:  handler,
		stopChan: make(chan struct{}),
	}, nil
}

// Start loads and attaches the probes and begins reading events
func (m *LinuxMonitor) Start() error {
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("failed to remove memlock: %v", err)
	}

	spec, err := ebpf.LoadCollectionSpec(m.cfg.ObjectPath)
	if err != nil {
		return fmt.Errorf("failed to load BPF object %s: %v", m.cfg.ObjectPath, err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("failed to load BPF collection: %v", err)
	}
	m.coll = coll

	if err := m.applyPolicy(); err != nil {
		coll.Close()
		return err
	}

	for _, pa := range probeAttachments {
		prog, ok := coll.Programs[pa.program]
		if !ok {
			log.Printf("Warning: program %s not found in object", pa.program)
			continue
		}
		var l link.Link
		if pa.ret {
			l, err = link.Kretprobe(pa.symbol, prog, nil)
		} else {
			l, err = link.Kprobe(pa.symbol, prog, nil)
		}
		if err != nil {
			log.Printf("Warning: failed to attach %s to %s: %v", pa.program, pa.symbol, err)
			continue
		}
		m.links = append(m.links, l)
	}

	eventsMap, ok := coll.Maps[m.cfg.EventMapName]
	if !ok {
		m.Stop()
		return fmt.Errorf("map %s not found in object", m.cfg.EventMapName)
	}

	reader, err := ringbuf.NewReader(eventsMap)
	if err != nil {
		m.Stop()
		return fmt.Errorf("failed to create ringbuf reader: %v", err)
	}
	m.reader = reader

	m.wg.Add(1)
	go m.readLoop()

	log.Printf("BPF monitoring started (%d probes attached)", len(m.links))
	return nil
}

// applyPolicy pushes the policy tables into the kernel-side maps so the
// probes filter before events ever reach the ring buffer.
func (m *LinuxMonitor) applyPolicy() error {
	policyMap, ok := m.coll.Maps["filter_policy"]
	if ok {
		for eventType, pol := range m.policies.Policies() {
			entry := struct {
				Mode  uint8
				Flags uint8
				Pad   [6]uint8
			}{Mode: uint8(pol.Mode), Flags: pol.Flags}
			if err := policyMap.Put(uint32(eventType), entry); err != nil {
				return fmt.Errorf("failed to set policy for %s: %v", eventType, err)
			}
		}
	}

	enabledMap, ok := m.coll.Maps["enabled_events"]
	if ok {
		if err := enabledMap.Put(uint32(0), m.policies.EnabledMask()); err != nil {
			return fmt.Errorf("failed to set enabled events mask: %v", err)
		}
	}

	return nil
}

func (m *LinuxMonitor) readLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopChan:
			return
		default:
			record, err := m.reader.Read()
			if err != nil {
				if errors.Is(err, ringbuf.ErrClosed) {
					return
				}
				log.Printf("Error reading from ring buffer: %v", err)
				continue
			}
			m.handler(record.RawSample)
		}
	}
}

// Stop detaches the probes and stops the reader
func (m *LinuxMonitor) Stop() error {
	select {
	case <-m.stopChan:
	default:
		close(m.stopChan)
	}
	if m.reader != nil {
		m.reader.Close()
	}
	for _, l := range m.links {
		l.Close()
	}
	m.links = nil
	if m.coll != nil {
		m.coll.Close()
	}
	m.wg.Wait()
	return nil
}
