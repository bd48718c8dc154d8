package policy

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/jnesss/fim-recorder/events"
)

// EventConfig is the per-event-type section of the policy file
type EventConfig struct {
	Mode      string   `yaml:"mode"`
	PIDs      []uint32 `yaml:"pids"`
	Processes []string `yaml:"processes"`
	Basenames []string `yaml:"basenames"`
}

// Config is the on-disk policy table format
type Config struct {
	Enabled []string               `yaml:"enabled"`
	Events  map[string]EventConfig `yaml:"events"`
}

// LoadFile parses a policy file
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %v", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %v", path, err)
	}
	return &cfg, nil
}

func parseMode(s string) (Mode, error) {
	switch s {
	case "", "no_filter":
		return NoFilter, nil
	case "allow_list":
		return AllowList, nil
	case "deny_list":
		return DenyList, nil
	default:
		return NoFilter, fmt.Errorf("unknown policy mode %q", s)
	}
}

// Apply compiles a config into fresh tables and swaps them in atomically.
// In-flight lookups keep seeing the previous snapshot.
func (e *Engine) Apply(cfg *Config) error {
	t := emptyTables()

	if len(cfg.Enabled) > 0 {
		t.enabled = 0
		for _, name := range cfg.Enabled {
			eventType, err := events.ParseEventType(name)
			if err != nil {
				return err
			}
			t.enabled |= eventType.Mask()
		}
	}

	for name, ec := range cfg.Events {
		eventType, err := events.ParseEventType(name)
		if err != nil {
			return err
		}
		mode, err := parseMode(ec.Mode)
		if err != nil {
			return fmt.Errorf("event %s: %v", name, err)
		}
		t.policies[eventType] = Policy{Mode: mode}

		for _, pid := range ec.PIDs {
			t.pidDiscarders[pid] |= eventType.Mask()
		}
		for _, comm := range ec.Processes {
			t.commDiscarders[comm] |= eventType.Mask()
		}
		if len(ec.Basenames) > 0 {
			values := make(map[string]struct{}, len(ec.Basenames))
			for _, b := range ec.Basenames {
				values[b] = struct{}{}
			}
			t.basenames[eventType] = values
		}
	}

	e.tables.Store(t)
	return nil
}

// LoadAndApply loads a policy file into the engine
func (e *Engine) LoadAndApply(path string) error {
	cfg, err := LoadFile(path)
	if err != nil {
		return err
	}
	return e.Apply(cfg)
}

// Watch reloads the policy file whenever it changes on disk. It returns a
// stop function. Reload failures keep the previous tables and are logged.
func (e *Engine) Watch(path string) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create policy watcher: %v", err)
	}

	// watch the directory so replace-by-rename updates are seen
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %v", filepath.Dir(path), err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := e.LoadAndApply(path); err != nil {
					log.Printf("Policy reload failed, keeping previous tables: %v", err)
				} else {
					log.Printf("Reloaded policy from %s", path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("Policy watcher error: %v", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
