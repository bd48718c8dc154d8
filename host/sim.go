package host

import (
	"fmt"
	"strings"
	"sync"
)

// SimMemory is an in-process dentry store used by tests and replay runs. It
// hands out opaque handles the same way the kernel does and can inject read
// faults on selected handles.
type SimMemory struct {
	mu       sync.RWMutex
	dentries map[DentryRef]DentryView
	byPath   map[uint32]map[string]DentryRef
	faults   map[DentryRef]bool
	nextRef  DentryRef
	nextIno  uint64
	reads    uint64
}

// NewSimMemory creates an empty simulated dentry store
func NewSimMemory() *SimMemory {
	return &SimMemory{
		dentries: make(map[DentryRef]DentryView),
		byPath:   make(map[uint32]map[string]DentryRef),
		faults:   make(map[DentryRef]bool),
		nextRef:  1,
		nextIno:  2, // inode 1 is reserved for mount roots
	}
}

// ReadDentry implements Memory
func (m *SimMemory) ReadDentry(ref DentryRef) (DentryView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.faults[ref] {
		return DentryView{}, ErrFault
	}
	view, ok := m.dentries[ref]
	if !ok {
		return DentryView{}, ErrFault
	}
	return view, nil
}

// Reads returns how many remote reads were served, faults included
func (m *SimMemory) Reads() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reads
}

// SetFault makes every subsequent read of ref fail
func (m *SimMemory) SetFault(ref DentryRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[ref] = true
}

// AddDentry inserts a raw dentry view and returns its handle
func (m *SimMemory) AddDentry(view DentryView) DentryRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(view)
}

func (m *SimMemory) addLocked(view DentryView) DentryRef {
	ref := m.nextRef
	m.nextRef++
	m.dentries[ref] = view
	return ref
}

// AddPath builds the dentry chain for a slash-separated absolute path on the
// given mount, reusing already-built ancestors, and returns the leaf handle.
func (m *SimMemory) AddPath(mountID uint32, path string) (DentryRef, error) {
	if !strings.HasPrefix(path, "/") {
		return 0, fmt.Errorf("path %q is not absolute", path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	paths, ok := m.byPath[mountID]
	if !ok {
		paths = make(map[string]DentryRef)
		m.byPath[mountID] = paths
		paths["/"] = m.addLocked(DentryView{
			Name:    "/",
			MountID: mountID,
			Inode:   1,
			Mode:    0o755,
		})
	}

	parent := paths["/"]
	current := ""
	for _, comp := range strings.Split(strings.Trim(path, "/"), "/") {
		if comp == "" {
			continue
		}
		current += "/" + comp
		if ref, ok := paths[current]; ok {
			parent = ref
			continue
		}
		ref := m.addLocked(DentryView{
			Name:    comp,
			Parent:  parent,
			MountID: mountID,
			Inode:   m.nextIno,
			Mode:    0o644,
			UID:     1000,
			GID:     1000,
			CTime:   uint64(len(current)), // deterministic, content-free
			MTime:   uint64(len(current)),
		})
		m.nextIno++
		paths[current] = ref
		parent = ref
	}

	return parent, nil
}

// MustAddPath is AddPath for test fixtures
func (m *SimMemory) MustAddPath(mountID uint32, path string) DentryRef {
	ref, err := m.AddPath(mountID, path)
	if err != nil {
		panic(err)
	}
	return ref
}

// Rename repoints the leaf at oldPath under the parent of newPath. The handle
// stays valid; only the view changes, like a kernel rename.
func (m *SimMemory) Rename(mountID uint32, oldPath, newPath string) error {
	m.mu.Lock()
	paths, ok := m.byPath[mountID]
	ref, refOK := DentryRef(0), false
	if ok {
		ref, refOK = paths[oldPath]
	}
	m.mu.Unlock()
	if !ok || !refOK {
		return fmt.Errorf("no dentry at %q", oldPath)
	}

	dir := newPath[:strings.LastIndex(newPath, "/")]
	if dir == "" {
		dir = "/"
	}
	parentRef, err := m.AddPath(mountID, dir)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	view := m.dentries[ref]
	view.Name = newPath[strings.LastIndex(newPath, "/")+1:]
	view.Parent = parentRef
	m.dentries[ref] = view
	delete(m.byPath[mountID], oldPath)
	m.byPath[mountID][newPath] = ref
	return nil
}
