package bufpool

import "sync"

// MetaKind tags a metadata entry's type in the bag's tagged union.
type MetaKind int

const (
	MetaBBoxList MetaKind = iota
	MetaCropRegion
	MetaTensor
	MetaExpectedCrops
	MetaBatch
	// MetaParentFrame links a child buffer to a parent it was derived from:
	// attaching one calls AddRef on the parent frame's planes; closing the
	// bag (i.e. destroying the child buffer) decrements them. This is
	// lifetime extension via refcount, not bidirectional ownership.
	MetaParentFrame
)

// MetaEntry is one tagged value in a Frame's metadata bag. Attaching an
// entry never transfers buffer ownership by itself — only MetaParentFrame
// entries touch refcounts, and only because they carry a parent Frame.
type MetaEntry struct {
	Kind   MetaKind
	Value  any
	parent *Frame // set only for MetaParentFrame entries
}

// MetadataBag is a keyed map of tagged metadata entries attached to a Frame.
type MetadataBag struct {
	mu      sync.Mutex
	entries map[string]MetaEntry
}

func newMetadataBag() *MetadataBag {
	return &MetadataBag{entries: make(map[string]MetaEntry)}
}

// Set attaches (or replaces) a metadata entry under key.
func (b *MetadataBag) Set(key string, kind MetaKind, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.entries[key]; ok && old.parent != nil {
		old.parent.Release()
	}
	b.entries[key] = MetaEntry{Kind: kind, Value: value}
}

// SetParentFrame attaches a parent-buffer link: the parent's planes are
// AddRef'd now and Released when the bag is closed (i.e. when the owning
// Frame is fully destroyed), extending the parent's lifetime to at least
// that of the child.
func (b *MetadataBag) SetParentFrame(key string, parent *Frame) {
	parent.AddRef()
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.entries[key]; ok && old.parent != nil {
		old.parent.Release()
	}
	b.entries[key] = MetaEntry{Kind: MetaParentFrame, Value: parent, parent: parent}
}

// Get returns the entry at key, if present.
func (b *MetadataBag) Get(key string) (MetaEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	return e, ok
}

// Delete removes an entry, releasing any parent-frame link it held.
func (b *MetadataBag) Delete(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.entries[key]; ok {
		if old.parent != nil {
			old.parent.Release()
		}
		delete(b.entries, key)
	}
}

// close releases every parent-frame link still held by the bag. Called once,
// from Frame.maybeDestroy, when the owning frame's last plane reaches zero.
func (b *MetadataBag) close() {
	b.mu.Lock()
	entries := b.entries
	b.entries = nil
	b.mu.Unlock()
	for _, e := range entries {
		if e.parent != nil {
			e.parent.Release()
		}
	}
}
