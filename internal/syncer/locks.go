package syncer

import "sync"

// DirtyRegistry tracks components with unsaved edits. Each active editor
// registers an opaque lock id when its buffer diverges from the store and
// unregisters it on save or discard. The orchestrator consults membership
// only, never content: any registered lock makes an automatic cycle skip
// silently rather than clobber unsaved work.
type DirtyRegistry struct {
	mu    sync.Mutex
	locks map[string]struct{}
}

func NewDirtyRegistry() *DirtyRegistry {
	return &DirtyRegistry{locks: make(map[string]struct{})}
}

// RegisterDirty marks lockID as having unsaved changes. Re-registering the
// same id is a no-op.
func (r *DirtyRegistry) RegisterDirty(lockID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locks[lockID] = struct{}{}
}

// UnregisterDirty clears lockID. Unknown ids are ignored.
func (r *DirtyRegistry) UnregisterDirty(lockID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, lockID)
}

// HasUnsavedChanges reports whether any lock is registered.
func (r *DirtyRegistry) HasUnsavedChanges() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks) > 0
}
