package syncer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirtyRegistry_RegisterUnregister(t *testing.T) {
	r := NewDirtyRegistry()
	assert.False(t, r.HasUnsavedChanges())

	r.RegisterDirty("editor-entry-1")
	assert.True(t, r.HasUnsavedChanges())

	r.RegisterDirty("editor-entry-2")
	r.UnregisterDirty("editor-entry-1")
	assert.True(t, r.HasUnsavedChanges())

	r.UnregisterDirty("editor-entry-2")
	assert.False(t, r.HasUnsavedChanges())
}

func TestDirtyRegistry_ReRegisterSameID(t *testing.T) {
	r := NewDirtyRegistry()
	r.RegisterDirty("x")
	r.RegisterDirty("x")

	// One unregister clears it: re-registering is a no-op, not a count.
	r.UnregisterDirty("x")
	assert.False(t, r.HasUnsavedChanges())
}

func TestDirtyRegistry_UnknownIDIgnored(t *testing.T) {
	r := NewDirtyRegistry()
	assert.NotPanics(t, func() { r.UnregisterDirty("never-registered") })
	assert.False(t, r.HasUnsavedChanges())
}

func TestDirtyRegistry_ConcurrentUse(t *testing.T) {
	r := NewDirtyRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id byte) {
			defer wg.Done()
			lockID := string([]byte{'l', id})
			r.RegisterDirty(lockID)
			_ = r.HasUnsavedChanges()
			r.UnregisterDirty(lockID)
		}(byte(i))
	}
	wg.Wait()
	assert.False(t, r.HasUnsavedChanges())
}
