package remote

import (
	"context"
	"sync"
	"time"

	"github.com/szaharov/caljournal/internal/common"
	"github.com/szaharov/caljournal/internal/models"
)

// MemoryBackend is an in-memory Backend used in tests. It counts calls so
// tests can assert that a skipped sync cycle performed zero network
// operations, and it can be forced to fail to exercise error paths.
// Safe for concurrent use.
type MemoryBackend struct {
	mu           sync.Mutex
	data         []byte
	exists       bool
	lastModified time.Time
	clock        models.Clock

	// FailPuts / FailGets make the corresponding calls return
	// common.ErrNetwork while set.
	FailPuts bool
	FailGets bool

	PutCalls      int
	GetCalls      int
	MetadataCalls int
}

func NewMemoryBackend(clock models.Clock) *MemoryBackend {
	if clock == nil {
		clock = models.RealClock{}
	}
	return &MemoryBackend{clock: clock}
}

func (m *MemoryBackend) Put(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutCalls++
	if m.FailPuts {
		return common.ErrNetwork
	}
	m.data = append([]byte(nil), data...)
	m.exists = true
	m.lastModified = m.clock.Now()
	return nil
}

func (m *MemoryBackend) Get(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalls++
	if m.FailGets {
		return nil, common.ErrNetwork
	}
	if !m.exists {
		return nil, common.ErrNotFound
	}
	return append([]byte(nil), m.data...), nil
}

func (m *MemoryBackend) Metadata(ctx context.Context) (Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MetadataCalls++
	if m.FailGets {
		return Metadata{}, common.ErrNetwork
	}
	return Metadata{Exists: m.exists, LastModified: m.lastModified}, nil
}

// Seed places a blob into the backend without counting as a call, for test
// arrangement.
func (m *MemoryBackend) Seed(data []byte, modified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	m.exists = true
	m.lastModified = modified
}

// Calls reports the total number of network operations performed.
func (m *MemoryBackend) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PutCalls + m.GetCalls + m.MetadataCalls
}
