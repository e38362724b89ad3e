package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/szaharov/caljournal/internal/bus"
	"github.com/szaharov/caljournal/internal/common"
	"github.com/szaharov/caljournal/internal/models"
	"github.com/szaharov/caljournal/internal/remote"
	"github.com/szaharov/caljournal/internal/snapshot"
	"github.com/szaharov/caljournal/internal/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeSession answers Authorized from a scripted sequence; the last answer
// repeats once the script runs out. onAuthorized, when set, runs on every
// Authorized call with the 1-based call number.
type fakeSession struct {
	mu              sync.Mutex
	answers         []bool
	authorizedCalls int
	onAuthorized    func(call int)

	checkExpiryCalls int
}

func newFakeSession(answers ...bool) *fakeSession {
	return &fakeSession{answers: answers}
}

func (s *fakeSession) Authorized() bool {
	s.mu.Lock()
	s.authorizedCalls++
	call := s.authorizedCalls
	hook := s.onAuthorized
	ans := false
	if len(s.answers) > 0 {
		ans = s.answers[0]
		if len(s.answers) > 1 {
			s.answers = s.answers[1:]
		}
	}
	s.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return ans
}

func (s *fakeSession) CheckExpiry(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkExpiryCalls++
}

type syncFixture struct {
	orch    *Orchestrator
	store   *store.Store
	backend *remote.MemoryBackend
	session *fakeSession
	locks   *DirtyRegistry
	bus     *bus.Bus
	clock   *testClock
}

func setupSync(t *testing.T, cfg Config) *syncFixture {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// Every pooled connection to :memory: gets its own database; pin to one.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.RunMigrations(context.Background(), db))

	clock := newTestClock()
	st := store.New(db, clock, nil)
	f := &syncFixture{
		store:   st,
		backend: remote.NewMemoryBackend(clock),
		session: newFakeSession(true),
		locks:   NewDirtyRegistry(),
		bus:     bus.New(),
		clock:   clock,
	}
	f.orch = NewOrchestrator(st, snapshot.NewCodec(clock), f.backend, f.session, f.locks, f.bus, nil, cfg)
	return f
}

// reopen builds a second orchestrator over the same store and backend, as
// after a process restart: in-memory counters are gone, persisted metadata
// remains.
func (f *syncFixture) reopen(cfg Config) *Orchestrator {
	return NewOrchestrator(f.store, snapshot.NewCodec(f.clock), f.backend, f.session, f.locks, f.bus, nil, cfg)
}

func insertEntry(t *testing.T, f *syncFixture, calories string) *models.Record {
	t.Helper()
	rec, err := f.store.Insert(context.Background(), models.TableEntries,
		map[string]json.RawMessage{"calories": json.RawMessage(calories)})
	require.NoError(t, err)
	return rec
}

func seedRemote(t *testing.T, f *syncFixture, tables models.TableSet, passphrase []byte) {
	t.Helper()
	data, err := snapshot.NewCodec(f.clock).Export(tables, passphrase)
	require.NoError(t, err)
	f.backend.Seed(data, f.clock.Now())
}

func TestSyncNow_FirstSyncPushesLocalState(t *testing.T) {
	f := setupSync(t, Config{})
	rec := insertEntry(t, f, "310")

	res := f.orch.SyncNow(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, StatusOK, res.Status)
	assert.True(t, res.Pushed)

	// The pushed blob decodes back to the local state.
	data, err := f.backend.Get(context.Background())
	require.NoError(t, err)
	snap, err := snapshot.NewCodec(f.clock).Import(data, nil)
	require.NoError(t, err)
	require.Len(t, snap.Tables[models.TableEntries], 1)
	assert.Equal(t, rec.ID, snap.Tables[models.TableEntries][0].ID)
}

func TestSyncNow_NoChangesFastPath(t *testing.T) {
	f := setupSync(t, Config{})
	insertEntry(t, f, "310")

	res := f.orch.SyncNow(context.Background())
	require.Equal(t, StatusOK, res.Status)
	callsAfterFirst := f.backend.Calls()

	// Nothing changed on either side: one metadata probe, no pull, no push.
	res = f.orch.SyncNow(context.Background())
	require.Equal(t, StatusOK, res.Status)
	assert.False(t, res.Pushed)
	assert.Equal(t, callsAfterFirst+1, f.backend.Calls())
}

func TestSyncNow_ReMergeAfterRestartIsNoOpPush(t *testing.T) {
	f := setupSync(t, Config{})
	insertEntry(t, f, "310")

	res := f.orch.SyncNow(context.Background())
	require.Equal(t, StatusOK, res.Status)
	require.True(t, res.Pushed)
	putsAfterFirst := f.backend.PutCalls

	// A restarted engine has no in-memory revision mark and runs the full
	// cycle, but merging an already-applied snapshot changes nothing, so no
	// second upload happens.
	restarted := f.reopen(Config{})
	res = restarted.SyncNow(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, StatusOK, res.Status)
	assert.False(t, res.Pushed)
	assert.Equal(t, putsAfterFirst, f.backend.PutCalls)
}

func TestSyncNow_MergesRemoteIntoStore(t *testing.T) {
	f := setupSync(t, Config{})
	local := insertEntry(t, f, "310")

	remoteAt := f.clock.Now().Add(time.Minute)
	seedRemote(t, f, models.TableSet{
		models.TableWeights: {{
			ID:        "w-remote",
			CreatedAt: remoteAt,
			UpdatedAt: remoteAt,
			Payload:   map[string]json.RawMessage{"kg": json.RawMessage(`82.5`)},
		}},
	}, nil)

	f.clock.Advance(2 * time.Minute)
	res := f.orch.SyncNow(context.Background())
	require.NoError(t, res.Err)
	require.Equal(t, StatusOK, res.Status)
	assert.True(t, res.Pushed)

	// Both sides' records are present locally afterwards.
	_, err := f.store.Get(context.Background(), models.TableEntries, local.ID)
	require.NoError(t, err)
	got, err := f.store.Get(context.Background(), models.TableWeights, "w-remote")
	require.NoError(t, err)
	assert.JSONEq(t, `82.5`, string(got.Payload["kg"]))
}

func TestSyncNow_RemoteDeletionPropagates(t *testing.T) {
	f := setupSync(t, Config{})
	rec := insertEntry(t, f, "310")

	deletedAt := f.clock.Now().Add(time.Minute)
	seedRemote(t, f, models.TableSet{
		models.TableEntries: {{
			ID:        rec.ID,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: deletedAt,
			Deleted:   true,
			DeletedAt: &deletedAt,
		}},
	}, nil)

	f.clock.Advance(2 * time.Minute)
	res := f.orch.SyncNow(context.Background())
	require.Equal(t, StatusOK, res.Status)

	_, err := f.store.Get(context.Background(), models.TableEntries, rec.ID)
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestSyncNow_DirtyLockSuppressesCycle(t *testing.T) {
	f := setupSync(t, Config{})
	insertEntry(t, f, "310")
	f.locks.RegisterDirty("editor-1")

	res := f.orch.SyncNow(context.Background())
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, SkipDirty, res.Reason)
	// A suppressed cycle performs zero network operations.
	assert.Equal(t, 0, f.backend.Calls())

	// The expiry check still ran; it rides the sync trigger.
	assert.Equal(t, 1, f.session.checkExpiryCalls)

	// Releasing the lock unblocks the next trigger.
	f.locks.UnregisterDirty("editor-1")
	res = f.orch.SyncNow(context.Background())
	assert.Equal(t, StatusOK, res.Status)
}

func TestSyncNow_ManualBypassFlag(t *testing.T) {
	f := setupSync(t, Config{ManualBypassesLocks: true})
	insertEntry(t, f, "310")
	f.locks.RegisterDirty("editor-1")

	// Manual trigger may bypass when configured to.
	res := f.orch.SyncNow(context.Background())
	assert.Equal(t, StatusOK, res.Status)

	// Automatic trigger never bypasses.
	insertEntry(t, f, "200")
	res = f.orch.run(context.Background(), false)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, SkipDirty, res.Reason)
}

func TestSyncNow_NotSignedInSkips(t *testing.T) {
	f := setupSync(t, Config{})
	f.session.answers = []bool{false}
	insertEntry(t, f, "310")

	res := f.orch.SyncNow(context.Background())
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, SkipNotSignedIn, res.Reason)
	assert.Equal(t, 0, f.backend.Calls())
}

func TestSyncNow_InFlightCycleDropsTrigger(t *testing.T) {
	f := setupSync(t, Config{})
	f.orch.inFlight.Store(true)

	res := f.orch.SyncNow(context.Background())
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, SkipInFlight, res.Reason)
	assert.Equal(t, 0, f.backend.Calls())
}

func TestSyncNow_PushFailureRollsBackApply(t *testing.T) {
	f := setupSync(t, Config{})
	local := insertEntry(t, f, "310")

	remoteAt := f.clock.Now().Add(time.Minute)
	seedRemote(t, f, models.TableSet{
		models.TableWeights: {{
			ID:        "w-remote",
			CreatedAt: remoteAt,
			UpdatedAt: remoteAt,
			Payload:   map[string]json.RawMessage{"kg": json.RawMessage(`82.5`)},
		}},
	}, nil)
	f.backend.FailPuts = true

	f.clock.Advance(2 * time.Minute)
	res := f.orch.SyncNow(context.Background())
	assert.Equal(t, StatusError, res.Status)
	require.ErrorIs(t, res.Err, common.ErrNetwork)

	// The merge was rolled back with the push: the remote record never
	// landed and the local one is intact.
	_, err := f.store.Get(context.Background(), models.TableWeights, "w-remote")
	require.ErrorIs(t, err, common.ErrNotFound)
	_, err = f.store.Get(context.Background(), models.TableEntries, local.ID)
	require.NoError(t, err)

	// The failure is transient: the next trigger succeeds end to end.
	f.backend.FailPuts = false
	res = f.orch.SyncNow(context.Background())
	assert.Equal(t, StatusOK, res.Status)
	_, err = f.store.Get(context.Background(), models.TableWeights, "w-remote")
	require.NoError(t, err)
}

func TestSyncNow_MetadataFailureLeavesStoreUntouched(t *testing.T) {
	f := setupSync(t, Config{})
	insertEntry(t, f, "310")
	f.backend.FailGets = true

	res := f.orch.SyncNow(context.Background())
	assert.Equal(t, StatusError, res.Status)
	require.ErrorIs(t, res.Err, common.ErrNetwork)
	assert.Equal(t, 0, f.backend.PutCalls)
}

func TestSyncNow_CredentialLapseMidCycleAborts(t *testing.T) {
	f := setupSync(t, Config{})
	local := insertEntry(t, f, "310")

	remoteAt := f.clock.Now().Add(time.Minute)
	seedRemote(t, f, models.TableSet{
		models.TableWeights: {{
			ID:        "w-remote",
			CreatedAt: remoteAt,
			UpdatedAt: remoteAt,
		}},
	}, nil)

	// Authorized when the cycle starts, lapsed by the time the merged state
	// would be applied and pushed.
	f.session.answers = []bool{true, false}

	f.clock.Advance(2 * time.Minute)
	res := f.orch.SyncNow(context.Background())
	assert.Equal(t, StatusError, res.Status)
	require.ErrorIs(t, res.Err, common.ErrNotAuthorized)

	// Neither applied nor pushed.
	_, err := f.store.Get(context.Background(), models.TableWeights, "w-remote")
	require.ErrorIs(t, err, common.ErrNotFound)
	_, err = f.store.Get(context.Background(), models.TableEntries, local.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, f.backend.PutCalls)
}

func TestSyncNow_EncryptedSnapshots(t *testing.T) {
	pass := []byte("vault passphrase")
	f := setupSync(t, Config{Passphrase: pass})
	insertEntry(t, f, "310")

	res := f.orch.SyncNow(context.Background())
	require.Equal(t, StatusOK, res.Status)
	require.True(t, res.Pushed)

	// The blob is unreadable without the passphrase.
	data, err := f.backend.Get(context.Background())
	require.NoError(t, err)
	_, err = snapshot.NewCodec(f.clock).Import(data, nil)
	require.ErrorIs(t, err, common.ErrDecryption)

	// A wrong passphrase blocks the cycle instead of clobbering the blob.
	insertEntry(t, f, "200")
	f.clock.Advance(time.Minute)
	wrong := f.reopen(Config{Passphrase: []byte("not it")})
	res = wrong.SyncNow(context.Background())
	assert.Equal(t, StatusError, res.Status)
	require.ErrorIs(t, res.Err, common.ErrDecryption)
}

func TestSyncNow_PublishesSyncCompleted(t *testing.T) {
	f := setupSync(t, Config{})
	insertEntry(t, f, "310")

	ch, cancel := f.bus.Subscribe(bus.TopicSyncCompleted)
	defer cancel()

	res := f.orch.SyncNow(context.Background())
	require.Equal(t, StatusOK, res.Status)
	require.Len(t, ch, 1)
	ev := <-ch
	assert.Equal(t, bus.TopicSyncCompleted, ev.Topic)

	// The fast path completes a cycle too and is announced the same way.
	res = f.orch.SyncNow(context.Background())
	require.Equal(t, StatusOK, res.Status)
	require.Len(t, ch, 1)
	ev = <-ch
	assert.Equal(t, bus.TopicSyncCompleted, ev.Topic)

	// A skipped cycle is not a completed one.
	f.locks.RegisterDirty("editor-1")
	res = f.orch.SyncNow(context.Background())
	require.Equal(t, StatusSkipped, res.Status)
	assert.Len(t, ch, 0)
}

func TestSyncNow_EditDuringCycleSurvivesApply(t *testing.T) {
	f := setupSync(t, Config{})
	insertEntry(t, f, "310")

	// A quick-add commits after the cycle has read the tables but before
	// the merged rewrite lands: the cycle must yield, not erase it. The
	// mid-cycle credential recheck sits exactly between those two steps.
	var raced *models.Record
	f.session.onAuthorized = func(call int) {
		if call != 2 {
			return
		}
		rec, err := f.store.Insert(context.Background(), models.TableWaterEntries,
			map[string]json.RawMessage{"ml": json.RawMessage(`250`)})
		require.NoError(t, err)
		raced = rec
	}

	res := f.orch.SyncNow(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, SkipEditRaced, res.Reason)
	assert.Equal(t, 0, f.backend.PutCalls)

	require.NotNil(t, raced)
	_, err := f.store.Get(context.Background(), models.TableWaterEntries, raced.ID)
	require.NoError(t, err)

	// The next trigger merges from fresh state and pushes both records.
	res = f.orch.SyncNow(context.Background())
	require.Equal(t, StatusOK, res.Status)
	require.True(t, res.Pushed)

	data, err := f.backend.Get(context.Background())
	require.NoError(t, err)
	snap, err := snapshot.NewCodec(f.clock).Import(data, nil)
	require.NoError(t, err)
	require.Len(t, snap.Tables[models.TableWaterEntries], 1)
	assert.Equal(t, raced.ID, snap.Tables[models.TableWaterEntries][0].ID)
	require.Len(t, snap.Tables[models.TableEntries], 1)
}

func TestSetPassphrase_AppliesToNextCycle(t *testing.T) {
	f := setupSync(t, Config{})
	insertEntry(t, f, "310")

	res := f.orch.SyncNow(context.Background())
	require.Equal(t, StatusOK, res.Status)
	data, err := f.backend.Get(context.Background())
	require.NoError(t, err)
	_, err = snapshot.NewCodec(f.clock).Import(data, nil)
	require.NoError(t, err)

	pass := []byte("vault passphrase")
	f.orch.SetPassphrase(pass)
	insertEntry(t, f, "200")
	f.clock.Advance(time.Minute)

	res = f.orch.SyncNow(context.Background())
	require.Equal(t, StatusOK, res.Status)
	require.True(t, res.Pushed)

	// The new blob is sealed under the passphrase.
	data, err = f.backend.Get(context.Background())
	require.NoError(t, err)
	_, err = snapshot.NewCodec(f.clock).Import(data, nil)
	require.ErrorIs(t, err, common.ErrDecryption)
	snap, err := snapshot.NewCodec(f.clock).Import(data, pass)
	require.NoError(t, err)
	assert.Len(t, snap.Tables[models.TableEntries], 2)
}

func TestRunWithTicks_DrivenByTimer(t *testing.T) {
	f := setupSync(t, Config{})
	insertEntry(t, f, "310")

	ch, cancel := f.bus.Subscribe(bus.TopicSyncCompleted)
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	ticks := make(chan time.Time)
	done := make(chan struct{})
	go func() {
		f.orch.RunWithTicks(ctx, ticks)
		close(done)
	}()

	ticks <- time.Now()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("tick did not trigger a sync cycle")
	}

	stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunWithTicks did not stop on context cancel")
	}
}

func TestSyncNow_RecordsSyncMetadata(t *testing.T) {
	f := setupSync(t, Config{})
	insertEntry(t, f, "310")

	res := f.orch.SyncNow(context.Background())
	require.Equal(t, StatusOK, res.Status)

	meta := f.store.Meta()
	digest, err := meta.Get(context.Background(), store.MetaLastPushedDigest)
	require.NoError(t, err)
	assert.Len(t, digest, 32)

	lastModified, err := meta.Get(context.Background(), store.MetaLastRemoteModified)
	require.NoError(t, err)
	assert.Equal(t, models.FormatTime(f.clock.Now()), string(lastModified))
}
