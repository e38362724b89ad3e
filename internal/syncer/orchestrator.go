// Package syncer drives the pull → merge → apply → push cycle between the
// local store and the remote snapshot blob, gated by the edit-lock registry
// and the credential state.
package syncer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szaharov/caljournal/internal/bus"
	"github.com/szaharov/caljournal/internal/common"
	"github.com/szaharov/caljournal/internal/dbx"
	"github.com/szaharov/caljournal/internal/logging"
	"github.com/szaharov/caljournal/internal/models"
	"github.com/szaharov/caljournal/internal/remote"
	"github.com/szaharov/caljournal/internal/snapshot"
	"github.com/szaharov/caljournal/internal/store"
)

// Session is the slice of the credential manager the orchestrator needs.
type Session interface {
	// Authorized reports whether the credential is currently usable. It is
	// consulted before the cycle and re-consulted between pull and push.
	Authorized() bool
	// CheckExpiry advances the token expiry state machine; the sync timer
	// doubles as its tick source.
	CheckExpiry(ctx context.Context)
}

// Status is the coarse outcome of a sync call.
type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// SkipReason explains a skipped cycle. A skip is not an error; the next
// scheduled or manual trigger re-evaluates from scratch.
type SkipReason string

const (
	SkipInFlight    SkipReason = "cycle_in_flight"
	SkipDirty       SkipReason = "unsaved_edits"
	SkipNotSignedIn SkipReason = "not_signed_in"
	SkipEditRaced   SkipReason = "edit_raced_cycle"
)

// Result is the caller-facing outcome: ok, skipped(reason) or error. There
// is deliberately no per-table partial-success reporting; a cycle either
// commits whole or leaves the store untouched.
type Result struct {
	Status Status
	Reason SkipReason
	// Pushed reports whether the cycle uploaded a new snapshot.
	Pushed bool
	Err    error
}

// Config holds orchestrator settings.
type Config struct {
	// Interval between automatic cycles.
	Interval time.Duration
	// ManualBypassesLocks lets a user-invoked SyncNow run despite
	// registered edit locks. Automatic cycles always respect them.
	ManualBypassesLocks bool
	// Passphrase encrypts pushed snapshots and decrypts pulled ones.
	// Empty means plaintext snapshots. SetPassphrase replaces it at
	// runtime.
	Passphrase []byte
}

// Orchestrator runs at most one cycle at a time per device. A trigger
// arriving while a cycle is in flight is dropped, not queued.
type Orchestrator struct {
	store   *store.Store
	codec   *snapshot.Codec
	backend remote.Backend
	session Session
	locks   *DirtyRegistry
	bus     *bus.Bus
	log     logging.Logger
	cfg     Config

	inFlight           atomic.Bool
	lastSyncedRevision atomic.Int64

	passMu     sync.Mutex
	passphrase []byte
}

func NewOrchestrator(
	st *store.Store,
	codec *snapshot.Codec,
	backend remote.Backend,
	session Session,
	locks *DirtyRegistry,
	b *bus.Bus,
	log logging.Logger,
	cfg Config,
) *Orchestrator {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	o := &Orchestrator{
		store:   st,
		codec:   codec,
		backend: backend,
		session: session,
		locks:   locks,
		bus:     b,
		log:     log,
		cfg:     cfg,
	}
	// Force the first cycle to do real work regardless of counters.
	o.lastSyncedRevision.Store(-1)
	o.passphrase = cfg.Passphrase
	return o
}

// SetPassphrase replaces the snapshot passphrase for subsequent cycles.
// Nil or empty switches pushes back to plaintext.
func (o *Orchestrator) SetPassphrase(p []byte) {
	o.passMu.Lock()
	defer o.passMu.Unlock()
	o.passphrase = p
}

func (o *Orchestrator) snapshotPassphrase() []byte {
	o.passMu.Lock()
	defer o.passMu.Unlock()
	return o.passphrase
}

// SyncNow runs one user-invoked cycle.
func (o *Orchestrator) SyncNow(ctx context.Context) Result {
	return o.run(ctx, true)
}

// Run executes automatic cycles on a ticker until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()
	o.RunWithTicks(ctx, ticker.C)
}

// RunWithTicks is Run with an injectable tick source, so tests drive the
// timer deterministically.
func (o *Orchestrator) RunWithTicks(ctx context.Context, ticks <-chan time.Time) {
	for {
		select {
		case <-ticks:
			res := o.run(ctx, false)
			o.logResult(ctx, res)
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) run(ctx context.Context, manual bool) Result {
	if !o.inFlight.CompareAndSwap(false, true) {
		return Result{Status: StatusSkipped, Reason: SkipInFlight}
	}
	defer o.inFlight.Store(false)

	// The sync timer is also the expiry tick for the credential manager.
	o.session.CheckExpiry(ctx)

	if o.locks.HasUnsavedChanges() && !(manual && o.cfg.ManualBypassesLocks) {
		return Result{Status: StatusSkipped, Reason: SkipDirty}
	}
	if !o.session.Authorized() {
		return Result{Status: StatusSkipped, Reason: SkipNotSignedIn}
	}

	res, err := o.cycle(ctx)
	if err != nil {
		return Result{Status: StatusError, Err: err}
	}
	return res
}

// cycle is one full reconciliation. On any error the local store is left
// at its pre-cycle state: the merged tables and the push are committed
// together or not at all.
func (o *Orchestrator) cycle(ctx context.Context) (Result, error) {
	meta := o.store.Meta()
	passphrase := o.snapshotPassphrase()

	md, err := o.backend.Metadata(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("remote metadata: %w", err)
	}

	localUnchanged := o.store.Revision() == o.lastSyncedRevision.Load()
	if localUnchanged && o.remoteUnchanged(ctx, meta, md) {
		// Nothing moved on either side since the last successful cycle,
		// but the cycle still completed and subscribers hear about it.
		o.publishCompleted()
		return Result{Status: StatusOK}, nil
	}

	remoteTables, err := o.pull(ctx, md, passphrase)
	if err != nil {
		return Result{}, err
	}

	// Revision mark taken right before the table read. Any edit that
	// commits after this point makes the merged set stale, and the apply
	// below aborts instead of erasing the edit with its rewrite.
	revAtRead := o.store.Revision()
	localTables, err := o.store.Tables(ctx)
	if err != nil {
		return Result{}, err
	}

	merged, err := MergeTables(localTables, remoteTables)
	if err != nil {
		return Result{}, err
	}

	mergedCanon, err := snapshot.Canonical(merged)
	if err != nil {
		return Result{}, err
	}
	remoteCanon, err := snapshot.Canonical(remoteTables)
	if err != nil {
		return Result{}, err
	}
	pushNeeded := !md.Exists || !bytes.Equal(mergedCanon, remoteCanon)
	digest := sha256.Sum256(mergedCanon)

	// A pull may have taken long enough for the token to lapse; never apply
	// or push with a stale credential.
	if !o.session.Authorized() {
		return Result{}, fmt.Errorf("credential lapsed mid-cycle: %w", common.ErrNotAuthorized)
	}

	pushed := false
	err = o.store.ApplyMerged(ctx, merged, revAtRead, func(ctx context.Context, tx dbx.DBTX) error {
		if pushNeeded {
			data, err := o.codec.Export(merged, passphrase)
			if err != nil {
				return fmt.Errorf("exporting snapshot: %w", err)
			}
			if err := o.backend.Put(ctx, data); err != nil {
				return fmt.Errorf("pushing snapshot: %w", err)
			}
			pushed = true
		}

		txMeta := store.NewMetadataRepo(tx)
		if newMD, err := o.backend.Metadata(ctx); err == nil && newMD.Exists {
			if err := txMeta.Set(ctx, store.MetaLastRemoteModified, []byte(models.FormatTime(newMD.LastModified))); err != nil {
				return err
			}
		}
		return txMeta.Set(ctx, store.MetaLastPushedDigest, digest[:])
	})
	if errors.Is(err, common.ErrStoreChanged) {
		// A local edit won the race; it is still in the store and the next
		// trigger merges it from fresh state.
		return Result{Status: StatusSkipped, Reason: SkipEditRaced}, nil
	}
	if err != nil {
		return Result{}, err
	}

	// ApplyMerged counts as exactly one local mutation. Edits landing after
	// its write lock was taken push past this mark and re-trigger the next
	// cycle.
	o.lastSyncedRevision.Store(revAtRead + 1)

	o.publishCompleted()
	return Result{Status: StatusOK, Pushed: pushed}, nil
}

func (o *Orchestrator) publishCompleted() {
	if o.bus != nil {
		o.bus.Publish(bus.Event{Topic: bus.TopicSyncCompleted})
	}
}

// pull fetches and decodes the remote snapshot. A missing blob (first sync
// from this account) merges as an empty table set.
func (o *Orchestrator) pull(ctx context.Context, md remote.Metadata, passphrase []byte) (models.TableSet, error) {
	if !md.Exists {
		return make(models.TableSet), nil
	}
	data, err := o.backend.Get(ctx)
	if errors.Is(err, common.ErrNotFound) {
		return make(models.TableSet), nil
	}
	if err != nil {
		return nil, fmt.Errorf("pulling snapshot: %w", err)
	}

	snap, err := o.codec.Import(data, passphrase)
	if err != nil {
		return nil, err
	}
	return snap.Tables, nil
}

// remoteUnchanged compares the blob's last-modified against the value
// recorded after the last successful cycle.
func (o *Orchestrator) remoteUnchanged(ctx context.Context, meta *store.MetadataRepo, md remote.Metadata) bool {
	lastKnown, err := meta.Get(ctx, store.MetaLastRemoteModified)
	if err != nil {
		return false
	}
	if !md.Exists {
		return len(lastKnown) == 0
	}
	return string(lastKnown) == models.FormatTime(md.LastModified)
}

func (o *Orchestrator) logResult(ctx context.Context, res Result) {
	if o.log == nil {
		return
	}
	switch res.Status {
	case StatusSkipped:
		o.log.Debug(ctx, "sync cycle skipped", "reason", res.Reason)
	case StatusError:
		switch {
		case errors.Is(res.Err, common.ErrNetwork):
			o.log.Warn(ctx, "sync cycle failed, will retry", "error", res.Err)
		case errors.Is(res.Err, common.ErrVersion), errors.Is(res.Err, common.ErrDecryption):
			o.log.Error(ctx, "sync cycle blocked, user action required", "error", res.Err)
		default:
			o.log.Error(ctx, "sync cycle failed", "error", res.Err)
		}
	default:
		o.log.Info(ctx, "sync cycle finished", "pushed", res.Pushed)
	}
}
