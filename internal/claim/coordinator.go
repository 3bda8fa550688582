// Package claim implements race-free exclusive ownership of world chunks.
//
// Two serialization layers protect every mutation: a per-key process lock
// (contention reduction) and the store's pessimistic transaction lock (the
// actual correctness guarantee, also across processes). The order is fixed:
// acquire the process lock, open the transaction, validate, mutate, end the
// transaction, update the cache, release the lock.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"chunkclaim.dev/internal/claim/lockreg"
)

// ErrDuplicateKey is returned by StoreTx.Insert when a row for the key
// already exists.
var ErrDuplicateKey = errors.New("claim: duplicate key")

// StoreTx is one pessimistic transaction against the authoritative store.
// Any error inside the unit of work must be followed by Rollback; Commit
// happens once, at the very end.
type StoreTx interface {
	GetForUpdate(ctx context.Context, key ChunkKey) (*Claim, error)
	Insert(ctx context.Context, c Claim) error
	Update(ctx context.Context, c Claim) error
	Delete(ctx context.Context, key ChunkKey) error
	AppendHistory(ctx context.Context, h HistoryEntry) error
	Commit() error
	Rollback() error
}

// Store provides transactions plus a non-locking diagnostic read.
type Store interface {
	Begin(ctx context.Context) (StoreTx, error)
	Get(ctx context.Context, key ChunkKey) (*Claim, error)
}

// Cache is the read projection the coordinator maintains after commits.
type Cache interface {
	Owner(key ChunkKey) (Claim, bool)
	Put(c Claim)
	Remove(key ChunkKey) (Claim, bool)
}

// DefaultLockTimeout bounds how long an operation waits for a contended
// chunk before giving up with E_LOCK_TIMEOUT.
const DefaultLockTimeout = 10 * time.Second

type Coordinator struct {
	store Store
	cache Cache
	locks *lockreg.Registry
	area  *Area
	sink  EventSink
	log   *log.Logger

	lockTimeout time.Duration
}

type CoordinatorOptions struct {
	// Area restricts claimable chunks; nil allows everywhere.
	Area *Area
	// Sink receives committed events; nil disables publishing.
	Sink EventSink
	// LockTimeout overrides DefaultLockTimeout when > 0.
	LockTimeout time.Duration
}

func NewCoordinator(store Store, cache Cache, locks *lockreg.Registry, logger *log.Logger, opts CoordinatorOptions) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &Coordinator{
		store:       store,
		cache:       cache,
		locks:       locks,
		area:        opts.Area,
		sink:        opts.Sink,
		log:         logger,
		lockTimeout: timeout,
	}
}

// Locks exposes the registry for the operator surface.
func (co *Coordinator) Locks() *lockreg.Registry { return co.locks }

// Claim awards key to actor if and only if no claim exists for it. Exactly
// one of N racing calls succeeds; the rest observe the winner's row.
func (co *Coordinator) Claim(ctx context.Context, actor Actor, key ChunkKey, kind Kind) Result {
	if _, ok := kind.VillageID(); ok {
		return failure(CodeNoPermission, "village claims are made through village conversion")
	}
	if !co.area.Contains(key) {
		return failure(CodeOutOfArea, "chunk is outside the claimable area")
	}

	h, err := co.locks.Acquire(key.String(), co.lockTimeout)
	if err != nil {
		return failure(CodeLockTimeout, "chunk is busy, try again")
	}
	defer h.Release()

	now := time.Now().UTC()
	c := Claim{Key: key, Owner: actor.Owner(), Kind: kind, CreatedAt: now, LastUpdated: now}

	res := co.withTx(ctx, "claim", key, func(tx StoreTx) Result {
		existing, err := tx.GetForUpdate(ctx, key)
		if err != nil {
			return co.storeFailure("claim", key, err)
		}
		if existing != nil {
			return alreadyClaimed(existing)
		}
		if err := tx.Insert(ctx, c); err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				// A concurrent insert beat us past GetForUpdate. Should be
				// unreachable under the two-layer locking, but stay safe.
				return alreadyClaimed(nil)
			}
			return co.storeFailure("claim", key, err)
		}
		return success("chunk claimed", &c)
	})
	if !res.OK {
		return res
	}

	co.cache.Put(c)
	co.publish(EventForOp(OpClaim, c, actor.ID.String(), ""))
	return res
}

// Unclaim releases key. Permitted for the owner, for an actor with the
// admin override, or for the system (nil actor). Writes exactly one history
// entry in the same transaction as the delete.
func (co *Coordinator) Unclaim(ctx context.Context, actor *Actor, key ChunkKey, reason string) Result {
	h, err := co.locks.Acquire(key.String(), co.lockTimeout)
	if err != nil {
		return failure(CodeLockTimeout, "chunk is busy, try again")
	}
	defer h.Release()

	var removed Claim
	res := co.withTx(ctx, "unclaim", key, func(tx StoreTx) Result {
		existing, err := tx.GetForUpdate(ctx, key)
		if err != nil {
			return co.storeFailure("unclaim", key, err)
		}
		if existing == nil {
			return failure(CodeNotClaimed, "chunk is not claimed")
		}
		if actor != nil && actor.ID != existing.Owner.ID && !actor.AdminOverride {
			return failure(CodeNoPermission, "only the owner can unclaim this chunk")
		}
		entry := HistoryEntry{
			Key:             key,
			PreviousOwnerID: existing.Owner.ID,
			Reason:          reason,
			At:              time.Now().UTC(),
		}
		if actor != nil {
			id := actor.ID
			entry.ActorID = &id
		}
		if err := tx.AppendHistory(ctx, entry); err != nil {
			return co.storeFailure("unclaim", key, err)
		}
		if err := tx.Delete(ctx, key); err != nil {
			return co.storeFailure("unclaim", key, err)
		}
		removed = *existing
		return success("chunk unclaimed", existing)
	})
	if !res.OK {
		return res
	}

	co.cache.Remove(key)
	actorID := ""
	if actor != nil {
		actorID = actor.ID.String()
	}
	co.publish(EventForOp(OpUnclaim, removed, actorID, reason))
	return res
}

// Transfer rewrites the ownership of one claimed chunk, preserving its kind,
// and records the change in the history table.
func (co *Coordinator) Transfer(ctx context.Context, key ChunkKey, newOwner Owner, reason string) Result {
	h, err := co.locks.Acquire(key.String(), co.lockTimeout)
	if err != nil {
		return failure(CodeLockTimeout, "chunk is busy, try again")
	}
	defer h.Release()

	var updated Claim
	res := co.withTx(ctx, "transfer", key, func(tx StoreTx) Result {
		r, c := co.transferInTx(ctx, tx, key, newOwner, reason)
		if r.OK {
			updated = c
		}
		return r
	})
	if !res.OK {
		return res
	}

	co.cache.Put(updated)
	co.publish(EventForOp(OpTransfer, updated, "", reason))
	return res
}

// TransferAll rewrites ownership of several chunks in one transaction,
// all-or-nothing. Keys are locked in canonical order before the transaction
// opens so overlapping multi-key transfers cannot deadlock.
func (co *Coordinator) TransferAll(ctx context.Context, keys []ChunkKey, newOwner Owner, reason string) BatchResult {
	keys = SortKeys(append([]ChunkKey(nil), keys...))
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	handles, err := co.locks.AcquireAll(names, co.lockTimeout)
	if err != nil {
		return BatchResult{Code: CodeLockTimeout, Message: "chunks are busy, try again", Requested: len(keys)}
	}
	defer lockreg.ReleaseAll(handles)

	updated := make([]Claim, 0, len(keys))
	res := co.withTx(ctx, "transfer_all", ChunkKey{}, func(tx StoreTx) Result {
		for _, key := range keys {
			r, c := co.transferInTx(ctx, tx, key, newOwner, reason)
			if !r.OK {
				return r
			}
			updated = append(updated, c)
		}
		return success("ownership transferred", nil)
	})
	if !res.OK {
		return BatchResult{Code: res.Code, Message: res.Message, Requested: len(keys)}
	}

	for _, c := range updated {
		co.cache.Put(c)
		co.publish(EventForOp(OpTransfer, c, "", reason))
	}
	return BatchResult{
		OK:        true,
		Code:      CodeOK,
		Message:   fmt.Sprintf("transferred %d chunks", len(updated)),
		Requested: len(keys),
		Converted: len(updated),
	}
}

func (co *Coordinator) transferInTx(ctx context.Context, tx StoreTx, key ChunkKey, newOwner Owner, reason string) (Result, Claim) {
	existing, err := tx.GetForUpdate(ctx, key)
	if err != nil {
		return co.storeFailure("transfer", key, err), Claim{}
	}
	if existing == nil {
		return failure(CodeNotClaimed, fmt.Sprintf("chunk %s is not claimed", key)), Claim{}
	}
	entry := HistoryEntry{
		Key:             key,
		PreviousOwnerID: existing.Owner.ID,
		Reason:          reason,
		At:              time.Now().UTC(),
	}
	if err := tx.AppendHistory(ctx, entry); err != nil {
		return co.storeFailure("transfer", key, err), Claim{}
	}
	updated := *existing
	updated.Owner = newOwner
	updated.LastUpdated = time.Now().UTC()
	if err := tx.Update(ctx, updated); err != nil {
		return co.storeFailure("transfer", key, err), Claim{}
	}
	return success("chunk transferred", &updated), updated
}

// withTx runs fn inside a transaction: commit on success, rollback on every
// other path. Panics are converted to E_STORE so nothing escapes the core
// boundary; full detail goes to the operational log only.
func (co *Coordinator) withTx(ctx context.Context, op string, key ChunkKey, fn func(tx StoreTx) Result) (res Result) {
	tx, err := co.store.Begin(ctx)
	if err != nil {
		return co.storeFailure(op, key, err)
	}
	committed := false
	defer func() {
		if r := recover(); r != nil {
			co.log.Printf("panic in %s %s: %v", op, key, r)
			res = failure(CodeStore, "internal store error")
		}
		if !committed {
			_ = tx.Rollback()
		}
	}()

	res = fn(tx)
	if !res.OK {
		return res
	}
	if err := tx.Commit(); err != nil {
		return co.storeFailure(op, key, err)
	}
	committed = true
	return res
}

func (co *Coordinator) storeFailure(op string, key ChunkKey, err error) Result {
	co.log.Printf("%s %s: store error: %v", op, key, err)
	return failure(CodeStore, "persistent store failure")
}

func (co *Coordinator) publish(e Event) {
	if co.sink != nil {
		co.sink.Publish(e)
	}
}
