// Package village implements bulk ownership changes: founding a village from
// personal chunks, disbanding one back to personal ownership, and mayor
// handover.
//
// Batches run all-or-nothing by default: every affected key is locked in
// canonical order, then a single transaction converts the whole set. The
// original system converted each chunk independently and reported partial
// counts; that contract survives behind BestEffortBatches for callers that
// want it, and BatchResult carries the counts either way.
package village

import (
	"context"
	"fmt"
	"log"
	"time"

	"chunkclaim.dev/internal/claim"
	"chunkclaim.dev/internal/claim/cache"
	"chunkclaim.dev/internal/claim/lockreg"
	"chunkclaim.dev/internal/claim/store"
)

type Service struct {
	store *store.Store
	cache *cache.Cache
	coord *claim.Coordinator
	locks *lockreg.Registry
	sink  claim.EventSink
	log   *log.Logger

	lockTimeout time.Duration
	bestEffort  bool
}

type Options struct {
	// BestEffortBatches restores the original per-chunk contract: each chunk
	// converts in its own transaction and failures skip ahead.
	BestEffortBatches bool
	Sink              claim.EventSink
	LockTimeout       time.Duration
}

func NewService(st *store.Store, ca *cache.Cache, co *claim.Coordinator, logger *log.Logger, opts Options) *Service {
	if logger == nil {
		logger = log.Default()
	}
	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = claim.DefaultLockTimeout
	}
	return &Service{
		store:       st,
		cache:       ca,
		coord:       co,
		locks:       co.Locks(),
		sink:        opts.Sink,
		log:         logger,
		lockTimeout: timeout,
		bestEffort:  opts.BestEffortBatches,
	}
}

// Create founds a new village owned by actor and converts the given personal
// chunks into village land. The village record, the mayor membership row and
// every chunk conversion commit in one transaction.
func (s *Service) Create(ctx context.Context, actor claim.Actor, name string, chunks []claim.ChunkKey) (int64, claim.BatchResult) {
	if name == "" {
		return 0, batchFailure(claim.CodeNoPermission, "village name must not be empty", len(chunks))
	}
	if len(chunks) == 0 {
		return 0, batchFailure(claim.CodeNotClaimed, "a village needs at least one chunk", 0)
	}
	existing, err := s.store.VillageByName(ctx, name)
	if err != nil {
		return 0, s.storeBatchFailure("create village", err, len(chunks))
	}
	if existing != nil {
		return 0, batchFailure(claim.CodeAlreadyClaimed, fmt.Sprintf("village name %q is taken", name), len(chunks))
	}

	keys := claim.SortKeys(append([]claim.ChunkKey(nil), chunks...))
	handles, err := s.acquireAll(keys)
	if err != nil {
		return 0, batchFailure(claim.CodeLockTimeout, "chunks are busy, try again", len(keys))
	}
	defer lockreg.ReleaseAll(handles)

	var (
		villageID int64
		converted []claim.Claim
	)
	res := s.inTx(ctx, "create village", func(tx *store.Tx) claim.BatchResult {
		now := time.Now().UTC()
		id, err := tx.CreateVillage(ctx, name, actor.Owner(), now)
		if err != nil {
			return s.storeBatchFailure("create village", err, len(keys))
		}
		villageID = id
		for _, key := range keys {
			r, c := s.convertOneInTx(ctx, tx, key, actor, claim.ForVillage(id), "village_create")
			if !r.OK {
				return batchFailure(r.Code, r.Message, len(keys))
			}
			converted = append(converted, c)
		}
		return batchSuccess(fmt.Sprintf("village %q founded with %d chunks", name, len(keys)), len(keys), len(keys))
	})
	if !res.OK {
		return 0, res
	}

	for _, c := range converted {
		s.cache.Put(c)
		s.publish(claim.OpConvert, c, actor, "village_create")
	}
	return villageID, res
}

// ConvertPersonalToVillage turns chunks that actor owns personally into land
// of an existing active village.
func (s *Service) ConvertPersonalToVillage(ctx context.Context, villageID int64, chunks []claim.ChunkKey, actor claim.Actor) claim.BatchResult {
	v, err := s.store.Village(ctx, villageID)
	if err != nil {
		return s.storeBatchFailure("convert", err, len(chunks))
	}
	if v == nil || !v.Active {
		return batchFailure(claim.CodeNotClaimed, fmt.Sprintf("village %d does not exist", villageID), len(chunks))
	}

	keys := claim.SortKeys(append([]claim.ChunkKey(nil), chunks...))
	if s.bestEffort {
		return s.convertEach(ctx, keys, actor, claim.ForVillage(villageID), "village_convert")
	}
	return s.convertAtomic(ctx, keys, actor, claim.ForVillage(villageID), "village_convert")
}

// Disband dissolves the village: every chunk currently indexed under it goes
// back to personal ownership under the mayor, membership rows are removed
// and the village record is deactivated.
func (s *Service) Disband(ctx context.Context, villageID int64, mayor claim.Actor) claim.BatchResult {
	v, err := s.store.Village(ctx, villageID)
	if err != nil {
		return s.storeBatchFailure("disband", err, 0)
	}
	if v == nil || !v.Active {
		return batchFailure(claim.CodeNotClaimed, fmt.Sprintf("village %d does not exist", villageID), 0)
	}
	if mayor.ID != v.Mayor.ID && !mayor.AdminOverride {
		return batchFailure(claim.CodeNoPermission, "only the mayor can disband the village", 0)
	}

	keys := s.cache.VillageChunks(villageID)
	handles, err := s.acquireAll(keys)
	if err != nil {
		return batchFailure(claim.CodeLockTimeout, "chunks are busy, try again", len(keys))
	}
	defer lockreg.ReleaseAll(handles)

	newOwner := v.Mayor
	var converted []claim.Claim
	res := s.inTx(ctx, "disband", func(tx *store.Tx) claim.BatchResult {
		now := time.Now().UTC()
		for _, key := range keys {
			existing, err := tx.GetForUpdate(ctx, key)
			if err != nil {
				return s.storeBatchFailure("disband", err, len(keys))
			}
			if existing == nil {
				continue // unclaimed behind the cache; nothing to convert
			}
			if id, ok := existing.Kind.VillageID(); !ok || id != villageID {
				continue
			}
			entry := claim.HistoryEntry{
				Key:             key,
				PreviousOwnerID: existing.Owner.ID,
				Reason:          "village_disband",
				At:              now,
			}
			id := mayor.ID
			entry.ActorID = &id
			if err := tx.AppendHistory(ctx, entry); err != nil {
				return s.storeBatchFailure("disband", err, len(keys))
			}
			updated := *existing
			updated.Owner = newOwner
			updated.Kind = claim.Personal()
			updated.LastUpdated = now
			if err := tx.Update(ctx, updated); err != nil {
				return s.storeBatchFailure("disband", err, len(keys))
			}
			converted = append(converted, updated)
		}
		if err := tx.RemoveVillageMembers(ctx, villageID); err != nil {
			return s.storeBatchFailure("disband", err, len(keys))
		}
		if err := tx.DeactivateVillage(ctx, villageID, now); err != nil {
			return s.storeBatchFailure("disband", err, len(keys))
		}
		return batchSuccess(fmt.Sprintf("village %q disbanded, %d chunks returned", v.Name, len(converted)), len(keys), len(converted))
	})
	if !res.OK {
		return res
	}

	for _, c := range converted {
		s.cache.Put(c)
		s.publish(claim.OpDisband, c, mayor, "village_disband")
	}
	return res
}

// TransferMayorship hands the village to a member and re-points every
// village chunk row at the new mayor.
func (s *Service) TransferMayorship(ctx context.Context, villageID int64, current claim.Actor, next claim.Owner) claim.Result {
	v, err := s.store.Village(ctx, villageID)
	if err != nil {
		return s.storeFailure("mayor transfer", err)
	}
	if v == nil || !v.Active {
		return claim.Result{Code: claim.CodeNotClaimed, Message: fmt.Sprintf("village %d does not exist", villageID)}
	}
	if current.ID != v.Mayor.ID {
		return claim.Result{Code: claim.CodeNoPermission, Message: "only the mayor can transfer mayorship"}
	}
	if next.ID == current.ID {
		return claim.Result{Code: claim.CodeNoPermission, Message: "cannot transfer mayorship to yourself"}
	}
	members, err := s.store.VillageMembers(ctx, villageID)
	if err != nil {
		return s.storeFailure("mayor transfer", err)
	}
	isMember := false
	for _, m := range members {
		if m.Member.ID == next.ID {
			isMember = true
			break
		}
	}
	if !isMember {
		return claim.Result{Code: claim.CodeNoPermission, Message: "new mayor must be a village member"}
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return s.storeFailure("mayor transfer", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	now := time.Now().UTC()
	if err := tx.UpdateVillageMayor(ctx, villageID, next, now); err != nil {
		return s.storeFailure("mayor transfer", err)
	}
	if err := tx.UpdateVillageMemberRole(ctx, villageID, next.ID.String(), claim.RoleMayor); err != nil {
		return s.storeFailure("mayor transfer", err)
	}
	if err := tx.UpdateVillageMemberRole(ctx, villageID, current.ID.String(), claim.RoleMember); err != nil {
		return s.storeFailure("mayor transfer", err)
	}
	if err := tx.Commit(); err != nil {
		return s.storeFailure("mayor transfer", err)
	}
	committed = true

	chunks := s.cache.VillageChunks(villageID)
	batch := s.coord.TransferAll(ctx, chunks, next, "mayor_transfer")
	if !batch.OK {
		// Village record already points at the new mayor; chunk rows keep the
		// old owner until a retry succeeds. Surface it, do not hide it.
		s.log.Printf("mayor transfer village %d: chunk transfer failed: %s", villageID, batch.Message)
		return claim.Result{Code: batch.Code, Message: "mayorship updated but chunk transfer failed: " + batch.Message}
	}
	return claim.Result{OK: true, Code: claim.CodeOK, Message: fmt.Sprintf("village %q handed to %s", v.Name, next.Name)}
}

// convertAtomic converts every key or none.
func (s *Service) convertAtomic(ctx context.Context, keys []claim.ChunkKey, actor claim.Actor, kind claim.Kind, reason string) claim.BatchResult {
	handles, err := s.acquireAll(keys)
	if err != nil {
		return batchFailure(claim.CodeLockTimeout, "chunks are busy, try again", len(keys))
	}
	defer lockreg.ReleaseAll(handles)

	var converted []claim.Claim
	res := s.inTx(ctx, reason, func(tx *store.Tx) claim.BatchResult {
		for _, key := range keys {
			r, c := s.convertOneInTx(ctx, tx, key, actor, kind, reason)
			if !r.OK {
				return batchFailure(r.Code, r.Message, len(keys))
			}
			converted = append(converted, c)
		}
		return batchSuccess(fmt.Sprintf("converted %d chunks", len(keys)), len(keys), len(keys))
	})
	if !res.OK {
		return res
	}

	for _, c := range converted {
		s.cache.Put(c)
		s.publish(claim.OpConvert, c, actor, reason)
	}
	return res
}

// convertEach processes every key independently and reports counts; callers
// must compare Converted against Requested.
func (s *Service) convertEach(ctx context.Context, keys []claim.ChunkKey, actor claim.Actor, kind claim.Kind, reason string) claim.BatchResult {
	out := claim.BatchResult{Requested: len(keys)}
	for _, key := range keys {
		h, err := s.locks.Acquire(key.String(), s.lockTimeout)
		if err != nil {
			out.Failed = append(out.Failed, key)
			continue
		}
		var c claim.Claim
		res := s.inTx(ctx, reason, func(tx *store.Tx) claim.BatchResult {
			r, cc := s.convertOneInTx(ctx, tx, key, actor, kind, reason)
			if !r.OK {
				return batchFailure(r.Code, r.Message, 1)
			}
			c = cc
			return batchSuccess("", 1, 1)
		})
		h.Release()
		if !res.OK {
			out.Failed = append(out.Failed, key)
			continue
		}
		s.cache.Put(c)
		s.publish(claim.OpConvert, c, actor, reason)
		out.Converted++
	}
	out.OK = out.Converted == out.Requested
	if out.OK {
		out.Code = claim.CodeOK
		out.Message = fmt.Sprintf("converted %d chunks", out.Converted)
	} else {
		out.Code = claim.CodeStore
		out.Message = fmt.Sprintf("converted %d of %d chunks", out.Converted, out.Requested)
	}
	return out
}

// convertOneInTx validates that key is a personal chunk owned by actor and
// rewrites its kind. The caller holds the key's lock.
func (s *Service) convertOneInTx(ctx context.Context, tx *store.Tx, key claim.ChunkKey, actor claim.Actor, kind claim.Kind, reason string) (claim.Result, claim.Claim) {
	existing, err := tx.GetForUpdate(ctx, key)
	if err != nil {
		return s.storeFailure(reason, err), claim.Claim{}
	}
	if existing == nil {
		return claim.Result{Code: claim.CodeNotClaimed, Message: fmt.Sprintf("chunk %s is not claimed", key)}, claim.Claim{}
	}
	if existing.Owner.ID != actor.ID {
		return claim.Result{Code: claim.CodeNoPermission, Message: fmt.Sprintf("chunk %s belongs to %s", key, existing.Owner.Name)}, claim.Claim{}
	}
	if existing.Kind.Tag() == claim.KindVillage {
		return claim.Result{Code: claim.CodeNoPermission, Message: fmt.Sprintf("chunk %s already belongs to a village", key)}, claim.Claim{}
	}

	now := time.Now().UTC()
	entry := claim.HistoryEntry{Key: key, PreviousOwnerID: existing.Owner.ID, Reason: reason, At: now}
	id := actor.ID
	entry.ActorID = &id
	if err := tx.AppendHistory(ctx, entry); err != nil {
		return s.storeFailure(reason, err), claim.Claim{}
	}
	updated := *existing
	updated.Kind = kind
	updated.LastUpdated = now
	if err := tx.Update(ctx, updated); err != nil {
		return s.storeFailure(reason, err), claim.Claim{}
	}
	return claim.Result{OK: true, Code: claim.CodeOK}, updated
}

func (s *Service) acquireAll(keys []claim.ChunkKey) ([]*lockreg.Handle, error) {
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	return s.locks.AcquireAll(names, s.lockTimeout)
}

// inTx mirrors the coordinator's transaction discipline for batch results.
func (s *Service) inTx(ctx context.Context, op string, fn func(tx *store.Tx) claim.BatchResult) (res claim.BatchResult) {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return s.storeBatchFailure(op, err, 0)
	}
	committed := false
	defer func() {
		if r := recover(); r != nil {
			s.log.Printf("panic in %s: %v", op, r)
			res = batchFailure(claim.CodeStore, "internal store error", res.Requested)
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
		return s.storeBatchFailure(op, err, res.Requested)
	}
	committed = true
	return res
}

func (s *Service) publish(op string, c claim.Claim, actor claim.Actor, reason string) {
	if s.sink == nil {
		return
	}
	s.sink.Publish(claim.EventForOp(op, c, actor.ID.String(), reason))
}

func (s *Service) storeFailure(op string, err error) claim.Result {
	s.log.Printf("%s: store error: %v", op, err)
	return claim.Result{Code: claim.CodeStore, Message: "persistent store failure"}
}

func (s *Service) storeBatchFailure(op string, err error, requested int) claim.BatchResult {
	s.log.Printf("%s: store error: %v", op, err)
	return batchFailure(claim.CodeStore, "persistent store failure", requested)
}

func batchFailure(code, msg string, requested int) claim.BatchResult {
	return claim.BatchResult{Code: code, Message: msg, Requested: requested}
}

func batchSuccess(msg string, requested, converted int) claim.BatchResult {
	return claim.BatchResult{OK: true, Code: claim.CodeOK, Message: msg, Requested: requested, Converted: converted}
}
