package village

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"chunkclaim.dev/internal/claim"
	"chunkclaim.dev/internal/claim/cache"
	"chunkclaim.dev/internal/claim/lockreg"
	"chunkclaim.dev/internal/claim/store"
)

type fixture struct {
	store *store.Store
	cache *cache.Cache
	coord *claim.Coordinator
	svc   *Service
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "claims.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logger := log.New(io.Discard, "", 0)
	ca := cache.New()
	co := claim.NewCoordinator(st, ca, lockreg.New(), logger, claim.CoordinatorOptions{})
	return &fixture{
		store: st,
		cache: ca,
		coord: co,
		svc:   NewService(st, ca, co, logger, opts),
	}
}

func (f *fixture) claimChunks(t *testing.T, actor claim.Actor, keys ...claim.ChunkKey) {
	t.Helper()
	for _, k := range keys {
		if res := f.coord.Claim(context.Background(), actor, k, claim.Personal()); !res.OK {
			t.Fatalf("claim %s: %+v", k, res)
		}
	}
}

func actorNamed(name string) claim.Actor {
	return claim.Actor{ID: uuid.New(), Name: name}
}

func keys(n int) []claim.ChunkKey {
	out := make([]claim.ChunkKey, n)
	for i := range out {
		out[i] = claim.ChunkKey{World: "overworld", X: i, Z: 0}
	}
	return out
}

func TestCreate_ConvertsChunksAndRecordsVillage(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	mayor := actorNamed("mayor")
	chunks := keys(3)
	f.claimChunks(t, mayor, chunks...)

	id, res := f.svc.Create(ctx, mayor, "riverside", chunks)
	if !res.OK || res.Converted != 3 {
		t.Fatalf("create = %+v", res)
	}
	if id == 0 {
		t.Fatalf("village id not assigned")
	}

	v, err := f.store.Village(ctx, id)
	if err != nil || v == nil || !v.Active {
		t.Fatalf("village row: %+v %v", v, err)
	}
	if v.Mayor.ID != mayor.ID {
		t.Fatalf("mayor = %s", v.Mayor.ID)
	}
	members, err := f.store.VillageMembers(ctx, id)
	if err != nil || len(members) != 1 || members[0].Role != claim.RoleMayor {
		t.Fatalf("members = %+v %v", members, err)
	}

	if n := f.cache.VillageChunkCount(id); n != 3 {
		t.Fatalf("village chunk count = %d", n)
	}
	for _, k := range chunks {
		stored, err := f.store.Get(ctx, k)
		if err != nil || stored == nil {
			t.Fatalf("chunk %s: %v %v", k, stored, err)
		}
		if vid, ok := stored.Kind.VillageID(); !ok || vid != id {
			t.Fatalf("chunk %s kind = %+v", k, stored.Kind)
		}
		if err := f.coord.CheckConsistency(ctx, k); err != nil {
			t.Fatalf("consistency %s: %v", k, err)
		}
	}
}

func TestCreate_ForeignChunkRollsBackEverything(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	mayor := actorNamed("mayor")
	other := actorNamed("other")

	mine := keys(2)
	f.claimChunks(t, mayor, mine...)
	foreign := claim.ChunkKey{World: "overworld", X: 50, Z: 0}
	f.claimChunks(t, other, foreign)

	_, res := f.svc.Create(ctx, mayor, "riverside", append(mine, foreign))
	if res.OK || res.Code != claim.CodeNoPermission {
		t.Fatalf("create = %+v", res)
	}

	// All-or-nothing: no village record, no converted chunk.
	v, err := f.store.VillageByName(ctx, "riverside")
	if err != nil {
		t.Fatalf("by name: %v", err)
	}
	if v != nil {
		t.Fatalf("village record survived rollback: %+v", v)
	}
	for _, k := range mine {
		stored, _ := f.store.Get(ctx, k)
		if stored.Kind.Tag() != claim.KindPersonal {
			t.Fatalf("chunk %s converted despite rollback: %+v", k, stored.Kind)
		}
	}
}

func TestCreate_NameTaken(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	mayor := actorNamed("mayor")
	f.claimChunks(t, mayor, keys(1)...)

	if _, res := f.svc.Create(ctx, mayor, "riverside", keys(1)); !res.OK {
		t.Fatalf("first create: %+v", res)
	}

	other := actorNamed("other")
	k := claim.ChunkKey{World: "overworld", X: 60, Z: 0}
	f.claimChunks(t, other, k)
	if _, res := f.svc.Create(ctx, other, "riverside", []claim.ChunkKey{k}); res.OK || res.Code != claim.CodeAlreadyClaimed {
		t.Fatalf("duplicate name create = %+v", res)
	}
}

func TestConvertPersonalToVillage(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	mayor := actorNamed("mayor")
	f.claimChunks(t, mayor, keys(1)...)
	id, res := f.svc.Create(ctx, mayor, "riverside", keys(1))
	if !res.OK {
		t.Fatalf("create: %+v", res)
	}

	more := []claim.ChunkKey{
		{World: "overworld", X: 10, Z: 0},
		{World: "overworld", X: 11, Z: 0},
	}
	f.claimChunks(t, mayor, more...)

	res = f.svc.ConvertPersonalToVillage(ctx, id, more, mayor)
	if !res.OK || res.Converted != 2 {
		t.Fatalf("convert = %+v", res)
	}
	if n := f.cache.VillageChunkCount(id); n != 3 {
		t.Fatalf("village chunk count = %d", n)
	}

	// Unknown village.
	if res := f.svc.ConvertPersonalToVillage(ctx, 9999, more, mayor); res.OK || res.Code != claim.CodeNotClaimed {
		t.Fatalf("convert to missing village = %+v", res)
	}

	// Already-village chunks cannot convert again.
	if res := f.svc.ConvertPersonalToVillage(ctx, id, more, mayor); res.OK || res.Code != claim.CodeNoPermission {
		t.Fatalf("double convert = %+v", res)
	}
}

func TestConvert_BestEffortReportsPartialCounts(t *testing.T) {
	f := newFixture(t, Options{BestEffortBatches: true})
	ctx := context.Background()
	mayor := actorNamed("mayor")
	other := actorNamed("other")

	f.claimChunks(t, mayor, keys(1)...)
	id, res := f.svc.Create(ctx, mayor, "riverside", keys(1))
	if !res.OK {
		t.Fatalf("create: %+v", res)
	}

	mine := claim.ChunkKey{World: "overworld", X: 20, Z: 0}
	foreign := claim.ChunkKey{World: "overworld", X: 21, Z: 0}
	f.claimChunks(t, mayor, mine)
	f.claimChunks(t, other, foreign)

	res = f.svc.ConvertPersonalToVillage(ctx, id, []claim.ChunkKey{mine, foreign}, mayor)
	if res.OK {
		t.Fatalf("partial batch reported OK: %+v", res)
	}
	if res.Requested != 2 || res.Converted != 1 {
		t.Fatalf("counts = %d/%d", res.Converted, res.Requested)
	}
	if len(res.Failed) != 1 || res.Failed[0] != foreign {
		t.Fatalf("failed = %v", res.Failed)
	}

	// The owned chunk really converted.
	stored, _ := f.store.Get(ctx, mine)
	if vid, ok := stored.Kind.VillageID(); !ok || vid != id {
		t.Fatalf("owned chunk not converted: %+v", stored.Kind)
	}
	// The foreign one is untouched.
	stored, _ = f.store.Get(ctx, foreign)
	if stored.Owner.ID != other.ID || stored.Kind.Tag() != claim.KindPersonal {
		t.Fatalf("foreign chunk modified: %+v", stored)
	}
}

func TestDisband_ReturnsChunksToMayor(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	mayor := actorNamed("mayor")
	chunks := keys(4)
	f.claimChunks(t, mayor, chunks...)
	id, res := f.svc.Create(ctx, mayor, "riverside", chunks)
	if !res.OK {
		t.Fatalf("create: %+v", res)
	}

	// Only the mayor (or an admin) may disband.
	stranger := actorNamed("stranger")
	if res := f.svc.Disband(ctx, id, stranger); res.OK || res.Code != claim.CodeNoPermission {
		t.Fatalf("stranger disband = %+v", res)
	}

	res = f.svc.Disband(ctx, id, mayor)
	if !res.OK || res.Converted != 4 {
		t.Fatalf("disband = %+v", res)
	}

	// Chunk conservation: everything is back to personal under the mayor.
	for _, k := range chunks {
		stored, err := f.store.Get(ctx, k)
		if err != nil || stored == nil {
			t.Fatalf("chunk %s lost in disband: %v %v", k, stored, err)
		}
		if stored.Kind.Tag() != claim.KindPersonal || stored.Owner.ID != mayor.ID {
			t.Fatalf("chunk %s = %+v", k, stored)
		}
	}
	if n := f.cache.VillageChunkCount(id); n != 0 {
		t.Fatalf("village index not emptied: %d", n)
	}
	if n := f.cache.OwnerChunkCount(mayor.ID); n != 4 {
		t.Fatalf("mayor owns %d chunks after disband", n)
	}

	v, _ := f.store.Village(ctx, id)
	if v == nil || v.Active {
		t.Fatalf("village not deactivated: %+v", v)
	}
	members, _ := f.store.VillageMembers(ctx, id)
	if len(members) != 0 {
		t.Fatalf("members survived disband: %d", len(members))
	}

	// Disbanding twice fails cleanly.
	if res := f.svc.Disband(ctx, id, mayor); res.OK || res.Code != claim.CodeNotClaimed {
		t.Fatalf("second disband = %+v", res)
	}
}

func TestTransferMayorship(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	mayor := actorNamed("mayor")
	chunks := keys(2)
	f.claimChunks(t, mayor, chunks...)
	id, res := f.svc.Create(ctx, mayor, "riverside", chunks)
	if !res.OK {
		t.Fatalf("create: %+v", res)
	}

	next := claim.Owner{ID: uuid.New(), Name: "deputy"}

	// Non-members cannot receive mayorship.
	if r := f.svc.TransferMayorship(ctx, id, mayor, next); r.OK || r.Code != claim.CodeNoPermission {
		t.Fatalf("transfer to non-member = %+v", r)
	}

	tx, err := f.store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.AddVillageMember(ctx, id, next, claim.RoleMember, time.Now().UTC()); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Only the sitting mayor can hand over.
	if r := f.svc.TransferMayorship(ctx, id, actorNamed("stranger"), next); r.OK || r.Code != claim.CodeNoPermission {
		t.Fatalf("stranger transfer = %+v", r)
	}

	r := f.svc.TransferMayorship(ctx, id, mayor, next)
	if !r.OK {
		t.Fatalf("transfer = %+v", r)
	}

	v, _ := f.store.Village(ctx, id)
	if v.Mayor.ID != next.ID {
		t.Fatalf("village mayor = %s", v.Mayor.ID)
	}
	for _, k := range chunks {
		stored, _ := f.store.Get(ctx, k)
		if stored.Owner.ID != next.ID {
			t.Fatalf("chunk %s owner = %s, want new mayor", k, stored.Owner.ID)
		}
		if vid, ok := stored.Kind.VillageID(); !ok || vid != id {
			t.Fatalf("chunk %s lost its village kind: %+v", k, stored.Kind)
		}
	}
}
