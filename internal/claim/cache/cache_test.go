package cache

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"chunkclaim.dev/internal/claim"
)

func entry(world string, x, z int, owner claim.Owner, kind claim.Kind) claim.Claim {
	now := time.Now().UTC()
	return claim.Claim{
		Key:         claim.ChunkKey{World: world, X: x, Z: z},
		Owner:       owner,
		Kind:        kind,
		CreatedAt:   now,
		LastUpdated: now,
	}
}

func TestPutOwnerRemove(t *testing.T) {
	c := New()
	owner := claim.Owner{ID: uuid.New(), Name: "steve"}
	cl := entry("overworld", 1, 2, owner, claim.Personal())

	if _, ok := c.Owner(cl.Key); ok {
		t.Fatalf("empty cache reported a claim")
	}

	c.Put(cl)
	got, ok := c.Owner(cl.Key)
	if !ok || got.Owner.ID != owner.ID {
		t.Fatalf("Owner() = %+v, %v", got, ok)
	}
	if c.OwnerChunkCount(owner.ID) != 1 {
		t.Fatalf("owner count = %d", c.OwnerChunkCount(owner.ID))
	}

	removed, ok := c.Remove(cl.Key)
	if !ok || removed.Owner.ID != owner.ID {
		t.Fatalf("Remove() = %+v, %v", removed, ok)
	}
	if _, ok := c.Owner(cl.Key); ok {
		t.Fatalf("claim survived Remove")
	}
	if c.OwnerChunkCount(owner.ID) != 0 {
		t.Fatalf("owner index leaked after Remove")
	}
}

func TestPut_ReplacementMovesSecondaryIndexes(t *testing.T) {
	c := New()
	oldOwner := claim.Owner{ID: uuid.New(), Name: "steve"}
	newOwner := claim.Owner{ID: uuid.New(), Name: "alex"}

	cl := entry("overworld", 0, 0, oldOwner, claim.ForVillage(1))
	c.Put(cl)

	// Same key, new owner, new village.
	cl.Owner = newOwner
	cl.Kind = claim.ForVillage(2)
	c.Put(cl)

	if c.OwnerChunkCount(oldOwner.ID) != 0 {
		t.Fatalf("old owner still indexed")
	}
	if c.OwnerChunkCount(newOwner.ID) != 1 {
		t.Fatalf("new owner not indexed")
	}
	if n := c.VillageChunkCount(1); n != 0 {
		t.Fatalf("old village still indexed: %d", n)
	}
	if n := c.VillageChunkCount(2); n != 1 {
		t.Fatalf("new village not indexed: %d", n)
	}
}

func TestVillageChunks_CanonicalOrder(t *testing.T) {
	c := New()
	owner := claim.Owner{ID: uuid.New(), Name: "mayor"}
	c.Put(entry("overworld", 3, 0, owner, claim.ForVillage(9)))
	c.Put(entry("overworld", -1, 5, owner, claim.ForVillage(9)))
	c.Put(entry("overworld", -1, 2, owner, claim.ForVillage(9)))
	c.Put(entry("overworld", 0, 0, owner, claim.Personal()))

	keys := c.VillageChunks(9)
	if len(keys) != 3 {
		t.Fatalf("len = %d, want 3", len(keys))
	}
	for i := 1; i < len(keys); i++ {
		if !keys[i-1].Less(keys[i]) {
			t.Fatalf("not in canonical order at %d: %v vs %v", i, keys[i-1], keys[i])
		}
	}
}

func TestLoad_ReplacesProjection(t *testing.T) {
	c := New()
	a := claim.Owner{ID: uuid.New(), Name: "a"}
	b := claim.Owner{ID: uuid.New(), Name: "b"}
	c.Put(entry("overworld", 0, 0, a, claim.Personal()))

	c.Load([]claim.Claim{
		entry("overworld", 1, 1, b, claim.Personal()),
		entry("nether", 0, 0, b, claim.Personal()),
	})

	if _, ok := c.Owner(claim.ChunkKey{World: "overworld", X: 0, Z: 0}); ok {
		t.Fatalf("stale entry survived Load")
	}
	if c.OwnerChunkCount(a.ID) != 0 || c.OwnerChunkCount(b.ID) != 2 {
		t.Fatalf("owner counts wrong after Load")
	}
	chunks, owners, _ := c.Stats()
	if chunks != 2 || owners != 1 {
		t.Fatalf("stats = %d chunks %d owners", chunks, owners)
	}
}
