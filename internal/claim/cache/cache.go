// Package cache is the in-memory read projection of the claim store.
//
// Only the coordinator and the village service write to it, and only after a
// store transaction has committed; the cache never leads the store. Readers
// outside the core must treat results as eventually consistent.
package cache

import (
	"sync"

	"github.com/google/uuid"

	"chunkclaim.dev/internal/claim"
)

type coord struct{ x, z int }

type Cache struct {
	mu sync.RWMutex

	byWorld   map[string]map[coord]claim.Claim
	byOwner   map[uuid.UUID]map[claim.ChunkKey]struct{}
	byVillage map[int64]map[claim.ChunkKey]struct{}
	villageOf map[claim.ChunkKey]int64
}

func New() *Cache {
	return &Cache{
		byWorld:   make(map[string]map[coord]claim.Claim),
		byOwner:   make(map[uuid.UUID]map[claim.ChunkKey]struct{}),
		byVillage: make(map[int64]map[claim.ChunkKey]struct{}),
		villageOf: make(map[claim.ChunkKey]int64),
	}
}

// Load replaces the whole projection, for warming at startup.
func (c *Cache) Load(claims []claim.Claim) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byWorld = make(map[string]map[coord]claim.Claim)
	c.byOwner = make(map[uuid.UUID]map[claim.ChunkKey]struct{})
	c.byVillage = make(map[int64]map[claim.ChunkKey]struct{})
	c.villageOf = make(map[claim.ChunkKey]int64)
	for _, cl := range claims {
		c.putLocked(cl)
	}
}

// Owner returns the claim for key, if any.
func (c *Cache) Owner(key claim.ChunkKey) (claim.Claim, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.byWorld[key.World]
	if !ok {
		return claim.Claim{}, false
	}
	cl, ok := w[coord{key.X, key.Z}]
	return cl, ok
}

// Put inserts or replaces the entry for the claim's key, updating every
// secondary index.
func (c *Cache) Put(cl claim.Claim) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(cl)
}

func (c *Cache) putLocked(cl claim.Claim) {
	k := cl.Key
	if prev, ok := c.byWorld[k.World][coord{k.X, k.Z}]; ok {
		c.dropIndexesLocked(prev)
	}
	w, ok := c.byWorld[k.World]
	if !ok {
		w = make(map[coord]claim.Claim)
		c.byWorld[k.World] = w
	}
	w[coord{k.X, k.Z}] = cl

	owned, ok := c.byOwner[cl.Owner.ID]
	if !ok {
		owned = make(map[claim.ChunkKey]struct{})
		c.byOwner[cl.Owner.ID] = owned
	}
	owned[k] = struct{}{}

	if id, ok := cl.Kind.VillageID(); ok {
		vs, ok := c.byVillage[id]
		if !ok {
			vs = make(map[claim.ChunkKey]struct{})
			c.byVillage[id] = vs
		}
		vs[k] = struct{}{}
		c.villageOf[k] = id
	}
}

// Remove drops the entry for key from every index, returning what was there.
func (c *Cache) Remove(key claim.ChunkKey) (claim.Claim, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.byWorld[key.World]
	if !ok {
		return claim.Claim{}, false
	}
	cl, ok := w[coord{key.X, key.Z}]
	if !ok {
		return claim.Claim{}, false
	}
	delete(w, coord{key.X, key.Z})
	if len(w) == 0 {
		delete(c.byWorld, key.World)
	}
	c.dropIndexesLocked(cl)
	return cl, true
}

func (c *Cache) dropIndexesLocked(cl claim.Claim) {
	k := cl.Key
	if owned, ok := c.byOwner[cl.Owner.ID]; ok {
		delete(owned, k)
		if len(owned) == 0 {
			delete(c.byOwner, cl.Owner.ID)
		}
	}
	if id, ok := cl.Kind.VillageID(); ok {
		if vs, ok := c.byVillage[id]; ok {
			delete(vs, k)
			if len(vs) == 0 {
				delete(c.byVillage, id)
			}
		}
		delete(c.villageOf, k)
	}
}

// VillageChunks returns the keys indexed under villageID in canonical order.
func (c *Cache) VillageChunks(villageID int64) []claim.ChunkKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]claim.ChunkKey, 0, len(c.byVillage[villageID]))
	for k := range c.byVillage[villageID] {
		out = append(out, k)
	}
	return claim.SortKeys(out)
}

func (c *Cache) VillageChunkCount(villageID int64) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byVillage[villageID])
}

// OwnerChunks returns every key owned by the given identity, in canonical
// order. Village-kind claims count for their recorded owner (the mayor).
func (c *Cache) OwnerChunks(ownerID uuid.UUID) []claim.ChunkKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]claim.ChunkKey, 0, len(c.byOwner[ownerID]))
	for k := range c.byOwner[ownerID] {
		out = append(out, k)
	}
	return claim.SortKeys(out)
}

func (c *Cache) OwnerChunkCount(ownerID uuid.UUID) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byOwner[ownerID])
}

// Stats for the operator surface.
func (c *Cache) Stats() (chunks, owners, villages int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, w := range c.byWorld {
		chunks += len(w)
	}
	return chunks, len(c.byOwner), len(c.byVillage)
}
