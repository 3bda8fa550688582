package claim

import (
	"fmt"
	"sort"
)

// ChunkKey identifies one spatial cell: the unit of ownership.
type ChunkKey struct {
	World string
	X     int
	Z     int
}

func (k ChunkKey) String() string {
	return fmt.Sprintf("%s:%d:%d", k.World, k.X, k.Z)
}

// Less orders keys by (world, x, z). Multi-key operations lock keys in this
// order so that two overlapping bulk operations cannot deadlock.
func (k ChunkKey) Less(o ChunkKey) bool {
	if k.World != o.World {
		return k.World < o.World
	}
	if k.X != o.X {
		return k.X < o.X
	}
	return k.Z < o.Z
}

// SortKeys sorts keys in place into the canonical lock order and drops
// duplicates. Returns the (possibly shortened) slice.
func SortKeys(keys []ChunkKey) []ChunkKey {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	out := keys[:0]
	var prev ChunkKey
	for i, k := range keys {
		if i > 0 && k == prev {
			continue
		}
		out = append(out, k)
		prev = k
	}
	return out
}
