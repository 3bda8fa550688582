package claim

// Area restricts where claims may be made. The bounds are inclusive chunk
// coordinates within a single world. A nil *Area allows every chunk.
type Area struct {
	World     string
	MinChunkX int
	MaxChunkX int
	MinChunkZ int
	MaxChunkZ int
}

// AreaFromBlocks builds an Area from block coordinates, the way operators
// configure it. Chunk coords are block coords floor-divided by 16.
func AreaFromBlocks(world string, x1, z1, x2, z2 int) *Area {
	if x2 < x1 {
		x1, x2 = x2, x1
	}
	if z2 < z1 {
		z1, z2 = z2, z1
	}
	return &Area{
		World:     world,
		MinChunkX: floorDiv16(x1),
		MaxChunkX: floorDiv16(x2),
		MinChunkZ: floorDiv16(z1),
		MaxChunkZ: floorDiv16(z2),
	}
}

func floorDiv16(v int) int {
	if v < 0 {
		return -((-v + 15) / 16)
	}
	return v / 16
}

func (a *Area) Contains(k ChunkKey) bool {
	if a == nil {
		return true
	}
	if k.World != a.World {
		return false
	}
	return k.X >= a.MinChunkX && k.X <= a.MaxChunkX &&
		k.Z >= a.MinChunkZ && k.Z <= a.MaxChunkZ
}
