package claim

import "testing"

func TestChunkKey_String(t *testing.T) {
	k := ChunkKey{World: "overworld", X: -3, Z: 12}
	if got := k.String(); got != "overworld:-3:12" {
		t.Fatalf("String() = %q", got)
	}
}

func TestSortKeys_CanonicalOrderAndDedupe(t *testing.T) {
	keys := []ChunkKey{
		{World: "nether", X: 0, Z: 0},
		{World: "overworld", X: 1, Z: -5},
		{World: "overworld", X: 1, Z: -5},
		{World: "overworld", X: -2, Z: 9},
		{World: "overworld", X: 1, Z: 3},
	}
	got := SortKeys(keys)

	want := []ChunkKey{
		{World: "nether", X: 0, Z: 0},
		{World: "overworld", X: -2, Z: 9},
		{World: "overworld", X: 1, Z: -5},
		{World: "overworld", X: 1, Z: 3},
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	for i := 1; i < len(got); i++ {
		if !got[i-1].Less(got[i]) {
			t.Fatalf("not strictly ordered at %d: %v vs %v", i, got[i-1], got[i])
		}
	}
}

func TestArea_Contains(t *testing.T) {
	a := AreaFromBlocks("overworld", -160, -160, 159, 159)
	if a.MinChunkX != -10 || a.MaxChunkX != 9 || a.MinChunkZ != -10 || a.MaxChunkZ != 9 {
		t.Fatalf("unexpected bounds: %+v", a)
	}

	cases := []struct {
		key  ChunkKey
		want bool
	}{
		{ChunkKey{"overworld", 0, 0}, true},
		{ChunkKey{"overworld", -10, 9}, true},
		{ChunkKey{"overworld", 10, 0}, false},
		{ChunkKey{"overworld", 0, -11}, false},
		{ChunkKey{"nether", 0, 0}, false},
	}
	for _, c := range cases {
		if got := a.Contains(c.key); got != c.want {
			t.Fatalf("Contains(%v) = %v, want %v", c.key, got, c.want)
		}
	}

	var unrestricted *Area
	if !unrestricted.Contains(ChunkKey{"anything", 1 << 20, -(1 << 20)}) {
		t.Fatalf("nil area must allow everything")
	}
}

func TestAreaFromBlocks_SwapsReversedCorners(t *testing.T) {
	a := AreaFromBlocks("overworld", 100, 100, -100, -100)
	if a.MinChunkX > a.MaxChunkX || a.MinChunkZ > a.MaxChunkZ {
		t.Fatalf("bounds not normalized: %+v", a)
	}
}

func TestKind_TaggedVariant(t *testing.T) {
	p := Personal()
	if p.Tag() != KindPersonal {
		t.Fatalf("zero kind tag = %v", p.Tag())
	}
	if _, ok := p.VillageID(); ok {
		t.Fatalf("personal kind must not carry a village id")
	}

	v := ForVillage(42)
	id, ok := v.VillageID()
	if !ok || id != 42 {
		t.Fatalf("VillageID() = %d, %v", id, ok)
	}
	if _, ok := v.Cost(); ok {
		t.Fatalf("village kind must not carry a cost")
	}

	r := WithResource(ResourceCost{Resource: ResourceDiamond, Amount: 4, UsedFreeSlots: 5})
	cost, ok := r.Cost()
	if !ok || cost.Resource != ResourceDiamond || cost.Amount != 4 {
		t.Fatalf("Cost() = %+v, %v", cost, ok)
	}
}
