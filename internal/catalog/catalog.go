// Package catalog loads the claim cost schedule: how many chunks are free
// per player and which resource each further chunk costs.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"chunkclaim.dev/internal/claim"
)

type Costs struct {
	// FreeSlots is how many chunks each player may claim for free.
	FreeSlots int `json:"free_slots"`
	// Tiers apply in order once the free slots are used up. UpToChunks is
	// the inclusive owned-chunk bound of the tier; 0 means unbounded and is
	// only valid on the last tier.
	Tiers []Tier `json:"tiers"`
}

type Tier struct {
	Resource   string `json:"resource"`
	Amount     int    `json:"amount"`
	UpToChunks int    `json:"up_to_chunks"`
}

func Load(path string) (Costs, error) {
	var c Costs
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("claim_costs.json: %w", err)
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("claim_costs.json: %w", err)
	}
	return c, nil
}

func Default() Costs {
	return Costs{
		FreeSlots: 5,
		Tiers: []Tier{
			{Resource: claim.ResourceIron, Amount: 16, UpToChunks: 20},
			{Resource: claim.ResourceDiamond, Amount: 4, UpToChunks: 40},
			{Resource: claim.ResourceNetherite, Amount: 1, UpToChunks: 0},
		},
	}
}

func (c Costs) Validate() error {
	if c.FreeSlots < 0 {
		return fmt.Errorf("free_slots must be >= 0")
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("tiers must not be empty")
	}
	known := map[string]bool{
		claim.ResourceIron:      true,
		claim.ResourceDiamond:   true,
		claim.ResourceNetherite: true,
	}
	prev := c.FreeSlots
	for i, t := range c.Tiers {
		if !known[t.Resource] {
			return fmt.Errorf("tiers[%d] unknown resource %q", i, t.Resource)
		}
		if t.Amount <= 0 {
			return fmt.Errorf("tiers[%d] amount must be > 0", i)
		}
		last := i == len(c.Tiers)-1
		if t.UpToChunks == 0 {
			if !last {
				return fmt.Errorf("tiers[%d] only the last tier may be unbounded", i)
			}
			continue
		}
		if t.UpToChunks <= prev {
			return fmt.Errorf("tiers[%d] up_to_chunks must exceed the previous bound %d", i, prev)
		}
		prev = t.UpToChunks
	}
	return nil
}

// CostFor returns the cost of the next claim for a player that already owns
// the given number of chunks.
func (c Costs) CostFor(ownedChunks int) claim.ResourceCost {
	if ownedChunks < c.FreeSlots {
		return claim.ResourceCost{Resource: claim.ResourceFree, UsedFreeSlots: ownedChunks + 1}
	}
	for _, t := range c.Tiers {
		if t.UpToChunks == 0 || ownedChunks < t.UpToChunks {
			return claim.ResourceCost{Resource: t.Resource, Amount: t.Amount, UsedFreeSlots: c.FreeSlots}
		}
	}
	last := c.Tiers[len(c.Tiers)-1]
	return claim.ResourceCost{Resource: last.Resource, Amount: last.Amount, UsedFreeSlots: c.FreeSlots}
}

// KindFor builds the claim kind recorded for the next claim: free-slot
// claims are Personal, paid ones carry their cost.
func (c Costs) KindFor(ownedChunks int) claim.Kind {
	cost := c.CostFor(ownedChunks)
	if cost.Resource == claim.ResourceFree {
		return claim.Personal()
	}
	return claim.WithResource(cost)
}
