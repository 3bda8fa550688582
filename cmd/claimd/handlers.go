package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"chunkclaim.dev/internal/catalog"
	"chunkclaim.dev/internal/claim"
	"chunkclaim.dev/internal/claim/cache"
	"chunkclaim.dev/internal/claim/store"
	"chunkclaim.dev/internal/claim/village"
)

type apiServer struct {
	coord    *claim.Coordinator
	villages *village.Service
	store    *store.Store
	cache    *cache.Cache
	costs    catalog.Costs
	log      *log.Logger
}

func (a *apiServer) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/claim", a.handleClaim)
	mux.HandleFunc("POST /v1/unclaim", a.handleUnclaim)
	mux.HandleFunc("POST /v1/transfer", a.handleTransfer)
	mux.HandleFunc("POST /v1/village/create", a.handleVillageCreate)
	mux.HandleFunc("POST /v1/village/convert", a.handleVillageConvert)
	mux.HandleFunc("POST /v1/village/disband", a.handleVillageDisband)
	mux.HandleFunc("POST /v1/village/mayor", a.handleVillageMayor)

	mux.HandleFunc("GET /v1/owner", a.handleOwner)
	mux.HandleFunc("GET /v1/owner/chunks", a.handleOwnerChunks)
	mux.HandleFunc("GET /v1/village/chunks", a.handleVillageChunks)
	mux.HandleFunc("GET /v1/history", a.handleHistory)
	mux.HandleFunc("GET /v1/costs", a.handleCosts)
	mux.HandleFunc("GET /v1/consistency", a.handleConsistency)
}

// Wire shapes.

type actorJSON struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	AdminOverride bool   `json:"admin_override,omitempty"`
}

type ownerJSON struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type chunkJSON struct {
	World  string `json:"world"`
	ChunkX int    `json:"chunk_x"`
	ChunkZ int    `json:"chunk_z"`
}

type claimJSON struct {
	World       string `json:"world"`
	ChunkX      int    `json:"chunk_x"`
	ChunkZ      int    `json:"chunk_z"`
	OwnerID     string `json:"owner_id"`
	OwnerName   string `json:"owner_name"`
	Kind        string `json:"kind"`
	VillageID   int64  `json:"village_id,omitempty"`
	Resource    string `json:"resource,omitempty"`
	Amount      int    `json:"amount,omitempty"`
	CreatedAt   string `json:"created_at"`
	LastUpdated string `json:"last_updated"`
}

type resultJSON struct {
	OK      bool       `json:"ok"`
	Code    string     `json:"code"`
	Message string     `json:"message,omitempty"`
	Claim   *claimJSON `json:"claim,omitempty"`
}

type batchResultJSON struct {
	OK        bool        `json:"ok"`
	Code      string      `json:"code"`
	Message   string      `json:"message,omitempty"`
	Requested int         `json:"requested"`
	Converted int         `json:"converted"`
	Failed    []chunkJSON `json:"failed,omitempty"`
	VillageID int64       `json:"village_id,omitempty"`
}

func toClaimJSON(c *claim.Claim) *claimJSON {
	if c == nil {
		return nil
	}
	out := &claimJSON{
		World:       c.Key.World,
		ChunkX:      c.Key.X,
		ChunkZ:      c.Key.Z,
		OwnerID:     c.Owner.ID.String(),
		OwnerName:   c.Owner.Name,
		Kind:        c.Kind.Tag().String(),
		CreatedAt:   c.CreatedAt.UTC().Format(time.RFC3339Nano),
		LastUpdated: c.LastUpdated.UTC().Format(time.RFC3339Nano),
	}
	if id, ok := c.Kind.VillageID(); ok {
		out.VillageID = id
	}
	if cost, ok := c.Kind.Cost(); ok {
		out.Resource = cost.Resource
		out.Amount = cost.Amount
	}
	return out
}

func toResultJSON(r claim.Result) resultJSON {
	return resultJSON{OK: r.OK, Code: r.Code, Message: r.Message, Claim: toClaimJSON(r.Claim)}
}

func toBatchJSON(r claim.BatchResult) batchResultJSON {
	out := batchResultJSON{
		OK:        r.OK,
		Code:      r.Code,
		Message:   r.Message,
		Requested: r.Requested,
		Converted: r.Converted,
	}
	for _, k := range r.Failed {
		out.Failed = append(out.Failed, chunkJSON{World: k.World, ChunkX: k.X, ChunkZ: k.Z})
	}
	return out
}

func (a actorJSON) toActor() (claim.Actor, bool) {
	id, err := uuid.Parse(a.ID)
	if err != nil {
		return claim.Actor{}, false
	}
	return claim.Actor{ID: id, Name: a.Name, AdminOverride: a.AdminOverride}, true
}

func (o ownerJSON) toOwner() (claim.Owner, bool) {
	id, err := uuid.Parse(o.ID)
	if err != nil {
		return claim.Owner{}, false
	}
	return claim.Owner{ID: id, Name: o.Name}, true
}

func (c chunkJSON) toKey() claim.ChunkKey {
	return claim.ChunkKey{World: c.World, X: c.ChunkX, Z: c.ChunkZ}
}

// Mutating endpoints.

func (a *apiServer) handleClaim(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor actorJSON `json:"actor"`
		chunkJSON
	}
	if !decode(rw, r, &req) {
		return
	}
	actor, ok := req.Actor.toActor()
	if !ok {
		badRequest(rw, "invalid actor id")
		return
	}
	kind := a.costs.KindFor(a.cache.OwnerChunkCount(actor.ID))
	res := a.coord.Claim(r.Context(), actor, req.toKey(), kind)
	writeResult(rw, toResultJSON(res))
}

func (a *apiServer) handleUnclaim(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor *actorJSON `json:"actor"`
		chunkJSON
		Reason string `json:"reason"`
	}
	if !decode(rw, r, &req) {
		return
	}
	var actor *claim.Actor
	if req.Actor != nil {
		ac, ok := req.Actor.toActor()
		if !ok {
			badRequest(rw, "invalid actor id")
			return
		}
		actor = &ac
	}
	res := a.coord.Unclaim(r.Context(), actor, req.toKey(), req.Reason)
	writeResult(rw, toResultJSON(res))
}

func (a *apiServer) handleTransfer(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		Keys     []chunkJSON `json:"keys"`
		NewOwner ownerJSON   `json:"new_owner"`
		Reason   string      `json:"reason"`
		chunkJSON
	}
	if !decode(rw, r, &req) {
		return
	}
	owner, ok := req.NewOwner.toOwner()
	if !ok {
		badRequest(rw, "invalid new_owner id")
		return
	}
	if len(req.Keys) > 0 {
		keys := make([]claim.ChunkKey, len(req.Keys))
		for i, k := range req.Keys {
			keys[i] = k.toKey()
		}
		writeResult(rw, toBatchJSON(a.coord.TransferAll(r.Context(), keys, owner, req.Reason)))
		return
	}
	res := a.coord.Transfer(r.Context(), req.toKey(), owner, req.Reason)
	writeResult(rw, toResultJSON(res))
}

func (a *apiServer) handleVillageCreate(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor  actorJSON   `json:"actor"`
		Name   string      `json:"name"`
		Chunks []chunkJSON `json:"chunks"`
	}
	if !decode(rw, r, &req) {
		return
	}
	actor, ok := req.Actor.toActor()
	if !ok {
		badRequest(rw, "invalid actor id")
		return
	}
	keys := make([]claim.ChunkKey, len(req.Chunks))
	for i, c := range req.Chunks {
		keys[i] = c.toKey()
	}
	id, res := a.villages.Create(r.Context(), actor, req.Name, keys)
	out := toBatchJSON(res)
	out.VillageID = id
	writeResult(rw, out)
}

func (a *apiServer) handleVillageConvert(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor     actorJSON   `json:"actor"`
		VillageID int64       `json:"village_id"`
		Chunks    []chunkJSON `json:"chunks"`
	}
	if !decode(rw, r, &req) {
		return
	}
	actor, ok := req.Actor.toActor()
	if !ok {
		badRequest(rw, "invalid actor id")
		return
	}
	keys := make([]claim.ChunkKey, len(req.Chunks))
	for i, c := range req.Chunks {
		keys[i] = c.toKey()
	}
	writeResult(rw, toBatchJSON(a.villages.ConvertPersonalToVillage(r.Context(), req.VillageID, keys, actor)))
}

func (a *apiServer) handleVillageDisband(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor     actorJSON `json:"actor"`
		VillageID int64     `json:"village_id"`
	}
	if !decode(rw, r, &req) {
		return
	}
	actor, ok := req.Actor.toActor()
	if !ok {
		badRequest(rw, "invalid actor id")
		return
	}
	writeResult(rw, toBatchJSON(a.villages.Disband(r.Context(), req.VillageID, actor)))
}

func (a *apiServer) handleVillageMayor(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor     actorJSON `json:"actor"`
		VillageID int64     `json:"village_id"`
		NewMayor  ownerJSON `json:"new_mayor"`
	}
	if !decode(rw, r, &req) {
		return
	}
	actor, ok := req.Actor.toActor()
	if !ok {
		badRequest(rw, "invalid actor id")
		return
	}
	next, ok := req.NewMayor.toOwner()
	if !ok {
		badRequest(rw, "invalid new_mayor id")
		return
	}
	res := a.villages.TransferMayorship(r.Context(), req.VillageID, actor, next)
	writeResult(rw, toResultJSON(res))
}

// Read endpoints. These serve from the cache where possible and never take
// chunk locks.

func (a *apiServer) handleOwner(rw http.ResponseWriter, r *http.Request) {
	key, ok := keyFromQuery(rw, r)
	if !ok {
		return
	}
	c, found := a.cache.Owner(key)
	if !found {
		writeResult(rw, resultJSON{OK: true, Code: claim.CodeNotClaimed, Message: "chunk is not claimed"})
		return
	}
	writeResult(rw, resultJSON{OK: true, Code: claim.CodeOK, Claim: toClaimJSON(&c)})
}

func (a *apiServer) handleOwnerChunks(rw http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.URL.Query().Get("owner_id"))
	if err != nil {
		badRequest(rw, "invalid owner_id")
		return
	}
	keys := a.cache.OwnerChunks(id)
	out := make([]chunkJSON, len(keys))
	for i, k := range keys {
		out[i] = chunkJSON{World: k.World, ChunkX: k.X, ChunkZ: k.Z}
	}
	writeResult(rw, map[string]any{"owner_id": id.String(), "count": len(out), "chunks": out})
}

func (a *apiServer) handleVillageChunks(rw http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.URL.Query().Get("village_id"), 10, 64)
	if err != nil {
		badRequest(rw, "invalid village_id")
		return
	}
	keys := a.cache.VillageChunks(id)
	out := make([]chunkJSON, len(keys))
	for i, k := range keys {
		out[i] = chunkJSON{World: k.World, ChunkX: k.X, ChunkZ: k.Z}
	}
	writeResult(rw, map[string]any{"village_id": id, "count": len(out), "chunks": out})
}

func (a *apiServer) handleHistory(rw http.ResponseWriter, r *http.Request) {
	key, ok := keyFromQuery(rw, r)
	if !ok {
		return
	}
	entries, err := a.store.History(r.Context(), key)
	if err != nil {
		a.log.Printf("history %s: %v", key, err)
		http.Error(rw, "history unavailable", http.StatusInternalServerError)
		return
	}
	type entryJSON struct {
		PreviousOwnerID string `json:"previous_owner_id"`
		ActorID         string `json:"actor_id,omitempty"`
		Reason          string `json:"reason"`
		At              string `json:"at"`
	}
	out := make([]entryJSON, len(entries))
	for i, e := range entries {
		out[i] = entryJSON{
			PreviousOwnerID: e.PreviousOwnerID.String(),
			Reason:          e.Reason,
			At:              e.At.UTC().Format(time.RFC3339Nano),
		}
		if e.ActorID != nil {
			out[i].ActorID = e.ActorID.String()
		}
	}
	writeResult(rw, map[string]any{"world": key.World, "chunk_x": key.X, "chunk_z": key.Z, "entries": out})
}

func (a *apiServer) handleCosts(rw http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.URL.Query().Get("owner_id"))
	if err != nil {
		badRequest(rw, "invalid owner_id")
		return
	}
	owned := a.cache.OwnerChunkCount(id)
	cost := a.costs.CostFor(owned)
	writeResult(rw, map[string]any{
		"owner_id":        id.String(),
		"owned_chunks":    owned,
		"resource":        cost.Resource,
		"amount":          cost.Amount,
		"used_free_slots": cost.UsedFreeSlots,
	})
}

func (a *apiServer) handleConsistency(rw http.ResponseWriter, r *http.Request) {
	key, ok := keyFromQuery(rw, r)
	if !ok {
		return
	}
	if err := a.coord.CheckConsistency(r.Context(), key); err != nil {
		writeResult(rw, resultJSON{Code: claim.CodeInconsistent, Message: err.Error()})
		return
	}
	writeResult(rw, resultJSON{OK: true, Code: claim.CodeOK, Message: "cache and store agree"})
}

// Helpers.

func keyFromQuery(rw http.ResponseWriter, r *http.Request) (claim.ChunkKey, bool) {
	q := r.URL.Query()
	world := q.Get("world")
	x, errX := strconv.Atoi(q.Get("chunk_x"))
	z, errZ := strconv.Atoi(q.Get("chunk_z"))
	if world == "" || errX != nil || errZ != nil {
		badRequest(rw, "world, chunk_x and chunk_z are required")
		return claim.ChunkKey{}, false
	}
	return claim.ChunkKey{World: world, X: x, Z: z}, true
}

func decode(rw http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		badRequest(rw, "invalid request body")
		return false
	}
	return true
}

func badRequest(rw http.ResponseWriter, msg string) {
	http.Error(rw, msg, http.StatusBadRequest)
}

func writeResult(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(v)
}
