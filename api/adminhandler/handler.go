// Package adminhandler serves pool membership administration.
package adminhandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/attested-shard-router/api"
	"github.com/ruteri/attested-shard-router/interfaces"
	"github.com/ruteri/attested-shard-router/shard"
)

// SyncTrigger requests an immediate discovery pass.
type SyncTrigger interface {
	Trigger()
}

type Handler struct {
	pool *shard.Pool
	sync SyncTrigger
	log  *slog.Logger
}

// NewHandler creates the admin handler. sync may be nil when discovery is disabled.
func NewHandler(pool *shard.Pool, sync SyncTrigger, log *slog.Logger) *Handler {
	return &Handler{pool: pool, sync: sync, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/admin/shards", h.HandleList)
	r.Post("/api/admin/shards", h.HandleAdd)
	r.Post("/api/admin/shards/sync", h.HandleSync)
	r.Delete("/api/admin/shards/{shard_id}", h.HandleRemove)
}

// HandleList returns the current pool snapshot with session states.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	snapshot := h.pool.Snapshot()
	resp := api.ShardListResponse{
		Version: snapshot.Version,
		Shards:  make([]api.ShardStatus, 0, snapshot.Len()),
	}
	for _, client := range snapshot.Clients() {
		resp.Shards = append(resp.Shards, api.ShardStatus{
			ShardIdentity: client.Identity(),
			SessionState:  client.SessionState().String(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleAdd registers a shard. Body: JSON interfaces.ShardIdentity.
func (h *Handler) HandleAdd(w http.ResponseWriter, r *http.Request) {
	var identity interfaces.ShardIdentity
	if err := json.NewDecoder(r.Body).Decode(&identity); err != nil {
		http.Error(w, fmt.Errorf("invalid shard identity: %w", err).Error(), http.StatusBadRequest)
		return
	}

	_, err := h.pool.Add(r.Context(), identity)
	switch {
	case errors.Is(err, shard.ErrShardExists):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.log.Info("shard registered via admin api", "shard_id", identity.ID)
	w.WriteHeader(http.StatusCreated)
}

// HandleRemove unregisters a shard. Queries already dispatched to it complete.
func (h *Handler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	id := interfaces.ShardID(r.PathValue("shard_id"))
	if err := h.pool.Remove(r.Context(), id); err != nil {
		if errors.Is(err, shard.ErrShardNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.log.Info("shard unregistered via admin api", "shard_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleSync triggers a discovery pass.
func (h *Handler) HandleSync(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		http.Error(w, "discovery is not configured", http.StatusNotImplemented)
		return
	}
	h.sync.Trigger()
	w.WriteHeader(http.StatusAccepted)
}
