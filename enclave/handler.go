package enclave

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// maxMergeBody bounds the size of a merge request.
const maxMergeBody = 64 << 20

// Handler serves a DevMerger over HTTP, the way the enclave sidecar exposes its merger.
type Handler struct {
	merger *DevMerger
	log    *slog.Logger
}

func NewHandler(merger *DevMerger, log *slog.Logger) *Handler {
	return &Handler{merger: merger, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/init", h.HandleInit)
	r.Get("/attest/{report_data}", h.HandleAttest)
	r.Post("/merge", h.HandleMerge)
}

// HandleInit configures the merger.
// Body: JSON Config (responder_id, omap_capacity).
func (h *Handler) HandleInit(w http.ResponseWriter, r *http.Request) {
	var cfg Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, fmt.Errorf("invalid config: %w", err).Error(), http.StatusBadRequest)
		return
	}
	h.merger.Init(cfg)
	h.log.Info("enclave initialized", "responder_id", cfg.ResponderID, "omap_capacity", cfg.OmapCapacity)
	w.WriteHeader(http.StatusOK)
}

// HandleAttest returns attestation evidence bound to the 64-byte hex report data in the path.
func (h *Handler) HandleAttest(w http.ResponseWriter, r *http.Request) {
	reportDataBytes, err := hex.DecodeString(r.PathValue("report_data"))
	if err != nil || len(reportDataBytes) != 64 {
		http.Error(w, "report data must be 64 hex-encoded bytes", http.StatusBadRequest)
		return
	}
	var reportData [64]byte
	copy(reportData[:], reportDataBytes)

	evidence, err := h.merger.Attest(r.Context(), reportData)
	if err != nil {
		h.log.Error("could not attest", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(evidence)
}

// HandleMerge merges shard responses. Body: JSON MergeRequest. Response: merged bytes.
func (h *Handler) HandleMerge(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMergeBody))
	if err != nil {
		http.Error(w, fmt.Errorf("could not read body: %w", err).Error(), http.StatusBadRequest)
		return
	}
	var req MergeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Errorf("invalid merge request: %w", err).Error(), http.StatusBadRequest)
		return
	}

	merged, err := h.merger.Merge(r.Context(), req.Request, req.Responses)
	switch {
	case errors.Is(err, ErrNotInitialized):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(merged)
}
