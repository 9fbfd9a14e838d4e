// Package routerhandler serves the client-facing router API.
package routerhandler

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/attested-shard-router/api"
	"github.com/ruteri/attested-shard-router/interfaces"
	"github.com/ruteri/attested-shard-router/router"
)

// DefaultMaxBodyBytes caps request bodies before the router's own size check.
const DefaultMaxBodyBytes = 1 << 20

// QueryRouter is the part of router.Service the handler needs.
type QueryRouter interface {
	Handle(ctx context.Context, req *interfaces.QueryRequest) (*interfaces.QueryResponse, error)
	Attest(ctx context.Context, reportData [64]byte) ([]byte, error)
}

type Handler struct {
	router       QueryRouter
	maxBodyBytes int64
	log          *slog.Logger
}

func NewHandler(r QueryRouter, log *slog.Logger) *Handler {
	return &Handler{router: r, maxBodyBytes: DefaultMaxBodyBytes, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/v1/query", h.HandleQuery)
	r.Get("/api/v1/attestation/{report_data}", h.HandleAttestation)
}

// HandleQuery routes one encrypted query.
//
// Body: query ciphertext (application/octet-stream)
// Header X-Query-Deadline-Ms: optional deadline hint in milliseconds
// Response: merged ciphertext, or a JSON api.ErrorResponse
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodyBytes+1))
	if err != nil {
		h.log.Debug("could not read query body", "err", err)
		writeError(w, http.StatusBadRequest, router.KindInvalidRequest.String())
		return
	}
	if int64(len(body)) > h.maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, router.KindInvalidRequest.String())
		return
	}

	req := &interfaces.QueryRequest{Ciphertext: body}
	if hint := r.Header.Get(api.HeaderQueryDeadline); hint != "" {
		ms, err := strconv.ParseUint(hint, 10, 32)
		if err != nil || ms == 0 {
			writeError(w, http.StatusBadRequest, router.KindInvalidRequest.String())
			return
		}
		req.DeadlineHint = time.Duration(ms) * time.Millisecond
	}

	resp, err := h.router.Handle(r.Context(), req)
	if err != nil {
		status, kind := statusFor(err)
		writeError(w, status, kind)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(resp.Ciphertext)
}

// HandleAttestation returns the router enclave's attestation evidence.
//
// URL format: GET /api/v1/attestation/{report_data}
// The report_data is 64 hex-encoded bytes chosen by the client.
func (h *Handler) HandleAttestation(w http.ResponseWriter, r *http.Request) {
	reportDataBytes, err := hex.DecodeString(r.PathValue("report_data"))
	if err != nil || len(reportDataBytes) != 64 {
		http.Error(w, "report data must be 64 hex-encoded bytes", http.StatusBadRequest)
		return
	}
	var reportData [64]byte
	copy(reportData[:], reportDataBytes)

	evidence, err := h.router.Attest(r.Context(), reportData)
	if err != nil {
		h.log.Error("could not attest router", "err", err)
		http.Error(w, "could not attest router", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(evidence)
}

func statusFor(err error) (int, string) {
	if kind, ok := router.KindOf(err); ok {
		switch kind {
		case router.KindInvalidRequest:
			return http.StatusBadRequest, kind.String()
		case router.KindAllShardsUnavailable:
			return http.StatusServiceUnavailable, kind.String()
		case router.KindMergeFailure:
			return http.StatusBadGateway, kind.String()
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "deadline_exceeded"
	}
	return http.StatusServiceUnavailable, "canceled"
}

// errorMessages are the only failure descriptions sent to clients. Shard and
// enclave details stay in the router's logs.
var errorMessages = map[string]string{
	router.KindInvalidRequest.String():       "invalid query request",
	router.KindAllShardsUnavailable.String(): "no shard could answer the query",
	router.KindMergeFailure.String():         "shard responses could not be merged",
	"deadline_exceeded":                      "query deadline exceeded",
	"canceled":                               "query canceled",
}

func writeError(w http.ResponseWriter, status int, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{Kind: kind, Message: errorMessages[kind]})
}
