// Package shardapi carries the attested shard protocol over HTTP: Handler
// exposes a shard's transport, Transport is the router-side client.
package shardapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/attested-shard-router/api"
	"github.com/ruteri/attested-shard-router/interfaces"
)

// DefaultMaxPayload bounds handshake and query bodies in both directions.
const DefaultMaxPayload int64 = 4 << 20

// ErrPayloadTooLarge is returned when a body exceeds the configured limit.
// Bodies are never truncated.
var ErrPayloadTooLarge = errors.New("payload too large")

// readLimited reads all of r, failing with ErrPayloadTooLarge past limit bytes.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrPayloadTooLarge, limit)
	}
	return body, nil
}

type Handler struct {
	shard      interfaces.ShardTransport
	log        *slog.Logger
	maxPayload int64
}

func NewHandler(shard interfaces.ShardTransport, log *slog.Logger) *Handler {
	return &Handler{shard: shard, log: log, maxPayload: DefaultMaxPayload}
}

// WithMaxPayload sets the largest accepted request body. Non-positive keeps the default.
func (h *Handler) WithMaxPayload(limit int64) *Handler {
	if limit > 0 {
		h.maxPayload = limit
	}
	return h
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/v1/handshake", h.HandleHandshake)
	r.Post("/api/v1/query", h.HandleQuery)
}

// HandleHandshake establishes an attested session.
// Body: JSON interfaces.HandshakeRequest. Response: JSON interfaces.HandshakeResponse.
func (h *Handler) HandleHandshake(w http.ResponseWriter, r *http.Request) {
	body, err := readLimited(r.Body, h.maxPayload)
	if err != nil {
		h.writeBodyError(w, err)
		return
	}

	var req interfaces.HandshakeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Errorf("invalid handshake request: %w", err).Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.shard.Handshake(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleQuery answers a sealed query.
// Headers X-Session-Id and X-Session-Seq identify the session and sequence number.
// Body and response: sealed payloads.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(api.HeaderSessionID)
	seq, err := strconv.ParseUint(r.Header.Get(api.HeaderSessionSeq), 10, 64)
	if sessionID == "" || err != nil {
		http.Error(w, "missing or invalid session headers", http.StatusBadRequest)
		return
	}

	payload, err := readLimited(r.Body, h.maxPayload)
	if err != nil {
		h.writeBodyError(w, err)
		return
	}

	resp, err := h.shard.Query(r.Context(), &interfaces.SealedMessage{
		SessionID: sessionID,
		Sequence:  seq,
		Payload:   payload,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(api.HeaderSessionID, resp.SessionID)
	w.Header().Set(api.HeaderSessionSeq, strconv.FormatUint(resp.Sequence, 10))
	_, _ = w.Write(resp.Payload)
}

func (h *Handler) writeBodyError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrPayloadTooLarge) {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	http.Error(w, fmt.Errorf("could not read body: %w", err).Error(), http.StatusBadRequest)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code, status := errorCode(err)
	if code == "" {
		h.log.Error("shard request failed", "err", err)
	}
	if code != "" {
		w.Header().Set(api.HeaderErrorCode, code)
	}
	http.Error(w, err.Error(), status)
}

func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, interfaces.ErrUnknownSession):
		return api.ErrorCodeUnknownSession, http.StatusGone
	case errors.Is(err, interfaces.ErrReplayedSequence):
		return api.ErrorCodeReplayedSequence, http.StatusConflict
	case errors.Is(err, interfaces.ErrBadSeal):
		return api.ErrorCodeBadSeal, http.StatusUnprocessableEntity
	case errors.Is(err, interfaces.ErrAttestationRejected):
		return api.ErrorCodeUntrusted, http.StatusForbidden
	default:
		return "", http.StatusInternalServerError
	}
}
