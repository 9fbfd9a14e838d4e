package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/attested-shard-router/interfaces"
	"github.com/ruteri/attested-shard-router/session"
	"github.com/ruteri/attested-shard-router/shard"
)

// Defaults used when Config leaves a field unset.
const (
	DefaultMaxQuerySize   = 64 * 1024
	DefaultRequestTimeout = 10 * time.Second
)

// Outcome is the result class of one shard within a request.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeTransport   Outcome = "transport_error"
	OutcomeAttestation Outcome = "attestation_failure"
	OutcomeTampered    Outcome = "tampered"
)

// OutcomeOf maps a shard query error to its outcome class.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	var serr *shard.Error
	if errors.As(err, &serr) {
		switch serr.Kind {
		case shard.KindTimeout:
			return OutcomeTimeout
		case shard.KindUntrusted:
			return OutcomeAttestation
		case shard.KindTampered:
			return OutcomeTampered
		default:
			return OutcomeTransport
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return OutcomeTimeout
	}
	return OutcomeTransport
}

// ShardResult is one entry of a fan-out result.
type ShardResult struct {
	ShardID    interfaces.ShardID
	Outcome    Outcome
	Ciphertext interfaces.Ciphertext
	Err        error
}

// FanOutResult holds exactly one result per shard of the snapshot a request was
// dispatched against.
type FanOutResult struct {
	SnapshotVersion uint64
	Results         map[interfaces.ShardID]ShardResult
}

// Successful returns the usable responses ordered by shard id.
func (f *FanOutResult) Successful() []interfaces.ShardResponse {
	responses := make([]interfaces.ShardResponse, 0, len(f.Results))
	for id, r := range f.Results {
		if r.Outcome == OutcomeOK {
			responses = append(responses, interfaces.ShardResponse{ShardID: id, Ciphertext: r.Ciphertext})
		}
	}
	sort.Slice(responses, func(i, j int) bool { return responses[i].ShardID < responses[j].ShardID })
	return responses
}

// Config bounds requests.
type Config struct {
	// MaxQuerySize is the largest accepted query ciphertext in bytes.
	MaxQuerySize int

	// RequestTimeout is the overall budget of a request. A client hint can only shorten it.
	RequestTimeout time.Duration
}

// Observer receives per-request and per-shard health. It never affects responses.
type Observer interface {
	ObserveShardOutcome(shard interfaces.ShardID, outcome Outcome, duration time.Duration)
	ObserveRequest(result string, responses int, duration time.Duration)
}

// ServiceOpts wires a Service.
type ServiceOpts struct {
	Pool     *shard.Pool
	Merger   interfaces.TrustedMerger
	Config   Config
	Log      *slog.Logger
	Observer Observer
	Audit    interfaces.AuditSink
}

// Service routes encrypted queries to every shard and merges the answers in the enclave.
type Service struct {
	pool     *shard.Pool
	merger   interfaces.TrustedMerger
	cfg      Config
	log      *slog.Logger
	observer Observer
	audit    interfaces.AuditSink
}

func NewService(opts ServiceOpts) *Service {
	cfg := opts.Config
	if cfg.MaxQuerySize <= 0 {
		cfg.MaxQuerySize = DefaultMaxQuerySize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:     opts.Pool,
		merger:   opts.Merger,
		cfg:      cfg,
		log:      log,
		observer: opts.Observer,
		audit:    opts.Audit,
	}
}

// Pool returns the shard pool the service dispatches to.
func (s *Service) Pool() *shard.Pool {
	return s.pool
}

// Attest returns the enclave's attestation bound to reportData.
func (s *Service) Attest(ctx context.Context, reportData [64]byte) ([]byte, error) {
	return s.merger.Attest(ctx, reportData)
}

// Handle routes one query. Returned errors are *Error, or ctx's error if the
// caller went away before a result was ready.
func (s *Service) Handle(ctx context.Context, req *interfaces.QueryRequest) (*interfaces.QueryResponse, error) {
	start := time.Now()
	requestID := uuid.NewString()
	log := s.log.With("request_id", requestID)

	resp, err := s.handle(ctx, log, requestID, req)

	result := "ok"
	responses := 0
	if err != nil {
		if kind, ok := KindOf(err); ok {
			result = kind.String()
		} else {
			result = "canceled"
		}
		log.Info("query failed", "result", result, "err", err)
	}
	if resp != nil {
		responses = resp.responses
	}
	if s.observer != nil {
		s.observer.ObserveRequest(result, responses, time.Since(start))
	}
	if err != nil {
		return nil, err
	}
	return &interfaces.QueryResponse{Ciphertext: resp.ciphertext}, nil
}

type merged struct {
	ciphertext interfaces.Ciphertext
	responses  int
}

func (s *Service) handle(ctx context.Context, log *slog.Logger, requestID string, req *interfaces.QueryRequest) (*merged, error) {
	if req == nil || len(req.Ciphertext) == 0 {
		return nil, &Error{Kind: KindInvalidRequest, Err: ErrEmptyQuery}
	}
	if len(req.Ciphertext) > s.cfg.MaxQuerySize {
		return nil, &Error{Kind: KindInvalidRequest, Err: fmt.Errorf("%w: %d > %d bytes", ErrQueryTooLarge, len(req.Ciphertext), s.cfg.MaxQuerySize)}
	}

	snapshot := s.pool.Snapshot()
	if snapshot.Len() == 0 {
		return nil, &Error{Kind: KindAllShardsUnavailable, Err: ErrNoShards}
	}

	budget := s.cfg.RequestTimeout
	if req.DeadlineHint > 0 && req.DeadlineHint < budget {
		budget = req.DeadlineHint
	}

	fanout := s.fanOut(ctx, log, requestID, snapshot, req.Ciphertext, budget)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	responses := fanout.Successful()
	if len(responses) == 0 {
		return nil, &Error{Kind: KindAllShardsUnavailable, Err: fmt.Errorf("%w (%d shards)", ErrNoResponses, snapshot.Len())}
	}

	out, err := s.merger.Merge(ctx, req.Ciphertext, responses)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: KindMergeFailure, Err: err}
	}

	log.Debug("query merged", "responses", len(responses), "shards", snapshot.Len())
	return &merged{ciphertext: out, responses: len(responses)}, nil
}

// fanOut queries every shard of snapshot in parallel and waits at most budget,
// or until ctx ends. Shard calls run detached from ctx so that a departing
// client does not tear down sessions mid-RPC; they are bounded by budget.
func (s *Service) fanOut(ctx context.Context, log *slog.Logger, requestID string, snapshot *shard.Snapshot, query interfaces.Ciphertext, budget time.Duration) *FanOutResult {
	shardCtx, cancelShards := context.WithTimeout(context.WithoutCancel(ctx), budget)
	waitCtx, cancelWait := context.WithTimeout(ctx, budget)
	defer cancelWait()

	ids := snapshot.IDs()
	joined := Join(waitCtx, ids, func(id interfaces.ShardID) (shardReply, error) {
		client, _ := snapshot.Get(id)
		start := time.Now()
		ct, err := client.Query(shardCtx, query)
		return shardReply{ciphertext: ct, took: time.Since(start)}, err
	})

	pending := false
	for _, j := range joined {
		pending = pending || !j.Done
	}
	if pending {
		// stragglers keep running until their budget elapses
		go func() {
			<-shardCtx.Done()
			cancelShards()
		}()
	} else {
		cancelShards()
	}

	result := &FanOutResult{
		SnapshotVersion: snapshot.Version,
		Results:         make(map[interfaces.ShardID]ShardResult, len(ids)),
	}
	for _, id := range ids {
		j := joined[id]
		r := ShardResult{ShardID: id, Ciphertext: j.Value.ciphertext, Err: j.Err, Outcome: OutcomeOf(j.Err)}
		took := j.Value.took
		if !j.Done {
			r.Outcome = OutcomeTimeout
			took = budget
		}
		result.Results[id] = r
		s.report(ctx, log, requestID, r, took)
	}
	return result
}

type shardReply struct {
	ciphertext interfaces.Ciphertext
	took       time.Duration
}

func (s *Service) report(ctx context.Context, log *slog.Logger, requestID string, r ShardResult, took time.Duration) {
	if s.observer != nil {
		s.observer.ObserveShardOutcome(r.ShardID, r.Outcome, took)
	}
	if r.Outcome == OutcomeOK {
		return
	}

	log.Info("shard unavailable for query", "shard_id", r.ShardID, "outcome", string(r.Outcome), "err", r.Err)

	if s.audit == nil {
		return
	}
	switch r.Outcome {
	case OutcomeAttestation:
		event := interfaces.AuditEvent{
			Time:      time.Now(),
			Kind:      interfaces.AuditAttestationRejected,
			ShardID:   r.ShardID,
			RequestID: requestID,
			Detail:    r.Err.Error(),
		}
		var rejection *session.RejectionError
		if errors.As(r.Err, &rejection) {
			event.Evidence = rejection.Evidence
		}
		s.audit.Record(context.WithoutCancel(ctx), event)
	case OutcomeTampered:
		s.audit.Record(context.WithoutCancel(ctx), interfaces.AuditEvent{
			Time:      time.Now(),
			Kind:      interfaces.AuditTampered,
			ShardID:   r.ShardID,
			RequestID: requestID,
			Detail:    r.Err.Error(),
		})
	}
}
