package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/peerpulse/peerpulse/audit"
	"github.com/peerpulse/peerpulse/cache"
	"github.com/peerpulse/peerpulse/deferred"
	"github.com/peerpulse/peerpulse/llm"
	"github.com/peerpulse/peerpulse/platform"
)

// minLiveBudget is the floor below which a live model call is not worth
// starting: the remaining time could not fit even a fast completion.
const minLiveBudget = 50 * time.Millisecond

// ModelCaller issues one generation request. Satisfied by *llm.Client.
type ModelCaller interface {
	Generate(ctx context.Context, prompt llm.Prompt, profile llm.Profile, traceID string) (*llm.Output, error)
}

// Enqueuer accepts overflow work. Satisfied by *deferred.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task deferred.Task) error
}

// Request is one inbound resolution request.
type Request struct {
	// Kind selects the task configuration.
	Kind llm.TaskKind

	// Input is the normalized-able request text; together with the task
	// kind, profile name and language it forms the fingerprint.
	Input string

	// Payload is the structured prompt payload. Nil wraps Input as
	// {"text": input}.
	Payload any

	// TraceID correlates the request across audit and deferred work.
	TraceID string

	// Deadline is the interactive budget. Zero means the profile timeout
	// alone governs the live call.
	Deadline time.Time

	// Platform, UserRef and MessageRef locate the delivery target for a
	// deferred completion, when one is scheduled.
	Platform   string
	UserRef    string
	MessageRef *platform.MessageRef
}

// Response is the ladder's answer. Resolve never returns empty-handed: the
// payload is live output, a cache hit, or the task's static template.
type Response struct {
	// Payload is the structured result.
	Payload json.RawMessage

	// Tier is the fallback stage that satisfied the request.
	Tier audit.Tier

	// Fingerprint is the request identity used for caching and coalescing.
	Fingerprint string

	// Deferred is true when background enrichment was scheduled and a
	// completion event will follow.
	Deferred bool
}

// Stats is the read-only counter snapshot consumed by the metrics exporter.
type Stats struct {
	Cache      cache.Stats `json:"cache"`
	TierLive   int64       `json:"tier_live"`
	TierCache  int64       `json:"tier_cache"`
	TierStatic int64       `json:"tier_static"`
}

// Ladder orchestrates the fallback race: live model call, then cache, then
// static template, under the caller's deadline. Model and cache failures are
// absorbed here and never propagate; only configuration defects (unknown
// task kind) surface as errors.
type Ladder struct {
	selector atomic.Pointer[Selector]
	cache    *cache.Cache
	model    ModelCaller
	queue    Enqueuer
	emitter  *audit.Emitter
	metrics  *audit.Metrics
	logger   *slog.Logger

	// flights coalesces concurrent live calls sharing a fingerprint.
	flights singleflight.Group

	tierLive   atomic.Int64
	tierCache  atomic.Int64
	tierStatic atomic.Int64
}

// LadderOption configures a Ladder.
type LadderOption func(*Ladder)

// WithQueue sets the deferred completion queue.
func WithQueue(q Enqueuer) LadderOption {
	return func(l *Ladder) {
		l.queue = q
	}
}

// WithEmitter sets the audit emitter.
func WithEmitter(e *audit.Emitter) LadderOption {
	return func(l *Ladder) {
		l.emitter = e
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *audit.Metrics) LadderOption {
	return func(l *Ladder) {
		l.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LadderOption {
	return func(l *Ladder) {
		l.logger = logger
	}
}

// NewLadder creates a ladder over the given selector, cache and model client.
func NewLadder(selector *Selector, c *cache.Cache, model ModelCaller, opts ...LadderOption) *Ladder {
	l := &Ladder{
		cache:  c,
		model:  model,
		logger: slog.Default(),
	}
	l.selector.Store(selector)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// UpdateSelector swaps in a new selector. Used by config hot reload; in-flight
// resolutions finish against the selector they started with.
func (l *Ladder) UpdateSelector(selector *Selector) {
	l.selector.Store(selector)
}

// Resolve produces a response for the request within its deadline. The
// ladder prefers cache hits over live calls for cost and determinism, skips
// the live call when too little budget remains, and falls back to the static
// template plus a deferred task rather than ever failing.
func (l *Ladder) Resolve(ctx context.Context, req Request) (Response, error) {
	started := time.Now()

	cfg, err := l.selector.Load().Resolve(req.Kind)
	if err != nil {
		return Response{}, err
	}

	fp := cache.Fingerprint(req.Kind.String(), req.Input, cfg.Profile.Name, cfg.Language)

	// Cache lookup is near-instant and always attempted, even past deadline.
	if payload, ok := l.cache.Get(fp); ok {
		l.observeCache(true)
		l.finish(req, fp, audit.TierCache, started, "cache_hit")
		return Response{Payload: payload, Tier: audit.TierCache, Fingerprint: fp}, nil
	}
	l.observeCache(false)

	budget := l.liveBudget(cfg.Profile, req.Deadline)
	if budget <= minLiveBudget {
		// The model call is the only step ever skipped for time.
		return l.fallback(ctx, req, cfg, fp, started, "skipped_no_budget"), nil
	}

	payload, outcome := l.raceLive(ctx, req, cfg, fp, budget)
	if payload != nil {
		l.finish(req, fp, audit.TierLive, started, outcome)
		return Response{Payload: payload, Tier: audit.TierLive, Fingerprint: fp}, nil
	}

	return l.fallback(ctx, req, cfg, fp, started, outcome), nil
}

// Stats returns cache counters and the tier distribution.
func (l *Ladder) Stats() Stats {
	return Stats{
		Cache:      l.cache.Stats(),
		TierLive:   l.tierLive.Load(),
		TierCache:  l.tierCache.Load(),
		TierStatic: l.tierStatic.Load(),
	}
}

// liveBudget computes the timeout for the live call: the profile budget,
// clamped to whatever remains until the caller's deadline.
func (l *Ladder) liveBudget(profile llm.Profile, deadline time.Time) time.Duration {
	budget := profile.Timeout
	if !deadline.IsZero() {
		if remaining := time.Until(deadline); remaining < budget {
			budget = remaining
		}
	}
	return budget
}

// raceLive runs the coalesced model call and waits at most the caller's
// budget for it. A caller that stops waiting leaves the shared flight
// running so its write-through still warms the cache for later requests.
func (l *Ladder) raceLive(ctx context.Context, req Request, cfg TaskConfig, fp string, budget time.Duration) (json.RawMessage, string) {
	prompt := llm.Prompt{
		Kind:    req.Kind,
		System:  cfg.SystemPrompt,
		Payload: req.Payload,
	}
	if prompt.Payload == nil {
		prompt.Payload = map[string]string{"text": req.Input}
	}

	// The flight must not die with its first caller, so it detaches from
	// caller cancellation. Generate enforces the profile timeout itself.
	flightCtx := context.WithoutCancel(ctx)
	ch := l.flights.DoChan(fp, func() (any, error) {
		out, err := l.model.Generate(flightCtx, prompt, cfg.Profile, req.TraceID)
		if err != nil {
			return nil, err
		}
		l.cache.Set(fp, out.JSON, cfg.TTLClass)
		return out.JSON, nil
	})

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			outcome := l.classifyFailure(req, fp, res.Err)
			if l.metrics != nil {
				l.metrics.ModelRequests.WithLabelValues(cfg.Profile.Name, outcome).Inc()
			}
			return nil, outcome
		}
		if l.metrics != nil {
			l.metrics.ModelRequests.WithLabelValues(cfg.Profile.Name, "success").Inc()
		}
		return res.Val.(json.RawMessage), "live_ok"
	case <-timer.C:
		return nil, "timeout"
	case <-ctx.Done():
		return nil, "cancelled"
	}
}

// CompleteDeferred produces the full answer for a deferred task under the
// profile's own timeout, with write-through caching. Wired as the deferred
// worker's executor.
func (l *Ladder) CompleteDeferred(ctx context.Context, task deferred.Task) (json.RawMessage, error) {
	cfg, err := l.selector.Load().Resolve(task.Kind)
	if err != nil {
		return nil, err
	}

	prompt := llm.Prompt{
		Kind:    task.Kind,
		System:  cfg.SystemPrompt,
		Payload: task.Payload,
	}

	out, err := l.model.Generate(ctx, prompt, cfg.Profile, task.TraceID)
	if err != nil {
		if l.metrics != nil {
			l.metrics.ModelRequests.WithLabelValues(cfg.Profile.Name, "deferred_failure").Inc()
		}
		return nil, err
	}

	l.cache.Set(task.Fingerprint, out.JSON, cfg.TTLClass)
	if l.metrics != nil {
		l.metrics.ModelRequests.WithLabelValues(cfg.Profile.Name, "success").Inc()
	}
	return out.JSON, nil
}

// classifyFailure names the failure for the decision record and flags
// schema violations in audit as a model quality signal.
func (l *Ladder) classifyFailure(req Request, fp string, err error) string {
	switch {
	case llm.IsTimeout(err):
		return "timeout"
	case llm.IsSchemaViolation(err):
		if l.emitter != nil {
			l.emitter.Emit(audit.Record{
				Kind:        audit.KindSchemaViolation,
				TraceID:     req.TraceID,
				Fingerprint: fp,
				Outcome:     err.Error(),
			})
		}
		return "schema_violation"
	default:
		return "transport_error"
	}
}

// fallback returns the static template and schedules the full answer for
// out-of-band completion.
func (l *Ladder) fallback(ctx context.Context, req Request, cfg TaskConfig, fp string, started time.Time, outcome string) Response {
	deferredScheduled := false
	if l.queue != nil {
		payload, err := json.Marshal(req.Payload)
		if req.Payload == nil {
			payload, err = json.Marshal(map[string]string{"text": req.Input})
		}
		if err == nil {
			task := deferred.Task{
				TraceID:     req.TraceID,
				Fingerprint: fp,
				Kind:        req.Kind,
				Payload:     payload,
				Platform:    req.Platform,
				UserRef:     req.UserRef,
				MessageRef:  req.MessageRef,
			}
			if err := l.queue.Enqueue(ctx, task); err != nil {
				l.logger.Warn("Failed to enqueue deferred task",
					"trace_id", req.TraceID, "error", err)
			} else {
				deferredScheduled = true
			}
		}
	}

	l.finish(req, fp, audit.TierStatic, started, outcome)

	return Response{
		Payload:     cfg.Static,
		Tier:        audit.TierStatic,
		Fingerprint: fp,
		Deferred:    deferredScheduled,
	}
}

// finish emits the decision record and counts the tier. One record per
// Resolve invocation regardless of branch.
func (l *Ladder) finish(req Request, fp string, tier audit.Tier, started time.Time, outcome string) {
	elapsed := time.Since(started)

	switch tier {
	case audit.TierLive:
		l.tierLive.Add(1)
	case audit.TierCache:
		l.tierCache.Add(1)
	case audit.TierStatic:
		l.tierStatic.Add(1)
	}

	if l.metrics != nil {
		l.metrics.ResolveTotal.WithLabelValues(req.Kind.String(), tier.String()).Inc()
		l.metrics.ResolveDuration.WithLabelValues(req.Kind.String()).Observe(elapsed.Seconds())
	}

	if l.emitter != nil {
		l.emitter.Emit(audit.Record{
			Kind:        audit.KindDecision,
			TraceID:     req.TraceID,
			Fingerprint: fp,
			Tier:        tier,
			ElapsedMs:   elapsed.Milliseconds(),
			Outcome:     outcome,
		})
	}

	l.logger.Debug("Resolved request",
		"trace_id", req.TraceID,
		"task", req.Kind,
		"tier", tier,
		"outcome", outcome,
		"elapsed_ms", elapsed.Milliseconds())
}

func (l *Ladder) observeCache(hit bool) {
	if l.metrics == nil {
		return
	}
	if hit {
		l.metrics.CacheLookups.WithLabelValues("hit").Inc()
	} else {
		l.metrics.CacheLookups.WithLabelValues("miss").Inc()
	}
}
