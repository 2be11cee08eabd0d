// Package search runs the vector, graph and GNN legs of a search
// concurrently under a negotiated configuration and synthesizes their
// results.
package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/metrics"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/internal/negotiation"
	"github.com/trimodal-rag/backend/internal/perf"
)

// Negotiator resolves the per-search configuration.
type Negotiator interface {
	Negotiate(ctx context.Context, sc models.SearchContext) (*negotiation.Outcome, error)
	RecordOutcome(ctx context.Context, reqs *models.ConfigRequirements, compat *models.Compatibility, succeeded *bool)
}

// Tracker records executions in the performance log.
type Tracker interface {
	StartExecutionTracking(cfg *models.GraphConfig) (string, error)
	RecordMilestone(executionID, name string) error
	EndExecutionTracking(ctx context.Context, executionID string, outcome models.ExecutionOutcome) (*models.ExecutionMetrics, error)
	AbortExecutionTracking(executionID string)
}

type RelevanceEstimator interface {
	EstimateRelevance(ctx context.Context, query string, results []models.SearchResult) (float64, error)
}

// TelemetryPublisher forwards execution metrics to the config pipeline.
type TelemetryPublisher interface {
	PublishTelemetry(ctx context.Context, m *models.ExecutionMetrics) error
}

// Transition is one state change of a search request.
type Transition struct {
	RequestID   string             `json:"request_id"`
	ExecutionID string             `json:"execution_id,omitempty"`
	State       models.SearchState `json:"state"`
	Detail      string             `json:"detail,omitempty"`
	At          time.Time          `json:"at"`
}

// Observer receives transitions synchronously. It must not block.
type Observer func(Transition)

type Options struct {
	Negotiator Negotiator
	Tracker    Tracker
	Legs       []Leg
	Relevance  RelevanceEstimator
	Telemetry  TelemetryPublisher
	Logger     *zap.Logger
}

type Orchestrator struct {
	negotiator Negotiator
	tracker    Tracker
	legs       []Leg
	relevance  RelevanceEstimator
	telemetry  TelemetryPublisher
	log        *zap.Logger
}

func New(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		negotiator: opts.Negotiator,
		tracker:    opts.Tracker,
		legs:       opts.Legs,
		relevance:  opts.Relevance,
		telemetry:  opts.Telemetry,
		log:        log,
	}
}

// request is the state machine of one search.
type request struct {
	id          string
	executionID string
	state       models.SearchState
	observe     Observer
}

func (r *request) to(state models.SearchState, detail string) {
	r.state = state
	if r.observe != nil {
		r.observe(Transition{
			RequestID:   r.id,
			ExecutionID: r.executionID,
			State:       state,
			Detail:      detail,
			At:          time.Now().UTC(),
		})
	}
}

// Search executes one request. It fails when no learned configuration can
// be negotiated or when every leg fails; otherwise it returns whatever the
// surviving legs produced. It returns only after every leg has exited.
func (o *Orchestrator) Search(ctx context.Context, sc models.SearchContext, observe Observer) (*models.SearchResponse, error) {
	start := time.Now()
	req := &request{id: uuid.New().String(), observe: observe}
	req.to(models.StateReceived, "")

	outcome, err := o.negotiator.Negotiate(ctx, sc)
	if err != nil {
		metrics.ConfigResolutionFailures.WithLabelValues(string(apperrors.KindOf(err))).Inc()
		return nil, o.fail(req, sc, err)
	}
	gc := outcome.Config

	hash, err := perf.ConfigHash(gc)
	if err != nil {
		return nil, o.fail(req, sc, err)
	}
	executionID, err := o.tracker.StartExecutionTracking(gc)
	if err != nil {
		return nil, o.fail(req, sc, fmt.Errorf("failed to start execution tracking: %w", err))
	}
	req.executionID = executionID
	o.milestone(executionID, "config_resolved")
	req.to(models.StateConfigResolved, gc.GenerationMethod)

	budget := legBudget(gc, outcome.Requirements)
	req.to(models.StateLegsExecuting, budget.String())
	legs := o.runLegs(ctx, LegRequest{Query: sc.Query, Domain: sc.Domain, Config: gc}, budget)
	o.milestone(executionID, "legs_completed")

	if err := ctx.Err(); err != nil {
		o.tracker.AbortExecutionTracking(executionID)
		o.negotiator.RecordOutcome(context.WithoutCancel(ctx), outcome.Requirements, outcome.Compatibility, nil)
		return nil, o.fail(req, sc, err)
	}

	explanation := models.SearchExplanation{
		Legs:           make(map[string]models.LegReport, len(legs)),
		DedupThreshold: gc.DedupThreshold,
		Compatibility:  outcome.Compatibility,
	}
	hits := make(map[models.Modality][]models.Hit, len(legs))
	legStatus := make(map[string]models.LegStatus, len(legs))
	var failures []*apperrors.LegExecutionError
	var succeeded int
	for _, l := range legs {
		explanation.Legs[string(l.modality)] = l.report
		legStatus[string(l.modality)] = l.report.Status
		metrics.LegOutcomes.WithLabelValues(string(l.modality), string(l.report.Status)).Inc()
		if l.report.Status != models.LegSkipped {
			metrics.LegDuration.WithLabelValues(string(l.modality)).Observe(l.report.Duration)
		}
		switch {
		case l.err != nil:
			failures = append(failures, l.err)
			o.log.Warn("Search leg failed",
				zap.String("execution_id", executionID),
				zap.String("leg", string(l.modality)),
				zap.Bool("timed_out", l.err.TimedOut),
				zap.Error(l.err.Err),
			)
		case l.report.Status == models.LegSucceeded:
			succeeded++
			hits[l.modality] = l.hits
		}
	}

	if succeeded == 0 {
		allFailed := &apperrors.AllLegsFailedError{Domain: sc.Domain, Legs: failures}
		o.finish(ctx, executionID, models.ExecutionOutcome{Success: false, LegStatus: legStatus})
		no := false
		o.negotiator.RecordOutcome(ctx, outcome.Requirements, outcome.Compatibility, &no)
		return nil, o.fail(req, sc, allFailed)
	}

	req.to(models.StateSynthesizing, "")
	syn := Synthesize(hits, gc.TriModalWeights, gc.DedupThreshold, gc.MaxResults)
	explanation.Deduplicated = syn.Deduplicated
	metrics.DeduplicatedResults.Add(float64(syn.Deduplicated))
	o.milestone(executionID, "synthesized")

	relevance := o.estimateRelevance(ctx, sc.Query, syn.Results)
	metrics.RelevanceScore.Observe(relevance)

	m := o.finish(ctx, executionID, models.ExecutionOutcome{
		RelevanceScore: relevance,
		ResultCount:    len(syn.Results),
		Success:        true,
		ResourceUsage: map[string]float64{
			"candidates":     float64(syn.Candidates),
			"deduplicated":   float64(syn.Deduplicated),
			"legs_failed":    float64(len(failures)),
			"budget_seconds": budget.Seconds(),
		},
		ModalityContributions: syn.Contributions,
		LegStatus:             legStatus,
	})
	yes := true
	o.negotiator.RecordOutcome(ctx, outcome.Requirements, outcome.Compatibility, &yes)
	o.publish(ctx, m)

	elapsed := time.Since(start)
	metrics.SearchDuration.WithLabelValues(string(gc.QueryType)).Observe(elapsed.Seconds())
	metrics.SearchTotal.WithLabelValues(string(models.StateCompleted)).Inc()
	req.to(models.StateCompleted, fmt.Sprintf("%d results", len(syn.Results)))

	o.log.Info("Search completed",
		zap.String("execution_id", executionID),
		zap.String("domain", sc.Domain),
		zap.String("query_type", string(gc.QueryType)),
		zap.Int("results", len(syn.Results)),
		zap.Int("legs_failed", len(failures)),
		zap.Float64("relevance", relevance),
		zap.Duration("duration", elapsed),
	)

	return &models.SearchResponse{
		ExecutionID: executionID,
		Query:       sc.Query,
		Domain:      sc.Domain,
		State:       models.StateCompleted,
		Results:     syn.Results,
		ConfigUsed:  gc,
		ConfigHash:  hash,
		Explanation: explanation,
		Relevance:   relevance,
		Duration:    elapsed.Seconds(),
		CompletedAt: time.Now().UTC(),
	}, nil
}

func (o *Orchestrator) fail(req *request, sc models.SearchContext, err error) error {
	metrics.SearchTotal.WithLabelValues(string(models.StateFailed)).Inc()
	req.to(models.StateFailed, err.Error())
	o.log.Warn("Search failed",
		zap.String("request_id", req.id),
		zap.String("domain", sc.Domain),
		zap.String("error_kind", string(apperrors.KindOf(err))),
		zap.Error(err),
	)
	return err
}

func (o *Orchestrator) milestone(executionID, name string) {
	if err := o.tracker.RecordMilestone(executionID, name); err != nil {
		o.log.Warn("Failed to record milestone", zap.String("milestone", name), zap.Error(err))
	}
}

// finish closes tracking. A failed metrics write does not fail the search.
func (o *Orchestrator) finish(ctx context.Context, executionID string, outcome models.ExecutionOutcome) *models.ExecutionMetrics {
	m, err := o.tracker.EndExecutionTracking(ctx, executionID, outcome)
	if err != nil {
		o.log.Warn("Failed to record execution", zap.String("execution_id", executionID), zap.Error(err))
		return nil
	}
	return m
}

// estimateRelevance falls back to the mean combined score when the
// embedding service is unavailable.
func (o *Orchestrator) estimateRelevance(ctx context.Context, query string, results []models.SearchResult) float64 {
	if o.relevance != nil {
		rel, err := o.relevance.EstimateRelevance(ctx, query, results)
		if err == nil {
			return rel
		}
		o.log.Warn("Relevance estimation failed, using combined scores", zap.Error(err))
	}
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += r.CombinedScore
	}
	return sum / float64(len(results))
}

func (o *Orchestrator) publish(ctx context.Context, m *models.ExecutionMetrics) {
	if o.telemetry == nil || m == nil {
		return
	}
	if err := o.telemetry.PublishTelemetry(ctx, m); err != nil {
		o.log.Warn("Failed to publish telemetry", zap.String("execution_id", m.ExecutionID), zap.Error(err))
	}
}

// legBudget is the explicit latency constraint when given, otherwise the
// learned response time target.
func legBudget(gc *models.GraphConfig, reqs *models.ConfigRequirements) time.Duration {
	seconds := gc.ResponseTimeTarget
	if reqs != nil {
		if limit, ok := reqs.PerformanceConstraints[models.ConstraintMaxResponseTime]; ok {
			seconds = limit
		}
	}
	return time.Duration(seconds * float64(time.Second))
}

type legOutcome struct {
	modality models.Modality
	hits     []models.Hit
	report   models.LegReport
	err      *apperrors.LegExecutionError
}

// runLegs gives each leg budget scaled by its weight relative to the
// heaviest leg and waits for all of them.
func (o *Orchestrator) runLegs(ctx context.Context, req LegRequest, budget time.Duration) []legOutcome {
	weights := req.Config.TriModalWeights
	maxWeight := weights.Max()
	out := make([]legOutcome, len(o.legs))

	var wg sync.WaitGroup
	for i, leg := range o.legs {
		m := leg.Modality()
		out[i].modality = m

		var timeout time.Duration
		if maxWeight > 0 {
			timeout = time.Duration(float64(budget) * weights.Get(m) / maxWeight)
		}
		out[i].report.Timeout = timeout.Seconds()
		if timeout <= 0 {
			out[i].report.Status = models.LegSkipped
			continue
		}

		wg.Add(1)
		go func(res *legOutcome, leg Leg, timeout time.Duration) {
			defer wg.Done()
			legCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			started := time.Now()
			hits, err := invoke(legCtx, leg, req)
			res.report.Duration = time.Since(started).Seconds()

			timedOut := errors.Is(legCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
			switch {
			case timedOut:
				if err == nil {
					err = legCtx.Err()
				}
				res.report.Status = models.LegTimedOut
			case err != nil:
				res.report.Status = models.LegFailed
			default:
				res.report.Status = models.LegSucceeded
				res.report.Hits = len(hits)
				res.hits = hits
				return
			}
			res.err = &apperrors.LegExecutionError{Leg: string(leg.Modality()), TimedOut: timedOut, Err: err}
			res.report.Error = err.Error()
		}(&out[i], leg, timeout)
	}
	wg.Wait()
	return out
}

// invoke converts a leg panic into a leg failure.
func invoke(ctx context.Context, leg Leg, req LegRequest) (hits []models.Hit, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("leg panicked: %v", r)
		}
	}()
	return leg.Search(ctx, req)
}
