// Package perf tracks search executions against the configuration that
// served them and turns the resulting log into effectiveness analyses,
// optimization suggestions and drift reports.
package perf

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/internal/params"
	"github.com/trimodal-rag/backend/pkg/fingerprint"
	"github.com/trimodal-rag/backend/pkg/stats"
)

var (
	ErrUnknownExecution = errors.New("unknown execution")
	ErrNoExecutions     = errors.New("no executions recorded")
)

// Store is the append-only execution log.
type Store interface {
	InsertExecution(ctx context.Context, m *models.ExecutionMetrics) error
	RecentExecutions(ctx context.Context, configHash string, limit int) ([]models.ExecutionMetrics, error)
	DomainExecutions(ctx context.Context, domain string, limit int) ([]models.ExecutionMetrics, error)
	InsertFeedback(ctx context.Context, fb *models.UserFeedback) error
	RecentNegotiations(ctx context.Context, domain string, limit int) ([]models.NegotiationRecord, error)
}

// Resolver resolves learned numeric parameters.
type Resolver interface {
	Number(ctx context.Context, name, domain string, queryType models.QueryType) (float64, string, error)
}

type tracked struct {
	hash       string
	domain     string
	queryType  models.QueryType
	started    time.Time
	milestones []models.Milestone
}

type Monitor struct {
	store    Store
	resolver Resolver
	registry *params.Registry
	validate *validator.Validate
	log      *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	active map[string]*tracked
}

type Option func(*Monitor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(store Store, resolver Resolver, registry *params.Registry, log *zap.Logger, opts ...Option) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Monitor{
		store:    store,
		resolver: resolver,
		registry: registry,
		validate: validator.New(),
		log:      log,
		now:      time.Now,
		active:   make(map[string]*tracked),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ConfigHash is the fingerprint executions of cfg are recorded under.
func ConfigHash(cfg *models.GraphConfig) (string, error) {
	return fingerprint.Of(cfg.FingerprintView())
}

// StartExecutionTracking opens an execution for cfg and returns its id.
func (m *Monitor) StartExecutionTracking(cfg *models.GraphConfig) (string, error) {
	hash, err := ConfigHash(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint config: %w", err)
	}

	id := uuid.New().String()
	m.mu.Lock()
	m.active[id] = &tracked{
		hash:      hash,
		domain:    cfg.Domain,
		queryType: cfg.QueryType,
		started:   m.now(),
	}
	m.mu.Unlock()

	m.log.Debug("Execution tracking started",
		zap.String("execution_id", id),
		zap.String("config_hash", hash),
	)
	return id, nil
}

func (m *Monitor) RecordMilestone(executionID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.active[executionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	}
	t.milestones = append(t.milestones, models.Milestone{Name: name, At: m.now().UTC()})
	return nil
}

// EndExecutionTracking closes the execution and appends it to the log.
func (m *Monitor) EndExecutionTracking(ctx context.Context, executionID string, outcome models.ExecutionOutcome) (*models.ExecutionMetrics, error) {
	m.mu.Lock()
	t, ok := m.active[executionID]
	delete(m.active, executionID)
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	}

	end := m.now()
	metrics := &models.ExecutionMetrics{
		ExecutionID:           executionID,
		ConfigHash:            t.hash,
		Domain:                t.domain,
		QueryType:             t.queryType,
		ResponseTime:          end.Sub(t.started).Seconds(),
		RelevanceScore:        stats.Clamp(outcome.RelevanceScore, 0, 1),
		ResultCount:           outcome.ResultCount,
		Success:               outcome.Success,
		ResourceUsage:         outcome.ResourceUsage,
		ModalityContributions: outcome.ModalityContributions,
		LegStatus:             outcome.LegStatus,
		Milestones:            t.milestones,
		Timestamp:             end.UTC(),
	}

	if err := m.store.InsertExecution(ctx, metrics); err != nil {
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}
	return metrics, nil
}

// AbortExecutionTracking drops an execution without recording it. Used
// when the caller cancelled and the outcome says nothing about the config.
func (m *Monitor) AbortExecutionTracking(executionID string) {
	m.mu.Lock()
	delete(m.active, executionID)
	m.mu.Unlock()
	m.log.Debug("Execution tracking aborted", zap.String("execution_id", executionID))
}

// Active is the number of executions currently being tracked.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// RecordUserFeedback appends feedback for a finished execution. A reported
// relevance replaces the estimated one in later aggregation.
func (m *Monitor) RecordUserFeedback(ctx context.Context, executionID string, relevance *float64, helpful bool, comment string) error {
	fb := &models.UserFeedback{
		ExecutionID: executionID,
		Relevance:   relevance,
		Helpful:     helpful,
		Comment:     comment,
		CreatedAt:   m.now().UTC(),
	}
	if err := m.validate.Struct(fb); err != nil {
		return apperrors.InvalidInput("feedback: %v", err)
	}
	if err := m.store.InsertFeedback(ctx, fb); err != nil {
		return err
	}
	m.log.Info("User feedback recorded", zap.String("execution_id", executionID), zap.Bool("helpful", helpful))
	return nil
}

// AnalyzeConfigEffectiveness aggregates the most recent window executions of
// one config fingerprint.
func (m *Monitor) AnalyzeConfigEffectiveness(ctx context.Context, configHash string, window int) (*models.ConfigAnalysis, error) {
	if window <= 0 {
		return nil, apperrors.InvalidInput("window must be positive, got %d", window)
	}
	execs, err := m.store.RecentExecutions(ctx, configHash, window)
	if err != nil {
		return nil, fmt.Errorf("failed to load executions: %w", err)
	}
	if len(execs) == 0 {
		return nil, fmt.Errorf("%w for config %s", ErrNoExecutions, configHash)
	}
	return Analyze(configHash, execs), nil
}

// Analyze aggregates executions ordered oldest first.
func Analyze(configHash string, execs []models.ExecutionMetrics) *models.ConfigAnalysis {
	n := len(execs)
	times := make([]float64, n)
	relevance := make([]float64, n)
	var successes int
	legFailures := make(map[string]int)
	legSeen := make(map[string]int)
	contributions := make(map[string]float64)

	for i, e := range execs {
		times[i] = e.ResponseTime
		relevance[i] = e.RelevanceScore
		if e.Success {
			successes++
		}
		for leg, st := range e.LegStatus {
			legSeen[leg]++
			if st.Failed() {
				legFailures[leg]++
			}
		}
		for mod, share := range e.ModalityContributions {
			contributions[mod] += share
		}
	}

	failureRates := make(map[string]float64, len(legSeen))
	for leg, seen := range legSeen {
		failureRates[leg] = float64(legFailures[leg]) / float64(seen)
	}
	for mod := range contributions {
		contributions[mod] /= float64(n)
	}

	trend := stats.LinearTrend(relevance)
	analysis := &models.ConfigAnalysis{
		ConfigHash:            configHash,
		Domain:                execs[n-1].Domain,
		SampleSize:            n,
		MeanResponseTime:      stats.Mean(times),
		P95ResponseTime:       stats.Percentile(times, 95),
		MeanRelevance:         stats.Mean(relevance),
		RelevanceStdDev:       stats.StdDev(relevance),
		SuccessRate:           float64(successes) / float64(n),
		LegFailureRates:       failureRates,
		ModalityContributions: contributions,
		RelevanceTrend:        classify(trend, n),
		TrendSlope:            trend.Slope,
		WindowStart:           execs[0].Timestamp,
		WindowEnd:             execs[n-1].Timestamp,
	}
	return analysis
}

// classify calls a trend only when the slope clears its own standard error
// band. Fewer than three points carry no error estimate and stay stable.
func classify(t stats.Trend, n int) models.Trend {
	if n < 3 {
		return models.TrendStable
	}
	band := stats.Z95 * t.StandardError
	switch {
	case t.Slope > band:
		return models.TrendImproving
	case t.Slope < -band:
		return models.TrendDeclining
	}
	return models.TrendStable
}

// DetectConfigurationDrift compares the mean relevance of the most recent
// executions with the preceding baseline executions of the same config.
func (m *Monitor) DetectConfigurationDrift(ctx context.Context, configHash string, baseline, recent int) (*models.DriftReport, error) {
	if baseline < 2 || recent < 1 {
		return nil, apperrors.InvalidInput("drift needs baseline >= 2 and recent >= 1, got %d and %d", baseline, recent)
	}
	execs, err := m.store.RecentExecutions(ctx, configHash, baseline+recent)
	if err != nil {
		return nil, fmt.Errorf("failed to load executions: %w", err)
	}
	if len(execs) < recent+2 {
		return nil, fmt.Errorf("%w: config %s has %d executions, drift needs %d", ErrNoExecutions, configHash, len(execs), recent+2)
	}

	split := len(execs) - recent
	base := relevances(execs[:split])
	rec := relevances(execs[split:])
	domain := execs[len(execs)-1].Domain

	threshold, source, err := m.resolver.Number(ctx, params.DriftSignificanceThreshold, domain, "")
	if err != nil {
		return nil, err
	}

	z := stats.ZScore(base, rec)
	report := &models.DriftReport{
		ConfigHash:    configHash,
		BaselineSize:  len(base),
		RecentSize:    len(rec),
		BaselineMean:  stats.Mean(base),
		RecentMean:    stats.Mean(rec),
		ZScore:        finite(z),
		Threshold:     threshold,
		Drifted:       math.Abs(z) > threshold,
		ThresholdFrom: source,
	}
	if report.Drifted {
		m.log.Warn("Configuration drift detected",
			zap.String("config_hash", configHash),
			zap.String("domain", domain),
			zap.Float64("z_score", report.ZScore),
			zap.Float64("threshold", threshold),
		)
	}
	return report, nil
}

func relevances(execs []models.ExecutionMetrics) []float64 {
	out := make([]float64, len(execs))
	for i, e := range execs {
		out[i] = e.RelevanceScore
	}
	return out
}

// finite keeps the sign of an unbounded z-score in a JSON-encodable value.
func finite(z float64) float64 {
	if math.IsInf(z, 0) {
		return math.Copysign(math.MaxFloat64, z)
	}
	return z
}
