// Package feedback closes the learning cycle: it reads how a config has
// performed, and when the evidence says it should change, stores an
// adjusted config for the domain.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/metrics"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/internal/perf"
)

const StatusConfigUpdated = "config_updated"

type Monitor interface {
	AnalyzeConfigEffectiveness(ctx context.Context, configHash string, window int) (*models.ConfigAnalysis, error)
	DetectConfigurationDrift(ctx context.Context, configHash string, baseline, recent int) (*models.DriftReport, error)
	GenerateOptimizationSuggestions(analysis *models.ConfigAnalysis, cfg *models.DomainConfig) []models.Suggestion
}

type ConfigStore interface {
	GetConfig(ctx context.Context, domain string) (*models.DomainConfig, error)
	StoreConfig(ctx context.Context, domain string, cfg *models.DomainConfig) error
}

type Adjuster interface {
	ApplySuggestions(cfg *models.DomainConfig, suggestions []models.Suggestion, at time.Time) (*models.DomainConfig, []models.Suggestion, error)
}

// StatusPublisher announces config changes to the peer workflow.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, domain, status string, details map[string]any) error
}

type Windows struct {
	Analysis int
	Baseline int
	Recent   int
}

// Evidence is the number of executions a config must have served before the
// loop will change it.
func (w Windows) Evidence() int {
	return w.Baseline + w.Recent
}

// ExecutionLog is where executions reported by a peer are recorded. Inserts
// must be idempotent on the execution id.
type ExecutionLog interface {
	InsertExecution(ctx context.Context, m *models.ExecutionMetrics) error
}

type Loop struct {
	monitor    Monitor
	configs    ConfigStore
	adjuster   Adjuster
	publisher  StatusPublisher
	executions ExecutionLog
	windows    Windows
	log        *zap.Logger
	now        func() time.Time
}

type Option func(*Loop)

// WithExecutionLog lets Ingest record executions reported by a peer.
func WithExecutionLog(executions ExecutionLog) Option {
	return func(l *Loop) { l.executions = executions }
}

// NewLoop wires the loop. publisher may be nil when no bus is configured.
func NewLoop(monitor Monitor, configs ConfigStore, adjuster Adjuster, publisher StatusPublisher, windows Windows, log *zap.Logger, opts ...Option) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Loop{
		monitor:   monitor,
		configs:   configs,
		adjuster:  adjuster,
		publisher: publisher,
		windows:   windows,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Ingest records an execution reported by the peer workflow in the local log
// and then runs Process for its config. A redelivered execution is recorded
// once.
func (l *Loop) Ingest(ctx context.Context, m *models.ExecutionMetrics) (*Outcome, error) {
	if m == nil || m.ExecutionID == "" || m.ConfigHash == "" || m.Domain == "" {
		return nil, apperrors.InvalidInput("telemetry needs execution_id, config_hash and domain")
	}
	if l.executions == nil {
		return nil, apperrors.NotAvailable("", m.Domain, "no execution log is attached for peer telemetry")
	}
	if err := l.executions.InsertExecution(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to record telemetry for %s: %w", m.ExecutionID, err)
	}
	return l.Process(ctx, m.Domain, m.ConfigHash)
}

// Outcome reports one pass of the loop. Drift is nil when there is not yet
// enough history to test for it.
type Outcome struct {
	Domain      string                 `json:"domain"`
	ConfigHash  string                 `json:"config_hash"`
	Analysis    *models.ConfigAnalysis `json:"analysis"`
	Drift       *models.DriftReport    `json:"drift,omitempty"`
	Suggestions []models.Suggestion    `json:"suggestions"`
	Applied     []models.Suggestion    `json:"applied,omitempty"`
	Updated     bool                   `json:"updated"`
}

// Process runs analysis, drift detection and suggestion generation for the
// executions of configHash. Suggestions are applied only once the config has
// served Baseline+Recent executions, and then only when it drifted or its
// relevance is significantly declining.
func (l *Loop) Process(ctx context.Context, domain, configHash string) (*Outcome, error) {
	analysis, err := l.monitor.AnalyzeConfigEffectiveness(ctx, configHash, l.windows.Analysis)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze config %s: %w", configHash, err)
	}
	out := &Outcome{Domain: domain, ConfigHash: configHash, Analysis: analysis}

	drift, err := l.monitor.DetectConfigurationDrift(ctx, configHash, l.windows.Baseline, l.windows.Recent)
	switch {
	case err == nil:
		out.Drift = drift
		if drift.Drifted {
			metrics.DriftDetected.WithLabelValues(domain).Inc()
		}
	case errors.Is(err, perf.ErrNoExecutions), apperrors.KindOf(err) == apperrors.KindConfigurationNotAvailable:
		l.log.Debug("Drift check skipped", zap.String("domain", domain), zap.Error(err))
	default:
		return nil, fmt.Errorf("failed to detect drift for %s: %w", configHash, err)
	}

	current, err := l.configs.GetConfig(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to load config for %s: %w", domain, err)
	}
	if current == nil {
		return nil, apperrors.NotAvailable("", domain, "no stored config to adjust")
	}

	out.Suggestions = l.monitor.GenerateOptimizationSuggestions(analysis, current)
	drifted := out.Drift != nil && out.Drift.Drifted
	if len(out.Suggestions) == 0 {
		return out, nil
	}
	if analysis.SampleSize < l.windows.Evidence() {
		l.log.Debug("Suggestions held until enough executions",
			zap.String("domain", domain),
			zap.String("config_hash", configHash),
			zap.Int("sample_size", analysis.SampleSize),
			zap.Int("required", l.windows.Evidence()),
		)
		return out, nil
	}
	if !drifted && analysis.RelevanceTrend != models.TrendDeclining {
		return out, nil
	}

	adjusted, applied, err := l.adjuster.ApplySuggestions(current, out.Suggestions, l.now())
	if err != nil {
		return nil, fmt.Errorf("failed to apply suggestions for %s: %w", domain, err)
	}
	if len(applied) == 0 {
		return out, nil
	}
	if err := l.configs.StoreConfig(ctx, domain, adjusted); err != nil {
		return nil, err
	}
	out.Applied = applied
	out.Updated = true

	l.log.Info("Config adjusted from feedback",
		zap.String("domain", domain),
		zap.String("config_hash", configHash),
		zap.Int("applied", len(applied)),
		zap.Bool("drifted", drifted),
		zap.String("trend", string(analysis.RelevanceTrend)),
	)

	if l.publisher != nil {
		details := map[string]any{
			"config_hash": configHash,
			"applied":     len(applied),
			"drifted":     drifted,
		}
		if err := l.publisher.PublishStatus(ctx, domain, StatusConfigUpdated, details); err != nil {
			// The config is already stored; peers pick it up on their next read.
			l.log.Warn("Failed to publish config update", zap.String("domain", domain), zap.Error(err))
		}
	}
	return out, nil
}
