// Package enforcement rejects configuration values whose provenance shows
// they were not learned.
package enforcement

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/metrics"
	"github.com/trimodal-rag/backend/internal/models"
)

type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

const (
	sourceSuffix      = "_source"
	configSourceKey   = "config_source"
	missingProvenance = "missing_provenance"
)

// Report lists what a validation pass inspected and found.
type Report struct {
	Checked    int                   `json:"checked"`
	Violations []apperrors.Violation `json:"violations,omitempty"`
}

func (r Report) Clean() bool {
	return len(r.Violations) == 0
}

type Enforcer struct {
	mode     Mode
	patterns []*regexp.Regexp
	logger   *zap.Logger
}

func NewEnforcer(mode string, patterns []string, log *zap.Logger) (*Enforcer, error) {
	m := Mode(strings.ToLower(mode))
	if m != ModeDevelopment && m != ModeProduction {
		return nil, fmt.Errorf("unknown enforcement mode %q", mode)
	}
	if len(patterns) == 0 {
		return nil, fmt.Errorf("at least one forbidden pattern is required")
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid forbidden pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}

	if log == nil {
		log = zap.NewNop()
	}

	return &Enforcer{mode: m, patterns: compiled, logger: log}, nil
}

func (e *Enforcer) Mode() Mode {
	return e.mode
}

// ValidateConfig inspects every numeric entry of cfg. Each entry's source
// is its "<key>_source" companion, else the map's "config_source". In
// production mode any violation returns a ConfigEnforcementError; in
// development mode violations are only reported. A passing cfg is returned
// as given.
func (e *Enforcer) ValidateConfig(domain string, cfg map[string]any) (map[string]any, Report, error) {
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var report Report
	for _, key := range keys {
		if strings.HasSuffix(key, sourceSuffix) || key == configSourceKey {
			continue
		}
		if !isNumeric(cfg[key]) {
			continue
		}
		report.Checked++

		source, ok := stringValue(cfg[key+sourceSuffix])
		if !ok {
			source, ok = stringValue(cfg[configSourceKey])
		}
		if !ok || strings.TrimSpace(source) == "" {
			report.Violations = append(report.Violations, apperrors.Violation{
				Key: key, Value: cfg[key], Source: source, Pattern: missingProvenance,
			})
			continue
		}

		for _, re := range e.patterns {
			if re.MatchString(source) {
				report.Violations = append(report.Violations, apperrors.Violation{
					Key: key, Value: cfg[key], Source: source, Pattern: re.String(),
				})
				break
			}
		}
	}

	if report.Clean() {
		return cfg, report, nil
	}

	for _, v := range report.Violations {
		fields := []zap.Field{
			zap.String("domain", domain),
			zap.String("key", v.Key),
			zap.Any("value", v.Value),
			zap.String("source", v.Source),
			zap.String("pattern", v.Pattern),
			zap.String("mode", string(e.mode)),
		}
		if e.mode == ModeProduction {
			e.logger.Error("Forbidden configuration provenance", fields...)
		} else {
			e.logger.Warn("Forbidden configuration provenance", fields...)
		}
	}

	metrics.EnforcementViolations.WithLabelValues(string(e.mode)).Add(float64(len(report.Violations)))
	if e.mode == ModeProduction {
		return nil, report, &apperrors.ConfigEnforcementError{Domain: domain, Violations: report.Violations}
	}
	return cfg, report, nil
}

// ValidateDomainConfig runs ValidateConfig over the config's provenance map.
func (e *Enforcer) ValidateDomainConfig(cfg *models.DomainConfig) (Report, error) {
	if cfg == nil {
		return Report{}, fmt.Errorf("nil domain config")
	}
	_, report, err := e.ValidateConfig(cfg.Domain, cfg.ProvenanceMap())
	return report, err
}

func isNumeric(v any) bool {
	switch n := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	case json.Number:
		_, err := n.Float64()
		return err == nil
	}
	return false
}

func stringValue(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
