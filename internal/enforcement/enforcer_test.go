package enforcement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/models"
)

var testPatterns = []string{`(?i)hardcoded`, `(?i)\bdefault`, `(?i)fallback`, `(?i)placeholder`, `(?i)\bmock`}

func newEnforcer(t *testing.T, mode string) (*Enforcer, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	e, err := NewEnforcer(mode, testPatterns, zap.New(core))
	require.NoError(t, err)
	return e, logs
}

func TestValidateConfig_ProductionRejectsHardcoded(t *testing.T) {
	e, logs := newEnforcer(t, "production")

	cfg := map[string]any{
		"similarity_threshold":        0.7,
		"similarity_threshold_source": "hardcoded",
	}
	out, report, err := e.ValidateConfig("legal", cfg)

	require.Error(t, err)
	assert.Nil(t, out)
	var enfErr *apperrors.ConfigEnforcementError
	require.ErrorAs(t, err, &enfErr)
	require.Len(t, enfErr.Violations, 1)
	assert.Equal(t, "similarity_threshold", enfErr.Violations[0].Key)
	assert.Equal(t, 0.7, enfErr.Violations[0].Value)
	assert.Equal(t, "hardcoded", enfErr.Violations[0].Source)
	assert.Len(t, report.Violations, 1)

	entries := logs.FilterMessage("Forbidden configuration provenance").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "similarity_threshold", entries[0].ContextMap()["key"])
}

func TestValidateConfig_WorkflowGeneratedPassesUnchanged(t *testing.T) {
	e, _ := newEnforcer(t, "production")

	cfg := map[string]any{
		"similarity_threshold":        0.7,
		"similarity_threshold_source": "workflow_generated",
	}
	out, report, err := e.ValidateConfig("legal", cfg)

	require.NoError(t, err)
	assert.Equal(t, cfg, out)
	assert.True(t, report.Clean())
	assert.Equal(t, 1, report.Checked)
}

func TestValidateConfig_FallsBackToConfigSource(t *testing.T) {
	e, _ := newEnforcer(t, "production")

	_, _, err := e.ValidateConfig("d", map[string]any{
		"max_results":   10,
		"config_source": "default_values",
	})
	require.Error(t, err)

	_, _, err = e.ValidateConfig("d", map[string]any{
		"max_results":        10,
		"max_results_source": "learned:corpus_size",
		"config_source":      "default_values",
	})
	assert.NoError(t, err, "field-level provenance takes precedence")
}

func TestValidateConfig_MissingProvenanceIsViolation(t *testing.T) {
	e, _ := newEnforcer(t, "production")

	_, report, err := e.ValidateConfig("d", map[string]any{"hop_count": 2, "label": "ignored"})

	require.Error(t, err)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, missingProvenance, report.Violations[0].Pattern)
}

func TestValidateConfig_DevelopmentWarns(t *testing.T) {
	e, logs := newEnforcer(t, "development")

	cfg := map[string]any{"dedup_threshold": 0.9, "dedup_threshold_source": "mock"}
	out, report, err := e.ValidateConfig("d", cfg)

	require.NoError(t, err)
	assert.Equal(t, cfg, out)
	assert.Len(t, report.Violations, 1)
	assert.Equal(t, 1, logs.FilterLevelExact(zap.WarnLevel).Len())
}

func TestValidateDomainConfig(t *testing.T) {
	e, _ := newEnforcer(t, "production")

	cfg := &models.DomainConfig{
		Domain:       "d",
		CreatedAt:    time.Unix(0, 0).UTC(),
		ConfigSource: "learned:pattern_learner",
		FieldSources: map[string]string{models.ParamHopCount: "fallback"},
	}
	_, err := e.ValidateDomainConfig(cfg)
	require.Error(t, err)

	cfg.FieldSources[models.ParamHopCount] = "learned:complexity"
	report, err := e.ValidateDomainConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, len(models.NumericFields())+1, report.Checked)
}

func TestNewEnforcer_Errors(t *testing.T) {
	_, err := NewEnforcer("staging", testPatterns, nil)
	assert.Error(t, err)

	_, err = NewEnforcer("production", nil, nil)
	assert.Error(t, err)

	_, err = NewEnforcer("production", []string{"("}, nil)
	assert.Error(t, err)
}
