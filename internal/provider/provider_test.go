package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/enforcement"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/internal/params"
	"github.com/trimodal-rag/backend/internal/statebridge"
)

var testPatterns = []string{`(?i)hardcoded`, `(?i)\bdefault`, `(?i)fallback`, `(?i)placeholder`, `(?i)\bmock`}

type memStore struct {
	mu    sync.Mutex
	cfgs  map[string]*models.DomainConfig
	reads int
}

func newMemStore() *memStore { return &memStore{cfgs: map[string]*models.DomainConfig{}} }

func (s *memStore) GetConfig(_ context.Context, domain string) (*models.DomainConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return s.cfgs[domain], nil
}

func (s *memStore) StoreConfig(_ context.Context, domain string, cfg *models.DomainConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfgs[domain] = cfg
	return nil
}

func (s *memStore) Domains(context.Context) ([]string, error) { return nil, nil }

type perfFunc func(ctx context.Context, name, domain string) (float64, string, error)

func (f perfFunc) PerformanceParameter(ctx context.Context, name, domain string) (float64, string, error) {
	return f(ctx, name, domain)
}

func learnedConfig(domain string) *models.DomainConfig {
	return &models.DomainConfig{
		Domain:                          domain,
		CreatedAt:                       time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		SimilarityThreshold:             0.45,
		MaxResults:                      15,
		EntityConfidenceThreshold:       0.3,
		RelationshipConfidenceThreshold: 0.3,
		ResponseTimeTarget:              2,
		DedupThreshold:                  0.9,
		HopCount:                        2,
		ModalityWeights:                 models.ModalityWeights{Vector: 0.5, Graph: 0.3, GNN: 0.2},
		QueryTypeOverrides: map[models.QueryType]map[string]float64{
			models.QueryTechnical: {models.ParamSimilarityThreshold: 0.7},
		},
		ConfigSource: "learned:pattern_learner",
		FieldSources: map[string]string{
			"technical." + models.ParamSimilarityThreshold: "learned:pattern_learner/technical",
		},
		ConfidenceScore: 0.8,
	}
}

func newProvider(store ConfigStore, perf PerformanceSource, env map[string]string) *Provider {
	enf, _ := enforcement.NewEnforcer("production", testPatterns, nil)
	return New(Options{
		Registry:    params.Standard(),
		Store:       store,
		Performance: perf,
		Enforcer:    enf,
		LookupEnv: func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		},
	})
}

func TestGetParameter_BusinessLogicWithoutConfigNeverResolves(t *testing.T) {
	p := newProvider(newMemStore(), nil, nil)
	names := params.Standard().Names(models.KindBusinessLogic)

	rapid.Check(t, func(t *rapid.T) {
		name := rapid.SampledFrom(names).Draw(t, "name")
		domain := rapid.StringMatching(`[a-z]{0,12}`).Draw(t, "domain")
		qt := rapid.SampledFrom(append([]models.QueryType{""}, models.QueryTypes...)).Draw(t, "qt")

		res, err := p.GetParameter(context.Background(), name, domain, qt)
		require.Error(t, err)
		assert.Equal(t, apperrors.KindConfigurationNotAvailable, apperrors.KindOf(err))
		assert.Zero(t, res.Number)
	})
}

func TestGetParameter_BusinessLogicRouting(t *testing.T) {
	store := newMemStore()
	store.cfgs["chem"] = learnedConfig("chem")
	p := newProvider(store, nil, nil)
	ctx := context.Background()

	res, err := p.GetParameter(ctx, models.ParamSimilarityThreshold, "chem", models.QueryTechnical)
	require.NoError(t, err)
	assert.Equal(t, 0.7, res.Number)
	assert.Equal(t, "learned:pattern_learner/technical", res.Source)

	res, err = p.GetParameter(ctx, models.ParamSimilarityThreshold, "chem", models.QueryCreative)
	require.NoError(t, err)
	assert.Equal(t, 0.45, res.Number)
	assert.Equal(t, "learned:pattern_learner", res.Source)

	v, _, err := p.Number(ctx, models.ParamMaxResults, "chem", "")
	require.NoError(t, err)
	assert.Equal(t, 15.0, v)

	_, err = p.GetParameter(ctx, models.ParamMaxResults, "", "")
	assert.Equal(t, apperrors.KindConfigurationNotAvailable, apperrors.KindOf(err))
}

func TestGetParameter_UnknownName(t *testing.T) {
	p := newProvider(newMemStore(), nil, nil)
	_, err := p.GetParameter(context.Background(), "mystery_knob", "chem", "")
	var na *apperrors.ConfigurationNotAvailableError
	require.ErrorAs(t, err, &na)
	assert.Equal(t, "mystery_knob", na.Parameter)
}

func TestGetParameter_Infrastructure(t *testing.T) {
	p := newProvider(newMemStore(), nil, map[string]string{"REDIS_ADDR": "cache:6379", "API_PORT": "9090"})
	ctx := context.Background()

	res, err := p.GetParameter(ctx, params.RedisAddr, "", "")
	require.NoError(t, err)
	assert.Equal(t, "cache:6379", res.String())
	assert.Equal(t, "environment:REDIS_ADDR", res.Source)
	assert.False(t, res.Numeric)

	port, _, err := p.Number(ctx, params.APIPort, "", "")
	require.NoError(t, err)
	assert.Equal(t, 9090.0, port)

	host, err := p.GetParameter(ctx, params.APIHost, "", "")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", host.Text)
	assert.Equal(t, SourceDeployment, host.Source)

	_, err = p.GetParameter(ctx, params.Neo4jURI, "", "")
	assert.Equal(t, apperrors.KindConfigurationNotAvailable, apperrors.KindOf(err))

	_, _, err = p.Number(ctx, params.RedisAddr, "", "")
	assert.Equal(t, apperrors.KindConfigurationNotAvailable, apperrors.KindOf(err))
}

func TestGetParameter_Performance(t *testing.T) {
	ctx := context.Background()

	p := newProvider(newMemStore(), nil, nil)
	_, err := p.GetParameter(ctx, params.CompatibilityThreshold, "chem", "")
	assert.Equal(t, apperrors.KindConfigurationNotAvailable, apperrors.KindOf(err))

	p = newProvider(newMemStore(), perfFunc(func(_ context.Context, name, domain string) (float64, string, error) {
		return 0.62, "learned:performance_monitor", nil
	}), nil)
	v, src, err := p.Number(ctx, params.CompatibilityThreshold, "chem", "")
	require.NoError(t, err)
	assert.Equal(t, 0.62, v)
	assert.Equal(t, "learned:performance_monitor", src)

	p = newProvider(newMemStore(), perfFunc(func(context.Context, string, string) (float64, string, error) {
		return 0.5, "fallback", nil
	}), nil)
	_, err = p.GetParameter(ctx, params.CompatibilityThreshold, "chem", "")
	assert.Equal(t, apperrors.KindConfigurationNotAvailable, apperrors.KindOf(err), "a forbidden source never resolves")

	boom := errors.New("metrics store down")
	p = newProvider(newMemStore(), perfFunc(func(context.Context, string, string) (float64, string, error) {
		return 0, "", boom
	}), nil)
	_, err = p.GetParameter(ctx, params.CompatibilityThreshold, "chem", "")
	assert.ErrorIs(t, err, boom)
}

func TestGetDomainConfig_CachesAndClones(t *testing.T) {
	store := newMemStore()
	store.cfgs["chem"] = learnedConfig("chem")
	p := newProvider(store, nil, nil)
	ctx := context.Background()

	first, err := p.GetDomainConfig(ctx, "chem")
	require.NoError(t, err)
	first.MaxResults = 999

	second, err := p.GetDomainConfig(ctx, "chem")
	require.NoError(t, err)
	assert.Equal(t, 15, second.MaxResults)
	assert.Equal(t, 1, store.reads)
}

func TestGetDomainConfig_EnforcedOnCachePopulation(t *testing.T) {
	store := newMemStore()
	bad := learnedConfig("chem")
	bad.ConfigSource = "placeholder"
	store.cfgs["chem"] = bad
	p := newProvider(store, nil, nil)

	_, err := p.GetDomainConfig(context.Background(), "chem")
	assert.Equal(t, apperrors.KindConfigEnforcement, apperrors.KindOf(err))
	_, cached := p.cache.Get("chem")
	assert.False(t, cached)
}

func TestProvider_CacheInvalidatedByBridgeCommit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	enf, err := enforcement.NewEnforcer("production", testPatterns, nil)
	require.NoError(t, err)
	bridge := statebridge.New(rdb, enf, statebridge.Options{}, nil)
	p := New(Options{Registry: params.Standard(), Store: bridge, Enforcer: enf})
	bridge.OnCommit(p.Invalidate)
	ctx := context.Background()

	require.NoError(t, p.StoreDomainConfig(ctx, "chem", learnedConfig("chem")))
	v, _, err := p.Number(ctx, models.ParamMaxResults, "chem", "")
	require.NoError(t, err)
	assert.Equal(t, 15.0, v)

	updated := learnedConfig("chem")
	updated.MaxResults = 30
	require.NoError(t, bridge.StoreConfig(ctx, "chem", updated))

	v, _, err = p.Number(ctx, models.ParamMaxResults, "chem", "")
	require.NoError(t, err)
	assert.Equal(t, 30.0, v, "no stale read after a committed write")
}

// stallingStore holds its first read after loading from the inner store
// until released.
type stallingStore struct {
	ConfigStore
	once    sync.Once
	loaded  chan struct{}
	release chan struct{}
}

func (s *stallingStore) GetConfig(ctx context.Context, domain string) (*models.DomainConfig, error) {
	cfg, err := s.ConfigStore.GetConfig(ctx, domain)
	s.once.Do(func() {
		close(s.loaded)
		<-s.release
	})
	return cfg, err
}

func TestGetDomainConfig_LoadRacingCommitIsNotCached(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	enf, err := enforcement.NewEnforcer("production", testPatterns, nil)
	require.NoError(t, err)
	bridge := statebridge.New(rdb, enf, statebridge.Options{}, nil)
	ctx := context.Background()
	require.NoError(t, bridge.StoreConfig(ctx, "chem", learnedConfig("chem")))

	store := &stallingStore{ConfigStore: bridge, loaded: make(chan struct{}), release: make(chan struct{})}
	p := New(Options{Registry: params.Standard(), Store: store, Enforcer: enf})
	bridge.OnCommit(p.Invalidate)

	done := make(chan *models.DomainConfig, 1)
	go func() {
		cfg, err := p.GetDomainConfig(ctx, "chem")
		assert.NoError(t, err)
		done <- cfg
	}()

	<-store.loaded
	updated := learnedConfig("chem")
	updated.SimilarityThreshold = 0.9
	require.NoError(t, bridge.StoreConfig(ctx, "chem", updated))
	close(store.release)

	stale := <-done
	assert.Equal(t, 0.45, stale.SimilarityThreshold, "the racing read returns what it loaded")

	v, _, err := p.Number(ctx, models.ParamSimilarityThreshold, "chem", models.QueryCreative)
	require.NoError(t, err)
	assert.Equal(t, 0.9, v, "no stale read after a committed write")
}

func TestMemoryCache_SetIfGeneration(t *testing.T) {
	c := NewMemoryCache()
	gen := c.Generation("chem")
	c.Invalidate("chem")

	assert.False(t, c.SetIfGeneration("chem", gen, learnedConfig("chem")))
	_, ok := c.Get("chem")
	assert.False(t, ok)

	assert.True(t, c.SetIfGeneration("chem", c.Generation("chem"), learnedConfig("chem")))
	_, ok = c.Get("chem")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())
}
