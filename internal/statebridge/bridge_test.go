package statebridge

import (
	"context"
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
)

var testPatterns = []string{`(?i)hardcoded`, `(?i)\bdefault`, `(?i)fallback`, `(?i)placeholder`, `(?i)\bmock`}

func setupBridge(t testing.TB, opts Options) (*Bridge, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	enf, err := enforcement.NewEnforcer("production", testPatterns, nil)
	require.NoError(t, err)
	return New(rdb, enf, opts, nil), mr
}

func domainConfig(domain string, sim float64) *models.DomainConfig {
	return &models.DomainConfig{
		Domain:                          domain,
		CreatedAt:                       time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
		SimilarityThreshold:             sim,
		MaxResults:                      12,
		EntityConfidenceThreshold:       0.4,
		RelationshipConfidenceThreshold: 0.35,
		ResponseTimeTarget:              1.5,
		DedupThreshold:                  0.9,
		HopCount:                        2,
		ModalityWeights:                 models.ModalityWeights{Vector: 0.5, Graph: 0.3, GNN: 0.2},
		QueryTypeOverrides: map[models.QueryType]map[string]float64{
			models.QueryTechnical: {models.ParamSimilarityThreshold: sim},
		},
		EntityTypes:     []string{"protein"},
		DocumentCount:   40,
		ConfigSource:    "learned:pattern_learner",
		FieldSources:    map[string]string{models.ParamSimilarityThreshold: "learned:pattern_learner/pairwise"},
		ConfidenceScore: 0.7,
	}
}

func TestGetConfig_AbsentIsNil(t *testing.T) {
	b, _ := setupBridge(t, Options{})

	cfg, err := b.GetConfig(context.Background(), "nothing-here")
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestStoreConfig_RoundTrip(t *testing.T) {
	b, mr := setupBridge(t, Options{})
	ctx := context.Background()
	cfg := domainConfig("biology", 0.55)

	require.NoError(t, b.StoreConfig(ctx, "biology", cfg))

	got, err := b.GetConfig(ctx, "biology")
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	rec, err := b.GetRecord(ctx, "biology")
	require.NoError(t, err)
	assert.True(t, rec.Validated)
	assert.Equal(t, "learned:pattern_learner", rec.Source)

	assert.True(t, mr.Exists("statebridge:config:biology"))
	assert.False(t, mr.Exists("statebridge:lock:biology"), "lock is released")

	domains, err := b.Domains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"biology"}, domains)
}

func TestStoreConfig_RoundTripProperty(t *testing.T) {
	b, _ := setupBridge(t, Options{})
	ctx := context.Background()

	rapid.Check(t, func(t *rapid.T) {
		domain := rapid.StringMatching(`[a-z][a-z0-9_-]{0,15}`).Draw(t, "domain")
		w := models.ModalityWeights{
			Vector: rapid.Float64Range(0.05, 1).Draw(t, "v"),
			Graph:  rapid.Float64Range(0.05, 1).Draw(t, "g"),
			GNN:    rapid.Float64Range(0.05, 1).Draw(t, "n"),
		}
		w, _ = w.Normalized()

		cfg := &models.DomainConfig{
			Domain:                          domain,
			CreatedAt:                       time.Unix(rapid.Int64Range(0, 4e9).Draw(t, "ts"), rapid.Int64Range(0, 999999999).Draw(t, "ns")).UTC(),
			SimilarityThreshold:             rapid.Float64Range(0, 1).Draw(t, "sim"),
			MaxResults:                      rapid.IntRange(1, 200).Draw(t, "max"),
			EntityConfidenceThreshold:       rapid.Float64Range(0, 1).Draw(t, "ent"),
			RelationshipConfidenceThreshold: rapid.Float64Range(0, 1).Draw(t, "rel"),
			ResponseTimeTarget:              rapid.Float64Range(0.01, 60).Draw(t, "rt"),
			DedupThreshold:                  rapid.Float64Range(0, 1).Draw(t, "dedup"),
			HopCount:                        rapid.IntRange(0, 4).Draw(t, "hop"),
			ModalityWeights:                 w,
			DocumentCount:                   rapid.IntRange(0, 100000).Draw(t, "docs"),
			ConfigSource:                    "learned:pattern_learner",
			ConfidenceScore:                 rapid.Float64Range(0, 1).Draw(t, "conf"),
		}
		if rapid.Bool().Draw(t, "overrides") {
			cfg.QueryTypeOverrides = map[models.QueryType]map[string]float64{
				models.QueryCreative: {models.ParamSimilarityThreshold: rapid.Float64Range(0, 1).Draw(t, "creative")},
			}
		}

		require.NoError(t, b.StoreConfig(ctx, domain, cfg))
		got, err := b.GetConfig(ctx, domain)
		require.NoError(t, err)
		assert.Equal(t, cfg, got)
	})
}

func TestStoreConfig_EnforcementBlocksPersistence(t *testing.T) {
	b, mr := setupBridge(t, Options{})
	ctx := context.Background()
	cfg := domainConfig("law", 0.7)
	cfg.FieldSources[models.ParamSimilarityThreshold] = "hardcoded"

	err := b.StoreConfig(ctx, "law", cfg)
	assert.Equal(t, apperrors.KindConfigEnforcement, apperrors.KindOf(err))
	assert.False(t, mr.Exists("statebridge:config:law"))
}

func TestStoreConfig_RejectsMismatchedDomain(t *testing.T) {
	b, _ := setupBridge(t, Options{})
	err := b.StoreConfig(context.Background(), "a", domainConfig("b", 0.5))
	assert.Equal(t, apperrors.KindInvalidInput, apperrors.KindOf(err))
}

func TestStoreConfig_ConcurrentWritersLastCommitWins(t *testing.T) {
	b, _ := setupBridge(t, Options{LockRetry: time.Millisecond})
	ctx := context.Background()

	var mu sync.Mutex
	var committed []float64
	b.OnCommit(func(_ context.Context, _ string, cfg *models.DomainConfig) {
		mu.Lock()
		committed = append(committed, cfg.SimilarityThreshold)
		mu.Unlock()
	})

	first := domainConfig("domainA", 0.31)
	second := domainConfig("domainA", 0.77)
	second.MaxResults = 40
	second.ModalityWeights = models.ModalityWeights{Vector: 0.2, Graph: 0.2, GNN: 0.6}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, cfg := range []*models.DomainConfig{first, second} {
		wg.Add(1)
		go func(i int, cfg *models.DomainConfig) {
			defer wg.Done()
			errs[i] = b.StoreConfig(ctx, "domainA", cfg)
		}(i, cfg)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Len(t, committed, 2)

	got, err := b.GetConfig(ctx, "domainA")
	require.NoError(t, err)
	want := first
	if committed[1] == second.SimilarityThreshold {
		want = second
	}
	assert.Equal(t, want, got, "stored value is exactly the later-committing payload")
	assert.Zero(t, b.locks.size())
}

func TestStoreConfig_HooksRunBeforeUnlock(t *testing.T) {
	b, mr := setupBridge(t, Options{})
	var lockHeld bool
	b.OnCommit(func(context.Context, string, *models.DomainConfig) {
		lockHeld = mr.Exists("statebridge:lock:x")
	})

	require.NoError(t, b.StoreConfig(context.Background(), "x", domainConfig("x", 0.5)))
	assert.True(t, lockHeld)
}

func TestStoreConfig_WaitsForForeignLock(t *testing.T) {
	b, mr := setupBridge(t, Options{LockRetry: time.Millisecond})
	require.NoError(t, mr.Set("statebridge:lock:busy", "other-process"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := b.StoreConfig(ctx, "busy", domainConfig("busy", 0.5))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	got, _ := mr.Get("statebridge:lock:busy")
	assert.Equal(t, "other-process", got, "a foreign lock is never deleted")
}

func TestHistory_Bounded(t *testing.T) {
	b, _ := setupBridge(t, Options{HistoryLimit: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.StoreConfig(ctx, "d", domainConfig("d", 0.1*float64(i+1))))
	}

	hist, err := b.History(ctx, "d", 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.InDelta(t, 0.5, hist[0].Config.SimilarityThreshold, 1e-12)
	assert.InDelta(t, 0.3, hist[2].Config.SimilarityThreshold, 1e-12)
}

func TestDomains_Sorted(t *testing.T) {
	b, _ := setupBridge(t, Options{})
	ctx := context.Background()
	for _, d := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, b.StoreConfig(ctx, d, domainConfig(d, 0.5)))
	}
	domains, err := b.Domains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, domains)
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	unlockA()
	assert.Zero(t, k.size())
}
