package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trimodal-rag/backend/internal/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(filepath.Join(t.TempDir(), "metrics.db"))
	require.NoError(t, err)
	require.NoError(t, c.InitSchema())
	t.Cleanup(func() { c.Close() })
	return c
}

func execution(id, hash string, at time.Time, relevance float64) *models.ExecutionMetrics {
	return &models.ExecutionMetrics{
		ExecutionID:           id,
		ConfigHash:            hash,
		Domain:                "d",
		QueryType:             models.QueryTechnical,
		ResponseTime:          0.25,
		RelevanceScore:        relevance,
		ResultCount:           3,
		Success:               true,
		ModalityContributions: map[string]float64{"vector": 0.7, "graph": 0.3},
		LegStatus:             map[string]models.LegStatus{"vector": models.LegSucceeded, "graph": models.LegTimedOut},
		Milestones:            []models.Milestone{{Name: "legs_done", At: at.Add(time.Millisecond)}},
		Timestamp:             at,
	}
}

func TestExecutions_AppendAndReadOldestFirst(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.InsertExecution(ctx, execution(fmt.Sprintf("e%d", i), "h1", base.Add(time.Duration(i)*time.Second), float64(i)/10)))
	}
	require.NoError(t, c.InsertExecution(ctx, execution("other", "h2", base, 0.9)))

	got, err := c.RecentExecutions(ctx, "h1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"e2", "e3", "e4"}, []string{got[0].ExecutionID, got[1].ExecutionID, got[2].ExecutionID})
	assert.Equal(t, models.LegTimedOut, got[0].LegStatus["graph"])
	assert.Equal(t, 0.7, got[0].ModalityContributions["vector"])
	assert.True(t, got[0].Success)

	all, err := c.DomainExecutions(ctx, "d", 100)
	require.NoError(t, err)
	assert.Len(t, all, 6)

	ms, err := c.Milestones(ctx, "e0")
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "legs_done", ms[0].Name)
}

func TestExecutions_RedeliveredExecutionKeptOnce(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, c.InsertExecution(ctx, execution("dup", "h", now, 0.5)))
	require.NoError(t, c.InsertExecution(ctx, execution("dup", "h", now, 0.6)))

	got, err := c.RecentExecutions(ctx, "h", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.5, got[0].RelevanceScore)

	ms, err := c.Milestones(ctx, "dup")
	require.NoError(t, err)
	assert.Len(t, ms, 1)
}

func TestExecutions_ConcurrentAppends(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- c.InsertExecution(ctx, execution(fmt.Sprintf("c%d", i), "h", now.Add(time.Duration(i)), 0.5))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := c.RecentExecutions(ctx, "h", 100)
	require.NoError(t, err)
	assert.Len(t, got, 20)
}

func TestFeedback_OverridesEstimatedRelevance(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.InsertExecution(ctx, execution("e1", "h", time.Now(), 0.2)))

	rel := 0.9
	require.NoError(t, c.InsertFeedback(ctx, &models.UserFeedback{ExecutionID: "e1", Relevance: &rel, Helpful: true, CreatedAt: time.Now()}))
	require.NoError(t, c.InsertFeedback(ctx, &models.UserFeedback{ExecutionID: "e1", Helpful: false, CreatedAt: time.Now()}))

	got, err := c.RecentExecutions(ctx, "h", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.9, got[0].RelevanceScore)

	err = c.InsertFeedback(ctx, &models.UserFeedback{ExecutionID: "missing", CreatedAt: time.Now()})
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestNegotiations(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	base := time.Now()
	ok := true

	require.NoError(t, c.InsertNegotiation(ctx, &models.NegotiationRecord{
		ID: "n1", Domain: "a", QueryType: models.QueryCreative, Score: 0.7,
		Components: map[string]float64{"domain_match": 1}, Accepted: true, Succeeded: &ok, Timestamp: base,
	}))
	require.NoError(t, c.InsertNegotiation(ctx, &models.NegotiationRecord{
		ID: "n2", Domain: "b", Score: 0.4, Accepted: false, Timestamp: base.Add(time.Second),
	}))

	all, err := c.RecentNegotiations(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "n2", all[0].ID)
	assert.Nil(t, all[0].Succeeded)

	onlyA, err := c.RecentNegotiations(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	require.NotNil(t, onlyA[0].Succeeded)
	assert.True(t, *onlyA[0].Succeeded)
	assert.Equal(t, 1.0, onlyA[0].Components["domain_match"])
}

func TestCorpusAnalyses(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	missing, err := c.LatestCorpusAnalysis(ctx, "d")
	require.NoError(t, err)
	assert.Nil(t, missing)

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, n := range []int{10, 25} {
		require.NoError(t, c.InsertCorpusAnalysis(ctx, &models.CorpusAnalysis{
			Domain:            "d",
			AnalysisTimestamp: t0.Add(time.Duration(i) * time.Hour),
			Statistics:        models.DomainStatistics{DocumentCount: n},
		}))
	}

	latest, err := c.LatestCorpusAnalysis(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, 25, latest.Statistics.DocumentCount)

	domains, err := c.AnalyzedDomains(ctx)
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.Equal(t, 25, domains[0].DocumentCount)
}
