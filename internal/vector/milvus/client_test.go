package milvus

import (
	"errors"
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trimodal-rag/backend/internal/models"
)

func TestHitsFrom(t *testing.T) {
	results := []client.SearchResult{{
		ResultCount: 2,
		Scores:      []float32{0.9, 0.4},
		Fields: client.ResultSet{
			entity.NewColumnVarChar("chunk_id", []string{"c1", "c2"}),
			entity.NewColumnVarChar("domain", []string{"net", "net"}),
			entity.NewColumnVarChar("document_id", []string{"d1", "d2"}),
			entity.NewColumnVarChar("source", []string{"a.md", "b.md"}),
			entity.NewColumnVarChar("text", []string{"bgp peers", "ospf areas"}),
		},
	}}

	hits, err := hitsFrom(results)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, models.Hit{
		ID:       "c1",
		Content:  "bgp peers",
		Source:   "a.md",
		Score:    float64(float32(0.9)),
		Metadata: map[string]string{"document_id": "d1"},
	}, hits[0])
	assert.Equal(t, "c2", hits[1].ID)
}

func TestHitsFrom_PropagatesResultError(t *testing.T) {
	_, err := hitsFrom([]client.SearchResult{{Err: errors.New("shard down")}})
	assert.ErrorContains(t, err, "shard down")
}

func TestDomainFilter_QuotesDomain(t *testing.T) {
	assert.Equal(t, `domain == "net"`, domainFilter("net"))
	assert.Equal(t, `domain == "a\"b"`, domainFilter(`a"b`))
}

func TestSchema(t *testing.T) {
	m := &Client{collectionName: "chunks", vectorDim: 8}
	s := m.schema()
	assert.Equal(t, "chunks", s.CollectionName)
	var primary []string
	for _, f := range s.Fields {
		if f.PrimaryKey {
			primary = append(primary, f.Name)
		}
		if f.Name == "embedding" {
			assert.Equal(t, "8", f.TypeParams["dim"])
		}
	}
	assert.Equal(t, []string{"chunk_id"}, primary)
}
