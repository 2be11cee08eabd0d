package neo4j

import (
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathFromValues(t *testing.T) {
	nodes := []any{
		neo4j.Node{Props: map[string]any{"id": "a", "name": "bgp", "type": "protocol", "embedding": []any{1.0, 0.5}}},
		neo4j.Node{Props: map[string]any{"id": "b", "name": "router", "type": "device"}},
		neo4j.Node{Props: map[string]any{"id": "c", "name": "asn"}},
	}
	rels := []any{
		neo4j.Relationship{Type: "RELATES", Props: map[string]any{"type": "RUNS_ON", "confidence": 0.8}},
		neo4j.Relationship{Type: "RELATES", Props: map[string]any{"type": "HAS", "confidence": 0.5}},
	}

	p, err := pathFromValues(nodes, rels)
	require.NoError(t, err)

	require.Len(t, p.Nodes, 3)
	assert.Equal(t, "bgp", p.Nodes[0].Name)
	assert.Equal(t, []float32{1, 0.5}, p.Nodes[0].Embedding)
	assert.Nil(t, p.Nodes[1].Embedding)
	assert.Equal(t, []string{"RUNS_ON", "HAS"}, p.Predicates)
	assert.InDelta(t, 0.4, p.Confidence, 1e-12)
}

func TestPathFromValues_SingleNode(t *testing.T) {
	p, err := pathFromValues([]any{neo4j.Node{Props: map[string]any{"id": "a", "name": "bgp"}}}, []any{})
	require.NoError(t, err)
	assert.Len(t, p.Nodes, 1)
	assert.Empty(t, p.Predicates)
	assert.Equal(t, 1.0, p.Confidence)
}

func TestPathFromValues_RejectsUnexpectedValues(t *testing.T) {
	_, err := pathFromValues("nope", nil)
	assert.Error(t, err)
	_, err = pathFromValues([]any{"nope"}, nil)
	assert.Error(t, err)
}

func TestTraversalQuery(t *testing.T) {
	assert.NotContains(t, traversalQuery(0), "RELATES")
	assert.True(t, strings.Contains(traversalQuery(3), "[:RELATES*1..3]"))
}
