package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/capability"
	"github.com/trimodal-rag/backend/pkg/circuitbreaker"
	"github.com/trimodal-rag/backend/pkg/logger"
	"github.com/trimodal-rag/backend/pkg/retry"
)

// maxPaths bounds one traversal. Variable-length matches grow quickly with
// the hop count.
const maxPaths = 200

type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

var (
	_ capability.GraphStore  = (*Client)(nil)
	_ capability.GraphWriter = (*Client)(nil)
)

func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	if database == "" {
		database = "neo4j"
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	c := &Client{driver: driver, database: database, cb: cb, retryConfig: retryConfig}
	if err := c.ensureSchema(ctx); err != nil {
		return nil, err
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri), zap.String("database", database))
	return c, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE`,
		`CREATE INDEX entity_domain_name IF NOT EXISTS FOR (e:Entity) ON (e.domain, e.name)`,
	}
	for _, stmt := range stmts {
		_, err := neo4j.ExecuteQuery(ctx, c.driver, stmt, nil, neo4j.EagerResultTransformer,
			neo4j.ExecuteQueryWithDatabase(c.database))
		if err != nil {
			return fmt.Errorf("failed to create graph schema: %w", err)
		}
	}
	return nil
}

func (c *Client) executeWithRetry(ctx context.Context, mode neo4j.AccessMode, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database, AccessMode: mode})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

// UpsertEntities merges nodes by id. Name, type and embedding are
// overwritten, so re-extracting a document converges.
func (c *Client) UpsertEntities(ctx context.Context, domain string, nodes []capability.GraphNode) error {
	rows := make([]map[string]any, len(nodes))
	for i, n := range nodes {
		rows[i] = map[string]any{
			"id":        n.ID,
			"name":      n.Name,
			"type":      n.Type,
			"text":      n.Text,
			"embedding": toFloat64s(n.Embedding),
		}
	}

	query := `
		UNWIND $rows AS row
		MERGE (e:Entity {id: row.id})
		SET e.domain = $domain,
		    e.name = row.name,
		    e.type = row.type,
		    e.text = row.text,
		    e.embedding = row.embedding,
		    e.updated_at = timestamp()
	`
	err := c.executeWithRetry(ctx, neo4j.AccessModeWrite, func(session neo4j.SessionWithContext) error {
		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			res, err := tx.Run(ctx, query, map[string]any{"rows": rows, "domain": domain})
			if err != nil {
				return nil, err
			}
			return res.Consume(ctx)
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert entities: %w", err)
	}

	logger.Debug("Entities upserted in KG", zap.String("domain", domain), zap.Int("count", len(nodes)))
	return nil
}

// UpsertRelations merges typed relations between existing entities. The
// stored confidence is the highest ever reported and source documents
// accumulate.
func (c *Client) UpsertRelations(ctx context.Context, domain string, edges []capability.GraphEdge) error {
	rows := make([]map[string]any, len(edges))
	for i, e := range edges {
		docs := e.SourceDocs
		if docs == nil {
			docs = []string{}
		}
		rows[i] = map[string]any{
			"subject":     e.SubjectID,
			"object":      e.ObjectID,
			"predicate":   e.Predicate,
			"confidence":  e.Confidence,
			"source_docs": docs,
		}
	}

	query := `
		UNWIND $rows AS row
		MATCH (s:Entity {id: row.subject, domain: $domain})
		MATCH (o:Entity {id: row.object, domain: $domain})
		MERGE (s)-[r:RELATES {type: row.predicate}]->(o)
		SET r.confidence = CASE
		        WHEN r.confidence IS NULL OR r.confidence < row.confidence THEN row.confidence
		        ELSE r.confidence END,
		    r.source_docs = [d IN coalesce(r.source_docs, []) WHERE NOT d IN row.source_docs] + row.source_docs,
		    r.updated_at = timestamp()
	`
	err := c.executeWithRetry(ctx, neo4j.AccessModeWrite, func(session neo4j.SessionWithContext) error {
		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			res, err := tx.Run(ctx, query, map[string]any{"rows": rows, "domain": domain})
			if err != nil {
				return nil, err
			}
			return res.Consume(ctx)
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert relations: %w", err)
	}

	logger.Debug("Relations upserted in KG", zap.String("domain", domain), zap.Int("count", len(edges)))
	return nil
}

// Traverse walks undirected relations from the named start entities up to
// hopCount hops. Path confidence is the product of its relation confidences.
func (c *Client) Traverse(ctx context.Context, domain string, startEntities []string, hopCount int) ([]capability.GraphPath, error) {
	if len(startEntities) == 0 {
		return nil, nil
	}

	query := traversalQuery(hopCount)
	var paths []capability.GraphPath
	err := c.executeWithRetry(ctx, neo4j.AccessModeRead, func(session neo4j.SessionWithContext) error {
		out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			res, err := tx.Run(ctx, query, map[string]any{
				"domain": domain,
				"names":  startEntities,
				"limit":  maxPaths,
			})
			if err != nil {
				return nil, err
			}
			var found []capability.GraphPath
			for res.Next(ctx) {
				rec := res.Record()
				nodes, _ := rec.Get("nodes")
				rels, _ := rec.Get("rels")
				p, err := pathFromValues(nodes, rels)
				if err != nil {
					return nil, err
				}
				found = append(found, p)
			}
			return found, res.Err()
		})
		if err != nil {
			return err
		}
		paths, _ = out.([]capability.GraphPath)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to traverse graph: %w", err)
	}

	logger.Debug("KG traversal completed",
		zap.String("domain", domain),
		zap.Int("start_entities", len(startEntities)),
		zap.Int("hops", hopCount),
		zap.Int("paths", len(paths)),
	)
	return paths, nil
}

// traversalQuery formats the hop bound into the pattern since Cypher does
// not accept it as a parameter.
func traversalQuery(hopCount int) string {
	if hopCount <= 0 {
		return `
			MATCH (s:Entity {domain: $domain})
			WHERE s.name IN $names
			RETURN [s] AS nodes, [] AS rels
			LIMIT $limit
		`
	}
	return fmt.Sprintf(`
		MATCH p = (s:Entity {domain: $domain})-[:RELATES*1..%d]-(n:Entity {domain: $domain})
		WHERE s.name IN $names
		WITH p, reduce(c = 1.0, r IN relationships(p) | c * coalesce(r.confidence, 0.0)) AS confidence
		ORDER BY confidence DESC, length(p) ASC
		LIMIT $limit
		RETURN nodes(p) AS nodes, relationships(p) AS rels
	`, hopCount)
}

func pathFromValues(nodesVal, relsVal any) (capability.GraphPath, error) {
	rawNodes, ok := nodesVal.([]any)
	if !ok {
		return capability.GraphPath{}, fmt.Errorf("unexpected nodes value %T", nodesVal)
	}
	rawRels, _ := relsVal.([]any)

	p := capability.GraphPath{Confidence: 1}
	for _, v := range rawNodes {
		n, ok := v.(neo4j.Node)
		if !ok {
			return capability.GraphPath{}, fmt.Errorf("unexpected node value %T", v)
		}
		p.Nodes = append(p.Nodes, capability.GraphNode{
			ID:        propString(n.Props, "id"),
			Name:      propString(n.Props, "name"),
			Type:      propString(n.Props, "type"),
			Text:      propString(n.Props, "text"),
			Embedding: propVector(n.Props, "embedding"),
		})
	}
	for _, v := range rawRels {
		r, ok := v.(neo4j.Relationship)
		if !ok {
			return capability.GraphPath{}, fmt.Errorf("unexpected relationship value %T", v)
		}
		p.Predicates = append(p.Predicates, propString(r.Props, "type"))
		conf, _ := r.Props["confidence"].(float64)
		p.Confidence *= conf
	}
	return p, nil
}

func propString(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func propVector(props map[string]any, key string) []float32 {
	raw, ok := props[key].([]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make([]float32, 0, len(raw))
	for _, x := range raw {
		f, ok := x.(float64)
		if !ok {
			return nil
		}
		out = append(out, float32(f))
	}
	return out
}

func toFloat64s(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func (c *Client) HealthCheck(ctx context.Context) capability.HealthStatus {
	status := capability.Probe(ctx, c.driver.VerifyConnectivity)
	if snap := c.cb.Snapshot(); snap.State != circuitbreaker.StateClosed && status.ErrorDetail == "" {
		status.ErrorDetail = "circuit " + snap.State.String()
	}
	return status
}
