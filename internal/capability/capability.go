// Package capability declares the external services the core consumes.
// Concrete adapters live next to their client libraries; tests use fakes.
package capability

import (
	"context"
	"time"

	"github.com/trimodal-rag/backend/internal/models"
)

// HealthStatus is the result of a readiness probe.
type HealthStatus struct {
	Success     bool          `json:"success"`
	Latency     time.Duration `json:"latency"`
	ErrorDetail string        `json:"error_detail,omitempty"`
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) HealthStatus
}

// Probe times fn and converts its error into a HealthStatus.
func Probe(ctx context.Context, fn func(ctx context.Context) error) HealthStatus {
	start := time.Now()
	err := fn(ctx)
	status := HealthStatus{Success: err == nil, Latency: time.Since(start)}
	if err != nil {
		status.ErrorDetail = err.Error()
	}
	return status
}

type EmbeddingService interface {
	HealthChecker
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionParams struct {
	Temperature float32
	MaxTokens   int
}

type CompletionService interface {
	HealthChecker
	Complete(ctx context.Context, messages []Message, params CompletionParams) (string, error)
}

// VectorIndex searches the chunk embeddings of one domain.
type VectorIndex interface {
	HealthChecker
	Search(ctx context.Context, domain string, vector []float32, topK int) ([]models.Hit, error)
}

// GraphNode is one entity reached by a traversal, with its text and
// optional embedding.
type GraphNode struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Text      string    `json:"text,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// GraphPath is an ordered walk from a start entity.
type GraphPath struct {
	Nodes      []GraphNode `json:"nodes"`
	Predicates []string    `json:"predicates"`
	Confidence float64     `json:"confidence"`
}

// GraphStore walks the knowledge graph of one domain. A hop count of zero
// returns the matched start entities as single-node paths.
type GraphStore interface {
	HealthChecker
	Traverse(ctx context.Context, domain string, startEntities []string, hopCount int) ([]GraphPath, error)
}

// GraphEdge is a directed, typed relation between two stored entities.
type GraphEdge struct {
	SubjectID  string   `json:"subject_id"`
	Predicate  string   `json:"predicate"`
	ObjectID   string   `json:"object_id"`
	Confidence float64  `json:"confidence"`
	SourceDocs []string `json:"source_docs,omitempty"`
}

// GraphWriter upserts entities and relations into one domain's graph.
// Upserts are idempotent on entity id and on (subject, predicate, object).
type GraphWriter interface {
	UpsertEntities(ctx context.Context, domain string, nodes []GraphNode) error
	UpsertRelations(ctx context.Context, domain string, edges []GraphEdge) error
}

type ObjectStore interface {
	HealthChecker
	List(ctx context.Context, container string) ([]string, error)
	Get(ctx context.Context, container, key string) ([]byte, error)
}

type JobState string

const (
	JobSubmitted JobState = "SUBMITTED"
	JobRunning   JobState = "RUNNING"
	JobSucceeded JobState = "SUCCEEDED"
	JobFailed    JobState = "FAILED"
	JobTimedOut  JobState = "TIMED_OUT"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobTimedOut
}

type TrainingJobConfig struct {
	Domain     string             `json:"domain"`
	ConfigHash string             `json:"config_hash"`
	Parameters map[string]float64 `json:"parameters"`
}

type JobStatus struct {
	JobID     string    `json:"job_id"`
	State     JobState  `json:"state"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type MLTrainingService interface {
	HealthChecker
	SubmitJob(ctx context.Context, cfg TrainingJobConfig) (string, error)
	Poll(ctx context.Context, jobID string) (JobStatus, error)
}
