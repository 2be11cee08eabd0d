// Package pipeline runs the config extraction workflow for a domain: corpus
// to learned config, knowledge graph and vector index.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/capability"
	"github.com/trimodal-rag/backend/internal/feedback"
	"github.com/trimodal-rag/backend/internal/ingestion"
	"github.com/trimodal-rag/backend/internal/knowledge"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/internal/vector/milvus"
	"github.com/trimodal-rag/backend/pkg/fingerprint"
)

var ErrAlreadyRunning = errors.New("learning already running for domain")

type Loader interface {
	LoadDomain(ctx context.Context, domain string) ([]models.Document, error)
	Chunk(doc models.Document) []ingestion.Chunk
}

type Analyzer interface {
	AnalyzeDocuments(ctx context.Context, domain string, docs []models.Document) (*models.CorpusAnalysis, error)
}

type Learner interface {
	LearnThresholds(analysis *models.CorpusAnalysis) (*models.LearnedPatterns, error)
}

type ConfigBuilder interface {
	BuildDomainConfig(domain string, lp *models.LearnedPatterns) (*models.DomainConfig, error)
}

type ConfigStore interface {
	StoreConfig(ctx context.Context, domain string, cfg *models.DomainConfig) error
}

type AnalysisStore interface {
	InsertCorpusAnalysis(ctx context.Context, a *models.CorpusAnalysis) error
}

type GraphBuilder interface {
	Build(ctx context.Context, domain, source string, ext *models.KnowledgeExtraction) (*knowledge.BuildResult, error)
}

type ChunkIndex interface {
	Insert(ctx context.Context, chunks []milvus.Chunk) error
}

type HistorySeeder interface {
	SeedHistory(ctx context.Context, cfg *models.DomainConfig) error
}

type Trainer interface {
	Launch(ctx context.Context, cfg capability.TrainingJobConfig) (string, error)
}

// Stages wires the pipeline. Loader, Analyzer, Learner, Builder and Configs
// are required; every other stage is skipped when nil.
type Stages struct {
	Loader    Loader
	Analyzer  Analyzer
	Learner   Learner
	Builder   ConfigBuilder
	Configs   ConfigStore
	Analyses  AnalysisStore
	Extractor knowledge.Extractor
	Graph     GraphBuilder
	Embedder  capability.EmbeddingService
	Index     ChunkIndex
	Seeder    HistorySeeder
	Publisher feedback.StatusPublisher
	Trainer   Trainer
}

// Report summarizes one run.
type Report struct {
	Domain              string               `json:"domain"`
	Documents           int                  `json:"documents"`
	Chunks              int                  `json:"chunks"`
	Entities            int                  `json:"entities"`
	Relations           int                  `json:"relations"`
	RejectedExtractions int                  `json:"rejected_extractions"`
	Config              *models.DomainConfig `json:"config"`
	TrainingJobID       string               `json:"training_job_id,omitempty"`
	Duration            time.Duration        `json:"duration"`
}

type Pipeline struct {
	stages Stages
	log    *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	running map[string]bool
}

func New(stages Stages, log *zap.Logger) (*Pipeline, error) {
	if stages.Loader == nil || stages.Analyzer == nil || stages.Learner == nil || stages.Builder == nil || stages.Configs == nil {
		return nil, fmt.Errorf("pipeline needs a loader, analyzer, learner, builder and config store")
	}
	if stages.Graph != nil && stages.Extractor == nil {
		return nil, fmt.Errorf("graph building needs an extractor")
	}
	if stages.Index != nil && stages.Embedder == nil {
		return nil, fmt.Errorf("chunk indexing needs an embedder")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{stages: stages, log: log, now: time.Now, running: make(map[string]bool)}, nil
}

func (p *Pipeline) claim(domain string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running[domain] {
		return false
	}
	p.running[domain] = true
	return true
}

func (p *Pipeline) release(domain string) {
	p.mu.Lock()
	delete(p.running, domain)
	p.mu.Unlock()
}

// Run learns a config for domain from its corpus and stores it. The config
// is committed before the graph and index are built, so a failure there
// leaves a usable config behind.
func (p *Pipeline) Run(ctx context.Context, domain string) (*Report, error) {
	if domain == "" {
		return nil, fmt.Errorf("domain is required")
	}
	if !p.claim(domain) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, domain)
	}
	defer p.release(domain)

	start := p.now()
	log := p.log.With(zap.String("domain", domain))
	log.Info("Learning pipeline started")

	docs, err := p.stages.Loader.LoadDomain(ctx, domain)
	if err != nil {
		return nil, err
	}

	analysis, err := p.stages.Analyzer.AnalyzeDocuments(ctx, domain, docs)
	if err != nil {
		return nil, err
	}
	if p.stages.Analyses != nil {
		if err := p.stages.Analyses.InsertCorpusAnalysis(ctx, analysis); err != nil {
			return nil, fmt.Errorf("failed to persist corpus analysis: %w", err)
		}
	}

	patterns, err := p.stages.Learner.LearnThresholds(analysis)
	if err != nil {
		return nil, err
	}
	cfg, err := p.stages.Builder.BuildDomainConfig(domain, patterns)
	if err != nil {
		return nil, err
	}
	if err := p.stages.Configs.StoreConfig(ctx, domain, cfg); err != nil {
		return nil, err
	}
	log.Info("Domain config learned",
		zap.Int("documents", len(docs)),
		zap.Float64("confidence", cfg.ConfidenceScore),
		zap.String("source", cfg.ConfigSource),
	)

	report := &Report{Domain: domain, Documents: len(docs), Config: cfg}

	if p.stages.Graph != nil {
		if err := p.buildGraph(ctx, domain, docs, cfg, report); err != nil {
			return nil, err
		}
	}
	if p.stages.Index != nil {
		if err := p.index(ctx, domain, docs, report); err != nil {
			return nil, err
		}
	}
	if p.stages.Seeder != nil {
		if err := p.stages.Seeder.SeedHistory(ctx, cfg); err != nil {
			return nil, err
		}
	}

	if p.stages.Publisher != nil {
		details := map[string]any{
			"documents":  report.Documents,
			"entities":   report.Entities,
			"chunks":     report.Chunks,
			"confidence": cfg.ConfidenceScore,
		}
		if err := p.stages.Publisher.PublishStatus(ctx, domain, feedback.StatusConfigUpdated, details); err != nil {
			log.Warn("Failed to announce learned config", zap.Error(err))
		}
	}

	if p.stages.Trainer != nil {
		id, err := p.stages.Trainer.Launch(ctx, trainingJob(cfg))
		if err != nil {
			log.Warn("Failed to submit training job", zap.Error(err))
		}
		report.TrainingJobID = id
	}

	report.Duration = p.now().Sub(start)
	log.Info("Learning pipeline finished",
		zap.Int("entities", report.Entities),
		zap.Int("relations", report.Relations),
		zap.Int("chunks", report.Chunks),
		zap.Int("rejected_extractions", report.RejectedExtractions),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// buildGraph extracts each document under the learned thresholds. An
// incoherent extraction is skipped; any other failure stops the run.
func (p *Pipeline) buildGraph(ctx context.Context, domain string, docs []models.Document, cfg *models.DomainConfig, report *Report) error {
	for _, doc := range docs {
		ext, err := p.stages.Extractor.Extract(ctx, doc, cfg)
		if err != nil {
			return fmt.Errorf("failed to extract knowledge from %s: %w", doc.Source, err)
		}
		res, err := p.stages.Graph.Build(ctx, domain, doc.Source, ext)
		if errors.Is(err, knowledge.ErrIncoherent) {
			report.RejectedExtractions++
			continue
		}
		if err != nil {
			return err
		}
		report.Entities += res.Entities
		report.Relations += res.Relations
	}
	return nil
}

func (p *Pipeline) index(ctx context.Context, domain string, docs []models.Document, report *Report) error {
	at := p.now().UTC()
	for _, doc := range docs {
		chunks := p.stages.Loader.Chunk(doc)
		batch := make([]milvus.Chunk, 0, len(chunks))
		for _, c := range chunks {
			vec, err := p.stages.Embedder.Embed(ctx, c.Text)
			if err != nil {
				return fmt.Errorf("failed to embed chunk %s: %w", c.ID, err)
			}
			batch = append(batch, milvus.Chunk{
				ID:         c.ID,
				Domain:     domain,
				DocumentID: c.DocumentID,
				Source:     c.Source,
				Text:       c.Text,
				Embedding:  vec,
				CreatedAt:  at,
			})
		}
		if len(batch) == 0 {
			continue
		}
		if err := p.stages.Index.Insert(ctx, batch); err != nil {
			return fmt.Errorf("failed to index %s: %w", doc.Source, err)
		}
		report.Chunks += len(batch)
	}
	return nil
}

func trainingJob(cfg *models.DomainConfig) capability.TrainingJobConfig {
	params := make(map[string]float64, len(models.NumericFields()))
	for _, name := range models.NumericFields() {
		if v, ok := cfg.Value(name); ok {
			params[name] = v
		}
	}
	hash, _ := fingerprint.Short(cfg)
	return capability.TrainingJobConfig{Domain: cfg.Domain, ConfigHash: hash, Parameters: params}
}
