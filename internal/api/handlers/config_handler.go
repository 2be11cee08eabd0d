package handlers

import (
	"context"
	"sort"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/internal/pipeline"
)

type DomainConfigs interface {
	GetDomainConfig(ctx context.Context, domain string) (*models.DomainConfig, error)
	Domains(ctx context.Context) ([]string, error)
}

type ConfigHistory interface {
	History(ctx context.Context, domain string, limit int64) ([]models.ConfigRecord, error)
}

type AnalyzedDomains interface {
	AnalyzedDomains(ctx context.Context) ([]models.DomainSummary, error)
}

type Learner interface {
	Run(ctx context.Context, domain string) (*pipeline.Report, error)
}

type ConfigHandler struct {
	configs  DomainConfigs
	history  ConfigHistory
	analyzed AnalyzedDomains
	learner  Learner
}

// NewConfigHandler serves learned configs. history, analyzed and learner
// may be nil; the routes that need them then answer 404 or 503.
func NewConfigHandler(configs DomainConfigs, history ConfigHistory, analyzed AnalyzedDomains, learner Learner) *ConfigHandler {
	return &ConfigHandler{configs: configs, history: history, analyzed: analyzed, learner: learner}
}

// ListDomains merges domains that have a config with domains that have
// only been analyzed.
func (h *ConfigHandler) ListDomains(c *fiber.Ctx) error {
	ctx := c.UserContext()
	names, err := h.configs.Domains(ctx)
	if err != nil {
		return respondError(c, err)
	}

	byName := make(map[string]*models.DomainSummary, len(names))
	for _, n := range names {
		byName[n] = &models.DomainSummary{Domain: n, HasConfig: true}
	}
	if h.analyzed != nil {
		summaries, err := h.analyzed.AnalyzedDomains(ctx)
		if err != nil {
			return respondError(c, err)
		}
		for _, s := range summaries {
			s := s
			if existing, ok := byName[s.Domain]; ok {
				s.HasConfig = existing.HasConfig
			}
			byName[s.Domain] = &s
		}
	}

	out := make([]models.DomainSummary, 0, len(byName))
	for _, s := range byName {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return c.JSON(fiber.Map{"domains": out})
}

func (h *ConfigHandler) GetConfig(c *fiber.Ctx) error {
	domain := c.Params("domain")
	cfg, err := h.configs.GetDomainConfig(c.UserContext(), domain)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(cfg)
}

func (h *ConfigHandler) GetHistory(c *fiber.Ctx) error {
	if h.history == nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			ErrorKind: apperrors.KindConfigurationNotAvailable,
			Message:   "config history is not kept by this instance",
		})
	}
	limit, err := strconv.ParseInt(c.Query("limit", "10"), 10, 64)
	if err != nil || limit <= 0 {
		return respondError(c, apperrors.InvalidInput("limit must be a positive integer"))
	}
	records, err := h.history.History(c.UserContext(), c.Params("domain"), limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"domain": c.Params("domain"), "history": records})
}

// Learn runs the learning pipeline for a domain synchronously.
func (h *ConfigHandler) Learn(c *fiber.Ctx) error {
	if h.learner == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
			ErrorKind: apperrors.KindInternal,
			Message:   "learning is not enabled on this instance",
		})
	}
	report, err := h.learner.Run(c.UserContext(), c.Params("domain"))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(report)
}
