package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/metrics"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/internal/search"
	"github.com/trimodal-rag/backend/pkg/logger"
)

var validate = validator.New()

type Searcher interface {
	Search(ctx context.Context, sc models.SearchContext, observe search.Observer) (*models.SearchResponse, error)
}

type FeedbackRecorder interface {
	RecordUserFeedback(ctx context.Context, executionID string, relevance *float64, helpful bool, comment string) error
}

// FeedbackForwarder passes feedback on to the config pipeline.
type FeedbackForwarder interface {
	PublishFeedback(ctx context.Context, domain string, fb models.UserFeedback) error
}

type SearchRequest struct {
	Query                  string             `json:"query" validate:"required,max=5000"`
	Domain                 string             `json:"domain" validate:"required,max=128"`
	QueryType              models.QueryType   `json:"query_type,omitempty"`
	PerformanceConstraints map[string]float64 `json:"performance_constraints,omitempty"`
	ModalityPreferences    map[string]float64 `json:"modality_preferences,omitempty"`
}

func (r SearchRequest) context() models.SearchContext {
	return models.SearchContext{
		Query:                  strings.TrimSpace(r.Query),
		Domain:                 r.Domain,
		QueryTypeHint:          r.QueryType,
		PerformanceConstraints: r.PerformanceConstraints,
		ModalityPreferences:    r.ModalityPreferences,
	}
}

type FeedbackRequest struct {
	ExecutionID string   `json:"execution_id" validate:"required"`
	Domain      string   `json:"domain,omitempty"`
	Relevance   *float64 `json:"relevance,omitempty" validate:"omitempty,gte=0,lte=1"`
	Helpful     bool     `json:"helpful"`
	Comment     string   `json:"comment,omitempty" validate:"max=2000"`
}

// parseBody decodes and validates a JSON body.
func parseBody(c *fiber.Ctx, v any) error {
	if err := c.BodyParser(v); err != nil {
		return apperrors.InvalidInput("invalid request body: %v", err)
	}
	if err := validate.Struct(v); err != nil {
		return apperrors.InvalidInput("%v", err)
	}
	return nil
}

type SearchHandler struct {
	searcher  Searcher
	feedback  FeedbackRecorder
	forwarder FeedbackForwarder
}

// NewSearchHandler builds the search and feedback endpoints. forwarder may
// be nil.
func NewSearchHandler(searcher Searcher, feedback FeedbackRecorder, forwarder FeedbackForwarder) *SearchHandler {
	return &SearchHandler{searcher: searcher, feedback: feedback, forwarder: forwarder}
}

func (h *SearchHandler) Search(c *fiber.Ctx) error {
	var req SearchRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}

	resp, err := h.searcher.Search(c.UserContext(), req.context(), nil)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(resp)
}

func (h *SearchHandler) Feedback(c *fiber.Ctx) error {
	var req FeedbackRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}

	ctx := c.UserContext()
	if err := h.feedback.RecordUserFeedback(ctx, req.ExecutionID, req.Relevance, req.Helpful, req.Comment); err != nil {
		return respondError(c, err)
	}
	metrics.UserSatisfaction.WithLabelValues(strconv.FormatBool(req.Helpful)).Inc()

	if h.forwarder != nil && req.Domain != "" {
		fb := models.UserFeedback{
			ExecutionID: req.ExecutionID,
			Relevance:   req.Relevance,
			Helpful:     req.Helpful,
			Comment:     req.Comment,
		}
		if err := h.forwarder.PublishFeedback(ctx, req.Domain, fb); err != nil {
			logger.Warn("Failed to forward feedback", zap.String("execution_id", req.ExecutionID), zap.Error(err))
		}
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"execution_id": req.ExecutionID, "recorded": true})
}
