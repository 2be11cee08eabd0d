package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/perf"
	"github.com/trimodal-rag/backend/internal/pipeline"
	"github.com/trimodal-rag/backend/internal/storage/sqlite"
	"github.com/trimodal-rag/backend/pkg/logger"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	ErrorKind apperrors.Kind `json:"error_kind"`
	Message   string         `json:"message"`
	Domain    string         `json:"domain,omitempty"`
}

func unknownExecution(err error) bool {
	return errors.Is(err, perf.ErrUnknownExecution) || errors.Is(err, sqlite.ErrExecutionNotFound)
}

func statusFor(err error) int {
	switch {
	case unknownExecution(err):
		return fiber.StatusNotFound
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		return fiber.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	}

	switch apperrors.KindOf(err) {
	case apperrors.KindConfigurationNotAvailable:
		return fiber.StatusNotFound
	case apperrors.KindConfigEnforcement:
		return fiber.StatusConflict
	case apperrors.KindInvalidCorpus:
		return fiber.StatusUnprocessableEntity
	case apperrors.KindInvalidInput:
		return fiber.StatusBadRequest
	case apperrors.KindAllLegsFailed, apperrors.KindLegExecution:
		return fiber.StatusBadGateway
	case apperrors.KindNegotiationTimeout, apperrors.KindHandshakeTimeout:
		return fiber.StatusGatewayTimeout
	}
	return fiber.StatusInternalServerError
}

func kindFor(err error) apperrors.Kind {
	switch {
	case unknownExecution(err):
		return apperrors.KindInvalidInput
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.KindNegotiationTimeout
	}
	return apperrors.KindOf(err)
}

// respondError writes err as an ErrorResponse. Internal errors are logged
// and their message withheld.
func respondError(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	body := ErrorResponse{
		ErrorKind: kindFor(err),
		Message:   err.Error(),
		Domain:    apperrors.DomainOf(err),
	}
	if status >= fiber.StatusInternalServerError && status != fiber.StatusBadGateway && status != fiber.StatusGatewayTimeout {
		logger.Error("Request failed",
			zap.String("path", c.Path()),
			zap.String("method", c.Method()),
			zap.Error(err),
		)
		body.Message = "internal error"
	} else {
		logger.Warn("Request rejected",
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.String("error_kind", string(body.ErrorKind)),
			zap.Error(err),
		)
	}
	return c.Status(status).JSON(body)
}
