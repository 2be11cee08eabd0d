package validation

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror\s*=|onload\s*=|onclick\s*=)`)

type Config struct {
	MaxQueryLength int
	MaxBodySize    int
	// QueryPaths lists the routes whose JSON body carries a "query" field.
	QueryPaths          []string
	AllowedContentTypes []string
	Logger              *zap.Logger
}

func reject(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{
		"error_kind": "invalid_input",
		"message":    msg,
	})
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 5000
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = 1 << 20
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	queryPaths := make(map[string]bool, len(cfg.QueryPaths))
	for _, p := range cfg.QueryPaths {
		queryPaths[p] = true
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		body := c.Body()
		if len(body) > cfg.MaxBodySize {
			return reject(c, fiber.StatusRequestEntityTooLarge, "request body exceeds maximum size")
		}
		if len(body) > 0 && !allowedType(c.Get(fiber.HeaderContentType), cfg.AllowedContentTypes) {
			return reject(c, fiber.StatusUnsupportedMediaType, "unsupported content type")
		}
		if !queryPaths[c.Path()] {
			return c.Next()
		}

		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			return reject(c, fiber.StatusBadRequest, "invalid JSON body")
		}
		query, ok := req["query"].(string)
		if !ok || strings.TrimSpace(query) == "" {
			return reject(c, fiber.StatusBadRequest, "query is required and must be a string")
		}
		if len(query) > cfg.MaxQueryLength {
			return reject(c, fiber.StatusBadRequest, "query exceeds maximum length")
		}
		if xssPattern.MatchString(query) {
			cfg.Logger.Warn("Rejected query with markup",
				zap.String("ip", c.IP()),
				zap.String("path", c.Path()),
			)
			return reject(c, fiber.StatusBadRequest, "invalid query content")
		}

		if sanitized := sanitizeString(query); sanitized != query {
			req["query"] = sanitized
			rewritten, err := json.Marshal(req)
			if err != nil {
				return reject(c, fiber.StatusBadRequest, "invalid JSON body")
			}
			c.Request().SetBody(rewritten)
		}
		return c.Next()
	}
}

func allowedType(contentType string, allowed []string) bool {
	for _, a := range allowed {
		if strings.HasPrefix(strings.ToLower(contentType), a) {
			return true
		}
	}
	return false
}

func sanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}
