package security

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadersMiddleware(t *testing.T) {
	tests := []struct {
		name string
		cfg  HeadersConfig
		hsts bool
	}{
		{"production", HeadersConfig{AllowedOrigins: []string{"https://ui.example.com", "*"}}, true},
		{"development", HeadersConfig{IsDevelopment: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New()
			app.Use(HeadersMiddleware(tt.cfg))
			app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

			resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
			require.NoError(t, err)

			assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
			assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
			assert.Equal(t, tt.hsts, resp.Header.Get("Strict-Transport-Security") != "")

			csp := resp.Header.Get("Content-Security-Policy")
			assert.Contains(t, csp, "default-src 'none'")
			assert.NotContains(t, csp, " * ")
			if len(tt.cfg.AllowedOrigins) > 0 {
				assert.Contains(t, csp, "https://ui.example.com wss://ui.example.com")
			}
		})
	}
}
