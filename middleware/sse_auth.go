// middleware/sse_auth.go
package middleware

import (
	"log"
	"os"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// SSEAuthMiddleware authenticates the realtime stream. EventSource clients
// cannot set headers, so the gateway forwards the service token and the
// resolved user id as query params: `token` and `user_id`. Binding the
// connection to its user topic happens in the stream handler from the
// user_id set here.
//
// Usage:
//
//	app.Get("/s/stream", middleware.SSEAuthMiddleware(), broadcaster.StreamSSE)
func SSEAuthMiddleware() fiber.Handler {
	expectedToken := os.Getenv("PLATFORM_SERVICE_TOKEN")
	if expectedToken == "" {
		log.Fatal("❌ PLATFORM_SERVICE_TOKEN is not set — SSE stream cannot authenticate")
	}

	return func(c *fiber.Ctx) error {
		token := strings.TrimSpace(c.Query("token"))
		userID := strings.TrimSpace(c.Query("user_id"))

		if token == "" || userID == "" {
			log.Printf("[SSEAuth] ❌ Missing query params on %s (token len=%d, user_id=%q)", c.Path(), len(token), userID)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "missing token or user_id in query",
			})
		}

		if token != expectedToken {
			log.Printf("[SSEAuth] ❌ Invalid token for stream (user_id=%q)", userID)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "unauthorized",
			})
		}

		c.Locals("user_id", userID)
		return c.Next()
	}
}
