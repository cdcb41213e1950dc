// handlers/routes.go
package handlers

import (
	"github.com/gofiber/fiber/v2"

	"prop-trading-system/middleware"
	"prop-trading-system/services"
)

// SetupRoutes wires the service-backed fiber handlers. Everything but the
// health probe sits behind the gateway user context; the SSE stream carries
// its auth in query params instead.
func SetupRoutes(
	app *fiber.App,
	challenges *services.ChallengeService,
	leaderboard *services.LeaderboardService,
	scheduler *services.SyncScheduler,
	broadcaster *services.RealtimeBroadcaster,
) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/s/stream", middleware.SSEAuthMiddleware(), broadcaster.StreamSSE)

	secured := app.Group("/", middleware.UserContextMiddleware())

	secured.Get("/s/challenges/:id", challenges.GetChallengeHandler)
	secured.Post("/s/challenges/:id/sync", scheduler.TriggerChallengeSync)
	secured.Get("/s/competitions/:id/leaderboard", leaderboard.GetLeaderboardHandler)
}
