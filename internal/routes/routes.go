package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/marminbh/hook-svc/internal/handlers"
)

// SetupRoutes configures all application routes with dependencies
func SetupRoutes(app *fiber.App, healthHandler *handlers.HealthHandler, logsHandler *handlers.LogsHandler, intakeHandler *handlers.IntakeHandler) {
	app.Get("/health", healthHandler.HealthCheck)

	api := app.Group("/api/v1")
	{
		api.Get("/", func(c *fiber.Ctx) error {
			return c.JSON(fiber.Map{
				"message": "Hook Service API v1",
				"status":  "running",
			})
		})

		api.Post("/submissions", intakeHandler.CreateSubmission)
		api.Post("/hooks/:id/deactivated", intakeHandler.HookDeactivated)

		api.Get("/logs", logsHandler.ListLogs)
		api.Get("/logs/:id", logsHandler.GetLog)
		api.Get("/hooks/:id/logs", logsHandler.ListHookLogs)
	}
}
