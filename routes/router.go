package routes

import (
	"tercuman.link/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	recoverMiddleware "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes registers the middleware and every route of the engine API.
func SetupRoutes(app *fiber.App, engine services.IMatchingEngine, gatherer prometheus.Gatherer) {
	app.Use(recoverMiddleware.New())
	app.Use(logger.New())

	api := app.Group("/api")
	registerPanelRoutes(api, engine)
	registerInvitationRoutes(api, engine)
	registerDashboardRoutes(api, engine)

	app.Get("/healthz", func(c *fiber.Ctx) error { return c.SendString("ok") })
	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	app.Use(notFoundHandler)
}

func notFoundHandler(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "resource not found"})
}
