package routes

import (
	handlers "tercuman.link/handlers/dashboard"
	"tercuman.link/services"

	"github.com/gofiber/fiber/v2"
)

// registerDashboardRoutes holds the administrator routes.
func registerDashboardRoutes(api fiber.Router, engine services.IMatchingEngine) {
	orderHandler := handlers.NewDashboardOrderHandler(engine)

	api.Post("/orders/:id/assign", orderHandler.AssignInterpreter) // POST /api/orders/{id}/assign

	admin := api.Group("/admin")
	admin.Get("/escalations", orderHandler.ListEscalations) // GET /api/admin/escalations
	admin.Post("/tick", orderHandler.RunTick)               // POST /api/admin/tick
}
