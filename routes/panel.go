package routes

import (
	panel_handlers "tercuman.link/handlers/panel"
	"tercuman.link/services"

	"github.com/gofiber/fiber/v2"
)

// registerPanelRoutes holds the client-facing order and group routes.
func registerPanelRoutes(api fiber.Router, engine services.IMatchingEngine) {
	orderHandler := panel_handlers.NewPanelOrderHandler(engine)

	orders := api.Group("/orders")
	orders.Post("/", orderHandler.CreateOrder)           // POST /api/orders
	orders.Get("/:id", orderHandler.GetOrder)            // GET /api/orders/{id}
	orders.Post("/:id/cancel", orderHandler.CancelOrder) // POST /api/orders/{id}/cancel
	orders.Post("/:id/defer", orderHandler.DeferOrder)   // POST /api/orders/{id}/defer

	groups := api.Group("/groups")
	groups.Post("/:id/cancel", orderHandler.CancelGroup) // POST /api/groups/{id}/cancel
	groups.Post("/:id/defer", orderHandler.DeferGroup)   // POST /api/groups/{id}/defer
}
