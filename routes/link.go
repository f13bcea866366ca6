package routes

import (
	link_handlers "tercuman.link/handlers/link"
	"tercuman.link/services"

	"github.com/gofiber/fiber/v2"
)

// registerInvitationRoutes takes interpreters' answers to invitations.
func registerInvitationRoutes(api fiber.Router, engine services.IMatchingEngine) {
	rsvpHandler := link_handlers.NewRSVPHandler(engine)
	api.Post("/orders/:id/responses", rsvpHandler.Respond) // POST /api/orders/{id}/responses
}
