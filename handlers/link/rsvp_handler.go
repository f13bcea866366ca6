package handlers

import (
	"tercuman.link/pkg/httpresult"
	"tercuman.link/services"

	"github.com/gofiber/fiber/v2"
)

// InvitationResponseRequest is an interpreter's answer to an invitation.
type InvitationResponseRequest struct {
	InterpreterID uint `json:"interpreter_id"`
	Accepted      bool `json:"accepted"`
}

// RSVPHandler takes interpreters' answers to order invitations.
type RSVPHandler struct {
	engine services.IMatchingEngine
}

// NewRSVPHandler returns the interpreter-facing invitation handler.
func NewRSVPHandler(engine services.IMatchingEngine) *RSVPHandler {
	return &RSVPHandler{engine: engine}
}

// Respond (POST /api/orders/:id/responses)
func (h *RSVPHandler) Respond(c *fiber.Ctx) error {
	orderID, ok := httpresult.ParamID(c)
	if !ok {
		return httpresult.BadRequest(c, "invalid order id")
	}
	var req InvitationResponseRequest
	if err := c.BodyParser(&req); err != nil || req.InterpreterID == 0 {
		return httpresult.BadRequest(c, "interpreter_id and accepted are required")
	}

	result, err := h.engine.RespondToInvitation(c.UserContext(), orderID, req.InterpreterID, req.Accepted)
	if err != nil {
		return httpresult.Error(c, "RespondToInvitation", err)
	}
	return httpresult.Outcome(c, result.Outcome, result, false)
}
