package handlers

import (
	"errors"
	"time"

	"tercuman.link/pkg/httpresult"
	"tercuman.link/services"

	"github.com/gofiber/fiber/v2"
)

// CancelRequest carries an optional reason.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// DeferRequest pauses a search until the given instant.
type DeferRequest struct {
	Until time.Time `json:"until"`
}

// PanelOrderHandler serves clients: booking, inspecting, cancelling and pausing orders.
type PanelOrderHandler struct {
	engine services.IMatchingEngine
}

// NewPanelOrderHandler returns the client-facing order handler.
func NewPanelOrderHandler(engine services.IMatchingEngine) *PanelOrderHandler {
	return &PanelOrderHandler{engine: engine}
}

// CreateOrder (POST /api/orders)
func (h *PanelOrderHandler) CreateOrder(c *fiber.Ctx) error {
	var req services.CreateOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return httpresult.BadRequest(c, "invalid request body")
	}
	result, err := h.engine.CreateOrder(c.UserContext(), req)
	if err != nil {
		return httpresult.Error(c, "CreateOrder", err)
	}
	return httpresult.Outcome(c, result.Outcome, result, true)
}

// GetOrder (GET /api/orders/:id)
func (h *PanelOrderHandler) GetOrder(c *fiber.Ctx) error {
	orderID, ok := httpresult.ParamID(c)
	if !ok {
		return httpresult.BadRequest(c, "invalid order id")
	}
	view, err := h.engine.GetOrder(c.UserContext(), orderID)
	if errors.Is(err, services.ErrOrderNotFound) {
		return httpresult.Outcome(c, services.OutcomeNotFound, fiber.Map{"error": err.Error()}, false)
	}
	if err != nil {
		return httpresult.Error(c, "GetOrder", err)
	}
	return c.JSON(view)
}

// CancelOrder (POST /api/orders/:id/cancel)
func (h *PanelOrderHandler) CancelOrder(c *fiber.Ctx) error {
	orderID, ok := httpresult.ParamID(c)
	if !ok {
		return httpresult.BadRequest(c, "invalid order id")
	}
	var req CancelRequest
	_ = c.BodyParser(&req) // the body is optional
	result, err := h.engine.CancelOrder(c.UserContext(), orderID, req.Reason)
	if err != nil {
		return httpresult.Error(c, "CancelOrder", err)
	}
	return httpresult.Outcome(c, result.Outcome, result, false)
}

// DeferOrder (POST /api/orders/:id/defer)
func (h *PanelOrderHandler) DeferOrder(c *fiber.Ctx) error {
	orderID, ok := httpresult.ParamID(c)
	if !ok {
		return httpresult.BadRequest(c, "invalid order id")
	}
	var req DeferRequest
	if err := c.BodyParser(&req); err != nil || req.Until.IsZero() {
		return httpresult.BadRequest(c, "until is required")
	}
	result, err := h.engine.DeferSearch(c.UserContext(), orderID, req.Until)
	if err != nil {
		return httpresult.Error(c, "DeferSearch", err)
	}
	return httpresult.Outcome(c, result.Outcome, result, false)
}

// CancelGroup (POST /api/groups/:id/cancel)
func (h *PanelOrderHandler) CancelGroup(c *fiber.Ctx) error {
	groupID, ok := httpresult.ParamID(c)
	if !ok {
		return httpresult.BadRequest(c, "invalid group id")
	}
	var req CancelRequest
	_ = c.BodyParser(&req)
	result, err := h.engine.CancelGroup(c.UserContext(), groupID, req.Reason)
	if err != nil {
		return httpresult.Error(c, "CancelGroup", err)
	}
	return httpresult.Outcome(c, result.Outcome, result, false)
}

// DeferGroup (POST /api/groups/:id/defer)
func (h *PanelOrderHandler) DeferGroup(c *fiber.Ctx) error {
	groupID, ok := httpresult.ParamID(c)
	if !ok {
		return httpresult.BadRequest(c, "invalid group id")
	}
	var req DeferRequest
	if err := c.BodyParser(&req); err != nil || req.Until.IsZero() {
		return httpresult.BadRequest(c, "until is required")
	}
	result, err := h.engine.DeferGroupSearch(c.UserContext(), groupID, req.Until)
	if err != nil {
		return httpresult.Error(c, "DeferGroupSearch", err)
	}
	return httpresult.Outcome(c, result.Outcome, result, false)
}
