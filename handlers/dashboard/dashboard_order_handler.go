package handlers

import (
	"tercuman.link/configs/configslog"
	"tercuman.link/pkg/httpresult"
	"tercuman.link/pkg/queryparams"
	"tercuman.link/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// AssignRequest is an administrator's manual match.
type AssignRequest struct {
	InterpreterID uint `json:"interpreter_id"`
	AdminID       uint `json:"admin_id"`
}

// DashboardOrderHandler serves administrators working the escalation queue.
type DashboardOrderHandler struct {
	engine services.IMatchingEngine
}

// NewDashboardOrderHandler returns the administrator order handler.
func NewDashboardOrderHandler(engine services.IMatchingEngine) *DashboardOrderHandler {
	return &DashboardOrderHandler{engine: engine}
}

// ListEscalations (GET /api/admin/escalations)
func (h *DashboardOrderHandler) ListEscalations(c *fiber.Ctx) error {
	params := queryparams.DefaultListParams("notify_admin")
	params.OrderBy = "asc"
	if err := c.QueryParser(&params); err != nil {
		configslog.Log.Debug("Dashboard - ListEscalations: bad query, using defaults", zap.Error(err))
		params = queryparams.DefaultListParams("notify_admin")
		params.OrderBy = "asc"
	}
	params.Validate()

	result, err := h.engine.ListEscalations(c.UserContext(), params)
	if err != nil {
		return httpresult.Error(c, "ListEscalations", err)
	}
	return c.JSON(result)
}

// AssignInterpreter (POST /api/orders/:id/assign)
func (h *DashboardOrderHandler) AssignInterpreter(c *fiber.Ctx) error {
	orderID, ok := httpresult.ParamID(c)
	if !ok {
		return httpresult.BadRequest(c, "invalid order id")
	}
	var req AssignRequest
	if err := c.BodyParser(&req); err != nil || req.InterpreterID == 0 || req.AdminID == 0 {
		return httpresult.BadRequest(c, "interpreter_id and admin_id are required")
	}
	result, err := h.engine.AssignInterpreter(c.UserContext(), orderID, req.InterpreterID, req.AdminID)
	if err != nil {
		return httpresult.Error(c, "AssignInterpreter", err)
	}
	return httpresult.Outcome(c, result.Outcome, result, false)
}

// RunTick (POST /api/admin/tick) runs one scheduler pass on demand.
func (h *DashboardOrderHandler) RunTick(c *fiber.Ctx) error {
	report, err := h.engine.Tick(c.UserContext())
	if err != nil {
		return httpresult.Error(c, "Tick", err)
	}
	return c.JSON(report)
}
