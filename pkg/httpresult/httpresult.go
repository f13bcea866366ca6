// Package httpresult maps engine outcomes and errors to JSON HTTP responses.
package httpresult

import (
	"context"
	"errors"

	"tercuman.link/configs/configslog"
	"tercuman.link/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var outcomeStatus = map[services.OutcomeKind]int{
	services.OutcomeSuccess:           fiber.StatusOK,
	services.OutcomeConflict:          fiber.StatusConflict,
	services.OutcomeNotFound:          fiber.StatusNotFound,
	services.OutcomeOrderClosed:       fiber.StatusGone,
	services.OutcomeInvitationExpired: fiber.StatusGone,
	services.OutcomeInvalidState:      fiber.StatusUnprocessableEntity,
	services.OutcomeNotInvited:        fiber.StatusUnprocessableEntity,
}

// Status is the HTTP status of an outcome; unknown outcomes are server errors.
func Status(kind services.OutcomeKind) int {
	if status, ok := outcomeStatus[kind]; ok {
		return status
	}
	return fiber.StatusInternalServerError
}

// Outcome writes payload with the status of kind. A successful creation uses 201.
func Outcome(c *fiber.Ctx, kind services.OutcomeKind, payload interface{}, created bool) error {
	status := Status(kind)
	if created && kind == services.OutcomeSuccess {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(payload)
}

// BadRequest reports malformed input.
func BadRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

// Error maps an engine error. Unexpected errors are logged and hidden.
func Error(c *fiber.Ctx, op string, err error) error {
	switch {
	case errors.Is(err, services.ErrInvalidOrderRequest), errors.Is(err, services.ErrSlotInPast):
		return BadRequest(c, err.Error())
	case errors.Is(err, services.ErrOrderNotFound), errors.Is(err, services.ErrGroupNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrLockBusy), errors.Is(err, context.DeadlineExceeded):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "the order is busy, try again"})
	}
	configslog.Log.Error(op+" failed", zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}

// ParamID reads a positive :id route parameter.
func ParamID(c *fiber.Ctx) (uint, bool) {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return 0, false
	}
	return uint(id), true
}
