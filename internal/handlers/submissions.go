package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marminbh/hook-svc/internal/intake"
	"github.com/marminbh/hook-svc/internal/models"
	"github.com/marminbh/hook-svc/internal/registry"
)

// Intake is the part of intake.Service the HTTP surface calls
type Intake interface {
	SubmissionCreated(ctx context.Context, event models.SubmissionCreated) (*intake.Result, error)
	HookDeactivated(ctx context.Context, hookID uuid.UUID) (int, error)
}

// IntakeHandler accepts submission events and hook changes over HTTP
type IntakeHandler struct {
	Intake Intake
	Logger *zap.Logger
}

func NewIntakeHandler(svc Intake, logger *zap.Logger) *IntakeHandler {
	return &IntakeHandler{
		Intake: svc,
		Logger: logger,
	}
}

// CreateSubmission handles POST /api/v1/submissions. Deliveries happen
// asynchronously, so the response is 202 once the hook logs exist.
func (h *IntakeHandler) CreateSubmission(c *fiber.Ctx) error {
	var event models.SubmissionCreated
	if err := c.BodyParser(&event); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	result, err := h.Intake.SubmissionCreated(c.UserContext(), event)
	if err != nil {
		return h.intakeError(c, err, zap.String("submission_uuid", event.SubmissionUUID))
	}

	return c.Status(fiber.StatusAccepted).JSON(result)
}

// HookDeactivated handles POST /api/v1/hooks/:id/deactivated
func (h *IntakeHandler) HookDeactivated(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "hook id must be a UUID")
	}

	pending, err := h.Intake.HookDeactivated(c.UserContext(), id)
	if err != nil {
		return h.intakeError(c, err, zap.String("hook_id", id.String()))
	}

	return c.JSON(fiber.Map{
		"hook_id": id.String(),
		"pending": pending,
	})
}

func (h *IntakeHandler) intakeError(c *fiber.Ctx, err error, field zap.Field) error {
	switch {
	case errors.Is(err, intake.ErrInvalidEvent):
		return badRequest(c, err.Error())
	case errors.Is(err, registry.ErrFormNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "form not found",
		})
	}

	h.Logger.Error("Failed to process intake request", field, zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Failed to process request",
	})
}
