package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marminbh/hook-svc/internal/ledger"
	"github.com/marminbh/hook-svc/internal/models"
)

// LogsHandler serves the hook log audit endpoints
type LogsHandler struct {
	Logs   *ledger.Store
	Logger *zap.Logger
}

func NewLogsHandler(logs *ledger.Store, logger *zap.Logger) *LogsHandler {
	return &LogsHandler{
		Logs:   logs,
		Logger: logger,
	}
}

// LogsResponse represents the response structure for log listings
type LogsResponse struct {
	Logs    []LogDTO `json:"logs"`
	HasMore bool     `json:"has_more"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// LogDTO is one hook log in API responses
type LogDTO struct {
	ID             string  `json:"id"`
	HookID         string  `json:"hook_id"`
	SubmissionUUID string  `json:"submission_uuid"`
	Status         string  `json:"status"`
	StatusCode     *int    `json:"status_code"`
	Tries          int     `json:"tries"`
	Message        string  `json:"message"`
	NextAttemptAt  *string `json:"next_attempt_at"`
	DateCreated    string  `json:"date_created"`
	DateModified   string  `json:"date_modified"`
}

// ListLogs handles GET /api/v1/logs
// Query parameters:
//   - hook_id (optional): only logs of this hook
//   - status (optional): created, processing, retrying, success or failed
//   - limit (optional, default 50, max 200)
//   - offset (optional, default 0)
func (h *LogsHandler) ListLogs(c *fiber.Ctx) error {
	filter, err := parseFilter(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	if hookID := c.Query("hook_id"); hookID != "" {
		id, err := uuid.Parse(hookID)
		if err != nil {
			return badRequest(c, "hook_id must be a UUID")
		}
		filter.HookID = &id
	}

	return h.list(c, filter)
}

// ListHookLogs handles GET /api/v1/hooks/:id/logs
func (h *LogsHandler) ListHookLogs(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "hook id must be a UUID")
	}

	filter, err := parseFilter(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	filter.HookID = &id

	return h.list(c, filter)
}

// GetLog handles GET /api/v1/logs/:id
func (h *LogsHandler) GetLog(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "log id must be a UUID")
	}

	log, err := h.Logs.Get(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "hook log not found",
			})
		}
		h.Logger.Error("Failed to fetch hook log",
			zap.String("log_id", id.String()),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch hook log",
		})
	}

	return c.JSON(toLogDTO(*log))
}

func (h *LogsHandler) list(c *fiber.Ctx, filter ledger.Filter) error {
	page, err := h.Logs.List(c.UserContext(), filter)
	if err != nil {
		h.Logger.Error("Failed to list hook logs", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch hook logs",
		})
	}

	dtos := make([]LogDTO, 0, len(page.Logs))
	for _, log := range page.Logs {
		dtos = append(dtos, toLogDTO(log))
	}

	return c.JSON(LogsResponse{
		Logs:    dtos,
		HasMore: page.HasMore,
		Limit:   page.Limit,
		Offset:  page.Offset,
	})
}

func parseFilter(c *fiber.Ctx) (ledger.Filter, error) {
	var filter ledger.Filter

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			return filter, errors.New("limit must be a positive integer")
		}
		filter.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			return filter, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = offset
	}

	if statusStr := c.Query("status"); statusStr != "" {
		status, err := models.ParseLogStatus(statusStr)
		if err != nil {
			return filter, err
		}
		filter.Status = &status
	}

	return filter, nil
}

func toLogDTO(log models.HookLog) LogDTO {
	dto := LogDTO{
		ID:             log.ID.String(),
		HookID:         log.HookID.String(),
		SubmissionUUID: log.SubmissionUUID,
		Status:         log.Status.String(),
		StatusCode:     log.StatusCode,
		Tries:          log.Tries,
		Message:        log.Message,
		DateCreated:    log.DateCreated.UTC().Format(time.RFC3339),
		DateModified:   log.DateModified.UTC().Format(time.RFC3339),
	}
	if log.NextAttemptAt != nil {
		at := log.NextAttemptAt.UTC().Format(time.RFC3339)
		dto.NextAttemptAt = &at
	}
	return dto
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": msg,
	})
}
