package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/marminbh/hook-svc/internal/database"
	"github.com/marminbh/hook-svc/internal/redisclient"
)

// BrokerHealth reports whether the broker connection is usable
type BrokerHealth interface {
	IsHealthy() bool
}

type HealthHandler struct {
	DB     *gorm.DB
	Broker BrokerHealth
	// Redis is optional; nil means the in-memory queue is in use
	Redis *redis.Client
}

func NewHealthHandler(db *gorm.DB, broker BrokerHealth, redisClient *redis.Client) *HealthHandler {
	return &HealthHandler{
		DB:     db,
		Broker: broker,
		Redis:  redisClient,
	}
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

// HealthCheck handles the health check endpoint
func (h *HealthHandler) HealthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	services := make(map[string]string)
	status := "healthy"

	if err := database.HealthCheck(ctx, h.DB); err != nil {
		services["database"] = "unhealthy: " + err.Error()
		status = "unhealthy"
	} else {
		services["database"] = "healthy"
	}

	if h.Broker == nil || !h.Broker.IsHealthy() {
		services["rabbitmq"] = "unhealthy: connection closed"
		status = "unhealthy"
	} else {
		services["rabbitmq"] = "healthy"
	}

	switch {
	case h.Redis == nil:
		services["redis"] = "disabled"
	case redisclient.HealthCheck(ctx, h.Redis) != nil:
		services["redis"] = "unhealthy: ping failed"
		status = "unhealthy"
	default:
		services["redis"] = "healthy"
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
	}

	if status == "unhealthy" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(response)
	}

	return c.JSON(response)
}
