package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/marminbh/hook-svc/internal/config"
	"github.com/marminbh/hook-svc/internal/handlers"
	"github.com/marminbh/hook-svc/internal/logger"
	"github.com/marminbh/hook-svc/internal/routes"
	"github.com/marminbh/hook-svc/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}

	if err := logger.Init(cfg.LogLevel); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg, logger.L())
	if err != nil {
		logger.Fatal("Failed to initialize service", zap.Error(err))
	}

	if err := svc.Start(context.Background()); err != nil {
		svc.Shutdown()
		logger.Fatal("Failed to start service", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		AppName:      "Hook Service",
		ServerHeader: "Fiber",
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	routes.SetupRoutes(app,
		handlers.NewHealthHandler(svc.DB, svc.RMQ, svc.Redis),
		handlers.NewLogsHandler(svc.Logs, logger.L()),
		handlers.NewIntakeHandler(svc.Intake, logger.L()),
	)

	go func() {
		addr := cfg.Server.Host + ":" + cfg.Server.Port
		logger.Info("Server starting", zap.String("address", addr))
		if err := app.Listen(addr); err != nil {
			logger.Error("Server stopped listening", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info("Shutting down server")
	if err := app.Shutdown(); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}
	svc.Shutdown()

	logger.Info("Server stopped")
}
