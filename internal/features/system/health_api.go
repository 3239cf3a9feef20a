package system

import (
	"context"
	"time"

	"puppyday/internal/common/api"
	"puppyday/internal/database"

	"github.com/gofiber/fiber/v2"
	"go.mongodb.org/mongo-driver/bson"
)

type HealthApi struct {
	db      *database.MongodbDB
	started time.Time
}

func NewHealthApi(db *database.MongodbDB) api.Route {
	return &HealthApi{
		db:      db,
		started: time.Now(),
	}
}

// Setup registers the health route
func (h *HealthApi) Setup(app *fiber.App) {
	app.Get("/api/health", h.check)
}

func (h *HealthApi) check(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	dbStatus := "ok"
	status := fiber.StatusOK
	if err := h.db.DB.RunCommand(ctx, bson.M{"ping": 1}).Err(); err != nil {
		dbStatus = "unreachable"
		status = fiber.StatusServiceUnavailable
	}

	return c.Status(status).JSON(fiber.Map{
		"status":   dbStatus,
		"database": dbStatus,
		"uptime":   time.Since(h.started).Round(time.Second).String(),
	})
}
