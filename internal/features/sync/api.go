package sync

import (
	"puppyday/internal/common/api"
	"puppyday/internal/config"
	"puppyday/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type SyncApi struct {
	controller *SyncController
	config     *config.Config
}

func NewSyncApi(controller *SyncController, config *config.Config) api.Route {
	return &SyncApi{
		controller: controller,
		config:     config,
	}
}

// Setup registers the sync admin routes and the public webhook endpoint
func (h *SyncApi) Setup(app *fiber.App) {
	group := app.Group("/api/sync", middleware.AuthMiddleware(h.config.SkipAuth))

	group.Get("/status", h.controller.GetStatus)
	group.Post("/retry/:appointmentId", h.controller.Retry)
	group.Post("/resync/:appointmentId", h.controller.Resync)
	group.Post("/resume", h.controller.Resume)
	group.Get("/settings", h.controller.GetSettings)
	group.Put("/settings", h.controller.UpdateSettings)
	group.Get("/history", h.controller.GetHistory)
	group.Get("/history/export", h.controller.ExportHistory)

	// Authenticated by the per-channel token, not a user session.
	app.Post("/webhooks/google/calendar", h.controller.HandleCalendarWebhook)
}
