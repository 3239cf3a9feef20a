package connection

import (
	"puppyday/internal/common/api"
	"puppyday/internal/config"
	"puppyday/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type ConnectionApi struct {
	controller *ConnectionController
	config     *config.Config
}

func NewConnectionApi(controller *ConnectionController, config *config.Config) api.Route {
	return &ConnectionApi{
		controller: controller,
		config:     config,
	}
}

// Setup registers all calendar connection routes
func (h *ConnectionApi) Setup(app *fiber.App) {
	// Google redirects the browser here after consent; no session yet.
	app.Get("/api/calendar/callback", h.controller.Callback)

	group := app.Group("/api/calendar", middleware.AuthMiddleware(h.config.SkipAuth))

	group.Get("/auth-url", h.controller.GetAuthURL)
	group.Get("/status", h.controller.GetStatus)
	group.Get("/calendars", h.controller.ListCalendars)
	group.Post("/calendars/select", h.controller.SelectCalendar)
	group.Post("/disconnect", h.controller.Disconnect)
}
