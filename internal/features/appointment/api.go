package appointment

import (
	"puppyday/internal/common/api"
	"puppyday/internal/config"
	"puppyday/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type AppointmentApi struct {
	controller *AppointmentController
	config     *config.Config
}

func NewAppointmentApi(controller *AppointmentController, config *config.Config) api.Route {
	return &AppointmentApi{
		controller: controller,
		config:     config,
	}
}

// Setup registers all appointment routes
func (h *AppointmentApi) Setup(app *fiber.App) {
	group := app.Group("/api/appointments", middleware.AuthMiddleware(h.config.SkipAuth))

	group.Post("/", h.controller.CreateAppointment)
	group.Get("/", h.controller.ListAppointments)
	group.Get("/:id", h.controller.GetAppointment)
	group.Put("/:id", h.controller.UpdateAppointment)
	group.Post("/:id/cancel", h.controller.CancelAppointment)
}
