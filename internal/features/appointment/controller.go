package appointment

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
)

type AppointmentController struct {
	Service AppointmentService
}

func NewAppointmentController(service AppointmentService) *AppointmentController {
	return &AppointmentController{Service: service}
}

// CreateAppointment godoc
func (ctrl *AppointmentController) CreateAppointment(c *fiber.Ctx) error {
	var appt Appointment
	if err := c.BodyParser(&appt); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if err := ctrl.Service.Create(c.Context(), &appt); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Appointment created successfully",
		"data":    appt,
	})
}

// GetAppointment godoc
func (ctrl *AppointmentController) GetAppointment(c *fiber.Ctx) error {
	appt, err := ctrl.Service.Get(c.Context(), c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(appt)
}

// ListAppointments godoc
func (ctrl *AppointmentController) ListAppointments(c *fiber.Ctx) error {
	limit, _ := strconv.ParseInt(c.Query("limit", "50"), 10, 64)
	offset, _ := strconv.ParseInt(c.Query("offset", "0"), 10, 64)

	var from, to time.Time
	if v := c.Query("from"); v != "" {
		from, _ = time.Parse(time.RFC3339, v)
	}
	if v := c.Query("to"); v != "" {
		to, _ = time.Parse(time.RFC3339, v)
	}

	appts, err := ctrl.Service.List(c.Context(), from, to, c.Query("status"), limit, offset)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"data": appts,
	})
}

// UpdateAppointment godoc
func (ctrl *AppointmentController) UpdateAppointment(c *fiber.Ctx) error {
	var updates map[string]interface{}
	if err := c.BodyParser(&updates); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	appt, err := ctrl.Service.Update(c.Context(), c.Params("id"), updates)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"message": "Appointment updated successfully",
		"data":    appt,
	})
}

// CancelAppointment godoc
func (ctrl *AppointmentController) CancelAppointment(c *fiber.Ctx) error {
	appt, err := ctrl.Service.Cancel(c.Context(), c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"message": "Appointment cancelled",
		"data":    appt,
	})
}
