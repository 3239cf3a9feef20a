package connection

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

type ConnectionController struct {
	Service ConnectionService
}

func NewConnectionController(service ConnectionService) *ConnectionController {
	return &ConnectionController{Service: service}
}

// GetAuthURL godoc
func (ctrl *ConnectionController) GetAuthURL(c *fiber.Ctx) error {
	state := c.Query("state", "puppyday")
	return c.JSON(fiber.Map{
		"url": ctrl.Service.AuthURL(state),
	})
}

// Callback godoc
func (ctrl *ConnectionController) Callback(c *fiber.Ctx) error {
	code := c.Query("code")
	if code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing authorization code",
		})
	}

	conn, err := ctrl.Service.Connect(c.Context(), code)
	if err != nil {
		status := fiber.StatusInternalServerError
		if errors.Is(err, ErrInvalidCredential) {
			status = fiber.StatusBadRequest
		}
		return c.Status(status).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"message": "Calendar connected successfully",
		"data":    conn,
	})
}

// GetStatus godoc
func (ctrl *ConnectionController) GetStatus(c *fiber.Ctx) error {
	status, err := ctrl.Service.GetStatus(c.Context())
	if err != nil {
		if errors.Is(err, ErrNoConnection) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(status)
}

// ListCalendars godoc
func (ctrl *ConnectionController) ListCalendars(c *fiber.Ctx) error {
	conn, err := ctrl.Service.GetActive(c.Context())
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	calendars, err := ctrl.Service.ListCalendars(c.Context(), conn)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"data": calendars,
	})
}

// SelectCalendar godoc
func (ctrl *ConnectionController) SelectCalendar(c *fiber.Ctx) error {
	var req struct {
		CalendarID string `json:"calendar_id"`
	}
	if err := c.BodyParser(&req); err != nil || req.CalendarID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "calendar_id is required",
		})
	}

	conn, err := ctrl.Service.GetActive(c.Context())
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	if err := ctrl.Service.SelectCalendar(c.Context(), conn.ID.Hex(), req.CalendarID); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"message": "Calendar selected",
	})
}

// Disconnect godoc
func (ctrl *ConnectionController) Disconnect(c *fiber.Ctx) error {
	conn, err := ctrl.Service.GetActive(c.Context())
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	if err := ctrl.Service.Disconnect(c.Context(), conn.ID.Hex()); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"message": "Calendar disconnected",
	})
}
