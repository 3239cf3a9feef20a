package notification

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

type NotificationController struct {
	service NotificationService
}

func NewNotificationController(service NotificationService) *NotificationController {
	return &NotificationController{
		service: service,
	}
}

// List godoc
func (c *NotificationController) List(ctx *fiber.Ctx) error {
	page, _ := strconv.ParseInt(ctx.Query("page", "1"), 10, 64)
	limit, _ := strconv.ParseInt(ctx.Query("limit", "10"), 10, 64)

	notifications, total, err := c.service.List(ctx.Context(), page, limit)
	if err != nil {
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	return ctx.JSON(fiber.Map{
		"data":  notifications,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

// GetUnreadCount godoc
func (c *NotificationController) GetUnreadCount(ctx *fiber.Ctx) error {
	count, err := c.service.UnreadCount(ctx.Context())
	if err != nil {
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return ctx.JSON(fiber.Map{"count": count})
}

// MarkAsRead godoc
func (c *NotificationController) MarkAsRead(ctx *fiber.Ctx) error {
	id := ctx.Params("id")
	if err := c.service.MarkAsRead(ctx.Context(), id); err != nil {
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return ctx.JSON(fiber.Map{"status": "success"})
}

// MarkAllAsRead godoc
func (c *NotificationController) MarkAllAsRead(ctx *fiber.Ctx) error {
	if err := c.service.MarkAllAsRead(ctx.Context()); err != nil {
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return ctx.JSON(fiber.Map{"status": "success"})
}
