package sync

import (
	"errors"
	"strconv"
	"time"

	"puppyday/internal/features/connection"

	"github.com/gofiber/fiber/v2"
)

type SyncController struct {
	Service      SyncService
	ConnService  connection.ConnectionService
	Orchestrator SyncOrchestrator
}

func NewSyncController(service SyncService, connService connection.ConnectionService, orchestrator SyncOrchestrator) *SyncController {
	return &SyncController{
		Service:      service,
		ConnService:  connService,
		Orchestrator: orchestrator,
	}
}

// GetStatus godoc
func (ctrl *SyncController) GetStatus(c *fiber.Ctx) error {
	status, err := ctrl.Service.Status(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(status)
}

// Retry godoc
func (ctrl *SyncController) Retry(c *fiber.Ctx) error {
	appointmentID := c.Params("appointmentId")

	err := ctrl.Service.RetrySync(c.Context(), appointmentID)
	if err != nil {
		if errors.Is(err, ErrNothingToRetry) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"message": "Sync retry queued",
	})
}

// Resync godoc
func (ctrl *SyncController) Resync(c *fiber.Ctx) error {
	appointmentID := c.Params("appointmentId")

	if err := ctrl.Service.Resync(c.Context(), appointmentID); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"message": "Resync queued",
	})
}

// Resume godoc
func (ctrl *SyncController) Resume(c *fiber.Ctx) error {
	err := ctrl.Service.Resume(c.Context())
	if err != nil {
		switch {
		case errors.Is(err, ErrStillFailing):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": err.Error(),
			})
		case errors.Is(err, ErrNotPaused):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		case errors.Is(err, connection.ErrNoConnection):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"message": "Sync resumed",
	})
}

// UpdateSettings godoc
func (ctrl *SyncController) UpdateSettings(c *fiber.Ctx) error {
	var req connection.SyncSettings
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid settings payload",
		})
	}

	conn, err := ctrl.ConnService.GetActive(c.Context())
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	updated, err := ctrl.ConnService.UpdateSettings(c.Context(), conn.ID.Hex(), &req)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"message": "Settings updated",
		"data":    updated,
	})
}

// GetSettings godoc
func (ctrl *SyncController) GetSettings(c *fiber.Ctx) error {
	conn, err := ctrl.ConnService.GetActive(c.Context())
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	settings, err := ctrl.ConnService.GetSettings(c.Context(), conn)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(settings)
}

// GetHistory godoc
func (ctrl *SyncController) GetHistory(c *fiber.Ctx) error {
	page, err := ctrl.Service.History(c.Context(), historyFilterFromQuery(c))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(page)
}

// ExportHistory godoc
func (ctrl *SyncController) ExportHistory(c *fiber.Ctx) error {
	data, err := ctrl.Service.ExportHistory(c.Context(), historyFilterFromQuery(c))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	filename := "sync-history-" + time.Now().Format("2006-01-02") + ".xlsx"
	c.Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	return c.Send(data)
}

// HandleCalendarWebhook godoc
//
// Google retries on non-2xx, so anything other than a genuinely unknown
// channel answers 200.
func (ctrl *SyncController) HandleCalendarWebhook(c *fiber.Ctx) error {
	channelID := c.Get("X-Goog-Channel-ID")
	token := c.Get("X-Goog-Channel-Token")
	resourceState := c.Get("X-Goog-Resource-State")

	if channelID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing channel headers",
		})
	}

	err := ctrl.Orchestrator.HandleWebhook(c.Context(), channelID, token, resourceState)
	if err != nil {
		if errors.Is(err, ErrUnknownChannel) {
			return c.SendStatus(fiber.StatusNotFound)
		}
		return c.SendStatus(fiber.StatusOK)
	}
	return c.SendStatus(fiber.StatusOK)
}

func historyFilterFromQuery(c *fiber.Ctx) HistoryFilter {
	filter := HistoryFilter{
		AppointmentID: c.Query("appointment_id"),
		Operation:     c.Query("operation"),
		Outcome:       c.Query("outcome"),
	}
	if v := c.Query("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = t
		}
	}
	if v := c.Query("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = t
		}
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.Limit = n
		}
	}
	if v := c.Query("page"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.Page = n
		}
	}
	return filter
}
