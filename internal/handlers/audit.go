package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/recordtransfer/backend/internal/database"
	"github.com/recordtransfer/backend/internal/models"
)

// AuditHandler exposes the audit trail to staff
type AuditHandler struct{}

// NewAuditHandler creates a new audit handler
func NewAuditHandler() *AuditHandler {
	return &AuditHandler{}
}

// List returns audit log entries, newest first, paginated and filterable
func (h *AuditHandler) List(c *fiber.Ctx) error {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	query := database.DB.Model(&models.AuditLog{})
	if action := c.Query("action"); action != "" {
		query = query.Where("action = ?", action)
	}
	if entityType := c.Query("entity_type"); entityType != "" {
		query = query.Where("entity_type = ?", entityType)
	}
	if username := c.Query("username"); username != "" {
		query = query.Where("username = ?", username)
	}

	var total int64
	query.Count(&total)

	var entries []models.AuditLog
	if err := query.Order("created_at DESC").
		Offset((page - 1) * limit).Limit(limit).
		Find(&entries).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to list audit log",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    entries,
		"pagination": fiber.Map{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

// GetActions returns the distinct actions present in the log, for filters
func (h *AuditHandler) GetActions(c *fiber.Ctx) error {
	var actions []string
	database.DB.Model(&models.AuditLog{}).Distinct("action").Pluck("action", &actions)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    actions,
	})
}
