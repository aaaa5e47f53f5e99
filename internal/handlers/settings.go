package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/recordtransfer/backend/internal/database"
	"github.com/recordtransfer/backend/internal/models"
	"github.com/recordtransfer/backend/internal/services"
)

type SettingsHandler struct {
	email *services.EmailService
}

func NewSettingsHandler(email *services.EmailService) *SettingsHandler {
	return &SettingsHandler{email: email}
}

// List returns all system preferences (with Redis caching)
func (h *SettingsHandler) List(c *fiber.Ctx) error {
	// Try cache first
	type cachedSettings struct {
		Settings map[string]interface{}    `json:"settings"`
		Items    []models.SystemPreference `json:"items"`
	}
	var cached cachedSettings
	if err := database.CacheGet(database.CacheKeySettings, &cached); err == nil {
		return c.JSON(fiber.Map{
			"success": true,
			"data":    cached.Settings,
			"items":   cached.Items,
		})
	}

	var preferences []models.SystemPreference
	database.DB.Order("key").Find(&preferences)

	// Convert to map for easier frontend use
	settings := make(map[string]interface{})
	for _, p := range preferences {
		settings[p.Key] = p.Value
	}

	database.CacheSet(database.CacheKeySettings, cachedSettings{Settings: settings, Items: preferences}, database.CacheTTLSettings)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    settings,
		"items":   preferences,
	})
}

// Get returns a single preference
func (h *SettingsHandler) Get(c *fiber.Ctx) error {
	key := c.Params("key")

	var pref models.SystemPreference
	if err := database.DB.Where("key = ?", key).First(&pref).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Setting not found",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    pref,
	})
}

// Update updates or creates a preference
func (h *SettingsHandler) Update(c *fiber.Ctx) error {
	type UpdateRequest struct {
		Key       string `json:"key"`
		Value     string `json:"value"`
		ValueType string `json:"value_type"`
	}

	var req UpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	if req.Key == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Key is required",
		})
	}

	if req.ValueType == "" {
		req.ValueType = "string"
	}

	var pref models.SystemPreference
	result := database.DB.Where("key = ?", req.Key).First(&pref)

	if result.Error != nil {
		pref = models.SystemPreference{
			Key:       req.Key,
			Value:     req.Value,
			ValueType: req.ValueType,
		}
		database.DB.Create(&pref)
	} else {
		database.DB.Model(&pref).Updates(map[string]interface{}{
			"value":      req.Value,
			"value_type": req.ValueType,
		})
	}

	invalidateFor(req.Key)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    pref,
	})
}

// BulkUpdate updates multiple preferences
func (h *SettingsHandler) BulkUpdate(c *fiber.Ctx) error {
	type SettingItem struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}

	type BulkRequest struct {
		Settings []SettingItem `json:"settings"`
	}

	var req BulkRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	for _, item := range req.Settings {
		if item.Key == "" {
			continue
		}

		var pref models.SystemPreference
		result := database.DB.Where("key = ?", item.Key).First(&pref)

		if result.Error != nil {
			pref = models.SystemPreference{Key: item.Key, Value: item.Value, ValueType: "string"}
			database.DB.Create(&pref)
		} else {
			database.DB.Model(&pref).Update("value", item.Value)
		}

		invalidateFor(item.Key)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Settings updated",
	})
}

// Delete removes a preference
func (h *SettingsHandler) Delete(c *fiber.Ctx) error {
	key := c.Params("key")

	if err := database.DB.Where("key = ?", key).Delete(&models.SystemPreference{}).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to delete setting",
		})
	}

	invalidateFor(key)

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Setting deleted",
	})
}

// invalidateFor clears the caches a preference key feeds
func invalidateFor(key string) {
	database.InvalidateSettingsCache()
	if key == "accepted_file_formats" {
		database.InvalidateExtensionGroupsCache()
	}
}

// TestEmail verifies the configured (or submitted) SMTP settings
func (h *SettingsHandler) TestEmail(c *fiber.Ctx) error {
	var req struct {
		Host     string `json:"host"`
		Port     string `json:"port"`
		Username string `json:"username"`
		Password string `json:"password"`
		From     string `json:"from"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	var cfg *services.EmailConfig
	if req.Host != "" {
		if _, err := strconv.Atoi(req.Port); err != nil {
			req.Port = "587"
		}
		cfg = &services.EmailConfig{
			Host:     req.Host,
			Port:     req.Port,
			Username: req.Username,
			Password: req.Password,
			FromAddr: req.From,
		}
	} else {
		stored, err := h.email.GetConfig()
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"message": "SMTP is not configured",
			})
		}
		cfg = stored
	}

	if err := h.email.TestConnection(cfg); err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"message": "SMTP connection failed: " + err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "SMTP connection OK",
	})
}
