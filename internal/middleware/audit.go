package middleware

import (
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/recordtransfer/backend/internal/database"
	"github.com/recordtransfer/backend/internal/models"
)

// AuditLogger middleware logs staff API actions to the audit log.
// Donor-facing routes write their own audit entries where needed
// (for example on malware detection), so this only covers the
// authenticated staff surface.
func AuditLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Skip non-modifying requests
		method := c.Method()
		if method == "GET" || method == "HEAD" || method == "OPTIONS" {
			return c.Next()
		}

		// Skip certain paths
		path := c.Path()
		skipPaths := []string{"/api/auth/login", "/health"}
		for _, skip := range skipPaths {
			if strings.HasPrefix(path, skip) {
				return c.Next()
			}
		}

		// Get user before executing (context is valid here)
		user := GetCurrentUser(c)
		ip := c.IP()
		userAgent := c.Get("User-Agent")

		// Execute the request
		err := c.Next()

		// Only log successful responses
		statusCode := c.Response().StatusCode()
		if statusCode >= 200 && statusCode < 400 && user != nil {
			logAuditEntry(user, method, path, ip, userAgent)
		}

		return err
	}
}

// extractIDFromPath gets the numeric ID from URL path
func extractIDFromPath(path string) string {
	idRegex := regexp.MustCompile(`/(\d+)(?:/|$)`)
	matches := idRegex.FindStringSubmatch(path)
	if len(matches) > 1 {
		return matches[1]
	}
	return ""
}

// getEntityTypeFromPath maps an API path to the entity it touches
func getEntityTypeFromPath(path string) string {
	switch {
	case strings.Contains(path, "/submissions"):
		return "submission"
	case strings.Contains(path, "/settings"):
		return "setting"
	case strings.Contains(path, "/users"):
		return "user"
	case strings.Contains(path, "/auth"):
		return "auth"
	default:
		return ""
	}
}

func logAuditEntry(user *models.User, method, path, ip, userAgent string) {
	if user == nil {
		return
	}

	var action models.AuditAction
	switch method {
	case "POST":
		action = models.AuditActionCreate
	case "PUT", "PATCH":
		action = models.AuditActionUpdate
	case "DELETE":
		action = models.AuditActionDelete
	default:
		return
	}

	entityType := getEntityTypeFromPath(path)
	if entityType == "" {
		return
	}

	description := string(action) + " " + entityType
	if id := extractIDFromPath(path); id != "" {
		description += " #" + id
	}

	auditLog := models.AuditLog{
		UserID:      user.ID,
		Username:    user.Username,
		Action:      action,
		EntityType:  entityType,
		Description: description,
		IPAddress:   ip,
		UserAgent:   userAgent,
	}
	database.DB.Create(&auditLog)
}
