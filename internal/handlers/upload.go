package handlers

import (
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/recordtransfer/backend/internal/models"
	"github.com/recordtransfer/backend/internal/services"
)

// UploadHandler exposes the donor-facing upload session endpoints. These
// routes are unauthenticated: the session token is the capability.
type UploadHandler struct {
	manager *services.UploadSessionService
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(manager *services.UploadSessionService) *UploadHandler {
	return &UploadHandler{manager: manager}
}

// rejectionStatus maps a rejection code to an HTTP status
func rejectionStatus(code services.RejectionCode) int {
	switch code {
	case services.RejectSessionNotFound, services.RejectFileNotFound:
		return fiber.StatusNotFound
	case services.RejectSessionNotActive:
		return fiber.StatusGone
	case services.RejectScanUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusBadRequest
	}
}

// respondRejection writes the standard error envelope for a refused upload
// operation, or a 500 for internal failures.
func respondRejection(c *fiber.Ctx, err error) error {
	if code := services.RejectionCodeOf(err); code != "" {
		return c.Status(rejectionStatus(code)).JSON(fiber.Map{
			"success": false,
			"code":    code,
			"message": err.Error(),
		})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"success": false,
		"message": "Internal server error",
	})
}

// sessionResponse shapes a session for the API
func sessionResponse(session *models.UploadSession, window time.Duration) fiber.Map {
	resp := fiber.Map{
		"token":            session.Token,
		"status":           session.Status,
		"file_count":       session.FileCount,
		"total_bytes":      session.TotalBytes,
		"last_activity_at": session.LastActivityAt,
		"created_at":       session.CreatedAt,
	}
	if window > 0 && session.IsActive() {
		resp["expires_at"] = session.ExpiresAt(window)
	}
	files := make([]fiber.Map, 0, len(session.Files))
	for _, f := range session.Files {
		files = append(files, fiber.Map{
			"name": f.Name,
			"size": f.Size,
		})
	}
	resp["files"] = files
	return resp
}

// CreateSession starts a new upload session
func (h *UploadHandler) CreateSession(c *fiber.Ctx) error {
	session, err := h.manager.CreateSession(c.Context())
	if err != nil {
		return respondRejection(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"session": sessionResponse(session, h.manager.InactivityWindow()),
	})
}

// GetSession returns the current state of a session
func (h *UploadHandler) GetSession(c *fiber.Ctx) error {
	session, err := h.manager.GetSession(c.Context(), c.Params("token"))
	if err != nil {
		return respondRejection(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"session": sessionResponse(session, h.manager.InactivityWindow()),
	})
}

// UploadFile accepts one file into a session via multipart form
func (h *UploadHandler) UploadFile(c *fiber.Ctx) error {
	header, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Missing file field",
		})
	}

	src, err := header.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Failed to read uploaded file",
		})
	}
	defer src.Close()

	file, err := h.manager.AcceptFile(c.Context(), c.Params("token"), header.Filename, header.Size, src)
	if err != nil {
		return respondRejection(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"file": fiber.Map{
			"name": file.Name,
			"size": file.Size,
		},
	})
}

// RemoveFile deletes a previously accepted file from a session
func (h *UploadHandler) RemoveFile(c *fiber.Ctx) error {
	name, err := url.PathUnescape(c.Params("name"))
	if err != nil || name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid file name",
		})
	}

	if err := h.manager.RemoveFile(c.Context(), c.Params("token"), name); err != nil {
		return respondRejection(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "File removed",
	})
}

// AcceptedFormats lists the extension groups a donor may upload
func (h *UploadHandler) AcceptedFormats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success": true,
		"accepted_file_formats": services.AcceptedExtensionGroups(),
	})
}
