package handlers

import (
	"encoding/json"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/recordtransfer/backend/internal/database"
	"github.com/recordtransfer/backend/internal/models"
	"github.com/recordtransfer/backend/internal/services"
)

// SubmissionHandler handles the donor form wizard and the staff review
// surface. Donor routes authenticate by submission UUID only; staff routes
// sit behind the JWT middleware.
type SubmissionHandler struct {
	manager *services.UploadSessionService
	worker  *services.PackagingWorkerService
}

// NewSubmissionHandler creates a new submission handler
func NewSubmissionHandler(manager *services.UploadSessionService, worker *services.PackagingWorkerService) *SubmissionHandler {
	return &SubmissionHandler{manager: manager, worker: worker}
}

// submissionRequest is the donor-editable subset of an in-progress submission
type submissionRequest struct {
	ContactName    string          `json:"contact_name"`
	ContactEmail   string          `json:"contact_email"`
	AccessionTitle string          `json:"accession_title"`
	CurrentStep    string          `json:"current_step"`
	Metadata       json.RawMessage `json:"metadata"`
}

// Create starts a new in-progress submission with a fresh upload session
func (h *SubmissionHandler) Create(c *fiber.Ctx) error {
	var req submissionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	session, err := h.manager.CreateSession(c.Context())
	if err != nil {
		return respondRejection(c, err)
	}

	submission := models.InProgressSubmission{
		UUID:            uuid.New().String(),
		ContactName:     req.ContactName,
		ContactEmail:    req.ContactEmail,
		AccessionTitle:  req.AccessionTitle,
		CurrentStep:     req.CurrentStep,
		Metadata:        req.Metadata,
		UploadSessionID: &session.ID,
	}
	if err := database.DB.Create(&submission).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to create submission",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":       true,
		"submission":    submission,
		"session_token": session.Token,
	})
}

// loadInProgress finds an in-progress submission by UUID with its session
func loadInProgress(id string) (*models.InProgressSubmission, error) {
	var submission models.InProgressSubmission
	err := database.DB.Preload("UploadSession").Preload("UploadSession.Files").
		Where("uuid = ?", id).First(&submission).Error
	if err != nil {
		return nil, err
	}
	return &submission, nil
}

// Get resumes an in-progress submission
func (h *SubmissionHandler) Get(c *fiber.Ctx) error {
	submission, err := loadInProgress(c.Params("uuid"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Submission not found",
		})
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"submission": submission,
	})
}

// Update saves donor progress on an in-progress submission
func (h *SubmissionHandler) Update(c *fiber.Ctx) error {
	submission, err := loadInProgress(c.Params("uuid"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Submission not found",
		})
	}

	var req submissionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	updates := map[string]interface{}{
		"contact_name":    req.ContactName,
		"contact_email":   req.ContactEmail,
		"accession_title": req.AccessionTitle,
		"current_step":    req.CurrentStep,
	}
	if len(req.Metadata) > 0 {
		updates["metadata"] = req.Metadata
	}
	if err := database.DB.Model(submission).Updates(updates).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to save submission",
		})
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"submission": submission,
	})
}

// Delete abandons an in-progress submission and releases its upload storage
func (h *SubmissionHandler) Delete(c *fiber.Ctx) error {
	submission, err := loadInProgress(c.Params("uuid"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Submission not found",
		})
	}

	if submission.UploadSession != nil {
		if err := h.manager.Remove(c.Context(), submission.UploadSession.Token); err != nil {
			return respondRejection(c, err)
		}
	}

	if err := database.DB.Delete(submission).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to delete submission",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Submission deleted",
	})
}

// Complete finalizes the upload session, records the submission and queues
// packaging. The in-progress row is retired; from here on the submission is
// visible only to staff.
func (h *SubmissionHandler) Complete(c *fiber.Ctx) error {
	inProgress, err := loadInProgress(c.Params("uuid"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Submission not found",
		})
	}

	if inProgress.UploadSession == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Submission has no upload session",
		})
	}

	// The status flip, the submission row and the packaging job commit in one
	// transaction: a failure anywhere leaves the session ACTIVE for a retry,
	// and a FINALIZED session always has its job row.
	var submission models.Submission
	_, err = h.manager.FinalizeWith(c.Context(), inProgress.UploadSession.Token,
		func(tx *gorm.DB, set *services.FileSet) error {
			submission = models.Submission{
				UUID:           inProgress.UUID,
				ContactName:    inProgress.ContactName,
				ContactEmail:   inProgress.ContactEmail,
				AccessionTitle: inProgress.AccessionTitle,
				Metadata:       inProgress.Metadata,
				Status:         models.SubmissionStatusReceived,
				FileCount:      len(set.Files),
				TotalBytes:     set.TotalBytes,
			}
			if err := tx.Create(&submission).Error; err != nil {
				return err
			}
			return h.worker.EnqueueTx(tx, &submission, set)
		})
	if err != nil {
		return respondRejection(c, err)
	}

	database.DB.Delete(inProgress)
	database.InvalidateSubmissionStatsCache()

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":    true,
		"submission": submission,
	})
}

// List returns completed submissions for staff review, paginated
func (h *SubmissionHandler) List(c *fiber.Ctx) error {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "25"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 25
	}

	query := database.DB.Model(&models.Submission{})
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if search := c.Query("search"); search != "" {
		like := "%" + search + "%"
		query = query.Where("contact_name ILIKE ? OR contact_email ILIKE ? OR accession_title ILIKE ?", like, like, like)
	}

	var total int64
	query.Count(&total)

	var submissions []models.Submission
	if err := query.Order("created_at DESC").
		Offset((page - 1) * limit).Limit(limit).
		Find(&submissions).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to list submissions",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    submissions,
		"pagination": fiber.Map{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

// GetOne returns a single completed submission with its packaging history
func (h *SubmissionHandler) GetOne(c *fiber.Ctx) error {
	var submission models.Submission
	if err := database.DB.Where("uuid = ?", c.Params("uuid")).First(&submission).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Submission not found",
		})
	}

	var jobs []models.PackagingJob
	database.DB.Where("submission_id = ?", submission.ID).Order("id").Find(&jobs)

	return c.JSON(fiber.Map{
		"success":        true,
		"submission":     submission,
		"packaging_jobs": jobs,
	})
}

// Stats returns submission counts by status, cached briefly in Redis
func (h *SubmissionHandler) Stats(c *fiber.Ctx) error {
	stats, err := database.SubmissionStats()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to compute stats",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    stats,
	})
}
