package models

import (
	"log"

	"gorm.io/gorm"
)

// AutoMigrate runs database migrations for all models
func AutoMigrate(db *gorm.DB) error {
	log.Println("Running database migrations...")

	err := db.AutoMigrate(
		&User{},
		&SystemPreference{},
		&UploadSession{},
		&UploadedFile{},
		&InProgressSubmission{},
		&Submission{},
		&PackagingJob{},
		&AuditLog{},
	)
	if err != nil {
		return err
	}

	log.Println("Database migrations completed")
	return nil
}
