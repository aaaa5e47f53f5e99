package services

import (
	"archive/zip"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/recordtransfer/backend/internal/database"
	"github.com/recordtransfer/backend/internal/models"
)

// PackageDeliveryService ships completed bags to a remote archival FTP
// endpoint. Disabled unless the delivery preferences are configured; local
// bags are the source of truth either way.
type PackageDeliveryService struct{}

// NewPackageDeliveryService creates the delivery service
func NewPackageDeliveryService() *PackageDeliveryService {
	return &PackageDeliveryService{}
}

// deliveryConfig holds the FTP destination settings
type deliveryConfig struct {
	Host          string
	Port          int
	Username      string
	Password      string
	Path          string
	RetentionDays int
}

func (s *PackageDeliveryService) getConfig() (*deliveryConfig, error) {
	settings := make(map[string]string)
	keys := []string{"delivery_ftp_host", "delivery_ftp_port", "delivery_ftp_username", "delivery_ftp_password", "delivery_ftp_path", "delivery_retention_days"}

	for _, key := range keys {
		var pref models.SystemPreference
		if err := database.DB.Where("key = ?", key).First(&pref).Error; err == nil {
			settings[key] = pref.Value
		}
	}

	if settings["delivery_ftp_host"] == "" {
		return nil, nil // delivery not configured
	}

	port := 21
	if v, err := strconv.Atoi(settings["delivery_ftp_port"]); err == nil && v > 0 {
		port = v
	}
	retention := 0
	if v, err := strconv.Atoi(settings["delivery_retention_days"]); err == nil && v > 0 {
		retention = v
	}

	return &deliveryConfig{
		Host:          settings["delivery_ftp_host"],
		Port:          port,
		Username:      settings["delivery_ftp_username"],
		Password:      settings["delivery_ftp_password"],
		Path:          settings["delivery_ftp_path"],
		RetentionDays: retention,
	}, nil
}

// Deliver zips the bag directory and uploads it to the configured FTP
// destination. No-op when delivery is not configured.
func (s *PackageDeliveryService) Deliver(bagPath string) error {
	config, err := s.getConfig()
	if err != nil {
		return err
	}
	if config == nil {
		return nil
	}

	zipPath := bagPath + ".zip"
	if err := zipDirectory(bagPath, zipPath); err != nil {
		return fmt.Errorf("zip bag: %w", err)
	}
	defer os.Remove(zipPath)

	if err := s.uploadToFTP(config, zipPath, filepath.Base(zipPath)); err != nil {
		return err
	}

	if config.RetentionDays > 0 {
		s.pruneOldDeliveries(config, time.Now().AddDate(0, 0, -config.RetentionDays))
	}

	return nil
}

// uploadToFTP uploads a file to the FTP server
func (s *PackageDeliveryService) uploadToFTP(config *deliveryConfig, localPath, filename string) error {
	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return fmt.Errorf("FTP connection failed: %v", err)
	}
	defer conn.Quit()

	if err := conn.Login(config.Username, config.Password); err != nil {
		return fmt.Errorf("FTP login failed: %v", err)
	}

	// Change to delivery directory (create if needed)
	if config.Path != "" && config.Path != "/" {
		err = conn.ChangeDir(config.Path)
		if err != nil {
			conn.MakeDir(config.Path)
			if err = conn.ChangeDir(config.Path); err != nil {
				return fmt.Errorf("FTP directory change failed: %v", err)
			}
		}
	}

	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %v", err)
	}
	defer file.Close()

	if err := conn.Stor(filename, file); err != nil {
		return fmt.Errorf("FTP upload failed: %v", err)
	}

	log.Printf("PackageDelivery: Uploaded %s to FTP %s", filename, config.Host)
	return nil
}

// pruneOldDeliveries removes delivered bags older than the retention period
func (s *PackageDeliveryService) pruneOldDeliveries(config *deliveryConfig, cutoff time.Time) {
	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return
	}
	defer conn.Quit()

	if err := conn.Login(config.Username, config.Password); err != nil {
		return
	}

	if config.Path != "" && config.Path != "/" {
		conn.ChangeDir(config.Path)
	}

	entries, err := conn.List("")
	if err != nil {
		return
	}

	for _, entry := range entries {
		if entry.Type == ftp.EntryTypeFile && entry.Time.Before(cutoff) && strings.HasSuffix(entry.Name, ".zip") {
			conn.Delete(entry.Name)
			log.Printf("PackageDelivery: Deleted old delivery %s", entry.Name)
		}
	}
}

// zipDirectory writes dir (recursively) into a zip archive at dest, with
// paths relative to the directory's parent so the bag root is preserved.
func zipDirectory(dir, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	defer zw.Close()

	base := filepath.Dir(dir)
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}

		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}

		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(w, f)
		return err
	})
}
