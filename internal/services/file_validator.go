package services

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/recordtransfer/backend/internal/database"
	"github.com/recordtransfer/backend/internal/models"
)

// ExtensionGroups maps a display category to the lowercase extensions it
// accepts (without the leading dot).
type ExtensionGroups map[string][]string

// DefaultExtensionGroups is the allow-list used when the operator has not
// configured one. Grouped by category for display in the form wizard.
var DefaultExtensionGroups = ExtensionGroups{
	"Archive":     {"zip", "7z", "rar"},
	"Audio":       {"mp3", "wav", "flac", "m4a"},
	"Document":    {"doc", "docx", "odt", "pdf", "txt", "rtf", "html"},
	"Image":       {"jpg", "jpeg", "png", "gif", "tiff", "bmp"},
	"Spreadsheet": {"xls", "xlsx", "csv", "ods"},
	"Video":       {"mp4", "mkv", "mov", "avi", "mpeg"},
}

// Contains reports whether ext (lowercase, no dot) is in any group
func (g ExtensionGroups) Contains(ext string) bool {
	for _, exts := range g {
		for _, e := range exts {
			if e == ext {
				return true
			}
		}
	}
	return false
}

const extensionGroupsPreferenceKey = "accepted_file_formats"

// AcceptedExtensionGroups returns the configured allow-list, preferring the
// Redis cache, then the system_preferences row, then the built-in default.
func AcceptedExtensionGroups() ExtensionGroups {
	var groups ExtensionGroups
	if err := database.CacheGet(database.CacheKeyExtensionGroups, &groups); err == nil && len(groups) > 0 {
		return groups
	}

	var pref models.SystemPreference
	if err := database.DB.Where("key = ?", extensionGroupsPreferenceKey).First(&pref).Error; err == nil && pref.Value != "" {
		if err := json.Unmarshal([]byte(pref.Value), &groups); err == nil && len(groups) > 0 {
			database.CacheSet(database.CacheKeyExtensionGroups, groups, database.CacheTTLExtensionGroups)
			return groups
		}
	}

	return DefaultExtensionGroups
}

// ValidateFile performs the stateless pre-acceptance checks on a candidate
// file: extension allow-list and per-file size ceiling. Pure function, safe
// to call concurrently. Returns nil on accept, a *RejectionError on reject.
func ValidateFile(name string, size int64, groups ExtensionGroups, maxSingleFileSize int64) error {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "" || !groups.Contains(ext) {
		return reject(RejectUnsupportedExtension, "files of type %q are not accepted", ext)
	}

	if size <= 0 {
		return reject(RejectEmptyFile, "file %q is empty", name)
	}

	if size > maxSingleFileSize {
		return reject(RejectFileTooLarge, "file %q is %d bytes, limit is %d", name, size, maxSingleFileSize)
	}

	return nil
}
