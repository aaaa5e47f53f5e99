package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtensionGroupsContains(t *testing.T) {
	groups := ExtensionGroups{
		"Document": {"pdf", "txt"},
		"Image":    {"png"},
	}

	assert.True(t, groups.Contains("pdf"))
	assert.True(t, groups.Contains("png"))
	assert.False(t, groups.Contains("exe"))
	assert.False(t, groups.Contains(""))
}

func TestValidateFileAcceptsKnownExtension(t *testing.T) {
	err := ValidateFile("report.pdf", 1024, DefaultExtensionGroups, 1<<20)
	require.NoError(t, err)
}

func TestValidateFileExtensionIsCaseInsensitive(t *testing.T) {
	err := ValidateFile("SCAN.PDF", 1024, DefaultExtensionGroups, 1<<20)
	require.NoError(t, err)
}

func TestValidateFileRejectsUnsupportedExtension(t *testing.T) {
	err := ValidateFile("payload.exe", 1024, DefaultExtensionGroups, 1<<20)
	require.Error(t, err)
	assert.Equal(t, RejectUnsupportedExtension, RejectionCodeOf(err))
}

func TestValidateFileRejectsMissingExtension(t *testing.T) {
	err := ValidateFile("README", 1024, DefaultExtensionGroups, 1<<20)
	require.Error(t, err)
	assert.Equal(t, RejectUnsupportedExtension, RejectionCodeOf(err))
}

func TestValidateFileRejectsEmptyFile(t *testing.T) {
	err := ValidateFile("empty.txt", 0, DefaultExtensionGroups, 1<<20)
	require.Error(t, err)
	assert.Equal(t, RejectEmptyFile, RejectionCodeOf(err))
}

func TestValidateFileRejectsOversizedFile(t *testing.T) {
	err := ValidateFile("big.mp4", (1<<20)+1, DefaultExtensionGroups, 1<<20)
	require.Error(t, err)
	assert.Equal(t, RejectFileTooLarge, RejectionCodeOf(err))
}

func TestValidateFileAcceptsExactCeiling(t *testing.T) {
	err := ValidateFile("exact.mp4", 1<<20, DefaultExtensionGroups, 1<<20)
	require.NoError(t, err)
}

func TestRejectionCodeOfPlainError(t *testing.T) {
	assert.Equal(t, RejectionCode(""), RejectionCodeOf(assert.AnError))
	assert.Equal(t, RejectionCode(""), RejectionCodeOf(nil))
}
