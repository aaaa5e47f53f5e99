package bagit

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSource(t *testing.T, dir, name, content string) File {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return File{Name: name, Size: int64(len(content)), SourcePath: path}
}

func TestNewBuilderRejectsUnknownAlgorithm(t *testing.T) {
	_, err := NewBuilder([]string{"sha256", "crc32"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crc32")

	_, err = NewBuilder(nil)
	require.Error(t, err)
}

func TestBuildAndVerify(t *testing.T) {
	src := t.TempDir()
	files := []File{
		writeSource(t, src, "letters.txt", "dear archive"),
		writeSource(t, src, "photo.jpg", "not really a jpeg"),
	}

	builder, err := NewBuilder([]string{"sha256", "sha512"})
	require.NoError(t, err)

	bagPath := filepath.Join(t.TempDir(), "bag-0001")
	result, err := builder.Build(bagPath, files, map[string]string{
		"Source-Organization": "Example Archives",
		"Contact-Email":       "donor@example.org",
	})
	require.NoError(t, err)

	assert.Equal(t, bagPath, result.BagPath)
	assert.Equal(t, 2, result.FileCount)
	assert.Equal(t, int64(len("dear archive")+len("not really a jpeg")), result.TotalBytes)
	assert.Equal(t, "29.2", result.PayloadOxum)

	// No .incomplete residue
	_, err = os.Stat(bagPath + ".incomplete")
	assert.True(t, os.IsNotExist(err))

	// Payload copied, sources intact
	payload, err := os.ReadFile(filepath.Join(bagPath, "data", "letters.txt"))
	require.NoError(t, err)
	assert.Equal(t, "dear archive", string(payload))
	_, err = os.Stat(files[0].SourcePath)
	assert.NoError(t, err)

	// Declaration and tag files present
	decl, err := os.ReadFile(filepath.Join(bagPath, "bagit.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(decl), "BagIt-Version: "+Version)

	info, err := os.ReadFile(filepath.Join(bagPath, "bag-info.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(info), "Payload-Oxum: 29.2")
	assert.Contains(t, string(info), "Source-Organization: Example Archives")
	assert.Contains(t, string(info), "Bagging-Date: ")

	for _, alg := range []string{"sha256", "sha512"} {
		_, err := os.Stat(filepath.Join(bagPath, "manifest-"+alg+".txt"))
		assert.NoError(t, err)
		_, err = os.Stat(filepath.Join(bagPath, "tagmanifest-"+alg+".txt"))
		assert.NoError(t, err)
	}

	require.NoError(t, builder.Verify(bagPath))
}

func TestBuildManifestDigests(t *testing.T) {
	src := t.TempDir()
	content := "checksum me"
	files := []File{writeSource(t, src, "single.txt", content)}

	builder, err := NewBuilder([]string{"sha256"})
	require.NoError(t, err)

	bagPath := filepath.Join(t.TempDir(), "bag")
	_, err = builder.Build(bagPath, files, nil)
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(content))
	want := hex.EncodeToString(sum[:])

	manifest, err := os.ReadFile(filepath.Join(bagPath, "manifest-sha256.txt"))
	require.NoError(t, err)
	assert.Equal(t, want+"  data/single.txt\n", string(manifest))
}

func TestBuildRefusesExistingPath(t *testing.T) {
	src := t.TempDir()
	files := []File{writeSource(t, src, "a.txt", "a")}

	builder, err := NewBuilder([]string{"sha256"})
	require.NoError(t, err)

	bagPath := filepath.Join(t.TempDir(), "bag")
	_, err = builder.Build(bagPath, files, nil)
	require.NoError(t, err)

	_, err = builder.Build(bagPath, files, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestBuildMissingSourceLeavesNoBag(t *testing.T) {
	builder, err := NewBuilder([]string{"sha256"})
	require.NoError(t, err)

	bagPath := filepath.Join(t.TempDir(), "bag")
	_, err = builder.Build(bagPath, []File{{Name: "gone.txt", SourcePath: "/nonexistent/gone.txt"}}, nil)
	require.Error(t, err)

	_, statErr := os.Stat(bagPath)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(bagPath + ".incomplete")
	assert.True(t, os.IsNotExist(statErr))
}

func TestVerifyDetectsCorruption(t *testing.T) {
	src := t.TempDir()
	files := []File{writeSource(t, src, "fragile.txt", "original bytes")}

	builder, err := NewBuilder([]string{"sha256"})
	require.NoError(t, err)

	bagPath := filepath.Join(t.TempDir(), "bag")
	_, err = builder.Build(bagPath, files, nil)
	require.NoError(t, err)

	// Flip the payload after the fact
	require.NoError(t, os.WriteFile(filepath.Join(bagPath, "data", "fragile.txt"), []byte("tampered bytes"), 0644))

	err = builder.Verify(bagPath)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Contains(t, err.Error(), "fragile.txt")
}

func TestVerifyMissingPayloadFile(t *testing.T) {
	src := t.TempDir()
	files := []File{writeSource(t, src, "vanishing.txt", "here today")}

	builder, err := NewBuilder([]string{"sha256"})
	require.NoError(t, err)

	bagPath := filepath.Join(t.TempDir(), "bag")
	_, err = builder.Build(bagPath, files, nil)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(bagPath, "data", "vanishing.txt")))

	err = builder.Verify(bagPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vanishing.txt")
}

func TestReadManifestToleratesNamesWithSpaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest-sha256.txt")
	require.NoError(t, os.WriteFile(path, []byte("abc123  data/family photos 1989.jpg\n"), 0644))

	entries, err := readManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "abc123", entries["data/family photos 1989.jpg"])
}
