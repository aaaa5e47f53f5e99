// Package bagit writes BagIt bags (v0.97) to the filesystem: a data/ payload
// directory, one manifest per configured checksum algorithm, bag-info.txt
// tags and tag manifests. Bags are assembled in a temp directory and renamed
// into place so a half-written bag is never visible at the final path.
package bagit

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Version is the BagIt specification version written to bagit.txt
const Version = "0.97"

// ErrChecksumMismatch is returned by Verify when a payload file does not
// match its manifest entry.
var ErrChecksumMismatch = errors.New("bagit: checksum mismatch")

// File is one payload file to bag
type File struct {
	Name       string
	Size       int64
	SourcePath string
}

// Result describes a successfully written bag
type Result struct {
	BagPath     string
	PayloadOxum string
	FileCount   int
	TotalBytes  int64
}

// Builder writes bags with a fixed set of checksum algorithms
type Builder struct {
	algorithms []string
}

var hashers = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
}

// NewBuilder creates a Builder. Algorithm names must be one of md5, sha1,
// sha256, sha512.
func NewBuilder(algorithms []string) (*Builder, error) {
	if len(algorithms) == 0 {
		return nil, errors.New("bagit: at least one checksum algorithm required")
	}
	for _, alg := range algorithms {
		if _, ok := hashers[alg]; !ok {
			return nil, fmt.Errorf("bagit: unsupported checksum algorithm %q", alg)
		}
	}
	return &Builder{algorithms: algorithms}, nil
}

// Build writes a bag at bagPath containing the given payload files and
// bag-info tags. The payload is copied, not moved; sources stay intact so a
// failed attempt can be retried. Fails if bagPath already exists.
func (b *Builder) Build(bagPath string, files []File, tags map[string]string) (*Result, error) {
	if _, err := os.Stat(bagPath); err == nil {
		return nil, fmt.Errorf("bagit: %s already exists", bagPath)
	}

	tmpPath := bagPath + ".incomplete"
	if err := os.RemoveAll(tmpPath); err != nil {
		return nil, fmt.Errorf("bagit: clear previous attempt: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(tmpPath, "data"), 0755); err != nil {
		return nil, fmt.Errorf("bagit: create bag directory: %w", err)
	}

	// manifest[alg][path] = hex digest; paths are bag-relative
	manifest := make(map[string]map[string]string, len(b.algorithms))
	for _, alg := range b.algorithms {
		manifest[alg] = make(map[string]string)
	}

	var totalBytes int64
	for _, f := range files {
		relPath := "data/" + f.Name
		digests, n, err := b.copyAndDigest(f.SourcePath, filepath.Join(tmpPath, "data", f.Name))
		if err != nil {
			os.RemoveAll(tmpPath)
			return nil, fmt.Errorf("bagit: payload %q: %w", f.Name, err)
		}
		totalBytes += n
		for alg, digest := range digests {
			manifest[alg][relPath] = digest
		}
	}

	oxum := fmt.Sprintf("%d.%d", totalBytes, len(files))

	if err := b.writeTagFiles(tmpPath, manifest, tags, oxum); err != nil {
		os.RemoveAll(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, bagPath); err != nil {
		os.RemoveAll(tmpPath)
		return nil, fmt.Errorf("bagit: move bag into place: %w", err)
	}

	return &Result{
		BagPath:     bagPath,
		PayloadOxum: oxum,
		FileCount:   len(files),
		TotalBytes:  totalBytes,
	}, nil
}

// copyAndDigest copies src to dst while feeding every configured hash
func (b *Builder) copyAndDigest(src, dst string) (map[string]string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, 0, err
	}

	sums := make(map[string]hash.Hash, len(b.algorithms))
	writers := []io.Writer{out}
	for _, alg := range b.algorithms {
		h := hashers[alg]()
		sums[alg] = h
		writers = append(writers, h)
	}

	n, err := io.Copy(io.MultiWriter(writers...), in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, n, err
	}

	digests := make(map[string]string, len(sums))
	for alg, h := range sums {
		digests[alg] = hex.EncodeToString(h.Sum(nil))
	}
	return digests, n, nil
}

func (b *Builder) writeTagFiles(bagPath string, manifest map[string]map[string]string, tags map[string]string, oxum string) error {
	bagitTxt := fmt.Sprintf("BagIt-Version: %s\nTag-File-Character-Encoding: UTF-8\n", Version)
	if err := os.WriteFile(filepath.Join(bagPath, "bagit.txt"), []byte(bagitTxt), 0644); err != nil {
		return fmt.Errorf("bagit: write bagit.txt: %w", err)
	}

	for _, alg := range b.algorithms {
		if err := writeManifest(filepath.Join(bagPath, "manifest-"+alg+".txt"), manifest[alg]); err != nil {
			return err
		}
	}

	var info strings.Builder
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&info, "%s: %s\n", k, tags[k])
	}
	fmt.Fprintf(&info, "Bagging-Date: %s\n", time.Now().UTC().Format("2006-01-02"))
	fmt.Fprintf(&info, "Payload-Oxum: %s\n", oxum)
	if err := os.WriteFile(filepath.Join(bagPath, "bag-info.txt"), []byte(info.String()), 0644); err != nil {
		return fmt.Errorf("bagit: write bag-info.txt: %w", err)
	}

	// Tag manifests cover every tag file written above
	tagFiles := []string{"bagit.txt", "bag-info.txt"}
	for _, alg := range b.algorithms {
		tagFiles = append(tagFiles, "manifest-"+alg+".txt")
	}

	for _, alg := range b.algorithms {
		entries := make(map[string]string, len(tagFiles))
		for _, name := range tagFiles {
			digest, err := digestFile(filepath.Join(bagPath, name), alg)
			if err != nil {
				return fmt.Errorf("bagit: digest %s: %w", name, err)
			}
			entries[name] = digest
		}
		if err := writeManifest(filepath.Join(bagPath, "tagmanifest-"+alg+".txt"), entries); err != nil {
			return err
		}
	}

	return nil
}

func writeManifest(path string, entries map[string]string) error {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "%s  %s\n", entries[name], name)
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("bagit: write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func digestFile(path, alg string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := hashers[alg]()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify re-reads the payload of the bag at bagPath and checks every entry
// of every manifest the builder's algorithms cover. Returns
// ErrChecksumMismatch (wrapped with detail) on the first divergence.
func (b *Builder) Verify(bagPath string) error {
	for _, alg := range b.algorithms {
		entries, err := readManifest(filepath.Join(bagPath, "manifest-"+alg+".txt"))
		if err != nil {
			return err
		}
		for relPath, want := range entries {
			got, err := digestFile(filepath.Join(bagPath, filepath.FromSlash(relPath)), alg)
			if err != nil {
				return fmt.Errorf("bagit: verify %s: %w", relPath, err)
			}
			if got != want {
				return fmt.Errorf("%w: %s (%s)", ErrChecksumMismatch, relPath, alg)
			}
		}
	}
	return nil
}

func readManifest(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bagit: read manifest: %w", err)
	}

	entries := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("bagit: malformed manifest line %q in %s", line, filepath.Base(path))
		}
		entries[strings.Join(fields[1:], " ")] = fields[0]
	}
	return entries, nil
}
