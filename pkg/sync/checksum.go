package sync

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// FileFingerprint calculates the BLAKE2b-256 fingerprint of a file's content
func FileFingerprint(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file %s: %w", filePath, err)
	}
	defer file.Close()

	hash, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("failed to fingerprint %s: %w", filePath, err)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// ValidateFingerprint validates that a file's fingerprint matches the expected value
func ValidateFingerprint(filePath, expected string) (bool, error) {
	actual, err := FileFingerprint(filePath)
	if err != nil {
		return false, err
	}

	return actual == expected, nil
}

// fingerprintEntry is one descendant of a folder, identified by its
// slash-separated path relative to the folder.
type fingerprintEntry struct {
	rel         string
	isFolder    bool
	fingerprint string
}

// combineFingerprints derives a folder fingerprint from its descendants. Disk
// and tree produce the same value for the same structure and content.
func combineFingerprints(entries []fingerprintEntry) string {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].rel < entries[j].rel
	})

	hash, _ := blake2b.New256(nil)
	for _, e := range entries {
		if e.isFolder {
			fmt.Fprintf(hash, "d %s\n", e.rel)
			continue
		}
		fmt.Fprintf(hash, "f %s %s\n", e.rel, e.fingerprint)
	}
	return hex.EncodeToString(hash.Sum(nil))
}

// FolderFingerprint calculates a combined fingerprint over the structure and
// content of everything below dirPath.
func FolderFingerprint(dirPath string) (string, error) {
	var entries []fingerprintEntry

	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == dirPath {
			return nil
		}

		rel, err := filepath.Rel(dirPath, path)
		if err != nil {
			return err
		}
		entry := fingerprintEntry{rel: filepath.ToSlash(rel), isFolder: info.IsDir()}
		if !info.IsDir() {
			if entry.fingerprint, err = FileFingerprint(path); err != nil {
				return err
			}
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint directory %s: %w", dirPath, err)
	}

	return combineFingerprints(entries), nil
}

// Fingerprint dispatches to FileFingerprint or FolderFingerprint
func Fingerprint(path string) (string, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", false, err
	}
	if info.IsDir() {
		fp, err := FolderFingerprint(path)
		return fp, true, err
	}
	fp, err := FileFingerprint(path)
	return fp, false, err
}
