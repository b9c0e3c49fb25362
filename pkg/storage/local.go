package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// OSFileSystem applies remote-originated deletes and moves to the local disk.
// All paths must stay inside root.
type OSFileSystem struct {
	root string
}

// NewOSFileSystem creates a LocalFS rooted at root.
func NewOSFileSystem(root string) (*OSFileSystem, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sync root: %w", err)
	}
	return &OSFileSystem{root: abs}, nil
}

// Root returns the absolute sync root.
func (fs *OSFileSystem) Root() string {
	return fs.root
}

// Remove deletes path and everything below it. A missing path is not an error.
func (fs *OSFileSystem) Remove(path string) error {
	if err := ValidatePathInBounds(path, fs.root); err != nil {
		return NewStorageError(ErrCodeIllegalFileLocation, "remove", path, err)
	}
	if err := os.RemoveAll(path); err != nil {
		return NewStorageError(ErrCodeProcessExecution, "remove", path, err)
	}
	return nil
}

// Rename moves src to dst, creating dst's parent directories.
func (fs *OSFileSystem) Rename(src, dst string) error {
	for _, p := range []string{src, dst} {
		if err := ValidatePathInBounds(p, fs.root); err != nil {
			return NewStorageError(ErrCodeIllegalFileLocation, "rename", p, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return NewStorageError(ErrCodeProcessExecution, "rename", dst, err)
	}
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return NewStorageError(ErrCodeIllegalFileLocation, "rename", src, err)
		}
		return NewStorageError(ErrCodeProcessExecution, "rename", src, err)
	}
	return nil
}

// Exists reports whether path exists on disk.
func (fs *OSFileSystem) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsDir reports whether path is an existing directory.
func (fs *OSFileSystem) IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ValidatePathInBounds checks that path is root or lies below it.
func ValidatePathInBounds(path, root string) error {
	cleanPath := filepath.Clean(path)
	cleanRoot := filepath.Clean(root)
	if cleanPath == cleanRoot {
		return nil
	}
	rel, err := filepath.Rel(cleanRoot, cleanPath)
	if err != nil {
		return fmt.Errorf("path %s is not relative to %s: %w", path, root, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %s escapes sync root %s", path, root)
	}
	return nil
}
