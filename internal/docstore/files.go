package docstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// ObjectPath returns the path of the object with checksum, relative to the
// store root: objects/<first two hex digits>/<checksum>.
func ObjectPath(checksum string) string {
	return filepath.Join("objects", checksum[:2], checksum)
}

// AbsolutePath returns the absolute path for a stored object.
func AbsolutePath(root, relativePath string) string {
	return filepath.Join(root, relativePath)
}

// CopyFile copies a file from src to dst, returning size and checksum.
// The parent directory of dst is created when missing.
func CopyFile(src, dst string) (size int64, checksum string, err error) {
	srcFile, err := os.Open(src)
	if err != nil {
		return 0, "", fmt.Errorf("failed to open source: %w", err)
	}
	defer srcFile.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, "", fmt.Errorf("failed to create destination directory: %w", err)
	}
	dstFile, err := os.Create(dst)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create destination: %w", err)
	}
	defer dstFile.Close()

	// Copy with checksum computation
	hasher := sha256.New()
	size, err = io.Copy(io.MultiWriter(dstFile, hasher), srcFile)
	if err != nil {
		return 0, "", fmt.Errorf("failed to copy file: %w", err)
	}
	if err := dstFile.Sync(); err != nil {
		return 0, "", fmt.Errorf("failed to sync destination: %w", err)
	}

	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// DetectMimeType attempts to detect MIME type from a format extension.
// Falls back to application/octet-stream if unknown.
func DetectMimeType(format string) string {
	ext := filepath.Ext("file" + format)
	if ext == "" {
		return "application/octet-stream"
	}

	mimeType := mime.TypeByExtension(ext)
	if mimeType == "" {
		return "application/octet-stream"
	}

	// Strip parameters like charset
	if idx := strings.IndexByte(mimeType, ';'); idx != -1 {
		mimeType = strings.TrimSpace(mimeType[:idx])
	}

	return mimeType
}

// removeObject deletes a stored object. Missing objects are ignored.
func removeObject(root, relativePath string) error {
	absPath := AbsolutePath(root, relativePath)
	if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}
