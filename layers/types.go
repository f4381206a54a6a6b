package layers

import (
	"fmt"
	"os"

	"github.com/opencontainers/go-digest"
)

// ChangeType represents the type of filesystem change
type ChangeType string

const (
	ChangeTypeAdd    ChangeType = "A"
	ChangeTypeModify ChangeType = "M"
	ChangeTypeDelete ChangeType = "D"
)

// FileChange is one entry that differs between two root filesystem scans.
type FileChange struct {
	Path     string      `json:"path"`
	Type     ChangeType  `json:"type"`
	Mode     os.FileMode `json:"mode"`
	Size     int64       `json:"size"`
	Linkname string      `json:"linkname,omitempty"`
}

// CompressionType represents the compression algorithm used for snapshot archives
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
	CompressionZstd CompressionType = "zstd"
)

// ParseCompression maps a config value to a CompressionType. Empty means zstd.
func ParseCompression(s string) (CompressionType, error) {
	switch CompressionType(s) {
	case "", CompressionZstd:
		return CompressionZstd, nil
	case CompressionGzip:
		return CompressionGzip, nil
	case CompressionNone:
		return CompressionNone, nil
	default:
		return "", fmt.Errorf("unsupported compression type: %s", s)
	}
}

// Extension is the archive file suffix for the compression.
func (c CompressionType) Extension() string {
	switch c {
	case CompressionGzip:
		return ".tar.gz"
	case CompressionZstd:
		return ".tar.zst"
	default:
		return ".tar"
	}
}

// ArchiveInfo describes a written snapshot archive.
type ArchiveInfo struct {
	// Digest covers the uncompressed, normalized tar stream.
	Digest      digest.Digest   `json:"digest"`
	Size        int64           `json:"size"`
	Compression CompressionType `json:"compression"`
	Entries     int             `json:"entries"`
}

// LayerError represents errors that occur during layer operations
type LayerError struct {
	Operation string
	Layer     string
	Cause     error
}

func (e *LayerError) Error() string {
	if e.Layer != "" {
		return fmt.Sprintf("layer %s operation %s failed: %v", e.Layer, e.Operation, e.Cause)
	}
	return fmt.Sprintf("layer operation %s failed: %v", e.Operation, e.Cause)
}

func (e *LayerError) Unwrap() error { return e.Cause }

func NewLayerError(operation, layer string, cause error) *LayerError {
	return &LayerError{
		Operation: operation,
		Layer:     layer,
		Cause:     cause,
	}
}
