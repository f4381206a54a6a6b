package exporters

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bibin-skaria/envbuild/internal/types"
	"github.com/bibin-skaria/envbuild/layers"
)

// TarExporter writes the environment as a single deterministic tar archive.
// The compression follows the output file extension.
type TarExporter struct{}

func init() {
	RegisterExporter("tar", &TarExporter{})
}

func (e *TarExporter) Export(result *types.BuildResult, config *types.BuildConfig, rootfs string) error {
	outputPath := config.Output
	if outputPath == "" {
		return fmt.Errorf("tar exporter requires an output file")
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %v", err)
	}

	tmp := outputPath + ".partial"
	tarFile, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create tar file: %v", err)
	}

	_, err = layers.WriteArchive(rootfs, tarFile, compressionFor(outputPath))
	if closeErr := tarFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write tar file: %v", err)
	}
	if err := os.Rename(tmp, outputPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write tar file: %v", err)
	}

	result.OutputPath = outputPath
	return nil
}

func compressionFor(p string) layers.CompressionType {
	switch {
	case strings.HasSuffix(p, ".tar.gz"), strings.HasSuffix(p, ".tgz"):
		return layers.CompressionGzip
	case strings.HasSuffix(p, ".tar.zst"):
		return layers.CompressionZstd
	default:
		return layers.CompressionNone
	}
}
