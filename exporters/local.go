package exporters

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bibin-skaria/envbuild/internal/types"
	"github.com/bibin-skaria/envbuild/layers"
)

const (
	rootfsDir    = "rootfs"
	metadataFile = "envbuild.json"
)

// LocalExporter copies the environment into <output>/rootfs and writes a
// metadata file describing how it was built.
type LocalExporter struct{}

func init() {
	RegisterExporter("local", &LocalExporter{})
}

// Metadata is written next to the exported root filesystem.
type Metadata struct {
	BuildID    string    `json:"build_id"`
	Identity   string    `json:"identity"`
	Layers     []string  `json:"layers"`
	Workdir    string    `json:"workdir"`
	Platform   string    `json:"platform"`
	BaseImage  string    `json:"base_image"`
	ExportedAt time.Time `json:"exported_at"`
}

func (e *LocalExporter) Export(result *types.BuildResult, config *types.BuildConfig, rootfs string) error {
	if config.Output == "" {
		return fmt.Errorf("local exporter requires an output directory")
	}
	outputPath := config.Output

	target := filepath.Join(outputPath, rootfsDir)
	if err := layers.RemoveTree(target); err != nil {
		return fmt.Errorf("failed to clear %s: %v", target, err)
	}
	if err := copyTree(rootfs, target); err != nil {
		return fmt.Errorf("failed to export root filesystem: %v", err)
	}

	if err := e.saveMetadata(result, config, outputPath); err != nil {
		return fmt.Errorf("failed to save metadata: %v", err)
	}

	result.OutputPath = outputPath
	return nil
}

func (e *LocalExporter) saveMetadata(result *types.BuildResult, config *types.BuildConfig, outputPath string) error {
	metadata := Metadata{
		BuildID:    result.BuildID,
		Identity:   result.FinalIdentity,
		Layers:     result.Identities(),
		Workdir:    result.Workdir,
		Platform:   config.Compile.Platform.String(),
		BaseImage:  config.Compile.BaseImage,
		ExportedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outputPath, metadataFile), data, 0644)
}

// copyTree streams src through the snapshot archive codec into dest, which
// keeps symlinks, modes and hard links intact.
func copyTree(src, dest string) error {
	pr, pw := io.Pipe()
	errCh := make(chan error, 1)
	go func() {
		_, err := layers.WriteArchive(src, pw, layers.CompressionNone)
		pw.CloseWithError(err)
		errCh <- err
	}()

	err := layers.ExtractTar(pr, dest)
	if err == nil {
		_, err = io.Copy(io.Discard, pr)
	}
	pr.CloseWithError(err)
	if writeErr := <-errCh; err == nil {
		err = writeErr
	}
	return err
}
