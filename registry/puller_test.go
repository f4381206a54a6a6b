package registry

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	ggcrregistry "github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"github.com/bibin-skaria/envbuild/internal/errors"
	"github.com/bibin-skaria/envbuild/internal/types"
)

func layerFromFiles(t *testing.T, files map[string]string) v1.Layer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		header := &tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			t.Fatalf("WriteHeader failed: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	data := buf.Bytes()
	layer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
	if err != nil {
		t.Fatalf("LayerFromOpener failed: %v", err)
	}
	return layer
}

func testImage(t *testing.T) v1.Image {
	t.Helper()
	img, err := mutate.AppendLayers(empty.Image,
		layerFromFiles(t, map[string]string{
			"etc/os-release": "ID=envbuild\n",
			"tmp/junk":       "remove me",
		}),
		layerFromFiles(t, map[string]string{
			"tmp/.wh.junk":    "",
			"usr/bin/python3": "#!/bin/sh\n",
		}),
	)
	if err != nil {
		t.Fatalf("AppendLayers failed: %v", err)
	}
	return img
}

func noRetry() *errors.RetryConfig {
	return &errors.RetryConfig{MaxRetries: 0, InitialInterval: time.Millisecond}
}

func assertBaseFilesystem(t *testing.T, rootfs string) {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(rootfs, "etc/os-release"))
	if err != nil || string(content) != "ID=envbuild\n" {
		t.Errorf("Expected os-release from base image, got %q: %v", content, err)
	}
	if _, err := os.Stat(filepath.Join(rootfs, "usr/bin/python3")); err != nil {
		t.Errorf("Expected file from upper layer: %v", err)
	}
	if _, err := os.Stat(filepath.Join(rootfs, "tmp/junk")); !os.IsNotExist(err) {
		t.Error("Expected whiteout in upper layer to hide tmp/junk")
	}
}

func TestExtractScratch(t *testing.T) {
	rootfs := filepath.Join(t.TempDir(), "rootfs")
	puller := NewPuller(types.RegistryConfig{})

	result, err := puller.Extract(context.Background(), types.ScratchImage, types.GetHostPlatform(), rootfs)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if result.Layers != 0 {
		t.Errorf("Expected no layers, got %d", result.Layers)
	}
	entries, err := os.ReadDir(rootfs)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected empty root filesystem, got %d entries", len(entries))
	}
}

func TestExtractDockerArchive(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "base.tar")
	tag, err := name.NewTag("envbuild.test/base:1")
	if err != nil {
		t.Fatal(err)
	}
	if err := tarball.WriteToFile(archive, tag, testImage(t)); err != nil {
		t.Fatalf("WriteToFile failed: %v", err)
	}

	rootfs := filepath.Join(dir, "rootfs")
	puller := NewPuller(types.RegistryConfig{}, WithRetryConfig(noRetry()))
	result, err := puller.Extract(context.Background(), types.DockerArchivePrefix+archive, types.GetHostPlatform(), rootfs)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if result.Layers != 2 || !strings.HasPrefix(result.Digest, "sha256:") {
		t.Errorf("Unexpected pull result: %+v", result)
	}
	assertBaseFilesystem(t, rootfs)
}

func TestExtractFromRegistry(t *testing.T) {
	server := httptest.NewServer(ggcrregistry.New())
	defer server.Close()

	host := strings.TrimPrefix(server.URL, "http://")
	image := host + "/envbuild/base:1"
	ref, err := name.ParseReference(image, name.Insecure)
	if err != nil {
		t.Fatal(err)
	}
	if err := remote.Write(ref, testImage(t)); err != nil {
		t.Fatalf("remote.Write failed: %v", err)
	}

	rootfs := filepath.Join(t.TempDir(), "rootfs")
	puller := NewPuller(types.RegistryConfig{Insecure: []string{host}}, WithRetryConfig(noRetry()))
	if _, err := puller.Extract(context.Background(), image, types.GetHostPlatform(), rootfs); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	assertBaseFilesystem(t, rootfs)
}

func TestExtractMissingArchive(t *testing.T) {
	puller := NewPuller(types.RegistryConfig{}, WithRetryConfig(noRetry()))
	missing := types.DockerArchivePrefix + filepath.Join(t.TempDir(), "absent.tar")

	_, err := puller.Extract(context.Background(), missing, types.GetHostPlatform(), filepath.Join(t.TempDir(), "rootfs"))
	if !errors.IsKind(err, errors.KindExecutionFailure) {
		t.Fatalf("Expected %s, got %v", errors.KindExecutionFailure, err)
	}
}

func TestExtractCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	puller := NewPuller(types.RegistryConfig{})
	_, err := puller.Extract(ctx, "registry.invalid/base:1", types.GetHostPlatform(), filepath.Join(t.TempDir(), "rootfs"))
	if !errors.IsKind(err, errors.KindCancelled) {
		t.Fatalf("Expected %s, got %v", errors.KindCancelled, err)
	}
}
