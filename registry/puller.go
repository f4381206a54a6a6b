package registry

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"github.com/bibin-skaria/envbuild/internal/errors"
	"github.com/bibin-skaria/envbuild/internal/types"
	"github.com/bibin-skaria/envbuild/layers"
)

// Puller seeds a root filesystem from a base image.
type Puller struct {
	config    types.RegistryConfig
	auth      *AuthProvider
	retry     *errors.RetryConfig
	transport http.RoundTripper
	userAgent string
}

type Option func(*Puller)

func WithRetryConfig(cfg *errors.RetryConfig) Option {
	return func(p *Puller) { p.retry = cfg }
}

func WithTransport(rt http.RoundTripper) Option {
	return func(p *Puller) { p.transport = rt }
}

func NewPuller(config types.RegistryConfig, opts ...Option) *Puller {
	p := &Puller{
		config:    config,
		auth:      NewAuthProvider(config),
		retry:     errors.DefaultRetryConfig(),
		userAgent: "envbuild",
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.retry != nil && p.retry.Retryable == nil {
		retry := *p.retry
		retry.Retryable = isRetryableError
		p.retry = &retry
	}
	return p
}

// PullResult describes the image a root filesystem was seeded from.
type PullResult struct {
	Image  string
	Digest string
	Layers int
}

// Extract writes the flattened filesystem of image into rootfs. scratch
// leaves rootfs empty; docker-archive:<path> reads a `docker save` tarball.
func (p *Puller) Extract(ctx context.Context, image string, platform types.Platform, rootfs string) (*PullResult, error) {
	if err := os.MkdirAll(rootfs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root filesystem: %w", err)
	}
	if image == types.ScratchImage {
		return &PullResult{Image: image}, nil
	}

	var result *PullResult
	err := errors.RetryWithContext(ctx, p.retry, "pull", func() error {
		img, err := p.Image(ctx, image, platform)
		if err != nil {
			return err
		}

		reader := mutate.Extract(img)
		defer reader.Close()
		if err := layers.ExtractTar(reader, rootfs); err != nil {
			return err
		}

		result = &PullResult{Image: image}
		if digest, err := img.Digest(); err == nil {
			result.Digest = digest.String()
		}
		if imgLayers, err := img.Layers(); err == nil {
			result.Layers = len(imgLayers)
		}
		return nil
	})
	if err != nil {
		if kind := errors.KindOf(err); kind == "" || kind == errors.KindInternal {
			return nil, errors.NewErrorBuilder().
				Kind(errors.KindExecutionFailure).
				Category(errors.ErrorCategoryRegistry).
				Operation("pull").
				Messagef("failed to pull base image %s", image).
				Cause(err).
				Build()
		}
		return nil, err
	}
	return result, nil
}

// Image resolves an image reference without extracting it.
func (p *Puller) Image(ctx context.Context, image string, platform types.Platform) (v1.Image, error) {
	if image == types.ScratchImage {
		return empty.Image, nil
	}

	if strings.HasPrefix(image, types.DockerArchivePrefix) {
		path := strings.TrimPrefix(image, types.DockerArchivePrefix)
		img, err := tarball.ImageFromPath(path, nil)
		if err != nil {
			return nil, errors.NewErrorBuilder().
				Kind(errors.KindExecutionFailure).
				Category(errors.ErrorCategoryRegistry).
				Operation("pull").
				Messagef("failed to read image archive %s", path).
				Cause(err).
				Build()
		}
		return img, nil
	}

	ref, err := p.parseReference(image)
	if err != nil {
		return nil, errors.NewErrorBuilder().
			Kind(errors.KindInvalidInstruction).
			Operation("pull").
			Messagef("invalid image reference %q", image).
			Cause(err).
			Build()
	}

	remoteOpts := []remote.Option{
		remote.WithAuthFromKeychain(p.auth),
		remote.WithContext(ctx),
		remote.WithUserAgent(p.userAgent),
		remote.WithPlatform(v1.Platform{
			OS:           platform.OS,
			Architecture: platform.Architecture,
			Variant:      platform.Variant,
		}),
	}
	if p.transport != nil {
		remoteOpts = append(remoteOpts, remote.WithTransport(p.transport))
	}

	return remote.Image(ref, remoteOpts...)
}

func (p *Puller) parseReference(image string) (name.Reference, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return nil, err
	}
	if IsInsecureRegistry(ref.Context().RegistryStr(), p.config.Insecure) {
		return name.ParseReference(image, name.Insecure)
	}
	return ref, nil
}

// isRetryableError retries transport failures the registry marks temporary
// and anything that is not an HTTP error.
func isRetryableError(err error) bool {
	switch errors.KindOf(err) {
	case errors.KindInvalidInstruction, errors.KindCancelled:
		return false
	}
	var terr *transport.Error
	if stderrors.As(err, &terr) {
		return terr.Temporary()
	}
	return !stderrors.Is(err, os.ErrNotExist)
}
