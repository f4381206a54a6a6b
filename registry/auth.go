package registry

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"

	"github.com/bibin-skaria/envbuild/internal/types"
)

const DockerHubRegistry = "index.docker.io"

// AuthProvider resolves registry credentials from the build configuration,
// then the environment, then the Docker credential store.
type AuthProvider struct {
	config   types.RegistryConfig
	fallback authn.Keychain
}

func NewAuthProvider(config types.RegistryConfig) *AuthProvider {
	return &AuthProvider{config: config, fallback: authn.DefaultKeychain}
}

// Resolve implements authn.Keychain.
func (a *AuthProvider) Resolve(target authn.Resource) (authn.Authenticator, error) {
	registry := NormalizeRegistry(target.RegistryStr())

	authenticators := []func(string) (authn.Authenticator, error){
		a.getFromConfig,
		a.getFromEnvironment,
	}
	for _, getAuth := range authenticators {
		if auth, err := getAuth(registry); err == nil && auth != authn.Anonymous {
			return auth, nil
		}
	}

	if a.fallback != nil {
		return a.fallback.Resolve(target)
	}
	return authn.Anonymous, nil
}

func (a *AuthProvider) getFromConfig(registry string) (authn.Authenticator, error) {
	for host, regAuth := range a.config.Registries {
		if NormalizeRegistry(host) != registry {
			continue
		}
		return authenticatorFor(regAuth.Username, regAuth.Password, regAuth.Token)
	}
	return authn.Anonymous, fmt.Errorf("registry not found in config")
}

// getFromEnvironment reads <HOST>_USERNAME / _PASSWORD / _TOKEN with dots
// and dashes mapped to underscores, plus DOCKER_* for Docker Hub.
func (a *AuthProvider) getFromEnvironment(registry string) (authn.Authenticator, error) {
	envPrefix := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_", ":", "_").Replace(registry))

	auth, err := authenticatorFor(
		os.Getenv(envPrefix+"_USERNAME"),
		os.Getenv(envPrefix+"_PASSWORD"),
		os.Getenv(envPrefix+"_TOKEN"),
	)
	if err == nil || registry != DockerHubRegistry {
		return auth, err
	}

	return authenticatorFor(
		os.Getenv("DOCKER_USERNAME"),
		os.Getenv("DOCKER_PASSWORD"),
		os.Getenv("DOCKER_TOKEN"),
	)
}

func authenticatorFor(username, password, token string) (authn.Authenticator, error) {
	if username != "" && password != "" {
		return &authn.Basic{Username: username, Password: password}, nil
	}
	if token != "" {
		return &authn.Bearer{Token: token}, nil
	}
	return authn.Anonymous, fmt.Errorf("no valid credentials")
}

// NormalizeRegistry maps the Docker Hub aliases onto one hostname.
func NormalizeRegistry(registry string) string {
	switch registry {
	case "", "docker.io", "index.docker.io", "registry-1.docker.io":
		return DockerHubRegistry
	default:
		return registry
	}
}

// IsInsecureRegistry checks if a registry should use plain HTTP
func IsInsecureRegistry(registry string, insecureList []string) bool {
	for _, insecure := range insecureList {
		if registry == insecure {
			return true
		}
		if strings.HasSuffix(insecure, "*") {
			prefix := strings.TrimSuffix(insecure, "*")
			if strings.HasPrefix(registry, prefix) {
				return true
			}
		}
	}
	return false
}
