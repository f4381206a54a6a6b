package frontends

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bibin-skaria/envbuild/internal/types"
)

// Frontend compiles a build definition into a BuildPlan.
type Frontend interface {
	Compile(content []byte, opts *types.CompileOptions) (*types.BuildPlan, error)
}

var (
	mu        sync.RWMutex
	frontends = make(map[string]Frontend)
)

func RegisterFrontend(name string, frontend Frontend) {
	mu.Lock()
	defer mu.Unlock()
	frontends[name] = frontend
}

func GetFrontend(name string) (Frontend, error) {
	mu.RLock()
	frontend, exists := frontends[name]
	mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("frontend %s not found (available: %s)", name, strings.Join(ListFrontends(), ", "))
	}
	return frontend, nil
}

func ListFrontends() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(frontends))
	for name := range frontends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
