package exporters

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bibin-skaria/envbuild/internal/types"
)

// DefaultExporter is used when no output type is configured.
const DefaultExporter = "local"

// Exporter writes the materialized environment at rootfs to config.Output
// and records where it went in result.OutputPath.
type Exporter interface {
	Export(result *types.BuildResult, config *types.BuildConfig, rootfs string) error
}

var (
	mu        sync.RWMutex
	exporters = make(map[string]Exporter)
)

func RegisterExporter(name string, exporter Exporter) {
	mu.Lock()
	defer mu.Unlock()
	exporters[name] = exporter
}

func GetExporter(name string) (Exporter, error) {
	if name == "" {
		name = DefaultExporter
	}
	mu.RLock()
	defer mu.RUnlock()
	exporter, exists := exporters[name]
	if !exists {
		return nil, fmt.Errorf("exporter %s not found", name)
	}
	return exporter, nil
}

func ListExporters() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(exporters))
	for name := range exporters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
