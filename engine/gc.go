package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/bibin-skaria/envbuild/layers"
)

// DefaultStagingTTL is how long an abandoned staging directory is kept
// before Prune removes it.
const DefaultStagingTTL = time.Hour

const abandonedBuildAge = 24 * time.Hour

// PruningStrategy selects entries for garbage collection. Zero fields are
// disabled.
type PruningStrategy struct {
	MaxAge     time.Duration `json:"max_age"`
	MaxSize    int64         `json:"max_size"`
	StagingTTL time.Duration `json:"staging_ttl"`
}

type PruneReport struct {
	Removed      []digest.Digest `json:"removed"`
	FreedBytes   int64           `json:"freed_bytes"`
	StaleStaging int             `json:"stale_staging"`
}

// Prune evicts entries older than MaxAge, then the oldest remaining entries
// until the total size fits MaxSize. It also clears staging directories left
// behind by interrupted builds.
func (c *Cache) Prune(strategy PruningStrategy) (*PruneReport, error) {
	entries, err := c.List()
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Created.Equal(entries[j].Created) {
			return entries[i].Identity < entries[j].Identity
		}
		return entries[i].Created.Before(entries[j].Created)
	})

	var total int64
	for _, e := range entries {
		total += e.Size
	}

	report := &PruneReport{}
	cutoff := time.Now().Add(-strategy.MaxAge)
	for _, e := range entries {
		expired := strategy.MaxAge > 0 && e.Created.Before(cutoff)
		oversize := strategy.MaxSize > 0 && total > strategy.MaxSize
		if !expired && !oversize {
			continue
		}
		removed, err := c.Evict(e.Identity)
		if err != nil {
			return report, err
		}
		if removed {
			report.Removed = append(report.Removed, e.Identity)
			report.FreedBytes += e.Size
			total -= e.Size
		}
	}

	ttl := strategy.StagingTTL
	if ttl <= 0 {
		ttl = DefaultStagingTTL
	}
	stale, err := c.pruneStaging(ttl)
	report.StaleStaging = stale
	return report, err
}

func (c *Cache) pruneStaging(ttl time.Duration) (int, error) {
	dir := filepath.Join(c.baseDir, tmpDir)
	items, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read staging area: %w", err)
	}

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for _, item := range items {
		name := item.Name()
		limit := cutoff
		switch {
		case strings.HasPrefix(name, stagingPrefix), strings.HasPrefix(name, evictPrefix):
		case strings.HasPrefix(name, buildPrefix):
			// Work directories of running builds are never touched after
			// creation, so only clearly abandoned ones go.
			if buildCutoff := time.Now().Add(-abandonedBuildAge); buildCutoff.Before(limit) {
				limit = buildCutoff
			}
		default:
			continue
		}
		info, err := item.Info()
		if err != nil || info.ModTime().After(limit) {
			continue
		}
		if err := layers.RemoveTree(filepath.Join(dir, name)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// VerifyFailure names one entry whose stored data no longer matches its record.
type VerifyFailure struct {
	Entry  string `json:"entry"`
	Reason string `json:"reason"`
}

type VerifyReport struct {
	Checked  int             `json:"checked"`
	Failures []VerifyFailure `json:"failures,omitempty"`
}

func (r *VerifyReport) OK() bool { return len(r.Failures) == 0 }

// Verify recomputes the content digest of every stored archive, using up to
// concurrency workers. Corrupt entries are reported, not removed.
func (c *Cache) Verify(ctx context.Context, concurrency int) (*VerifyReport, error) {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}

	root := filepath.Join(c.baseDir, layersDir, string(digest.Canonical))
	dirs, err := os.ReadDir(root)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}

	report := &VerifyReport{}
	var mu sync.Mutex
	fail := func(entry, reason string) {
		mu.Lock()
		report.Failures = append(report.Failures, VerifyFailure{Entry: entry, Reason: reason})
		mu.Unlock()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		name := d.Name()
		report.Checked++
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			id := digest.NewDigestFromEncoded(digest.Canonical, name)
			if reason := c.verifyEntry(id); reason != "" {
				fail(name, reason)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(report.Failures, func(i, j int) bool {
		return report.Failures[i].Entry < report.Failures[j].Entry
	})
	return report, nil
}

func (c *Cache) verifyEntry(id digest.Digest) string {
	if err := id.Validate(); err != nil {
		return "directory name is not a layer identity"
	}

	unlock := c.locks.Lock(id.String())
	defer unlock()

	var entry CacheEntry
	snap, reason := c.loadForVerify(id, &entry)
	if reason != "" {
		return reason
	}

	f, err := os.Open(snap.ArchivePath)
	if err != nil {
		return "snapshot archive is unreadable: " + err.Error()
	}
	defer f.Close()

	got, err := layers.DigestArchive(f, snap.Compression)
	if err != nil {
		return "snapshot archive is corrupt: " + err.Error()
	}
	if got != snap.Digest {
		return fmt.Sprintf("content digest %s does not match recorded %s", got, snap.Digest)
	}
	return ""
}

// loadForVerify reads an entry without poisoning the cache; Verify reports
// problems instead of acting on them.
func (c *Cache) loadForVerify(id digest.Digest, entry *CacheEntry) (*LayerSnapshot, string) {
	dir := c.entryDir(id)
	data, err := os.ReadFile(filepath.Join(dir, entryFile))
	if err != nil {
		return nil, "entry.json is unreadable: " + err.Error()
	}
	if err := decodeEntry(data, entry); err != nil {
		return nil, "entry.json is corrupt: " + err.Error()
	}
	if entry.Identity != id || entry.Snapshot.Identity != id {
		return nil, fmt.Sprintf("entry records identity %s", entry.Identity)
	}
	snap := entry.Snapshot
	snap.ArchivePath = filepath.Join(dir, filepath.Base(entry.Archive))
	return &snap, ""
}

// ClearPoison removes the integrity failure marker and returns what it recorded.
func (c *Cache) ClearPoison() (string, error) {
	marker := filepath.Join(c.baseDir, PoisonMarker)
	data, err := os.ReadFile(marker)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	if err := os.Remove(marker); err != nil {
		return "", fmt.Errorf("failed to clear integrity marker: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
