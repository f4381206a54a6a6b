package engine

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/bibin-skaria/envbuild/internal/errors"
	"github.com/bibin-skaria/envbuild/internal/types"
	"github.com/bibin-skaria/envbuild/layers"
)

const (
	layersDir     = "layers"
	tmpDir        = "tmp"
	entryFile     = "entry.json"
	archiveName   = "snapshot"
	PoisonMarker  = "INTEGRITY_FAILURE"
	stagingPrefix = "stage-"
	evictPrefix   = "evict-"
)

// ErrEvicted reports a snapshot whose cache entry was evicted after it was
// looked up. Eviction is routine maintenance, not an integrity failure.
var ErrEvicted = stderrors.New("layer was evicted from the cache")

// LayerSnapshot is the root filesystem state after one layer, stored as a
// deterministic archive. A committed snapshot is never modified.
type LayerSnapshot struct {
	Identity    digest.Digest          `json:"identity"`
	Parent      digest.Digest          `json:"parent"`
	Instruction string                 `json:"instruction"`
	Workdir     string                 `json:"workdir"`
	Digest      digest.Digest          `json:"digest"`
	Size        int64                  `json:"size"`
	Compression layers.CompressionType `json:"compression"`
	Entries     int                    `json:"entries"`
	Changes     types.ChangeSummary    `json:"changes"`
	// ArchivePath is where the archive lives now: in the staging area until
	// commit, then inside the entry directory.
	ArchivePath string `json:"-"`
}

// CacheEntry is the entry.json record stored next to a snapshot archive.
type CacheEntry struct {
	Identity digest.Digest `json:"identity"`
	Parent   digest.Digest `json:"parent"`
	Archive  string        `json:"archive"`
	Snapshot LayerSnapshot `json:"snapshot"`
	Created  time.Time     `json:"created"`
	Size     int64         `json:"size"`
}

// CommitResult reports the snapshot now registered under an identity.
// AlreadyExists means another writer got there first; its snapshot is
// authoritative and the caller's staged copy was discarded.
type CommitResult struct {
	Snapshot      *LayerSnapshot
	AlreadyExists bool
}

// Cache is the content-addressed layer store shared by every build that
// points at the same directory. Within a process, Lookup and Commit are
// serialized per identity; across processes the atomic rename of a staged
// entry directory decides the winner.
type Cache struct {
	baseDir     string
	compression layers.CompressionType
	locks       *keyedMutex
	hits        atomic.Int64
	misses      atomic.Int64
}

func NewCache(baseDir string, compression layers.CompressionType) (*Cache, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if compression == "" {
		compression = layers.CompressionZstd
	}
	for _, dir := range []string{
		filepath.Join(baseDir, layersDir, string(digest.Canonical)),
		filepath.Join(baseDir, tmpDir),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	return &Cache{
		baseDir:     baseDir,
		compression: compression,
		locks:       newKeyedMutex(),
	}, nil
}

func (c *Cache) Dir() string { return c.baseDir }

func (c *Cache) Compression() layers.CompressionType { return c.compression }

func (c *Cache) entryDir(id digest.Digest) string {
	return filepath.Join(c.baseDir, layersDir, string(id.Algorithm()), id.Encoded())
}

func (c *Cache) tmpPath(name string) string {
	return filepath.Join(c.baseDir, tmpDir, name)
}

// Lookup returns the snapshot stored under id. It only reads, and waits
// only for a commit of the same identity.
func (c *Cache) Lookup(id digest.Digest) (*LayerSnapshot, bool, error) {
	if err := id.Validate(); err != nil {
		return nil, false, errors.NewErrorBuilder().
			Kind(errors.KindInternal).
			Operation("lookup").
			Messagef("invalid layer identity %q", id).
			Cause(err).
			Build()
	}
	if err := c.checkPoison(); err != nil {
		return nil, false, err
	}

	unlock := c.locks.Lock(id.String())
	defer unlock()

	snap, err := c.readEntry(id)
	if err != nil {
		return nil, false, err
	}
	if snap == nil {
		c.misses.Add(1)
		return nil, false, nil
	}
	c.hits.Add(1)
	return snap, true, nil
}

// Stage packs rootfs into a new archive in the staging area. The returned
// snapshot carries only the archive fields; the caller completes it and
// hands it to Commit or Discard.
func (c *Cache) Stage(rootfs string) (*LayerSnapshot, error) {
	staging := c.tmpPath(stagingPrefix + uuid.NewString())
	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	archivePath := filepath.Join(staging, archiveName+c.compression.Extension())
	f, err := os.OpenFile(archivePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("failed to create snapshot archive: %w", err)
	}

	info, err := layers.WriteArchive(rootfs, f, c.compression)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("failed to write snapshot: %w", err)
	}

	return &LayerSnapshot{
		Digest:      info.Digest,
		Size:        info.Size,
		Compression: info.Compression,
		Entries:     info.Entries,
		ArchivePath: archivePath,
	}, nil
}

// Discard removes a staged snapshot that will not be committed.
func (c *Cache) Discard(snap *LayerSnapshot) error {
	staging, err := c.stagingDir(snap)
	if err != nil {
		return err
	}
	return layers.RemoveTree(staging)
}

func (c *Cache) stagingDir(snap *LayerSnapshot) (string, error) {
	if snap == nil || snap.ArchivePath == "" {
		return "", fmt.Errorf("snapshot has no staged archive")
	}
	staging := filepath.Dir(snap.ArchivePath)
	if filepath.Dir(staging) != filepath.Join(c.baseDir, tmpDir) ||
		!strings.HasPrefix(filepath.Base(staging), stagingPrefix) {
		return "", fmt.Errorf("snapshot %s is not staged in this cache", snap.ArchivePath)
	}
	return staging, nil
}

// Commit registers a staged snapshot under id. The staged entry directory
// is renamed into place in one step, so readers see either the complete
// entry or nothing.
func (c *Cache) Commit(id digest.Digest, snap *LayerSnapshot) (*CommitResult, error) {
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("invalid layer identity %q: %w", id, err)
	}
	if err := c.checkPoison(); err != nil {
		return nil, err
	}
	staging, err := c.stagingDir(snap)
	if err != nil {
		return nil, err
	}

	unlock := c.locks.Lock(id.String())
	defer unlock()

	committed := *snap
	committed.Identity = id
	archive := filepath.Base(snap.ArchivePath)

	entry := CacheEntry{
		Identity: id,
		Parent:   snap.Parent,
		Archive:  archive,
		Snapshot: committed,
		Created:  time.Now().UTC(),
		Size:     snap.Size,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, entryFile), data, 0644); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("failed to write cache entry: %w", err)
	}

	target := c.entryDir(id)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	renameErr := os.Rename(staging, target)
	if renameErr == nil {
		committed.ArchivePath = filepath.Join(target, archive)
		return &CommitResult{Snapshot: &committed}, nil
	}

	os.RemoveAll(staging)
	if !stderrors.Is(renameErr, fs.ErrExist) {
		return nil, fmt.Errorf("failed to commit layer %s: %w", id, renameErr)
	}

	existing, err := c.readEntry(id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("failed to commit layer %s: entry vanished during commit", id)
	}
	if existing.Digest != snap.Digest {
		return nil, c.poison(id, fmt.Sprintf("two different snapshots produced for one identity (stored %s, new %s)", existing.Digest, snap.Digest))
	}
	return &CommitResult{Snapshot: existing, AlreadyExists: true}, nil
}

// Evict removes the entry for id. The entry is first renamed out of the
// layer tree so a concurrent Lookup never sees a half-removed entry.
func (c *Cache) Evict(id digest.Digest) (bool, error) {
	if err := id.Validate(); err != nil {
		return false, fmt.Errorf("invalid layer identity %q: %w", id, err)
	}

	unlock := c.locks.Lock(id.String())
	defer unlock()

	trash := c.tmpPath(evictPrefix + uuid.NewString())
	if err := os.Rename(c.entryDir(id), trash); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to evict layer %s: %w", id, err)
	}
	if err := layers.RemoveTree(trash); err != nil {
		return true, fmt.Errorf("failed to remove evicted layer %s: %w", id, err)
	}
	return true, nil
}

// Materialize extracts snap into dir, replacing whatever dir held. The
// extracted stream must match the recorded content digest.
func (c *Cache) Materialize(snap *LayerSnapshot, dir string) error {
	if err := c.checkPoison(); err != nil {
		return err
	}
	if err := layers.RemoveTree(dir); err != nil {
		return fmt.Errorf("failed to clear %s: %w", dir, err)
	}

	f, err := os.Open(snap.ArchivePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to open snapshot %s: %w", snap.Identity, err)
		}
		// Only an archive missing from an entry that is still registered is
		// corruption; anything else was evicted.
		if filepath.Dir(snap.ArchivePath) == c.entryDir(snap.Identity) && c.hasEntry(snap.Identity) {
			return c.poison(snap.Identity, "snapshot archive is missing")
		}
		return fmt.Errorf("snapshot %s: %w", snap.Identity, ErrEvicted)
	}
	defer f.Close()

	got, err := layers.ExtractArchive(f, snap.Compression, dir)
	if err != nil {
		return fmt.Errorf("failed to materialize snapshot %s: %w", snap.Identity, err)
	}
	if got != snap.Digest {
		return c.poison(snap.Identity, fmt.Sprintf("snapshot content digest %s does not match recorded %s", got, snap.Digest))
	}
	return nil
}

// Pin links the archive of snap into dir and returns a copy of snap that
// reads from there, so the snapshot stays usable if its entry is evicted
// later. ErrEvicted means the entry is already gone.
func (c *Cache) Pin(snap *LayerSnapshot, dir string) (*LayerSnapshot, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create pin directory: %w", err)
	}
	pinned := *snap
	pinned.ArchivePath = filepath.Join(dir, snap.Identity.Encoded()+snap.Compression.Extension())

	err := os.Link(snap.ArchivePath, pinned.ArchivePath)
	switch {
	case err == nil, os.IsExist(err):
		return &pinned, nil
	case os.IsNotExist(err):
		return nil, fmt.Errorf("snapshot %s: %w", snap.Identity, ErrEvicted)
	}

	// Some filesystems refuse hard links; fall back to a private copy.
	if err := copyFile(snap.ArchivePath, pinned.ArchivePath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("snapshot %s: %w", snap.Identity, ErrEvicted)
		}
		return nil, fmt.Errorf("failed to pin snapshot %s: %w", snap.Identity, err)
	}
	return &pinned, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst+".partial", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst + ".partial")
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst + ".partial")
		return err
	}
	return os.Rename(dst+".partial", dst)
}

func (c *Cache) hasEntry(id digest.Digest) bool {
	_, err := os.Stat(filepath.Join(c.entryDir(id), entryFile))
	return err == nil
}

// readEntry loads the entry for id. A missing entry returns nil, nil; an
// entry that contradicts its own key poisons the cache.
func (c *Cache) readEntry(id digest.Digest) (*LayerSnapshot, error) {
	dir := c.entryDir(id)
	data, err := os.ReadFile(filepath.Join(dir, entryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache entry %s: %w", id, err)
	}

	var entry CacheEntry
	if err := decodeEntry(data, &entry); err != nil {
		return nil, c.poison(id, "entry.json is unreadable: "+err.Error())
	}
	if entry.Identity != id || entry.Snapshot.Identity != id {
		return nil, c.poison(id, fmt.Sprintf("entry records identity %s", entry.Identity))
	}
	snap := entry.Snapshot
	snap.ArchivePath = filepath.Join(dir, entry.Archive)
	if _, err := os.Stat(snap.ArchivePath); err != nil {
		if os.IsNotExist(err) {
			if !c.hasEntry(id) {
				// Evicted by another process since entry.json was read.
				return nil, nil
			}
			return nil, c.poison(id, "snapshot archive is missing")
		}
		return nil, fmt.Errorf("failed to stat snapshot %s: %w", id, err)
	}
	return &snap, nil
}

func decodeEntry(data []byte, entry *CacheEntry) error {
	if err := json.Unmarshal(data, entry); err != nil {
		return err
	}
	if entry.Archive == "" || filepath.Base(entry.Archive) != entry.Archive {
		return fmt.Errorf("invalid archive name %q", entry.Archive)
	}
	return nil
}

// Poisoned reports whether an integrity failure has been recorded.
func (c *Cache) Poisoned() bool {
	_, err := os.Stat(filepath.Join(c.baseDir, PoisonMarker))
	return err == nil
}

func (c *Cache) checkPoison() error {
	data, err := os.ReadFile(filepath.Join(c.baseDir, PoisonMarker))
	if err != nil {
		return nil
	}
	return errors.NewErrorBuilder().
		Kind(errors.KindCacheIntegrity).
		Operation("cache").
		Message("cache is poisoned by an earlier integrity failure").
		Detail(strings.TrimSpace(string(data))).
		Suggestion("Run 'envbuild cache verify --reset' after investigating").
		Build()
}

// poison records an integrity failure for every process sharing the cache
// and returns the error to report.
func (c *Cache) poison(id digest.Digest, message string) error {
	integrityErr := errors.NewCacheIntegrityError(id.String(), message)
	record := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), integrityErr.Error())

	f, err := os.OpenFile(filepath.Join(c.baseDir, PoisonMarker), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err == nil {
		f.WriteString(record)
		f.Close()
	}
	return integrityErr
}

// Info reports entry counts, stored bytes and this process's hit rate.
func (c *Cache) Info() (*types.CacheInfo, error) {
	entries, err := c.List()
	if err != nil {
		return nil, err
	}

	hits, misses := c.hits.Load(), c.misses.Load()
	info := &types.CacheInfo{
		TotalEntries: len(entries),
		Hits:         hits,
		Misses:       misses,
		Poisoned:     c.Poisoned(),
	}
	for _, e := range entries {
		info.TotalSize += e.Size
	}
	if hits+misses > 0 {
		info.HitRate = float64(hits) / float64(hits+misses)
	}
	return info, nil
}

// List returns every readable entry. Entries whose entry.json cannot be
// parsed are skipped; Verify reports them.
func (c *Cache) List() ([]*CacheEntry, error) {
	root := filepath.Join(c.baseDir, layersDir, string(digest.Canonical))
	dirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}

	var entries []*CacheEntry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, d.Name(), entryFile))
		if err != nil {
			continue
		}
		var entry CacheEntry
		if err := decodeEntry(data, &entry); err != nil {
			continue
		}
		entry.Snapshot.ArchivePath = filepath.Join(root, d.Name(), entry.Archive)
		entries = append(entries, &entry)
	}
	return entries, nil
}
