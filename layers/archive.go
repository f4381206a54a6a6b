package layers

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
)

const (
	whiteoutPrefix = ".wh."
	whiteoutOpaque = ".wh..wh..opq"
)

// Every archive entry carries this timestamp so identical trees pack to
// identical bytes.
var epoch = time.Unix(0, 0).UTC()

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// WriteArchive packs the tree at rootfs into w. Entries are written in
// lexical order with zeroed timestamps and ownership; device nodes, fifos and
// sockets are skipped. Further names of a hard-linked file become TypeLink
// entries pointing at its first name.
func WriteArchive(rootfs string, w io.Writer, compression CompressionType) (*ArchiveInfo, error) {
	counter := &countingWriter{w: w}
	compressor, err := newCompressor(counter, compression)
	if err != nil {
		return nil, NewLayerError("create", "", err)
	}

	digester := digest.Canonical.Digester()
	tw := tar.NewWriter(io.MultiWriter(compressor, digester.Hash()))

	entries := 0
	links := make(map[inode]string)
	walkErr := filepath.WalkDir(rootfs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(rootfs, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		written, err := addToTar(tw, p, filepath.ToSlash(rel), d, links)
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", rel, err)
		}
		if written {
			entries++
		}
		return nil
	})
	if walkErr != nil {
		tw.Close()
		compressor.Close()
		return nil, NewLayerError("create", "", walkErr)
	}

	if err := tw.Close(); err != nil {
		compressor.Close()
		return nil, NewLayerError("create", "", fmt.Errorf("failed to close tar writer: %w", err))
	}
	if err := compressor.Close(); err != nil {
		return nil, NewLayerError("create", "", fmt.Errorf("failed to flush compressor: %w", err))
	}

	return &ArchiveInfo{
		Digest:      digester.Digest(),
		Size:        counter.n,
		Compression: compression,
		Entries:     entries,
	}, nil
}

type inode struct {
	dev, ino uint64
}

func addToTar(tw *tar.Writer, p, name string, d fs.DirEntry, links map[inode]string) (bool, error) {
	info, err := d.Info()
	if err != nil {
		return false, err
	}

	header := &tar.Header{
		Name:    name,
		Mode:    tarMode(info.Mode()),
		ModTime: epoch,
		Format:  tar.FormatPAX,
	}

	switch {
	case info.Mode().IsDir():
		header.Typeflag = tar.TypeDir
		header.Name += "/"
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(p)
		if err != nil {
			return false, err
		}
		header.Typeflag = tar.TypeSymlink
		header.Linkname = target
	case info.Mode().IsRegular():
		header.Typeflag = tar.TypeReg
		header.Size = info.Size()
		if st, ok := info.Sys().(*syscall.Stat_t); ok && st.Nlink > 1 {
			key := inode{dev: uint64(st.Dev), ino: uint64(st.Ino)}
			if first, seen := links[key]; seen {
				header.Typeflag = tar.TypeLink
				header.Linkname = first
				header.Size = 0
			} else {
				links[key] = name
			}
		}
	default:
		return false, nil
	}

	if err := tw.WriteHeader(header); err != nil {
		return false, err
	}

	if header.Typeflag == tar.TypeReg && header.Size > 0 {
		file, err := os.Open(p)
		if err != nil {
			return false, err
		}
		defer file.Close()

		written, err := io.Copy(tw, file)
		if err != nil {
			return false, err
		}
		if written != header.Size {
			return false, fmt.Errorf("size mismatch: expected %d bytes, wrote %d bytes", header.Size, written)
		}
	}

	return true, nil
}

func tarMode(m os.FileMode) int64 {
	mode := int64(m.Perm())
	if m&os.ModeSetuid != 0 {
		mode |= 04000
	}
	if m&os.ModeSetgid != 0 {
		mode |= 02000
	}
	if m&os.ModeSticky != 0 {
		mode |= 01000
	}
	return mode
}

func newCompressor(w io.Writer, compression CompressionType) (io.WriteCloser, error) {
	switch compression {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionGzip:
		gz, err := gzip.NewWriterLevel(w, gzip.DefaultCompression)
		if err != nil {
			return nil, err
		}
		return gz, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, err
		}
		return enc, nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %v", compression)
	}
}

func newDecompressor(r io.Reader, compression CompressionType) (io.ReadCloser, error) {
	switch compression {
	case CompressionNone:
		return io.NopCloser(r), nil
	case CompressionGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return gz, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %v", compression)
	}
}

// ExtractArchive unpacks an archive written by WriteArchive into target and
// returns the digest of the uncompressed stream it read.
func ExtractArchive(r io.Reader, compression CompressionType, target string) (digest.Digest, error) {
	decompressed, err := newDecompressor(r, compression)
	if err != nil {
		return "", NewLayerError("extract", "", fmt.Errorf("failed to decompress: %w", err))
	}
	defer decompressed.Close()

	digester := digest.Canonical.Digester()
	tee := io.TeeReader(decompressed, digester.Hash())
	if err := ExtractTar(tee, target); err != nil {
		return "", err
	}
	// The tar reader stops before the end-of-archive padding.
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return "", NewLayerError("extract", "", err)
	}
	return digester.Digest(), nil
}

// DigestArchive recomputes the content digest of an archive without unpacking it.
func DigestArchive(r io.Reader, compression CompressionType) (digest.Digest, error) {
	decompressed, err := newDecompressor(r, compression)
	if err != nil {
		return "", NewLayerError("digest", "", err)
	}
	defer decompressed.Close()

	digester := digest.Canonical.Digester()
	if _, err := io.Copy(digester.Hash(), decompressed); err != nil {
		return "", NewLayerError("digest", "", err)
	}
	return digester.Digest(), nil
}

type dirMode struct {
	path string
	mode os.FileMode
}

// ExtractTar unpacks an uncompressed tar stream into target. Every path,
// including hard link targets, is resolved inside target. Whiteouts remove
// the entries they name. Directory modes are applied last so read-only
// directories can still be populated.
func ExtractTar(r io.Reader, target string) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return NewLayerError("extract", "", err)
	}

	tr := tar.NewReader(r)
	var dirs []dirMode
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return NewLayerError("extract", "", fmt.Errorf("failed to read tar header: %w", err))
		}

		name := path.Clean("/" + header.Name)
		if name == "/" {
			continue
		}

		if strings.HasPrefix(path.Base(name), whiteoutPrefix) {
			if err := handleWhiteout(target, name); err != nil {
				return NewLayerError("extract", "", fmt.Errorf("failed to apply whiteout %s: %w", header.Name, err))
			}
			continue
		}

		dest, err := securejoin.SecureJoin(target, name)
		if err != nil {
			return NewLayerError("extract", "", fmt.Errorf("invalid entry %s: %w", header.Name, err))
		}

		dir, err := extractTarEntry(tr, header, target, dest)
		if err != nil {
			return NewLayerError("extract", "", fmt.Errorf("failed to extract %s: %w", header.Name, err))
		}
		if dir != nil {
			dirs = append(dirs, *dir)
		}
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Chmod(dirs[i].path, dirs[i].mode); err != nil {
			return NewLayerError("extract", "", err)
		}
	}
	return nil
}

func extractTarEntry(tr *tar.Reader, header *tar.Header, root, dest string) (*dirMode, error) {
	mode := header.FileInfo().Mode()

	if header.Typeflag == tar.TypeDir {
		if info, err := os.Lstat(dest); err == nil && !info.IsDir() {
			if err := os.Remove(dest); err != nil {
				return nil, err
			}
		}
		if err := os.MkdirAll(dest, 0755); err != nil {
			return nil, err
		}
		return &dirMode{path: dest, mode: mode}, nil
	}

	switch header.Typeflag {
	case tar.TypeReg, tar.TypeSymlink, tar.TypeLink:
	default:
		// Device nodes and fifos cannot be recreated unprivileged.
		return nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, err
	}
	if err := removeExisting(dest); err != nil {
		return nil, err
	}

	switch header.Typeflag {
	case tar.TypeReg:
		file, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(file, tr); err != nil {
			file.Close()
			return nil, err
		}
		if err := file.Close(); err != nil {
			return nil, err
		}
		return nil, os.Chmod(dest, mode)

	case tar.TypeSymlink:
		return nil, os.Symlink(header.Linkname, dest)

	default:
		source, err := securejoin.SecureJoin(root, path.Clean("/"+header.Linkname))
		if err != nil {
			return nil, err
		}
		return nil, os.Link(source, dest)
	}
}

func removeExisting(p string) error {
	info, err := os.Lstat(p)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return RemoveTree(p)
	}
	return os.Remove(p)
}

func handleWhiteout(root, name string) error {
	dir := path.Dir(name)
	base := path.Base(name)

	parent, err := securejoin.SecureJoin(root, dir)
	if err != nil {
		return err
	}

	if base == whiteoutOpaque {
		entries, err := os.ReadDir(parent)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := RemoveTree(filepath.Join(parent, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	}

	return RemoveTree(filepath.Join(parent, strings.TrimPrefix(base, whiteoutPrefix)))
}

// RemoveTree deletes p like os.RemoveAll, first granting the owner write
// access to directories that were extracted read-only.
func RemoveTree(p string) error {
	err := os.RemoveAll(p)
	if err == nil || os.IsNotExist(err) {
		return nil
	}

	_ = filepath.WalkDir(p, func(sub string, d fs.DirEntry, walkErr error) error {
		if walkErr == nil && d.IsDir() {
			if info, err := d.Info(); err == nil {
				_ = os.Chmod(sub, info.Mode().Perm()|0700)
			}
		}
		return nil
	})
	return os.RemoveAll(p)
}
