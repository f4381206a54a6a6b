// Package layers packs and unpacks root filesystem snapshots.
//
// A snapshot is a tar archive of a whole root filesystem, written so that two
// identical trees always produce identical bytes:
//
//   - entries are visited in lexical order
//   - timestamps are fixed at the Unix epoch and ownership is dropped
//   - only directories, regular files and symlinks are recorded
//
// The archive digest is computed over the uncompressed tar stream, so the
// same tree has the same digest whether it is stored with zstd, gzip or no
// compression.
//
//	info, err := layers.WriteArchive("/tmp/rootfs", file, layers.CompressionZstd)
//	...
//	got, err := layers.ExtractArchive(file, info.Compression, "/tmp/restored")
//	if got != info.Digest {
//		// corrupt archive
//	}
//
// ExtractTar resolves every entry with filepath-securejoin so that neither
// entry names nor symlinks in the tree can write outside the target.
//
// ScanTree and Compare describe what a build step changed in a root
// filesystem; Summarize reduces the result to counts for progress output.
package layers
