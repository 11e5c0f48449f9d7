// Package archive extracts build input archives into a workspace.
//
// Supported formats are detected from the file content, never from the name: zip, tar,
// and tar compressed with gzip, zstd or lz4. Extraction is all-or-nothing: entries are
// written to a hidden staging directory next to the destination and only merged into it
// after the whole archive was read successfully.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsafePath is returned for entries that would be written outside the destination.
	ErrUnsafePath = errors.New("unsafe path in archive")

	// ErrUnsupportedFormat is returned when the content matches no known archive format.
	ErrUnsupportedFormat = errors.New("unsupported archive format")
)

// Format is an archive container format.
type Format string

const (
	FormatUnknown Format = ""
	FormatZip     Format = "zip"
	FormatTar     Format = "tar"
	FormatTarGzip Format = "tar.gz"
	FormatTarZstd Format = "tar.zst"
	FormatTarLZ4  Format = "tar.lz4"
)

var (
	magicZip      = []byte("PK\x03\x04")
	magicZipEmpty = []byte("PK\x05\x06")
	magicGzip     = []byte{0x1f, 0x8b}
	magicZstd     = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicLZ4      = []byte{0x04, 0x22, 0x4d, 0x18}
	magicTar      = []byte("ustar")
)

// tarMagicOffset is the offset of the "ustar" magic in a tar header block.
const tarMagicOffset = 257

// headerSize is the number of leading bytes Detect needs to see.
const headerSize = 512

// Detect identifies the archive format from the leading bytes of a file.
func Detect(header []byte) Format {
	switch {
	case bytes.HasPrefix(header, magicZip), bytes.HasPrefix(header, magicZipEmpty):
		return FormatZip
	case bytes.HasPrefix(header, magicGzip):
		return FormatTarGzip
	case bytes.HasPrefix(header, magicZstd):
		return FormatTarZstd
	case bytes.HasPrefix(header, magicLZ4):
		return FormatTarLZ4
	case len(header) >= tarMagicOffset+len(magicTar) &&
		bytes.Equal(header[tarMagicOffset:tarMagicOffset+len(magicTar)], magicTar):
		return FormatTar
	}
	return FormatUnknown
}

// Extract unpacks the archive at src into dest, creating dest if needed.
// On error dest is left exactly as it was before the call.
func Extract(ctx context.Context, src, dest string) (err error) {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open archive %q: %w", src, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat archive %q: %w", src, err)
	}

	br := bufio.NewReaderSize(f, headerSize)
	header, err := br.Peek(headerSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read archive %q: %w", src, err)
	}
	format := Detect(header)
	if format == FormatUnknown {
		return fmt.Errorf("%q: %w", filepath.Base(src), ErrUnsupportedFormat)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create destination %q: %w", dest, err)
	}

	staging, err := os.MkdirTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".extract-")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	root, err := os.OpenRoot(staging)
	if err != nil {
		return fmt.Errorf("failed to open staging directory: %w", err)
	}
	defer root.Close()

	switch format {
	case FormatZip:
		err = extractZip(ctx, f, info.Size(), root)
	default:
		err = extractTarStream(ctx, format, br, root)
	}
	if err == nil {
		err = checkLinks(root, staging)
	}
	if err != nil {
		return fmt.Errorf("failed to extract %q (%s): %w", filepath.Base(src), format, err)
	}

	if err := merge(staging, dest); err != nil {
		return fmt.Errorf("failed to merge extracted files into %q: %w", dest, err)
	}
	return nil
}

// localPath validates an entry name and returns it as a relative OS path.
// It returns "" for entries naming the archive root itself.
func localPath(name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	rel := filepath.Clean(filepath.FromSlash(name))
	if rel == "." {
		return "", nil
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return rel, nil
}

// checkLinkTarget validates that a link at rel pointing to target stays inside the tree.
func checkLinkTarget(rel, target string) error {
	if target == "" || filepath.IsAbs(target) || strings.HasPrefix(target, "/") {
		return fmt.Errorf("%w: link %q -> %q", ErrUnsafePath, rel, target)
	}
	resolved := filepath.Join(filepath.Dir(rel), filepath.FromSlash(target))
	if !filepath.IsLocal(resolved) {
		return fmt.Errorf("%w: link %q -> %q", ErrUnsafePath, rel, target)
	}
	return nil
}

// fileMode keeps the permission bits of an entry while guaranteeing the owner can
// read and write it.
func fileMode(mode fs.FileMode) fs.FileMode {
	return mode.Perm() | 0o600
}

// checkParent rejects entries whose parent directory resolves outside root through
// links created by earlier entries.
func checkParent(root *os.Root, rel string) error {
	dir := filepath.Dir(rel)
	if dir == "." {
		return nil
	}
	return ensureDir(root, dir)
}

// ensureDir creates rel unless it already resolves to a directory inside root.
func ensureDir(root *os.Root, rel string) error {
	info, err := root.Stat(rel)
	switch {
	case err == nil && info.IsDir():
		return nil
	case err == nil:
		return fmt.Errorf("%q is not a directory", rel)
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %q: %v", ErrUnsafePath, rel, err)
	}
	return root.MkdirAll(rel, 0o755)
}

func writeDir(root *os.Root, rel string) error {
	if err := checkParent(root, rel); err != nil {
		return err
	}
	return ensureDir(root, rel)
}

func writeFile(ctx context.Context, root *os.Root, rel string, r io.Reader, mode fs.FileMode) error {
	if err := checkParent(root, rel); err != nil {
		return err
	}
	// Replace a link of the same name rather than writing through it.
	if info, err := root.Lstat(rel); err == nil && info.Mode()&fs.ModeSymlink != 0 {
		if err := root.Remove(rel); err != nil {
			return err
		}
	}
	out, err := root.OpenFile(rel, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fileMode(mode))
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, contextReader{ctx: ctx, r: r}); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeSymlink(root *os.Root, rel, target string) error {
	if err := checkParent(root, rel); err != nil {
		return err
	}
	root.Remove(rel)
	return root.Symlink(target, rel)
}

func writeHardLink(root *os.Root, rel, linkRel string) error {
	if err := checkParent(root, rel); err != nil {
		return err
	}
	if err := checkParent(root, linkRel); err != nil {
		return err
	}
	return root.Link(linkRel, rel)
}

// checkLinks resolves every symlink of the extracted tree from where it really landed.
// A link must resolve inside root. A dangling link is kept only when its target never
// climbs with "..", so it cannot leave the tree once its target appears.
func checkLinks(root *os.Root, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		return checkLink(root, rel)
	})
}

func checkLink(root *os.Root, rel string) error {
	target, err := root.Readlink(rel)
	if err != nil {
		return err
	}
	_, err = root.Stat(rel)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist) && !climbs(target):
		return nil
	}
	return fmt.Errorf("%w: link %q -> %q", ErrUnsafePath, rel, target)
}

func climbs(target string) bool {
	for _, elem := range strings.Split(filepath.ToSlash(target), "/") {
		if elem == ".." {
			return true
		}
	}
	return false
}

// merge moves every entry of staging into dest, replacing files that already exist.
// Links already present in dest are followed only while they resolve inside dest.
func merge(staging, dest string) error {
	root, err := os.OpenRoot(dest)
	if err != nil {
		return err
	}
	defer root.Close()

	var links []string
	err = filepath.WalkDir(staging, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(staging, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			return writeDir(root, rel)
		}
		if err := checkParent(root, rel); err != nil {
			return err
		}
		if existing, err := root.Lstat(rel); err == nil && existing.IsDir() {
			return fmt.Errorf("cannot replace directory %q with a file", rel)
		}
		if d.Type()&fs.ModeSymlink != 0 {
			links = append(links, rel)
		}
		return os.Rename(path, filepath.Join(dest, rel))
	})
	if err != nil {
		return err
	}
	for _, rel := range links {
		if err := checkLink(root, rel); err != nil {
			return err
		}
	}
	return nil
}

// contextReader aborts long copies once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
