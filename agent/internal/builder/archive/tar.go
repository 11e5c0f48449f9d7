package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

func extractTarStream(ctx context.Context, format Format, r io.Reader, root *os.Root) error {
	switch format {
	case FormatTar:
		return extractTar(ctx, r, root)

	case FormatTarGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("invalid gzip stream: %w", err)
		}
		defer gz.Close()
		return extractTar(ctx, gz, root)

	case FormatTarZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return fmt.Errorf("invalid zstd stream: %w", err)
		}
		defer dec.Close()
		return extractTar(ctx, dec, root)

	case FormatTarLZ4:
		return extractTar(ctx, lz4.NewReader(r), root)
	}
	return ErrUnsupportedFormat
}

func extractTar(ctx context.Context, r io.Reader, root *os.Root) error {
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("corrupt tar stream: %w", err)
		}

		rel, err := localPath(hdr.Name)
		if err != nil {
			return err
		}
		if rel == "" {
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := writeDir(root, rel); err != nil {
				return fmt.Errorf("failed to create %q: %w", rel, err)
			}
		case tar.TypeReg:
			if err := writeFile(ctx, root, rel, tr, hdr.FileInfo().Mode()); err != nil {
				return fmt.Errorf("failed to write %q: %w", rel, err)
			}
		case tar.TypeSymlink:
			if err := checkLinkTarget(rel, hdr.Linkname); err != nil {
				return err
			}
			if err := writeSymlink(root, rel, hdr.Linkname); err != nil {
				return fmt.Errorf("failed to link %q: %w", rel, err)
			}
		case tar.TypeLink:
			// Hard link names are relative to the archive root.
			linkRel, err := localPath(hdr.Linkname)
			if err != nil || linkRel == "" {
				return fmt.Errorf("%w: hard link %q -> %q", ErrUnsafePath, rel, hdr.Linkname)
			}
			if err := writeHardLink(root, rel, linkRel); err != nil {
				return fmt.Errorf("failed to link %q: %w", rel, err)
			}
		default:
			// Devices, fifos and pax metadata entries are not build inputs.
		}
	}
}
