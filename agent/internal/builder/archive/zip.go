package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zip"
)

func extractZip(ctx context.Context, r io.ReaderAt, size int64, root *os.Root) error {
	zr, err := zip.NewReader(r, size)
	if errors.Is(err, zip.ErrInsecurePath) {
		return fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}
	if err != nil {
		return fmt.Errorf("corrupt zip archive: %w", err)
	}

	for _, entry := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := localPath(entry.Name)
		if err != nil {
			return err
		}
		if rel == "" {
			continue
		}
		mode := entry.Mode()

		switch {
		case mode.IsDir():
			if err := writeDir(root, rel); err != nil {
				return fmt.Errorf("failed to create %q: %w", rel, err)
			}
		case mode&os.ModeSymlink != 0:
			target, err := readZipEntry(entry)
			if err != nil {
				return fmt.Errorf("failed to read link %q: %w", rel, err)
			}
			if err := checkLinkTarget(rel, target); err != nil {
				return err
			}
			if err := writeSymlink(root, rel, target); err != nil {
				return fmt.Errorf("failed to link %q: %w", rel, err)
			}
		default:
			if err := writeZipFile(ctx, entry, root, rel, mode); err != nil {
				return fmt.Errorf("failed to write %q: %w", rel, err)
			}
		}
	}
	return nil
}

func writeZipFile(ctx context.Context, entry *zip.File, root *os.Root, rel string, mode os.FileMode) error {
	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return writeFile(ctx, root, rel, rc, mode)
}

func readZipEntry(entry *zip.File) (string, error) {
	rc, err := entry.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, 4096))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
