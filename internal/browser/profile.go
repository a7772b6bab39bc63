package browser

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// cloneProfile copies src into a new temporary directory and returns it.
// With an empty src the directory starts empty. Lock files and other
// non-regular files are skipped.
func cloneProfile(src string) (string, error) {
	dst, err := os.MkdirTemp("", "tbcrawler-profile-")
	if err != nil {
		return "", fmt.Errorf("failed to create profile directory: %w", err)
	}
	if src == "" {
		return dst, nil
	}

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0700)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			return nil
		}
	})
	if err != nil {
		_ = os.RemoveAll(dst)
		return "", fmt.Errorf("failed to clone profile %s: %w", src, err)
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // profile path comes from the operator's configuration
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) //nolint:gosec // dst is inside our temp dir
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
