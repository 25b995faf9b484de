package client

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// BackupDirName holds timestamped copies of the mirror directory, made before
// the first destructive snapshot materialization. It lives next to the mirror
// directory, not inside it, so it is never swept into the replica.
const BackupDirName = ".vasc-collab-backup"

// Backup copies dir into a fresh timestamped directory under the backup root
// and returns its path.
func Backup(fs afero.Fs, dir string, now time.Time) (string, error) {
	dest := filepath.Join(filepath.Dir(dir), BackupDirName, now.Format("20060102-150405"))
	if err := fs.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}

	err := afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return fs.MkdirAll(target, 0o755)
		}
		return copyFile(fs, path, target)
	})
	if err != nil {
		return "", fmt.Errorf("backing up %s: %w", dir, err)
	}
	return dest, nil
}

func copyFile(fs afero.Fs, src, dest string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fs.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
