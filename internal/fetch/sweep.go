package fetch

import (
	"os"
	"path/filepath"
	"time"
)

// Sweep removes regular files under dir (recursively) whose modification time
// is older than maxAge. It returns how many files were removed.
func Sweep(dir string, maxAge time.Duration, now time.Time) (int, error) {
	removed := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if now.Sub(info.ModTime()) > maxAge {
			if os.Remove(path) == nil {
				removed++
			}
		}
		return nil
	})
	return removed, err
}
