package fsstore

import (
	"fmt"
	"os"
	"strings"
)

// rotateIfNeeded shifts rotated logs when path exceeds the size threshold:
// file.N.json -> file.(N+1).json keeping at most LogMaxFiles, then the live
// file becomes file.1.json and a fresh live file starts. Rotated files older
// than the retention window are purged. Caller holds the session lock.
func (s *Store) rotateIfNeeded(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	s.purgeExpired(path)
	if info.Size() < s.opts.LogMaxBytes {
		return nil
	}

	// Drop the oldest file beyond the keep limit, then shift the rest up.
	if err := os.Remove(rotatedName(path, s.opts.LogMaxFiles)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("drop oldest: %w", err)
	}
	for n := s.opts.LogMaxFiles - 1; n >= 1; n-- {
		src := rotatedName(path, n)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, rotatedName(path, n+1)); err != nil {
			return fmt.Errorf("shift %d: %w", n, err)
		}
	}
	if err := os.Rename(path, rotatedName(path, 1)); err != nil {
		return fmt.Errorf("rotate live: %w", err)
	}

	s.log.Info("conversation log rotated", "path", path, "size", info.Size())
	return nil
}

// purgeExpired removes rotated files older than the retention window.
func (s *Store) purgeExpired(path string) {
	cutoff := s.now().Add(-s.opts.LogRetention)
	for n := 1; n <= s.opts.LogMaxFiles; n++ {
		name := rotatedName(path, n)
		info, err := os.Stat(name)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(name); err != nil {
				s.log.Warn("retention purge failed", "path", name, "error", err)
			}
		}
	}
}

// rotatedName maps name.json -> name.N.json (rotation index before the
// extension).
func rotatedName(path string, n int) string {
	if strings.HasSuffix(path, ".json") {
		base := strings.TrimSuffix(path, ".json")
		return fmt.Sprintf("%s.%d.json", base, n)
	}
	return fmt.Sprintf("%s.%d", path, n)
}
