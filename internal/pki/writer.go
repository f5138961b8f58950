package pki

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/rs/zerolog"
)

const (
	certMode fs.FileMode = 0644
	keyMode  fs.FileMode = 0600
	dirMode  fs.FileMode = 0755
)

type outputFile struct {
	path string
	data []byte
	perm fs.FileMode
}

// existingTargets returns the paths that already exist.
func existingTargets(paths []string) ([]string, error) {
	var existing []string
	for _, path := range paths {
		_, err := os.Lstat(path)
		switch {
		case err == nil:
			existing = append(existing, path)
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, filesystemError("check output files", err)
		}
	}
	return existing, nil
}

// writeFiles replaces all files as a group and removes the paths in stale.
// Every file is first written and synced to a temp file next to its target.
// Existing targets and stale files are moved aside, temps are renamed into
// place and the moved-aside files are removed only once every rename
// succeeded. Any failure restores the previous state.
func writeFiles(ctx context.Context, dir string, files []outputFile, stale []string) (err error) {
	const op = "write output files"
	logger := zerolog.Ctx(ctx)

	createdDir, err := ensureDir(dir)
	if err != nil {
		return filesystemError(op, err)
	}
	defer func() {
		if err != nil && createdDir {
			// Only succeeds when the directory is still empty.
			_ = os.Remove(dir)
		}
	}()

	temps := make([]string, 0, len(files))
	defer func() {
		if err != nil {
			for _, tmp := range temps {
				_ = os.Remove(tmp)
			}
		}
	}()

	for _, f := range files {
		tmp, werr := writeTemp(f)
		if werr != nil {
			return filesystemError(op, werr)
		}
		temps = append(temps, tmp)
	}

	type movedFile struct{ target, backup string }
	var moved []movedFile
	var placed []string

	rollback := func() {
		for _, target := range placed {
			_ = os.Remove(target)
		}
		for _, m := range moved {
			if rerr := os.Rename(m.backup, m.target); rerr != nil {
				logger.Error().Err(rerr).Str("path", m.target).Msg("failed to restore original file")
			}
		}
	}

	aside := append(make([]string, 0, len(stale)+len(files)), stale...)
	for _, f := range files {
		aside = append(aside, f.path)
	}

	for _, path := range aside {
		if _, serr := os.Lstat(path); serr != nil {
			continue
		}
		backup, merr := moveAside(path)
		if merr != nil {
			rollback()
			return filesystemError(op, merr)
		}
		moved = append(moved, movedFile{target: path, backup: backup})
	}

	for i, f := range files {
		if rerr := os.Rename(temps[i], f.path); rerr != nil {
			rollback()
			return filesystemError(op, fmt.Errorf("failed to rename %s: %w", f.path, rerr))
		}
		placed = append(placed, f.path)
	}

	for _, m := range moved {
		if rerr := os.Remove(m.backup); rerr != nil {
			logger.Warn().Err(rerr).Str("path", m.backup).Msg("failed to remove replaced file")
		}
	}

	for _, path := range stale {
		if slices.ContainsFunc(moved, func(m movedFile) bool { return m.target == path }) {
			logger.Info().Str("path", path).Msg("Removed stale file")
		}
	}

	syncDir(dir)

	return nil
}

// moveAside renames path to a new uniquely named file in the same directory
// and returns the backup path. Existing files are never clobbered.
func moveAside(path string) (string, error) {
	placeholder, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".orig-*")
	if err != nil {
		return "", fmt.Errorf("failed to create backup for %s: %w", path, err)
	}
	backup := placeholder.Name()
	_ = placeholder.Close()

	if err := os.Rename(path, backup); err != nil {
		_ = os.Remove(backup)
		return "", fmt.Errorf("failed to move aside %s: %w", path, err)
	}

	return backup, nil
}

// writeTemp writes data to a temp file in the target's directory with the
// final permissions, syncs it and returns its path.
func writeTemp(f outputFile) (path string, err error) {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file for %s: %w", f.path, err)
	}
	defer func() {
		if cerr := tmp.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", tmp.Name(), cerr)
		}
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	// CreateTemp uses 0600; set the exact mode so umask does not apply.
	if err := tmp.Chmod(f.perm); err != nil {
		return "", fmt.Errorf("failed to set mode on %s: %w", tmp.Name(), err)
	}

	if _, err := tmp.Write(f.data); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", tmp.Name(), err)
	}

	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync %s: %w", tmp.Name(), err)
	}

	return tmp.Name(), nil
}

func ensureDir(dir string) (created bool, err error) {
	info, err := os.Stat(dir)
	switch {
	case err == nil:
		if !info.IsDir() {
			return false, fmt.Errorf("%s is not a directory", dir)
		}
		return false, nil
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return false, fmt.Errorf("failed to create output directory: %w", err)
		}
		return true, nil
	default:
		return false, err
	}
}

// syncDir flushes the directory entry updates. Best effort.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
