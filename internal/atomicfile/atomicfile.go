// Package atomicfile provides the temp-file-then-rename write primitive
// shared by the resilient store and the WAL checkpoint writer. Both need
// the same crash-safety property: a reader must never observe a partially
// written file.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteAndFsync writes data to a per-process temp file next to path, fsyncs
// it, renames it onto path, and fsyncs the containing directory. On any
// failure after the temp file is created, the temp file is removed.
//
// tmpSuffix distinguishes concurrent writers within the same process (the
// resilient store uses ".<pid>.tmp"; the WAL checkpoint uses a fixed
// ".tmp" name because it is single-writer by lock).
func WriteAndFsync(path string, data []byte, tmpSuffix string, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	tmpPath := path + tmpSuffix

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("atomicfile: create temp: %w", err)
	}

	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, werr := f.Write(data); werr != nil {
		_ = f.Close()
		err = fmt.Errorf("atomicfile: write temp: %w", werr)
		return err
	}

	if serr := f.Sync(); serr != nil {
		_ = f.Close()
		err = fmt.Errorf("atomicfile: fsync temp: %w", serr)
		return err
	}

	if cerr := f.Close(); cerr != nil {
		err = fmt.Errorf("atomicfile: close temp: %w", cerr)
		return err
	}

	if rerr := os.Rename(tmpPath, path); rerr != nil {
		err = fmt.Errorf("atomicfile: rename: %w", rerr)
		return err
	}

	if derr := FsyncDir(dir); derr != nil {
		// The rename already landed; a directory-entry fsync failure is
		// reported but does not roll back the rename.
		return fmt.Errorf("atomicfile: fsync dir: %w", derr)
	}

	return nil
}

// WriteTempFsynced writes data to a per-process temp file next to path and
// fsyncs it, returning the temp file's path without renaming it into place.
// Callers that need to interpose additional steps between the temp write
// and the final rename (the resilient store's primary-to-backup rotation)
// use this instead of WriteAndFsync. On failure the temp file is removed.
func WriteTempFsynced(path string, data []byte, tmpSuffix string, perm os.FileMode) (tmpPath string, err error) {
	tmpPath = path + tmpSuffix

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return "", fmt.Errorf("atomicfile: create temp: %w", err)
	}

	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, werr := f.Write(data); werr != nil {
		_ = f.Close()
		err = fmt.Errorf("atomicfile: write temp: %w", werr)
		return "", err
	}

	if serr := f.Sync(); serr != nil {
		_ = f.Close()
		err = fmt.Errorf("atomicfile: fsync temp: %w", serr)
		return "", err
	}

	if cerr := f.Close(); cerr != nil {
		err = fmt.Errorf("atomicfile: close temp: %w", cerr)
		return "", err
	}

	return tmpPath, nil
}

// FsyncDir fsyncs a directory so a preceding rename's directory-entry update
// is itself durable. Best-effort: some platforms/filesystems reject O_RDONLY
// fsync on directories, in which case the error is advisory only; callers
// that already landed their rename should log, not fail, on this error.
func FsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}
