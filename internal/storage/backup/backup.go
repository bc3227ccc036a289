// Package backup keeps a zstd-compressed copy of the store file, taken at
// startup before the schema is migrated.
package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/xtxerr/livedata/internal/logging"
)

// Suffix is appended to the store path to name its backup.
const Suffix = ".bak.zst"

// Result describes one backup run.
type Result struct {
	Path        string
	SourceBytes int64
	BackupBytes int64
	IncludesWAL bool
	Skipped     bool
}

// PathFor returns the backup file of a store file.
func PathFor(dbPath string) string {
	return dbPath + Suffix
}

// Create compresses dbPath, and its write-ahead log when present, next to
// the store. A missing store is not an error: Result.Skipped is set.
// An existing backup is replaced only after the new one is complete.
func Create(dbPath string) (Result, error) {
	log := logging.Component("backup")

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Debug("no store to back up", "path", dbPath)
		return Result{Skipped: true}, nil
	} else if err != nil {
		return Result{}, fmt.Errorf("stat store: %w", err)
	}

	res := Result{Path: PathFor(dbPath)}
	n, written, err := compressFile(dbPath, res.Path)
	if err != nil {
		return Result{}, err
	}
	res.SourceBytes, res.BackupBytes = n, written

	wal := dbPath + ".wal"
	if _, err := os.Stat(wal); err == nil {
		n, written, err := compressFile(wal, PathFor(wal))
		if err != nil {
			return Result{}, err
		}
		res.SourceBytes += n
		res.BackupBytes += written
		res.IncludesWAL = true
	} else {
		os.Remove(PathFor(wal))
	}

	log.Info("store backed up",
		"path", res.Path,
		"source_bytes", res.SourceBytes,
		"backup_bytes", res.BackupBytes,
		"wal", res.IncludesWAL)
	return res, nil
}

// Restore replaces dbPath with the contents of its backup. The store must
// not be open.
func Restore(dbPath string) error {
	src := PathFor(dbPath)
	if err := decompressFile(src, dbPath); err != nil {
		return err
	}

	wal := dbPath + ".wal"
	if _, err := os.Stat(PathFor(wal)); err == nil {
		return decompressFile(PathFor(wal), wal)
	}
	if err := os.Remove(wal); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale wal: %w", err)
	}
	return nil
}

func compressFile(src, dst string) (int64, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, 0, fmt.Errorf("open %s: %w", filepath.Base(src), err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, 0, fmt.Errorf("create backup: %w", err)
	}

	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		out.Close()
		os.Remove(tmp)
		return 0, 0, err
	}

	n, err := io.Copy(enc, in)
	if err == nil {
		err = enc.Close()
	} else {
		enc.Close()
	}
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, 0, fmt.Errorf("write backup: %w", err)
	}

	info, err := os.Stat(tmp)
	if err != nil {
		os.Remove(tmp)
		return 0, 0, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return 0, 0, fmt.Errorf("publish backup: %w", err)
	}
	return n, info.Size(), nil
}

func decompressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	defer dec.Close()

	tmp := dst + ".restore"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create restore target: %w", err)
	}
	_, err = io.Copy(out, dec)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("restore %s: %w", filepath.Base(dst), err)
	}
	return os.Rename(tmp, dst)
}
