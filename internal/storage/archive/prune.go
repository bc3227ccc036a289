package archive

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// fileLayout is the minute prefix of an archive file name.
const fileLayout = "20060102-1504"

// PruneResult reports one Prune call.
type PruneResult struct {
	FilesDeleted int
	BytesFreed   int64
	FilesSkipped int
	Errors       []error
}

// DiskUsage summarizes the files under the host directory.
type DiskUsage struct {
	FileCount int
	TotalSize int64
	Oldest    time.Time
	Newest    time.Time
}

type archiveFile struct {
	path   string
	minute time.Time
	size   int64
}

// Prune deletes archive files whose minute is before cutoff. Files whose
// name does not parse are counted as skipped and left alone. Day
// directories emptied by the prune are removed.
func (a *Archiver) Prune(cutoff time.Time, dryRun bool) (PruneResult, error) {
	var result PruneResult

	files, err := a.listFiles()
	if err != nil {
		return result, err
	}

	dirs := make(map[string]struct{})
	for _, f := range files {
		if f.minute.IsZero() {
			result.FilesSkipped++
			continue
		}
		if !f.minute.Before(cutoff) {
			result.FilesSkipped++
			continue
		}
		if !dryRun {
			if err := os.Remove(f.path); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", f.path, err))
				continue
			}
			dirs[filepath.Dir(f.path)] = struct{}{}
		}
		result.FilesDeleted++
		result.BytesFreed += f.size
	}

	for dir := range dirs {
		a.removeEmptyParents(dir)
	}

	if result.FilesDeleted > 0 {
		a.log.Info("archive pruned",
			"files", result.FilesDeleted,
			"bytes", result.BytesFreed,
			"cutoff", cutoff,
			"dry_run", dryRun)
	}
	return result, nil
}

// DiskUsage walks the host directory.
func (a *Archiver) DiskUsage() (DiskUsage, error) {
	var u DiskUsage
	files, err := a.listFiles()
	if err != nil {
		return u, err
	}
	for _, f := range files {
		u.FileCount++
		u.TotalSize += f.size
		if f.minute.IsZero() {
			continue
		}
		if u.Oldest.IsZero() || f.minute.Before(u.Oldest) {
			u.Oldest = f.minute
		}
		if f.minute.After(u.Newest) {
			u.Newest = f.minute
		}
	}
	return u, nil
}

// listFiles returns every Parquet file under the host directory, oldest
// first. A missing directory yields no files.
func (a *Archiver) listFiles() ([]archiveFile, error) {
	root := filepath.Join(a.dir, a.hostname)
	var files []archiveFile

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".parquet" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, archiveFile{
			path:   path,
			minute: parseFileMinute(d.Name()),
			size:   info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list archive files: %w", err)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].path < files[j].path
	})
	return files, nil
}

// parseFileMinute extracts the minute from "YYYYMMDD-HHMM-<source>.parquet",
// returning the zero time when the name does not match.
func parseFileMinute(name string) time.Time {
	if len(name) < len(fileLayout) || !strings.HasSuffix(name, ".parquet") {
		return time.Time{}
	}
	t, err := time.ParseInLocation(fileLayout, name[:len(fileLayout)], time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

// removeEmptyParents removes dir and its parents up to the host directory
// while they are empty.
func (a *Archiver) removeEmptyParents(dir string) {
	root := filepath.Join(a.dir, a.hostname)
	for dir != root && strings.HasPrefix(dir, root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
