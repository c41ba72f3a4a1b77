package maintenance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Ap3pp3rs94/emaildb/internal/blockfile"
	"github.com/Ap3pp3rs94/emaildb/internal/emailerr"
)

// CompactionResult summarizes one successful compaction pass (spec.md
// §4.10).
type CompactionResult struct {
	DeletedBlocks  []int64
	BytesReclaimed int64
	BackupPath     string
	Path           string
}

// Compact rewrites the BlockFile at e.bf.Path(), copying every block not
// named in deletionSet (in offset order) into a sibling file, then
// atomically swapping it into place. The pre-compaction file is kept as a
// timestamped backup until pruneBackups trims it per policy.
//
// Callers must hold exclusive write access to the database for the
// duration of this call: Compact does not coordinate with a live
// BlockStore/FolderStore/IndexStore, and after it returns the caller is
// responsible for closing and reopening those layers against the
// compacted file (spec.md §4.10: "ask IndexStore to rebuild").
func (e *Engine) Compact(ctx context.Context, deadline time.Time, deletionSet map[int64]bool) (CompactionResult, error) {
	path := e.bf.Path()
	siblingPath := path + ".compact.tmp"
	os.Remove(siblingPath)

	sibling, _, err := blockfile.Open(siblingPath)
	if err != nil {
		return CompactionResult{}, err
	}

	var deleted []int64
	var reclaimed int64

	scanErr := e.bf.Scan(func(b blockfile.Block, loc blockfile.BlockLocation) error {
		select {
		case <-ctx.Done():
			return emailerr.Wrap(emailerr.Cancelled, ctx.Err(), "compaction cancelled")
		default:
		}
		if !deadline.IsZero() && e.clk.Now().After(deadline) {
			return emailerr.New(emailerr.DeadlineExceeded, "compaction exceeded its deadline")
		}
		if deletionSet[b.BlockID] {
			deleted = append(deleted, b.BlockID)
			reclaimed += loc.Length
			return nil
		}
		_, aerr := sibling.Append(b)
		return aerr
	})
	if scanErr != nil {
		sibling.Close()
		os.Remove(siblingPath)
		return CompactionResult{}, emailerr.Wrap(emailerr.Internal, scanErr, "compaction aborted; original file untouched")
	}
	if err := sibling.Close(); err != nil {
		os.Remove(siblingPath)
		return CompactionResult{}, err
	}

	backupPath := fmt.Sprintf("%s.bak.%d", path, e.clk.Now().UnixNano())
	if err := os.Rename(path, backupPath); err != nil {
		os.Remove(siblingPath)
		return CompactionResult{}, emailerr.Wrap(emailerr.IoError, err, "back up original file before swap")
	}
	if err := os.Rename(siblingPath, path); err != nil {
		// Recovery: restore the original so it remains canonical.
		if rerr := os.Rename(backupPath, path); rerr != nil {
			return CompactionResult{}, emailerr.Wrap(emailerr.Internal, rerr, "swap failed AND restoring original from backup also failed: %v", err)
		}
		return CompactionResult{}, emailerr.Wrap(emailerr.IoError, err, "swap compacted file into place; original restored from backup")
	}

	e.pruneBackups(path)

	return CompactionResult{DeletedBlocks: deleted, BytesReclaimed: reclaimed, BackupPath: backupPath, Path: path}, nil
}

// pruneBackups removes backups of path beyond policy.BackupsToKeep,
// newest first.
func (e *Engine) pruneBackups(path string) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	prefix := base + ".bak."

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var backups []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), prefix) {
			backups = append(backups, entry.Name())
		}
	}
	// UnixNano suffixes are fixed-width for any date in this file format's
	// practical lifetime, so lexicographic order matches numeric order.
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))

	for i, name := range backups {
		if i >= e.policy.BackupsToKeep {
			os.Remove(filepath.Join(dir, name))
		}
	}
}
