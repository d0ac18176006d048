package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/afero"

	dsync "github.com/diffr-sync/diffr/sync"
)

// Prune selects the records a policy removes. Per path, versions beyond
// MaxVersions (newest kept) and versions older than MaxAgeDays go first.
// If the drive's remaining archives still exceed MaxTotalBytes, further
// versions are removed oldest first until they fit.
func Prune(records []dsync.ArchiveRecord, policy dsync.RetentionPolicy, now time.Time) []dsync.ArchiveRecord {
	doomed := make(map[string]bool)

	byPath := lo.GroupBy(records, func(r dsync.ArchiveRecord) string { return r.OriginalPath })
	cutoff := now.Add(-time.Duration(policy.MaxAgeDays) * 24 * time.Hour).UnixNano()
	for _, versions := range byPath {
		sort.SliceStable(versions, func(i, j int) bool { return versions[i].ArchivedAt > versions[j].ArchivedAt })
		for i, r := range versions {
			if policy.MaxVersions > 0 && i >= policy.MaxVersions {
				doomed[r.ID] = true
			}
			if policy.MaxAgeDays > 0 && r.ArchivedAt < cutoff {
				doomed[r.ID] = true
			}
		}
	}

	if policy.MaxTotalBytes > 0 {
		oldest := append([]dsync.ArchiveRecord(nil), records...)
		sort.SliceStable(oldest, func(i, j int) bool { return oldest[i].ArchivedAt < oldest[j].ArchivedAt })
		var total int64
		for _, r := range oldest {
			if !doomed[r.ID] {
				total += r.CompressedSize
			}
		}
		for _, r := range oldest {
			if total <= policy.MaxTotalBytes {
				break
			}
			if !doomed[r.ID] {
				doomed[r.ID] = true
				total -= r.CompressedSize
			}
		}
	}

	return lo.Filter(records, func(r dsync.ArchiveRecord, _ int) bool { return doomed[r.ID] })
}

// EnforceRetention applies policy to the archives stored on d, deleting
// both the files and their records. It returns the records removed.
func (a *Archivist) EnforceRetention(ctx context.Context, d dsync.Drive, policy dsync.RetentionPolicy) ([]dsync.ArchiveRecord, error) {
	l := dsync.Sub("retention")
	if policy.IsZero() {
		return nil, nil
	}

	// Records of an unmounted drive must outlive its files.
	if ok, _ := afero.DirExists(a.fs, d.EffectiveRoot()); !ok {
		return nil, &dsync.DriveOfflineError{Drive: d.ID}
	}

	records, err := a.store.QueryArchives(dsync.ArchiveFilter{Drive: d.ID})
	if err != nil {
		return nil, err
	}
	doomed := Prune(records, policy, nowFunc())

	var removed []dsync.ArchiveRecord
	var errs []error
	var freed int64
	for _, r := range doomed {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		p := filepath.Join(d.EffectiveRoot(), filepath.FromSlash(r.Location))
		if err := a.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", r.Location, err))
			continue
		}
		if err := a.store.DeleteArchiveRecord(r.ID); err != nil {
			return removed, err
		}
		removed = append(removed, r)
		freed += r.CompressedSize
	}

	l.Info("retention enforced", "drive", d.ID, "considered", len(records), "pruned", len(removed), "bytesFreed", freed)
	return removed, errors.Join(errs...)
}
