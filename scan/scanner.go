// Package scan builds file index snapshots of a drive's sync root.
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"golang.org/x/text/unicode/norm"

	dsync "github.com/diffr-sync/diffr/sync"
)

func sub() *slog.Logger { return dsync.Sub("scanner") }

// Scanner walks sync roots and digests every regular file.
type Scanner struct {
	fs    afero.Fs
	cache *DigestCache
}

// New creates a scanner. cache may be nil.
func New(fs afero.Fs, cache *DigestCache) *Scanner {
	return &Scanner{fs: fs, cache: cache}
}

var _ dsync.Scanner = (*Scanner)(nil)

// Scan returns the snapshot of d's effective root. Paths are
// slash-separated, relative to the root and NFC-normalized so the same name
// compares equal across filesystems. Unreadable entries are skipped and
// listed in Snapshot.Unreadable; only an unreadable root fails the scan.
// The snapshot's Excludes reports the root's ignore rules.
func (s *Scanner) Scan(ctx context.Context, d dsync.Drive, strong bool) (*dsync.Snapshot, error) {
	l := sub()
	root := d.EffectiveRoot()
	l.Debug("scan start", "drive", d.ID, "root", root, "strong", strong)

	info, err := s.fs.Stat(root)
	if err != nil {
		return nil, &dsync.ScanError{Drive: d.ID, Path: root, Err: err}
	}
	if !info.IsDir() {
		return nil, &dsync.ScanError{Drive: d.ID, Path: root, Err: fmt.Errorf("not a directory")}
	}

	ignore := LoadIgnore(s.fs, filepath.Join(root, IgnoreFile))
	snap := dsync.NewSnapshot(d.ID)
	snap.Excludes = ignore.Excludes
	var hits int

	err = afero.Walk(s.fs, root, func(p string, fi os.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p == root {
			return err
		}

		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		rel = norm.NFC.String(filepath.ToSlash(rel))

		if err != nil {
			l.Warn("path skipped", "err", &dsync.ScanError{Drive: d.ID, Path: rel, Err: err})
			snap.Unreadable = append(snap.Unreadable, rel)
			if fi != nil && fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if ignore.IsIgnored(rel, fi.IsDir()) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		size, mtime := fi.Size(), fi.ModTime().UnixNano()
		fast, strongHex, ok := s.cache.Get(d.ID, rel, size, mtime)
		if !ok || (strong && strongHex == "") {
			fast, strongHex, err = dsync.DigestFile(s.fs, p, strong)
			if err != nil {
				l.Warn("path skipped", "err", &dsync.ScanError{Drive: d.ID, Path: rel, Err: err})
				snap.Unreadable = append(snap.Unreadable, rel)
				return nil
			}
			if err := s.cache.Put(d.ID, rel, size, mtime, fast, strongHex); err != nil {
				l.Debug("digest cache write failed", "path", rel, "err", err)
			}
		} else {
			hits++
		}

		snap.Entries[rel] = dsync.FileEntry{
			Size:         size,
			Mtime:        mtime,
			FastDigest:   fast,
			StrongDigest: strongHex,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	l.Debug("scan complete", "drive", d.ID, "files", len(snap.Entries), "cacheHits", hits, "unreadable", len(snap.Unreadable))
	return snap, nil
}
