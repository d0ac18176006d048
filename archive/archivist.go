// Package archive keeps compressed prior versions of files under each
// drive's .diffr/archive area and prunes them by retention policy.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"

	dsync "github.com/diffr-sync/diffr/sync"
)

// Dir is the archive area relative to a drive's effective root.
const Dir = ".diffr/archive"

const partialSuffix = ".partial"

// Store is the slice of persistence the archivist needs.
type Store interface {
	AppendArchiveRecord(rec dsync.ArchiveRecord) error
	QueryArchives(f dsync.ArchiveFilter) ([]dsync.ArchiveRecord, error)
	GetArchive(id string) (*dsync.ArchiveRecord, error)
	DeleteArchiveRecord(id string) error
	GetDrive(id string) (*dsync.Drive, error)
}

// Archivist writes zstd-compressed versions and records them.
type Archivist struct {
	fs    afero.Fs
	store Store
	level zstd.EncoderLevel
}

// New creates an archivist. Compression uses zstd's default level.
func New(fs afero.Fs, store Store) *Archivist {
	return &Archivist{fs: fs, store: store, level: zstd.SpeedDefault}
}

var _ dsync.Archivist = (*Archivist)(nil)
var _ dsync.RetentionEnforcer = (*Archivist)(nil)

// Archive compresses req.Path on req.From into req.Store's archive area.
// The archive file is fsynced and renamed into place, then its record is
// appended to the store; only then does Archive return.
func (a *Archivist) Archive(ctx context.Context, req dsync.ArchiveRequest) (dsync.ArchiveRecord, error) {
	l := dsync.Sub("archive")
	src := filepath.Join(req.From.EffectiveRoot(), filepath.FromSlash(req.Path))

	in, err := a.fs.Open(src)
	if err != nil {
		return dsync.ArchiveRecord{}, fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	now := nowFunc()
	id := uuid.NewString()
	location := path.Join(Dir, req.Path, fmt.Sprintf("%s-%s.zst", now.UTC().Format("20060102T150405"), id[:8]))
	dst := filepath.Join(req.Store.EffectiveRoot(), filepath.FromSlash(location))

	if err := a.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return dsync.ArchiveRecord{}, fmt.Errorf("mkdir archive dir: %w", err)
	}

	tmp := dst + partialSuffix
	out, err := a.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return dsync.ArchiveRecord{}, fmt.Errorf("create archive: %w", err)
	}

	size, digest, err := a.compress(ctx, out, in)
	if err == nil {
		err = out.Sync()
	}
	out.Close()
	if err != nil {
		a.fs.Remove(tmp) //nolint:errcheck
		return dsync.ArchiveRecord{}, err
	}
	if err := a.fs.Rename(tmp, dst); err != nil {
		a.fs.Remove(tmp) //nolint:errcheck
		return dsync.ArchiveRecord{}, fmt.Errorf("rename archive: %w", err)
	}

	info, err := a.fs.Stat(dst)
	if err != nil {
		return dsync.ArchiveRecord{}, fmt.Errorf("stat archive: %w", err)
	}

	rec := dsync.ArchiveRecord{
		ID:             id,
		Drive:          req.Store.ID,
		SourceDrive:    req.From.ID,
		OriginalPath:   req.Path,
		Location:       location,
		ArchivedAt:     now.UnixNano(),
		OriginalSize:   size,
		CompressedSize: info.Size(),
		Digest:         digest,
		Reason:         req.Reason,
	}
	if err := a.store.AppendArchiveRecord(rec); err != nil {
		// Without a record the file is unreachable; don't leave it behind.
		a.fs.Remove(dst) //nolint:errcheck
		return dsync.ArchiveRecord{}, err
	}

	l.Info("archived", "drive", rec.Drive, "path", rec.OriginalPath, "reason", rec.Reason,
		"size", rec.OriginalSize, "compressed", rec.CompressedSize)
	return rec, nil
}

// ArchivePath keeps the current content of relPath on d as a manual
// version.
func (a *Archivist) ArchivePath(ctx context.Context, d dsync.Drive, relPath string) (dsync.ArchiveRecord, error) {
	return a.Archive(ctx, dsync.ArchiveRequest{Store: d, From: d, Path: relPath, Reason: dsync.ReasonManual})
}

// compress streams r through zstd into w, returning the uncompressed size
// and the fast digest of the uncompressed bytes.
func (a *Archivist) compress(ctx context.Context, w io.Writer, r io.Reader) (int64, string, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(a.level))
	if err != nil {
		return 0, "", fmt.Errorf("zstd writer: %w", err)
	}
	h := dsync.NewFastHash()
	n, err := io.Copy(enc, io.TeeReader(ctxReader{ctx, r}, h))
	if err != nil {
		enc.Close()
		return 0, "", fmt.Errorf("compress: %w", err)
	}
	if err := enc.Close(); err != nil {
		return 0, "", fmt.Errorf("finish zstd stream: %w", err)
	}
	return n, dsync.FormatDigest(h), nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
