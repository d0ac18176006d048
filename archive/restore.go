package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	dsync "github.com/diffr-sync/diffr/sync"
)

var nowFunc = time.Now

// Restore decompresses an archived version to dest, or to its original path
// on the storing drive when dest is empty. The bytes are written to a temp
// file and only renamed into place once their digest matches the record.
func (a *Archivist) Restore(ctx context.Context, archiveID, dest string) (int64, error) {
	l := dsync.Sub("archive")
	rec, err := a.store.GetArchive(archiveID)
	if err != nil {
		return 0, err
	}
	drive, err := a.store.GetDrive(rec.Drive)
	if err != nil {
		return 0, err
	}
	root := drive.EffectiveRoot()
	if dest == "" {
		dest = filepath.Join(root, filepath.FromSlash(rec.OriginalPath))
	}

	in, err := a.fs.Open(filepath.Join(root, filepath.FromSlash(rec.Location)))
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return 0, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	if err := a.fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("mkdir restore dir: %w", err)
	}
	tmp := dest + partialSuffix
	out, err := a.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("create restore file: %w", err)
	}

	h := dsync.NewFastHash()
	n, err := io.Copy(io.MultiWriter(out, h), ctxReader{ctx, dec})
	if err == nil {
		err = out.Sync()
	}
	out.Close()
	if err != nil {
		a.fs.Remove(tmp) //nolint:errcheck
		return 0, fmt.Errorf("decompress: %w", err)
	}

	if got := dsync.FormatDigest(h); got != rec.Digest {
		a.fs.Remove(tmp) //nolint:errcheck
		return 0, &dsync.VerifyError{Path: dest, Expected: rec.Digest, Actual: got}
	}
	if err := a.fs.Rename(tmp, dest); err != nil {
		a.fs.Remove(tmp) //nolint:errcheck
		return 0, fmt.Errorf("rename restore file: %w", err)
	}

	l.Info("restored", "archive", rec.ID, "dest", dest, "bytes", n)
	return n, nil
}
