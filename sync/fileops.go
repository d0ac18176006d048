package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

const (
	copyChunkSize = 256 * 1024 // 256KB per chunk
	tmpSuffix     = ".diffr-tmp"
	maxNameLen    = 255
)

// IsTempName reports whether name is an in-flight copy left by SafeCopy.
func IsTempName(name string) bool {
	return strings.HasSuffix(name, tmpSuffix) || strings.Contains(name, tmpSuffix+"-")
}

// safeTmpPath returns the temp path used while copying to dst. Names that
// would exceed the filesystem limit are replaced by a short hash.
func safeTmpPath(dst string) string {
	base := filepath.Base(dst)
	if len(base)+len(tmpSuffix) <= maxNameLen {
		return dst + tmpSuffix
	}
	sum := sha256.Sum256([]byte(base))
	return filepath.Join(filepath.Dir(dst), tmpSuffix+"-"+hex.EncodeToString(sum[:8]))
}

// stagedCopy is a fully written temp file waiting to be renamed over dst.
type stagedCopy struct {
	fs       afero.Fs
	tmpPath  string
	dst      string
	size     int64
	fast     string // digests of the bytes read from src
	strong   string
	srcMtime time.Time
}

// stageCopy copies src into a temp file next to dst:
// 1. Record src mtime
// 2. Copy to tmp in chunks, hashing the source bytes, checking ctx between chunks
// 3. Fsync tmp and verify src mtime unchanged
// Nothing is visible at dst until commit.
func stageCopy(ctx context.Context, fs afero.Fs, src, dst string) (*stagedCopy, error) {
	srcInfo, err := fs.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("stat src: %w", err)
	}
	mtime1 := srcInfo.ModTime()

	if err := fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return nil, fmt.Errorf("mkdir dst parent: %w", err)
	}

	srcFile, err := fs.Open(src)
	if err != nil {
		return nil, fmt.Errorf("open src: %w", err)
	}
	defer srcFile.Close()

	tmpPath := safeTmpPath(dst)
	tmpFile, err := fs.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create tmp: %w", err)
	}

	fh, sh := NewFastHash(), NewStrongHash()
	sum := io.MultiWriter(fh, sh)

	buf := make([]byte, copyChunkSize)
	var written int64
	var copyErr error
	for copyErr == nil {
		if err := ctx.Err(); err != nil {
			copyErr = err
			break
		}

		n, readErr := srcFile.Read(buf)
		if n > 0 {
			if _, writeErr := tmpFile.Write(buf[:n]); writeErr != nil {
				copyErr = fmt.Errorf("write tmp: %w", writeErr)
				break
			}
			sum.Write(buf[:n]) //nolint:errcheck
			written += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			copyErr = fmt.Errorf("read src: %w", readErr)
		}
	}

	if copyErr == nil {
		if err := tmpFile.Sync(); err != nil {
			copyErr = fmt.Errorf("sync tmp: %w", err)
		}
	}
	tmpFile.Close()

	if copyErr != nil {
		fs.Remove(tmpPath) //nolint:errcheck
		return nil, copyErr
	}

	// Verify source wasn't modified during copy
	srcInfo2, err := fs.Stat(src)
	if err != nil {
		fs.Remove(tmpPath) //nolint:errcheck
		return nil, fmt.Errorf("re-stat src: %w", err)
	}
	if !srcInfo2.ModTime().Equal(mtime1) {
		fs.Remove(tmpPath) //nolint:errcheck
		return nil, ErrSourceModified
	}

	return &stagedCopy{
		fs:       fs,
		tmpPath:  tmpPath,
		dst:      dst,
		size:     written,
		fast:     FormatDigest(fh),
		strong:   FormatDigest(sh),
		srcMtime: mtime1,
	}, nil
}

// verify re-reads the temp file and compares its strong digest with want.
func (s *stagedCopy) verify(want string) error {
	f, err := s.fs.Open(s.tmpPath)
	if err != nil {
		return fmt.Errorf("open tmp for verify: %w", err)
	}
	defer f.Close()
	got, err := StrongDigest(f)
	if err != nil {
		return fmt.Errorf("hash tmp: %w", err)
	}
	if got != want {
		return &VerifyError{Path: s.dst, Expected: want, Actual: got}
	}
	return nil
}

// commit preserves the source mtime and atomically renames tmp over dst.
func (s *stagedCopy) commit() error {
	if err := s.fs.Chtimes(s.tmpPath, nowFunc(), s.srcMtime); err != nil {
		s.abort()
		return fmt.Errorf("chtimes tmp: %w", err)
	}
	if err := s.fs.Rename(s.tmpPath, s.dst); err != nil {
		s.abort()
		return fmt.Errorf("rename tmp to dst: %w", err)
	}
	return nil
}

func (s *stagedCopy) abort() {
	s.fs.Remove(s.tmpPath) //nolint:errcheck
}

// SafeCopy copies src to dst atomically. With verify set, the written bytes
// are re-read and their strong digest compared with the source's before the
// rename; on mismatch dst is left untouched.
func SafeCopy(ctx context.Context, fs afero.Fs, src, dst string, verify bool) error {
	staged, err := stageCopy(ctx, fs, src, dst)
	if err != nil {
		return err
	}
	if verify {
		if err := staged.verify(staged.strong); err != nil {
			staged.abort()
			return err
		}
	}
	return staged.commit()
}

// RemoveFile deletes path. A path that is already gone counts as success.
func RemoveFile(fs afero.Fs, path string) error {
	err := fs.Remove(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("remove: %w", err)
}

// digestOf returns the fast digest of the file at p, or "" if it is absent.
func digestOf(fs afero.Fs, p string) (string, error) {
	f, err := fs.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()
	return FastDigest(f)
}

// ConflictName returns the keep-both name for relPath:
// dir/stem.conflict-<drive>-<YYYYMMDDTHHMMSS>.ext
func ConflictName(relPath, driveName string, at time.Time) string {
	dir, base := path.Split(relPath)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem, ext = base, ""
	}
	label := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':':
			return '_'
		}
		return r
	}, driveName)
	return dir + fmt.Sprintf("%s.conflict-%s-%s%s", stem, label, at.UTC().Format("20060102T150405"), ext)
}
