package scan

import (
	"errors"
	"fmt"

	"github.com/asdine/storm/v3"
)

// digestRecord is one cached digest, valid while size and mtime match.
type digestRecord struct {
	Key    string `storm:"id"`
	Size   int64
	Mtime  int64
	Fast   string
	Strong string
}

// DigestCache remembers file digests across runs so unchanged files are
// not re-read. It lives next to the database, never on the drives.
type DigestCache struct {
	db *storm.DB
}

// OpenDigestCache opens (or creates) the cache file at path.
func OpenDigestCache(path string) (*DigestCache, error) {
	db, err := storm.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open digest cache: %w", err)
	}
	return &DigestCache{db: db}, nil
}

// Close closes the cache.
func (c *DigestCache) Close() error {
	return c.db.Close()
}

func cacheKey(drive, rel string) string {
	return drive + "\x00" + rel
}

// Get returns the cached digests for a file if its size and mtime are
// unchanged.
func (c *DigestCache) Get(drive, rel string, size, mtime int64) (fast, strong string, ok bool) {
	if c == nil {
		return "", "", false
	}
	var r digestRecord
	if err := c.db.One("Key", cacheKey(drive, rel), &r); err != nil {
		if !errors.Is(err, storm.ErrNotFound) {
			sub().Debug("digest cache read failed", "drive", drive, "path", rel, "err", err)
		}
		return "", "", false
	}
	if r.Size != size || r.Mtime != mtime {
		return "", "", false
	}
	return r.Fast, r.Strong, true
}

// Put stores digests for a file.
func (c *DigestCache) Put(drive, rel string, size, mtime int64, fast, strong string) error {
	if c == nil {
		return nil
	}
	return c.db.Save(&digestRecord{
		Key:    cacheKey(drive, rel),
		Size:   size,
		Mtime:  mtime,
		Fast:   fast,
		Strong: strong,
	})
}
