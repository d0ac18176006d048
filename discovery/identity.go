// Package discovery reports which drives are connected and where they are
// mounted.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/spf13/afero"
)

// IdentityFile holds a synthetic drive identity, relative to the mount.
const IdentityFile = ".diffr/drive-id"

const syntheticPrefix = "syn-"

// ErrNoIdentity is returned when a drive carries no identity file.
var ErrNoIdentity = errors.New("no drive identity file")

// ReadIdentity returns the synthetic identity stored on the drive.
func ReadIdentity(fs afero.Fs, mount string) (string, error) {
	b, err := afero.ReadFile(fs, filepath.Join(mount, IdentityFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoIdentity
	}
	if err != nil {
		return "", fmt.Errorf("read identity: %w", err)
	}
	id := strings.TrimSpace(string(b))
	if id == "" {
		return "", ErrNoIdentity
	}
	return id, nil
}

// EnsureSyntheticID returns the drive's synthetic identity, writing a new
// one if the drive has none.
func EnsureSyntheticID(fs afero.Fs, mount string) (string, error) {
	id, err := ReadIdentity(fs, mount)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNoIdentity) {
		return "", err
	}

	id = syntheticPrefix + uuid.NewString()
	p := filepath.Join(mount, IdentityFile)
	if err := fs.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", fmt.Errorf("create identity dir: %w", err)
	}
	if err := afero.WriteFile(fs, p, []byte(id+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write identity: %w", err)
	}
	sub().Info("synthetic identity written", "mount", mount, "id", id)
	return id, nil
}

// Identify resolves the identity of the drive mounted at mount: an identity
// file if present, else the hardware serial of the backing device, else a
// newly written synthetic id.
func Identify(ctx context.Context, fs afero.Fs, mount string) (id string, synthetic bool, err error) {
	if id, err := ReadIdentity(fs, mount); err == nil {
		return id, strings.HasPrefix(id, syntheticPrefix), nil
	}

	if parts, err := disk.PartitionsWithContext(ctx, false); err == nil {
		if p, ok := containing(parts, mount); ok {
			if serial, err := disk.SerialNumberWithContext(ctx, p.Device); err == nil && serial != "" {
				return serial, false, nil
			}
		}
	}

	id, err = EnsureSyntheticID(fs, mount)
	return id, true, err
}

// Usage reports capacity and free space of the filesystem at mount.
func Usage(ctx context.Context, mount string) (*disk.UsageStat, error) {
	return disk.UsageWithContext(ctx, mount)
}

// containing returns the partition with the longest mountpoint that is a
// prefix of p.
func containing(parts []disk.PartitionStat, p string) (disk.PartitionStat, bool) {
	var best disk.PartitionStat
	found := false
	for _, part := range parts {
		mp := part.Mountpoint
		if p != mp && !strings.HasPrefix(p, strings.TrimSuffix(mp, string(filepath.Separator))+string(filepath.Separator)) {
			continue
		}
		if !found || len(mp) > len(best.Mountpoint) {
			best, found = part, true
		}
	}
	return best, found
}
