package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/spf13/afero"

	dsync "github.com/diffr-sync/diffr/sync"
)

func sub() *slog.Logger { return dsync.Sub("discovery") }

// pseudo filesystems never hold user drives.
var pseudoFs = map[string]bool{
	"proc": true, "sysfs": true, "tmpfs": true, "devtmpfs": true, "devpts": true,
	"cgroup": true, "cgroup2": true, "overlay": true, "squashfs": true, "autofs": true,
	"mqueue": true, "debugfs": true, "tracefs": true, "securityfs": true, "pstore": true,
	"bpf": true, "configfs": true, "fusectl": true, "hugetlbfs": true, "nsfs": true,
}

const listKey = "online"

// Auto discovers drives from the mount table. Results are cached for ttl so
// repeated lookups within one command don't re-probe every device.
type Auto struct {
	fs         afero.Fs
	cache      *ttlcache.Cache[string, []dsync.OnlineDrive]
	partitions func(ctx context.Context) ([]disk.PartitionStat, error)
	serial     func(ctx context.Context, device string) (string, error)
}

// NewAuto creates a mount-table discovery.
func NewAuto(fs afero.Fs, ttl time.Duration) *Auto {
	return &Auto{
		fs:    fs,
		cache: ttlcache.New(ttlcache.WithTTL[string, []dsync.OnlineDrive](ttl)),
		partitions: func(ctx context.Context) ([]disk.PartitionStat, error) {
			return disk.PartitionsWithContext(ctx, false)
		},
		serial: disk.SerialNumberWithContext,
	}
}

var _ dsync.Discovery = (*Auto)(nil)

// ListOnline returns every mounted drive that has an identity.
func (a *Auto) ListOnline(ctx context.Context) ([]dsync.OnlineDrive, error) {
	if item := a.cache.Get(listKey); item != nil {
		return item.Value(), nil
	}

	l := sub()
	parts, err := a.partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	var online []dsync.OnlineDrive
	seen := make(map[string]bool)
	for _, p := range parts {
		if pseudoFs[p.Fstype] {
			continue
		}
		id, err := ReadIdentity(a.fs, p.Mountpoint)
		if err != nil {
			id, err = a.serial(ctx, p.Device)
			if err != nil || id == "" {
				l.Debug("partition without identity", "device", p.Device, "mount", p.Mountpoint)
				continue
			}
		}
		if seen[id] {
			// Same device mounted twice: keep the first mount point.
			continue
		}
		seen[id] = true
		online = append(online, dsync.OnlineDrive{ID: id, MountPath: p.Mountpoint})
	}

	l.Debug("drives discovered", "count", len(online))
	a.cache.Set(listKey, online, ttlcache.DefaultTTL)
	return online, nil
}

// Invalidate drops the cached list.
func (a *Auto) Invalidate() {
	a.cache.DeleteAll()
}
