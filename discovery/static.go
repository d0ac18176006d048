package discovery

import (
	"context"

	"github.com/spf13/afero"

	dsync "github.com/diffr-sync/diffr/sync"
)

// StaticDrive is a configured drive identity and mount path.
type StaticDrive struct {
	ID   string `mapstructure:"identity" yaml:"identity"`
	Path string `mapstructure:"path" yaml:"path"`
}

// Static reports configured drives as online when their path is a
// directory.
type Static struct {
	fs     afero.Fs
	drives []StaticDrive
}

// NewStatic creates a discovery over a fixed list.
func NewStatic(fs afero.Fs, drives []StaticDrive) *Static {
	return &Static{fs: fs, drives: drives}
}

var _ dsync.Discovery = (*Static)(nil)

// ListOnline returns the configured drives whose path exists.
func (s *Static) ListOnline(_ context.Context) ([]dsync.OnlineDrive, error) {
	var online []dsync.OnlineDrive
	for _, d := range s.drives {
		if ok, _ := afero.DirExists(s.fs, d.Path); !ok {
			sub().Debug("configured drive not mounted", "id", d.ID, "path", d.Path)
			continue
		}
		online = append(online, dsync.OnlineDrive{ID: d.ID, MountPath: d.Path})
	}
	return online, nil
}
