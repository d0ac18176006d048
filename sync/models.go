package sync

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"time"
)

// nowFunc is the time source, replaceable in tests.
var nowFunc = time.Now

// DriveRole controls how a drive participates in a cluster.
type DriveRole string

const (
	RoleNormal        DriveRole = "normal"
	RoleArchiveAssist DriveRole = "archive-assist"
	RoleArchiveOnly   DriveRole = "archive-only"
)

// ParseDriveRole accepts both dash and underscore spellings.
func ParseDriveRole(s string) (DriveRole, error) {
	switch s {
	case "", "normal":
		return RoleNormal, nil
	case "archive-assist", "archive_assist":
		return RoleArchiveAssist, nil
	case "archive-only", "archive_only":
		return RoleArchiveOnly, nil
	}
	return "", fmt.Errorf("unknown drive role: %q", s)
}

// Topology is the allowed direction of propagation among a cluster's drives.
type Topology string

const (
	TopologyMesh           Topology = "mesh"
	TopologyPrimaryReplica Topology = "primary-replica"
)

// ParseTopology accepts both dash and underscore spellings.
func ParseTopology(s string) (Topology, error) {
	switch s {
	case "mesh":
		return TopologyMesh, nil
	case "primary-replica", "primary_replica":
		return TopologyPrimaryReplica, nil
	}
	return "", fmt.Errorf("unknown topology: %q", s)
}

// Strategy selects how conflicting changes are resolved.
type Strategy string

const (
	StrategyNewestWins  Strategy = "newest-wins"
	StrategyKeepBoth    Strategy = "keep-both"
	StrategyInteractive Strategy = "interactive"
)

// ParseStrategy accepts both dash and underscore spellings.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "newest-wins", "newest_wins":
		return StrategyNewestWins, nil
	case "keep-both", "keep_both":
		return StrategyKeepBoth, nil
	case "interactive":
		return StrategyInteractive, nil
	}
	return "", fmt.Errorf("unknown conflict strategy: %q", s)
}

// Drive is a physical drive known to the system. ID is the stable hardware
// serial or the synthetic id stored on the drive itself.
type Drive struct {
	ID        string    `json:"id" yaml:"id"`
	Label     string    `json:"label,omitempty" yaml:"label,omitempty"`
	Role      DriveRole `json:"role" yaml:"role"`
	MountPath string    `json:"mountPath" yaml:"mountPath"`
	SyncRoot  string    `json:"syncRoot,omitempty" yaml:"syncRoot,omitempty"` // relative to MountPath
	Online    bool      `json:"online" yaml:"online"`
	LastSeen  int64     `json:"lastSeen" yaml:"lastSeen"` // nanoseconds
}

// EffectiveRoot returns the directory that is scanned and synced.
func (d Drive) EffectiveRoot() string {
	if d.SyncRoot == "" {
		return d.MountPath
	}
	return filepath.Join(d.MountPath, d.SyncRoot)
}

// Name returns the label if set, otherwise the id.
func (d Drive) Name() string {
	if d.Label != "" {
		return d.Label
	}
	return d.ID
}

// Cluster groups drives that reconcile together.
type Cluster struct {
	Name     string   `json:"name" yaml:"name"`
	Topology Topology `json:"topology" yaml:"topology"`
	Strategy Strategy `json:"strategy" yaml:"strategy"`
	Primary  string   `json:"primary,omitempty" yaml:"primary,omitempty"` // drive id, primary-replica only
	Members  []string `json:"members" yaml:"members"`                     // ordered drive ids
}

// FileEntry is one regular file in a snapshot.
type FileEntry struct {
	Size         int64  `json:"size" yaml:"size"`
	Mtime        int64  `json:"mtime" yaml:"mtime"` // nanoseconds
	FastDigest   string `json:"fastDigest" yaml:"fastDigest"`
	StrongDigest string `json:"strongDigest,omitempty" yaml:"strongDigest,omitempty"`
}

// ContentEqual reports whether two entries hold the same content.
func (e FileEntry) ContentEqual(o FileEntry) bool {
	return e.FastDigest == o.FastDigest
}

// Snapshot is a drive's file listing at a point in time, keyed by
// slash-separated relative path.
type Snapshot struct {
	DriveID string               `json:"driveId"`
	TakenAt int64                `json:"takenAt"` // nanoseconds
	Entries map[string]FileEntry `json:"entries"`
	// Unreadable lists paths the scanner could not read. Their state is
	// unknown, not deleted.
	Unreadable []string `json:"unreadable,omitempty"`
	// Excludes reports whether the drive's ignore rules exclude a path. It
	// is set by the scanner and never persisted.
	Excludes func(path string) bool `json:"-"`
}

// NewSnapshot returns an empty snapshot for the drive.
func NewSnapshot(driveID string) *Snapshot {
	return &Snapshot{DriveID: driveID, TakenAt: nowNano(), Entries: make(map[string]FileEntry)}
}

// Lookup returns the entry for path, or nil.
func (s *Snapshot) Lookup(path string) *FileEntry {
	if s == nil {
		return nil
	}
	e, ok := s.Entries[path]
	if !ok {
		return nil
	}
	return &e
}

// Excluded reports whether the drive does not take part in path.
func (s *Snapshot) Excluded(path string) bool {
	return s != nil && s.Excludes != nil && s.Excludes(path)
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		DriveID:    s.DriveID,
		TakenAt:    s.TakenAt,
		Entries:    maps.Clone(s.Entries),
		Unreadable: slices.Clone(s.Unreadable),
		Excludes:   s.Excludes,
	}
	if out.Entries == nil {
		out.Entries = make(map[string]FileEntry)
	}
	return out
}

// ArchiveReason records why a version was archived.
type ArchiveReason string

const (
	ReasonBeforeOverwrite ArchiveReason = "before_overwrite"
	ReasonBeforeDelete    ArchiveReason = "before_delete"
	ReasonManual          ArchiveReason = "manual"
)

// ArchiveRecord describes one compressed prior version of a file. Drive is
// the drive storing the archive; SourceDrive is the drive the content was
// taken from (they differ for archive-only mirrors).
type ArchiveRecord struct {
	ID             string        `json:"id" yaml:"id"`
	Drive          string        `json:"drive" yaml:"drive"`
	SourceDrive    string        `json:"sourceDrive" yaml:"sourceDrive"`
	OriginalPath   string        `json:"originalPath" yaml:"originalPath"`
	Location       string        `json:"location" yaml:"location"` // relative to the storing drive's root
	ArchivedAt     int64         `json:"archivedAt" yaml:"archivedAt"`
	OriginalSize   int64         `json:"originalSize" yaml:"originalSize"`
	CompressedSize int64         `json:"compressedSize" yaml:"compressedSize"`
	Digest         string        `json:"digest" yaml:"digest"` // fast digest of the original content
	Reason         ArchiveReason `json:"reason" yaml:"reason"`
}

// ArchiveFilter narrows QueryArchives. Zero fields match everything.
type ArchiveFilter struct {
	Drive string
	Path  string
	Limit int
}

// RetentionPolicy caps archived versions. Zero values mean unlimited.
type RetentionPolicy struct {
	MaxVersions   int   `json:"maxVersions" yaml:"maxVersions" mapstructure:"max_versions"`
	MaxAgeDays    int   `json:"maxAgeDays" yaml:"maxAgeDays" mapstructure:"max_age_days"`
	MaxTotalBytes int64 `json:"maxTotalBytes" yaml:"maxTotalBytes" mapstructure:"max_total_bytes"`
}

// IsZero reports whether the policy imposes no limits.
func (p RetentionPolicy) IsZero() bool {
	return p.MaxVersions <= 0 && p.MaxAgeDays <= 0 && p.MaxTotalBytes <= 0
}

// SyncRun is the append-only history record of one run.
type SyncRun struct {
	ID               string          `json:"id" yaml:"id"`
	Cluster          string          `json:"cluster" yaml:"cluster"`
	StartedAt        int64           `json:"startedAt" yaml:"startedAt"`
	FinishedAt       int64           `json:"finishedAt" yaml:"finishedAt"`
	DryRun           bool            `json:"dryRun" yaml:"dryRun"`
	Verify           bool            `json:"verify" yaml:"verify"`
	Status           RunStatus       `json:"status" yaml:"status"`
	FilesSynced      int             `json:"filesSynced" yaml:"filesSynced"`
	BytesTransferred int64           `json:"bytesTransferred" yaml:"bytesTransferred"`
	Outcomes         []ActionOutcome `json:"outcomes" yaml:"outcomes"`
	Conflicts        []Conflict      `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
	OfflineDrives    []string        `json:"offlineDrives,omitempty" yaml:"offlineDrives,omitempty"`
}

// RunStatus distinguishes clean runs from the two kinds of partial runs.
type RunStatus string

const (
	RunClean                      RunStatus = "clean"
	RunPartialFailures            RunStatus = "partial_failures"
	RunPartialConflicts           RunStatus = "partial_conflicts"
	RunPartialFailuresAndConflict RunStatus = "partial_failures_and_conflicts"
)

// Counts tallies outcomes by result.
func (r *SyncRun) Counts() (committed, failed, skipped int) {
	for _, o := range r.Outcomes {
		switch o.Result {
		case ResultCommitted, ResultWould:
			committed++
		case ResultFailed:
			failed++
		case ResultSkipped:
			skipped++
		}
	}
	return
}

func computeStatus(outcomes []ActionOutcome, conflicts int) RunStatus {
	failed := false
	for _, o := range outcomes {
		if o.Result == ResultFailed {
			failed = true
			break
		}
	}
	switch {
	case failed && conflicts > 0:
		return RunPartialFailuresAndConflict
	case failed:
		return RunPartialFailures
	case conflicts > 0:
		return RunPartialConflicts
	}
	return RunClean
}

func nowNano() int64 {
	return nowFunc().UnixNano()
}
