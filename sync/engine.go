package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Scanner lists the regular files under a drive's effective root.
type Scanner interface {
	Scan(ctx context.Context, d Drive, strong bool) (*Snapshot, error)
}

// OnlineDrive is a connected drive as reported by discovery.
type OnlineDrive struct {
	ID        string
	MountPath string
}

// Discovery lists the drives currently connected. A drive missing from the
// list is offline; that is never an error.
type Discovery interface {
	ListOnline(ctx context.Context) ([]OnlineDrive, error)
}

// RetentionEnforcer prunes archived versions on a drive.
type RetentionEnforcer interface {
	EnforceRetention(ctx context.Context, d Drive, policy RetentionPolicy) ([]ArchiveRecord, error)
}

// RunOptions are the parameters of one run.
type RunOptions struct {
	Cluster            string
	DryRun             bool
	Verify             bool
	ArchiveSkip        bool
	Strategy           Strategy // overrides the cluster's strategy when set
	DeletesAsConflicts bool
	Resolutions        map[string]string
	Retention          RetentionPolicy
	Workers            int
}

// Report is the result of a run.
type Report struct {
	Run    *SyncRun
	Plan   *SyncPlan
	Pruned []ArchiveRecord
}

// Engine orchestrates one reconciliation run: discover, scan, diff, plan,
// execute, then record history.
type Engine struct {
	store     *Store
	fs        afero.Fs
	scanner   Scanner
	discovery Discovery
	archivist Archivist
	retention RetentionEnforcer
}

// EngineDeps wires an Engine. Discovery may be nil, in which case every
// registered drive is treated as online at its recorded mount path.
type EngineDeps struct {
	Store     *Store
	Fs        afero.Fs
	Scanner   Scanner
	Discovery Discovery
	Archivist Archivist
	Retention RetentionEnforcer
}

// NewEngine creates an engine.
func NewEngine(deps EngineDeps) *Engine {
	fs := deps.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Engine{
		store:     deps.Store,
		fs:        fs,
		scanner:   deps.Scanner,
		discovery: deps.Discovery,
		archivist: deps.Archivist,
		retention: deps.Retention,
	}
}

// ValidateCluster checks a cluster against the registered drives.
func ValidateCluster(c Cluster, drives map[string]Drive) error {
	bad := func(format string, args ...any) error {
		return &ClusterConfigError{Cluster: c.Name, Reason: fmt.Sprintf(format, args...)}
	}
	if c.Name == "" {
		return bad("empty name")
	}
	if _, err := ParseTopology(string(c.Topology)); err != nil {
		return bad("%v", err)
	}
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		return bad("%v", err)
	}
	if len(c.Members) == 0 {
		return bad("no member drives")
	}
	if dup := lo.FindDuplicates(c.Members); len(dup) > 0 {
		return bad("duplicate members %v", dup)
	}
	for _, id := range c.Members {
		if _, ok := drives[id]; !ok {
			return bad("member %s is not a registered drive", id)
		}
	}
	if c.Topology == TopologyPrimaryReplica {
		if c.Primary == "" {
			return bad("primary-replica topology needs a primary drive")
		}
		if !lo.Contains(c.Members, c.Primary) {
			return bad("primary %s is not a member", c.Primary)
		}
		if drives[c.Primary].Role == RoleArchiveOnly {
			return bad("primary %s is archive-only", c.Primary)
		}
	}
	return nil
}

// Run performs one run. Per-action failures and unresolved conflicts are
// reported in the returned run record; only storage failures and invalid
// cluster configuration return an error.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	l := sub("engine")
	run := &SyncRun{
		ID:        uuid.NewString(),
		Cluster:   opts.Cluster,
		StartedAt: nowNano(),
		DryRun:    opts.DryRun,
		Verify:    opts.Verify,
	}
	l.Info("run starting", "run", run.ID, "cluster", opts.Cluster, "dryRun", opts.DryRun, "verify", opts.Verify)

	// Cluster config is read once; the run works from this copy.
	cluster, drives, err := e.loadCluster(opts.Cluster)
	if err != nil {
		return nil, err
	}
	if opts.Strategy != "" {
		cluster.Strategy = opts.Strategy
	}

	if err := e.markOnline(ctx, cluster, drives, run); err != nil {
		return nil, err
	}

	current, err := e.scanAll(ctx, cluster, drives, opts.Verify, run)
	if err != nil {
		return nil, err
	}

	baselines := make(map[string]*Snapshot, len(current))
	for id, snap := range current {
		base, err := e.store.LoadBaseline(id)
		if err != nil {
			return nil, err
		}
		baselines[id] = base
		keepUnreadable(snap, base)
	}

	ordered := lo.FilterMap(cluster.Members, func(id string, _ int) (Drive, bool) {
		d := drives[id]
		return d, d.Online
	})
	changes := Diff(ordered, current, baselines, DiffOptions{DeletesAsConflicts: opts.DeletesAsConflicts})

	plan := BuildPlan(PlanInput{
		Cluster:     *cluster,
		Drives:      drives,
		Changes:     changes,
		ArchiveSkip: opts.ArchiveSkip,
		Resolutions: opts.Resolutions,
	})

	online := lo.PickBy(drives, func(_ string, d Drive) bool { return d.Online })
	exec := NewExecutor(e.fs, online, e.archivist, ExecOptions{Verify: opts.Verify, Workers: opts.Workers})
	if opts.DryRun {
		run.Outcomes = exec.Preview(plan)
	} else {
		run.Outcomes = exec.Execute(ctx, plan)
		if err := e.advanceBaselines(current, baselines, plan, run.Outcomes); err != nil {
			return nil, err
		}
	}

	run.Conflicts = plan.UnresolvedConflicts()
	for _, o := range run.Outcomes {
		if o.Result == ResultCommitted && (o.Action.Kind == ActionCopy || o.Action.Kind == ActionArchiveThenOverwrite) {
			run.FilesSynced++
			run.BytesTransferred += o.Bytes
		}
	}
	run.Status = computeStatus(run.Outcomes, len(run.Conflicts))
	run.FinishedAt = nowNano()

	if err := e.store.AppendSyncRun(run); err != nil {
		return nil, err
	}

	report := &Report{Run: run, Plan: plan}
	if !opts.DryRun {
		pruned, err := e.enforceRetention(ctx, drives, run.Outcomes, opts.Retention)
		report.Pruned = pruned
		if err != nil {
			return report, err
		}
	}

	committed, failed, skipped := run.Counts()
	l.Info("run complete", "run", run.ID, "status", run.Status,
		"committed", committed, "failed", failed, "skipped", skipped, "conflicts", len(run.Conflicts))
	return report, nil
}

func (e *Engine) loadCluster(name string) (*Cluster, map[string]Drive, error) {
	cluster, err := e.store.GetCluster(name)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, &ClusterConfigError{Cluster: name, Reason: "no such cluster"}
	}
	if err != nil {
		return nil, nil, err
	}

	all, err := e.store.ListDrives()
	if err != nil {
		return nil, nil, err
	}
	registered := lo.KeyBy(all, func(d Drive) string { return d.ID })
	if err := ValidateCluster(*cluster, registered); err != nil {
		return nil, nil, err
	}

	drives := lo.PickByKeys(registered, cluster.Members)
	return cluster, drives, nil
}

// markOnline updates the drives' online state from discovery. Offline
// members are recorded on the run and excluded.
func (e *Engine) markOnline(ctx context.Context, cluster *Cluster, drives map[string]Drive, run *SyncRun) error {
	l := sub("engine")
	var seen map[string]OnlineDrive
	if e.discovery != nil {
		list, err := e.discovery.ListOnline(ctx)
		if err != nil {
			l.Warn("discovery failed, treating all drives as offline", "err", err)
		}
		seen = lo.KeyBy(list, func(o OnlineDrive) string { return o.ID })
	}

	for _, id := range cluster.Members {
		d := drives[id]
		if e.discovery == nil {
			d.Online = true
		} else if o, ok := seen[id]; ok {
			d.Online = true
			if o.MountPath != "" {
				d.MountPath = o.MountPath
			}
		} else {
			d.Online = false
		}
		drives[id] = d

		if err := e.store.SetDriveStatus(id, d.MountPath, d.Online); err != nil {
			return err
		}
		if !d.Online {
			run.OfflineDrives = append(run.OfflineDrives, id)
			l.Warn("drive excluded", "err", &DriveOfflineError{Drive: id})
		}
	}
	return nil
}

// scanAll scans every online, non archive-only member concurrently. A drive
// whose scan fails is excluded from the run like an offline drive.
func (e *Engine) scanAll(ctx context.Context, cluster *Cluster, drives map[string]Drive, strong bool, run *SyncRun) (map[string]*Snapshot, error) {
	l := sub("engine")
	targets := lo.Filter(cluster.Members, func(id string, _ int) bool {
		d := drives[id]
		return d.Online && d.Role != RoleArchiveOnly
	})

	snaps := make([]*Snapshot, len(targets))
	errs := make([]error, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range targets {
		i, id := i, id
		g.Go(func() error {
			snap, err := e.scanner.Scan(gctx, drives[id], strong)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				errs[i] = err
				return nil
			}
			snaps[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	current := make(map[string]*Snapshot, len(targets))
	for i, id := range targets {
		if errs[i] != nil {
			l.Warn("scan failed, drive excluded", "drive", id, "err", errs[i])
			d := drives[id]
			d.Online = false
			drives[id] = d
			run.OfflineDrives = append(run.OfflineDrives, id)
			continue
		}
		current[id] = snaps[i]
		l.Info("drive scanned", "drive", id, "files", len(snaps[i].Entries), "unreadable", len(snaps[i].Unreadable))
	}
	return current, nil
}

// keepUnreadable gives every path the scan could not read its last known
// state, including everything below an unreadable directory. The restored
// entries carry into the next baseline unless an action on them commits.
func keepUnreadable(snap, base *Snapshot) {
	if base == nil {
		return
	}
	for _, p := range snap.Unreadable {
		prefix := p + "/"
		for bp, be := range base.Entries {
			if bp == p || strings.HasPrefix(bp, prefix) {
				snap.Entries[bp] = be
			}
		}
	}
}

// advanceBaselines saves each scanned drive's post-run state as its new
// baseline. A path keeps its old baseline on every drive if any action on it
// did not commit or if it is an unresolved conflict, so the next run sees
// the same change again.
func (e *Engine) advanceBaselines(current, old map[string]*Snapshot, plan *SyncPlan, outcomes []ActionOutcome) error {
	pending := make(map[string]bool)
	for _, c := range plan.Conflicts {
		pending[c.Path] = true
	}
	for _, o := range outcomes {
		if o.Result != ResultCommitted {
			pending[o.Action.Path] = true
		}
	}

	// One timestamp for the run so the drives synced together compare as
	// equally fresh.
	at := nowNano()
	for id, snap := range current {
		next := snap.Clone()
		next.TakenAt = at
		for _, o := range outcomes {
			a := o.Action
			if a.Dest != id || o.Result != ResultCommitted {
				continue
			}
			switch a.Kind {
			case ActionCopy, ActionArchiveThenOverwrite:
				next.Entries[a.Path] = a.SourceEntry()
			case ActionDelete, ActionArchiveThenDelete:
				delete(next.Entries, a.Path)
			}
		}
		for p := range pending {
			if be := old[id].Lookup(p); be != nil {
				next.Entries[p] = *be
			} else {
				delete(next.Entries, p)
			}
		}
		if err := e.store.SaveBaseline(id, next); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) enforceRetention(ctx context.Context, drives map[string]Drive, outcomes []ActionOutcome, policy RetentionPolicy) ([]ArchiveRecord, error) {
	if e.retention == nil || policy.IsZero() {
		return nil, nil
	}
	l := sub("engine")

	targets := lo.Uniq(lo.FlatMap(outcomes, func(o ActionOutcome, _ int) []string {
		if len(o.ArchiveIDs) == 0 {
			return nil
		}
		return o.Action.ArchiveTo
	}))

	var pruned []ArchiveRecord
	for _, id := range targets {
		removed, err := e.retention.EnforceRetention(ctx, drives[id], policy)
		pruned = append(pruned, removed...)
		if err != nil {
			if IsFatal(err) {
				return pruned, err
			}
			l.Warn("retention failed", "drive", id, "err", err)
		}
	}
	if len(pruned) > 0 {
		l.Info("retention pruned archives", "count", len(pruned))
	}
	return pruned, nil
}
