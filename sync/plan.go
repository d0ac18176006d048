package sync

import (
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
)

// ActionKind enumerates the concrete steps a plan can schedule.
type ActionKind string

const (
	ActionCopy                 ActionKind = "copy"
	ActionDelete               ActionKind = "delete"
	ActionArchiveThenOverwrite ActionKind = "archive_then_overwrite"
	ActionArchiveThenDelete    ActionKind = "archive_then_delete"
	ActionSkipConflict         ActionKind = "skip_conflict"
)

// Plan phases. Every non-destructive copy of a run commits before any
// destructive action starts.
const (
	PhaseCopy        = 1
	PhaseDestructive = 2
)

// SyncAction is one scheduled step. Path is the destination path on Dest;
// SourcePath is where the content is read on Source and only differs from
// Path for keep-both conflict copies.
type SyncAction struct {
	Kind         ActionKind `json:"kind" yaml:"kind"`
	Path         string     `json:"path" yaml:"path"`
	SourcePath   string     `json:"sourcePath,omitempty" yaml:"sourcePath,omitempty"`
	Source       string     `json:"source,omitempty" yaml:"source,omitempty"`
	Dest         string     `json:"dest" yaml:"dest"`
	SourceDigest string     `json:"sourceDigest,omitempty" yaml:"sourceDigest,omitempty"`
	SourceStrong string     `json:"sourceStrong,omitempty" yaml:"sourceStrong,omitempty"`
	SourceSize   int64      `json:"sourceSize,omitempty" yaml:"sourceSize,omitempty"`
	SourceMtime  int64      `json:"sourceMtime,omitempty" yaml:"sourceMtime,omitempty"`
	// PreImage is the fast digest of the content being replaced or
	// removed at Dest, "" when Dest has nothing at Path.
	PreImage  string    `json:"preImage,omitempty" yaml:"preImage,omitempty"`
	ArchiveTo []string  `json:"archiveTo,omitempty" yaml:"archiveTo,omitempty"`
	Phase     int       `json:"phase" yaml:"phase"`
	Conflict  *Conflict `json:"conflict,omitempty" yaml:"conflict,omitempty"`
}

// Destructive reports whether the action replaces or removes content.
func (a SyncAction) Destructive() bool {
	switch a.Kind {
	case ActionDelete, ActionArchiveThenDelete, ActionArchiveThenOverwrite:
		return true
	case ActionCopy:
		return a.PreImage != ""
	}
	return false
}

// SourceEntry is the entry the destination holds once the action commits.
func (a SyncAction) SourceEntry() FileEntry {
	return FileEntry{Size: a.SourceSize, Mtime: a.SourceMtime, FastDigest: a.SourceDigest, StrongDigest: a.SourceStrong}
}

// Archives reports whether the action must archive before mutating.
func (a SyncAction) Archives() bool {
	return a.Kind == ActionArchiveThenOverwrite || a.Kind == ActionArchiveThenDelete
}

func (a SyncAction) readPath() string {
	if a.SourcePath != "" {
		return a.SourcePath
	}
	return a.Path
}

// Describe renders the action for previews and logs.
func (a SyncAction) Describe(dryRun bool) string {
	verb := map[ActionKind]string{
		ActionCopy:                 "copy",
		ActionDelete:               "delete",
		ActionArchiveThenOverwrite: "archive and overwrite",
		ActionArchiveThenDelete:    "archive and delete",
		ActionSkipConflict:         "skip conflicting",
	}[a.Kind]
	if dryRun && a.Kind != ActionSkipConflict {
		verb = "would " + verb
	}
	switch a.Kind {
	case ActionCopy, ActionArchiveThenOverwrite:
		if a.readPath() != a.Path {
			return fmt.Sprintf("%s %s:%s -> %s:%s", verb, a.Source, a.readPath(), a.Dest, a.Path)
		}
		return fmt.Sprintf("%s %s -> %s: %s", verb, a.Source, a.Dest, a.Path)
	case ActionSkipConflict:
		return fmt.Sprintf("%s %s", verb, a.Path)
	}
	return fmt.Sprintf("%s %s: %s", verb, a.Dest, a.Path)
}

// SyncPlan is the ordered action list of one run plus the conflicts left
// unresolved. Conflicts only holds ActionSkipConflict entries.
type SyncPlan struct {
	Actions   []SyncAction `json:"actions" yaml:"actions"`
	Conflicts []SyncAction `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
}

// Empty reports whether the plan has nothing to do and nothing to report.
func (p *SyncPlan) Empty() bool {
	return len(p.Actions) == 0 && len(p.Conflicts) == 0
}

// UnresolvedConflicts returns the conflict records of the skipped paths.
func (p *SyncPlan) UnresolvedConflicts() []Conflict {
	return lo.FilterMap(p.Conflicts, func(a SyncAction, _ int) (Conflict, bool) {
		if a.Conflict == nil {
			return Conflict{}, false
		}
		return *a.Conflict, true
	})
}

// PlanInput is everything the planner needs. Drives holds every cluster
// member with its online state; Changes comes from Diff.
type PlanInput struct {
	Cluster     Cluster
	Drives      map[string]Drive
	Changes     map[string]Change
	ArchiveSkip bool
	// Resolutions re-submits out-of-band conflict decisions, path to
	// winning drive id.
	Resolutions map[string]string
	Now         time.Time
}

type planner struct {
	in      PlanInput
	members []string // participating drives in member order
	mirrors []string // online archive-only drives
	plan    *SyncPlan
	taken   map[string]bool
}

// BuildPlan turns a change set into an ordered plan for the cluster's
// topology and conflict strategy.
func BuildPlan(in PlanInput) *SyncPlan {
	l := sub("planner")
	if in.Now.IsZero() {
		in.Now = nowFunc()
	}

	p := &planner{in: in, plan: &SyncPlan{}, taken: make(map[string]bool)}
	for _, id := range in.Cluster.Members {
		d, ok := in.Drives[id]
		if !ok || !d.Online {
			continue
		}
		if d.Role == RoleArchiveOnly {
			p.mirrors = append(p.mirrors, id)
			continue
		}
		p.members = append(p.members, id)
	}

	for _, path := range SortedPaths(in.Changes) {
		c := in.Changes[path]
		if in.Cluster.Topology == TopologyPrimaryReplica {
			p.planPrimaryReplica(c)
		} else {
			p.planMesh(c)
		}
	}

	sort.SliceStable(p.plan.Actions, func(i, j int) bool {
		a, b := p.plan.Actions[i], p.plan.Actions[j]
		if a.Phase != b.Phase {
			return a.Phase < b.Phase
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Dest < b.Dest
	})

	l.Info("plan built", "cluster", in.Cluster.Name, "actions", len(p.plan.Actions), "conflicts", len(p.plan.Conflicts))
	return p.plan
}

func (p *planner) planMesh(c Change) {
	switch c.Kind {
	case ChangeAdded, ChangeModified:
		src, entry := c.Source()
		p.converge(c, src, entry)
	case ChangeDeleted:
		p.converge(c, "", nil)
	case ChangeConflict:
		p.resolve(c, p.conflictFor(c, c.Drives, nil))
	}
}

func (p *planner) planPrimaryReplica(c Change) {
	primary := p.in.Cluster.Primary
	ps, ok := c.States[primary]
	if !ok && lo.Contains(p.members, primary) {
		// The primary ignores the path, so replicas keep what they have.
		return
	}
	if !ok {
		cf := p.conflictFor(c, c.Drives, []string{primary})
		cf.Reason = "primary drive offline"
		p.skip(c.Path, cf)
		return
	}

	// Replicas that changed locally to something other than the primary's
	// content are in conflict with it. Convergent replica edits are not.
	var divergent []string
	for _, id := range p.members {
		if id == primary {
			continue
		}
		st, ok := c.States[id]
		if !ok || st.Delta == DeltaNone || sameEntry(st.Current, ps.Current) {
			continue
		}
		divergent = append(divergent, id)
	}

	if len(divergent) == 0 {
		p.converge(c, primary, ps.Current)
		return
	}
	p.resolve(c, p.conflictFor(c, append([]string{primary}, divergent...), []string{primary}))
}

func (p *planner) conflictFor(c Change, drives, eligible []string) Conflict {
	cf := Conflict{Path: c.Path, Eligible: eligible}
	for _, id := range drives {
		cand := Candidate{Drive: id, Label: p.in.Drives[id].Label}
		if st, ok := c.States[id]; ok && st.Current != nil {
			e := *st.Current
			cand.Entry = &e
		}
		cf.Candidates = append(cf.Candidates, cand)
	}
	return cf
}

func (p *planner) resolve(c Change, cf Conflict) {
	var res Resolution
	if forced, ok := p.in.Resolutions[c.Path]; ok {
		res = ResolveForced(cf, forced)
	} else {
		res = Resolve(p.in.Cluster.Strategy, cf, p.in.Now)
	}
	if !res.Resolved {
		cf.Reason = res.Reason
		p.skip(c.Path, cf)
		return
	}

	for _, keep := range res.Preserve {
		entry := keep.Entry
		for _, dest := range p.members {
			if _, ok := c.States[dest]; ok {
				p.put(keep.Name, c.Path, dest, keep.Drive, &entry, nil)
			}
		}
	}
	if res.Deleted {
		p.converge(c, "", nil)
		return
	}
	p.converge(c, res.Winner, c.States[res.Winner].Current)
}

// converge brings every participating drive to the target state for the
// change's path: the source's entry, or absence when entry is nil.
func (p *planner) converge(c Change, src string, entry *FileEntry) {
	for _, dest := range p.members {
		st, ok := c.States[dest]
		if !ok {
			continue
		}
		if entry == nil {
			if st.Current != nil {
				p.remove(c.Path, dest, st.Current)
			}
			continue
		}
		if dest == src {
			continue
		}
		p.put(c.Path, "", dest, src, entry, st.Current)
	}
}

func (p *planner) put(path, srcPath, dest, src string, entry, existing *FileEntry) {
	if sameEntry(entry, existing) {
		return
	}
	a := SyncAction{
		Path:         path,
		SourcePath:   srcPath,
		Source:       src,
		Dest:         dest,
		SourceDigest: entry.FastDigest,
		SourceStrong: entry.StrongDigest,
		SourceSize:   entry.Size,
		SourceMtime:  entry.Mtime,
	}
	switch {
	case existing == nil:
		a.Kind, a.Phase = ActionCopy, PhaseCopy
	case p.skipArchive(dest):
		a.Kind, a.Phase, a.PreImage = ActionCopy, PhaseDestructive, existing.FastDigest
	default:
		a.Kind, a.Phase, a.PreImage = ActionArchiveThenOverwrite, PhaseDestructive, existing.FastDigest
		a.ArchiveTo = p.archiveTargets(dest)
	}
	p.add(a)
}

func (p *planner) remove(path, dest string, existing *FileEntry) {
	a := SyncAction{Path: path, Dest: dest, PreImage: existing.FastDigest, Phase: PhaseDestructive}
	if p.skipArchive(dest) {
		a.Kind = ActionDelete
	} else {
		a.Kind = ActionArchiveThenDelete
		a.ArchiveTo = p.archiveTargets(dest)
	}
	p.add(a)
}

// skipArchive reports whether a destructive step on dest may skip the
// archive. Archive-assist drives keep every version regardless.
func (p *planner) skipArchive(dest string) bool {
	return p.in.ArchiveSkip && p.in.Drives[dest].Role != RoleArchiveAssist
}

func (p *planner) archiveTargets(dest string) []string {
	return append([]string{dest}, p.mirrors...)
}

func (p *planner) add(a SyncAction) {
	key := a.Path + "\x00" + a.Dest
	if p.taken[key] {
		sub("planner").Warn("duplicate action dropped", "path", a.Path, "dest", a.Dest, "kind", a.Kind)
		return
	}
	p.taken[key] = true
	p.plan.Actions = append(p.plan.Actions, a)
}

func (p *planner) skip(path string, cf Conflict) {
	sub("planner").Info("conflict left unresolved", "path", path, "reason", cf.Reason)
	p.plan.Conflicts = append(p.plan.Conflicts, SyncAction{
		Kind:     ActionSkipConflict,
		Path:     path,
		Conflict: &cf,
	})
}

func sameEntry(a, b *FileEntry) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ContentEqual(*b)
}
