package sync

import (
	"log/slog"
	"sort"

	"github.com/samber/lo"
)

// DeltaKind is one drive's local change to a path relative to its baseline.
type DeltaKind int

const (
	DeltaNone DeltaKind = iota
	DeltaAdded
	DeltaModified
	DeltaDeleted
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaAdded:
		return "added"
	case DeltaModified:
		return "modified"
	case DeltaDeleted:
		return "deleted"
	}
	return "unchanged"
}

// ChangeKind classifies a path's state across the compared drives.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeConflict ChangeKind = "conflict"
)

// DriveState is one drive's view of a path.
type DriveState struct {
	Drive   string
	Delta   DeltaKind
	Current *FileEntry // nil when absent now
	Base    *FileEntry // nil when absent from the baseline
	BaseAt  int64      // when the drive's baseline was taken, 0 if never synced
}

// Change is the classified state of one path. Drives lists the drives whose
// local deltas produced it: the sources of an addition or modification, the
// drives that deleted, or the drives holding divergent versions.
type Change struct {
	Path   string
	Kind   ChangeKind
	Drives []string
	States map[string]DriveState
}

// Source returns the entry carried by the change's first source drive.
func (c Change) Source() (string, *FileEntry) {
	for _, id := range c.Drives {
		if st := c.States[id]; st.Current != nil {
			return id, st.Current
		}
	}
	return "", nil
}

// DiffOptions tunes classification.
type DiffOptions struct {
	// DeletesAsConflicts turns a deletion on one drive against an
	// unmodified copy elsewhere into a conflict instead of a propagation.
	DeletesAsConflicts bool
}

// Diff compares each online drive's current snapshot against its own
// baseline and classifies every path that needs attention. Offline drives,
// archive-only drives and drives without a current snapshot are not
// compared, nor is a drive for a path its snapshot excludes. Paths whose
// current content already agrees everywhere are omitted.
func Diff(drives []Drive, current, baseline map[string]*Snapshot, opts DiffOptions) map[string]Change {
	l := sub("diff")

	var compared []string
	for _, d := range drives {
		if !d.Online || d.Role == RoleArchiveOnly {
			continue
		}
		if current[d.ID] == nil {
			l.Warn("no snapshot for online drive, excluded", "drive", d.ID)
			continue
		}
		compared = append(compared, d.ID)
	}

	paths := make(map[string]struct{})
	for _, id := range compared {
		for p := range current[id].Entries {
			paths[p] = struct{}{}
		}
		if b := baseline[id]; b != nil {
			for p := range b.Entries {
				paths[p] = struct{}{}
			}
		}
	}

	changes := make(map[string]Change)
	for p := range paths {
		// A drive whose ignore rules cover the path takes no part in it.
		order := lo.Reject(compared, func(id string, _ int) bool { return current[id].Excluded(p) })
		states := make(map[string]DriveState, len(order))
		for _, id := range order {
			st := driveState(id, current[id].Lookup(p), baseline[id].Lookup(p))
			if b := baseline[id]; b != nil {
				st.BaseAt = b.TakenAt
			}
			states[id] = st
		}
		if c, ok := classify(p, order, states, opts); ok {
			changes[p] = c
			if logEnabled(slog.LevelDebug) {
				l.Debug("change", "path", p, "kind", c.Kind, "drives", c.Drives)
			}
		}
	}

	l.Info("diff complete", "drives", len(compared), "paths", len(paths), "changes", len(changes))
	return changes
}

func driveState(id string, cur, base *FileEntry) DriveState {
	st := DriveState{Drive: id, Current: cur, Base: base}
	switch {
	case cur == nil && base == nil:
		st.Delta = DeltaNone
	case base == nil:
		st.Delta = DeltaAdded
	case cur == nil:
		st.Delta = DeltaDeleted
	case !cur.ContentEqual(*base):
		st.Delta = DeltaModified
	}
	return st
}

func classify(p string, order []string, states map[string]DriveState, opts DiffOptions) (Change, bool) {
	if converged(order, states) {
		return Change{}, false
	}

	changed := lo.Filter(order, func(id string, _ int) bool { return states[id].Delta != DeltaNone })
	holders := lo.Filter(order, func(id string, _ int) bool { return states[id].Current != nil })
	fresh := freshest(order, states)
	c := Change{Path: p, States: states}

	switch len(changed) {
	case 0:
		// Nothing moved locally but the drives disagree: a drive missed
		// earlier runs or joined the cluster late. The drives synced most
		// recently hold the agreed state.
		if len(fresh) > 0 && agree(fresh, states) {
			if lo.NoneBy(fresh, func(id string) bool { return states[id].Current != nil }) {
				c.Kind, c.Drives = ChangeDeleted, fresh
				return c, true
			}
			c.Kind = ChangeAdded
			c.Drives = lo.Filter(fresh, func(id string, _ int) bool { return states[id].Current != nil })
			if len(holders) > len(c.Drives) {
				c.Kind = ChangeModified
			}
			return c, true
		}
		c.Drives = holders
		if sameContent(holders, states) {
			c.Kind = ChangeAdded
		} else {
			c.Kind = ChangeConflict
		}
		return c, true

	case 1:
		id := changed[0]
		c.Drives = changed
		// A drive that changed a path while it was behind the others
		// edited a version the rest of the cluster has moved past.
		if stale := lo.Filter(fresh, func(f string, _ int) bool {
			return f != id && !sameEntry(states[f].Current, states[id].Base)
		}); len(stale) > 0 {
			c.Kind = ChangeConflict
			c.Drives = append([]string{id}, lo.Filter(stale, func(f string, _ int) bool { return states[f].Current != nil })...)
			return c, true
		}
		switch states[id].Delta {
		case DeltaAdded:
			c.Kind = ChangeAdded
		case DeltaModified:
			c.Kind = ChangeModified
		case DeltaDeleted:
			c.Kind = ChangeDeleted
			if opts.DeletesAsConflicts && len(holders) > 0 {
				c.Kind = ChangeConflict
				c.Drives = append([]string{id}, holders...)
			}
		}
		return c, true
	}

	c.Drives = changed
	deleted := lo.Filter(changed, func(id string, _ int) bool { return states[id].Delta == DeltaDeleted })
	switch {
	case len(deleted) == len(changed):
		c.Kind = ChangeDeleted
	case len(deleted) == 0 && sameContent(changed, states):
		// Convergent edits: identical content reached independently.
		c.Kind = ChangeAdded
		for _, id := range changed {
			if states[id].Delta == DeltaModified {
				c.Kind = ChangeModified
				break
			}
		}
	default:
		c.Kind = ChangeConflict
	}
	return c, true
}

// converged reports whether every drive holds the same content, or none
// holds the path at all.
func converged(order []string, states map[string]DriveState) bool {
	var first *FileEntry
	for i, id := range order {
		cur := states[id].Current
		if i == 0 {
			first = cur
			continue
		}
		if (first == nil) != (cur == nil) {
			return false
		}
		if first != nil && !first.ContentEqual(*cur) {
			return false
		}
	}
	return true
}

// freshest returns the drives whose baseline is the most recent, or none
// if no drive has synced yet or every baseline is equally recent.
func freshest(order []string, states map[string]DriveState) []string {
	var newest int64
	for _, id := range order {
		newest = max(newest, states[id].BaseAt)
	}
	if newest == 0 {
		return nil
	}
	fresh := lo.Filter(order, func(id string, _ int) bool { return states[id].BaseAt == newest })
	if len(fresh) == len(order) {
		return nil
	}
	return fresh
}

// agree reports whether the drives all hold the same content, or all lack
// the path.
func agree(ids []string, states map[string]DriveState) bool {
	return converged(ids, states)
}

func sameContent(ids []string, states map[string]DriveState) bool {
	digests := lo.Uniq(lo.FilterMap(ids, func(id string, _ int) (string, bool) {
		cur := states[id].Current
		if cur == nil {
			return "", false
		}
		return cur.FastDigest, true
	}))
	return len(digests) <= 1
}

// SortedPaths returns the change set's paths in lexicographic order.
func SortedPaths(changes map[string]Change) []string {
	keys := lo.Keys(changes)
	sort.Strings(keys)
	return keys
}
