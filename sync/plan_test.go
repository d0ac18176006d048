package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type planFixture struct {
	cluster Cluster
	drives  map[string]Drive
	cur     map[string]*Snapshot
	base    map[string]*Snapshot
}

func newPlanFixture(topology Topology, strategy Strategy, ids ...string) *planFixture {
	f := &planFixture{
		cluster: Cluster{Name: "c", Topology: topology, Strategy: strategy, Members: ids},
		drives:  make(map[string]Drive),
		cur:     make(map[string]*Snapshot),
		base:    make(map[string]*Snapshot),
	}
	for _, d := range onlineDrives(ids...) {
		f.drives[d.ID] = d
		f.cur[d.ID] = snapOf(d.ID, nil)
		f.base[d.ID] = snapOf(d.ID, nil)
	}
	return f
}

// synced puts the same file on every drive, current and baseline.
func (f *planFixture) synced(path string, e FileEntry) {
	for id := range f.drives {
		f.cur[id].Entries[path] = e
		f.base[id].Entries[path] = e
	}
}

func (f *planFixture) plan(mut func(*PlanInput)) *SyncPlan {
	var ordered []Drive
	for _, id := range f.cluster.Members {
		ordered = append(ordered, f.drives[id])
	}
	cur := make(map[string]*Snapshot)
	for id, s := range f.cur {
		if f.drives[id].Online && f.drives[id].Role != RoleArchiveOnly {
			cur[id] = s
		}
	}
	in := PlanInput{
		Cluster: f.cluster,
		Drives:  f.drives,
		Changes: Diff(ordered, cur, f.base, DiffOptions{}),
		Now:     resolveAt,
	}
	if mut != nil {
		mut(&in)
	}
	return BuildPlan(in)
}

func kinds(p *SyncPlan) []ActionKind {
	out := make([]ActionKind, len(p.Actions))
	for i, a := range p.Actions {
		out[i] = a.Kind
	}
	return out
}

func TestPlan_InSyncIsEmpty(t *testing.T) {
	f := newPlanFixture(TopologyMesh, StrategyNewestWins, "A", "B")
	f.synced("notes.txt", entry("v1", 1))
	assert.True(t, f.plan(nil).Empty())
}

func TestPlan_MeshModificationArchivesThenOverwrites(t *testing.T) {
	f := newPlanFixture(TopologyMesh, StrategyNewestWins, "A", "B")
	f.synced("notes.txt", entry("v1", 1))
	f.cur["A"].Entries["notes.txt"] = entry("v2", 2)

	p := f.plan(nil)
	require.Len(t, p.Actions, 1)
	a := p.Actions[0]
	assert.Equal(t, ActionArchiveThenOverwrite, a.Kind)
	assert.Equal(t, "A", a.Source)
	assert.Equal(t, "B", a.Dest)
	assert.Equal(t, "v2", a.SourceDigest)
	assert.Equal(t, "v1", a.PreImage)
	assert.Equal(t, []string{"B"}, a.ArchiveTo)
	assert.Equal(t, PhaseDestructive, a.Phase)
	assert.True(t, a.Destructive())
}

func TestPlan_MeshAdditionCopiesEverywhere(t *testing.T) {
	f := newPlanFixture(TopologyMesh, StrategyNewestWins, "A", "B", "C")
	f.cur["B"].Entries["new.txt"] = entry("n", 1)

	p := f.plan(nil)
	assert.Equal(t, []ActionKind{ActionCopy, ActionCopy}, kinds(p))
	assert.Equal(t, "A", p.Actions[0].Dest)
	assert.Equal(t, "C", p.Actions[1].Dest)
	for _, a := range p.Actions {
		assert.Equal(t, PhaseCopy, a.Phase)
		assert.False(t, a.Destructive())
		assert.Empty(t, a.PreImage)
	}
}

func TestPlan_MeshDeletionArchivesThenDeletes(t *testing.T) {
	f := newPlanFixture(TopologyMesh, StrategyNewestWins, "A", "B")
	f.synced("gone.txt", entry("g", 1))
	delete(f.cur["A"].Entries, "gone.txt")

	p := f.plan(nil)
	require.Len(t, p.Actions, 1)
	assert.Equal(t, ActionArchiveThenDelete, p.Actions[0].Kind)
	assert.Equal(t, "B", p.Actions[0].Dest)
	assert.Equal(t, "g", p.Actions[0].PreImage)
}

func TestPlan_ArchiveSkip(t *testing.T) {
	f := newPlanFixture(TopologyMesh, StrategyNewestWins, "A", "B", "C")
	assist := f.drives["C"]
	assist.Role = RoleArchiveAssist
	f.drives["C"] = assist
	f.synced("notes.txt", entry("v1", 1))
	f.cur["A"].Entries["notes.txt"] = entry("v2", 2)

	p := f.plan(func(in *PlanInput) { in.ArchiveSkip = true })
	require.Len(t, p.Actions, 2)
	byDest := map[string]SyncAction{}
	for _, a := range p.Actions {
		byDest[a.Dest] = a
	}
	assert.Equal(t, ActionCopy, byDest["B"].Kind, "archive skipped on a normal drive")
	assert.Equal(t, "v1", byDest["B"].PreImage, "the overwrite still checks the pre-image")
	assert.True(t, byDest["B"].Destructive())
	assert.Equal(t, ActionArchiveThenOverwrite, byDest["C"].Kind, "archive-assist always archives")
}

func TestPlan_ArchiveOnlyMirrorReceivesArchives(t *testing.T) {
	f := newPlanFixture(TopologyMesh, StrategyNewestWins, "A", "B", "M")
	mirror := f.drives["M"]
	mirror.Role = RoleArchiveOnly
	f.drives["M"] = mirror
	f.synced("notes.txt", entry("v1", 1))
	delete(f.cur["M"].Entries, "notes.txt")
	f.cur["A"].Entries["notes.txt"] = entry("v2", 2)

	p := f.plan(nil)
	require.Len(t, p.Actions, 1, "the mirror is never a copy destination")
	assert.Equal(t, "B", p.Actions[0].Dest)
	assert.Equal(t, []string{"B", "M"}, p.Actions[0].ArchiveTo)
}

func TestPlan_ConflictNewestWins(t *testing.T) {
	f := newPlanFixture(TopologyMesh, StrategyNewestWins, "A", "B")
	f.synced("doc.md", entry("v1", 1))
	f.cur["A"].Entries["doc.md"] = entry("vA", 10)
	f.cur["B"].Entries["doc.md"] = entry("vB", 20)

	p := f.plan(nil)
	require.Len(t, p.Actions, 1)
	assert.Equal(t, "B", p.Actions[0].Source)
	assert.Equal(t, "A", p.Actions[0].Dest)
	assert.Equal(t, ActionArchiveThenOverwrite, p.Actions[0].Kind)
	assert.Empty(t, p.Conflicts)
}

func TestPlan_ConflictInteractiveIsSkipped(t *testing.T) {
	f := newPlanFixture(TopologyMesh, StrategyInteractive, "A", "B")
	f.synced("doc.md", entry("v1", 1))
	f.cur["A"].Entries["doc.md"] = entry("vA", 10)
	f.cur["B"].Entries["doc.md"] = entry("vB", 20)

	p := f.plan(nil)
	assert.Empty(t, p.Actions)
	require.Len(t, p.Conflicts, 1)
	assert.Equal(t, ActionSkipConflict, p.Conflicts[0].Kind)
	cfs := p.UnresolvedConflicts()
	require.Len(t, cfs, 1)
	assert.Equal(t, "doc.md", cfs[0].Path)
	assert.Len(t, cfs[0].Candidates, 2)

	// Re-submitting a decision resolves it.
	p = f.plan(func(in *PlanInput) { in.Resolutions = map[string]string{"doc.md": "A"} })
	require.Len(t, p.Actions, 1)
	assert.Equal(t, "A", p.Actions[0].Source)
	assert.Equal(t, "B", p.Actions[0].Dest)
	assert.Empty(t, p.Conflicts)
}

func TestPlan_ConflictKeepBoth(t *testing.T) {
	f := newPlanFixture(TopologyMesh, StrategyKeepBoth, "A", "B")
	f.synced("doc.md", entry("v1", 1))
	f.cur["A"].Entries["doc.md"] = entry("vA", 10)
	f.cur["B"].Entries["doc.md"] = entry("vB", 20)

	p := f.plan(nil)
	name := ConflictName("doc.md", "A", resolveAt)
	require.Len(t, p.Actions, 3)

	// Phase 1: the loser's version lands under the conflict name on both.
	assert.Equal(t, ActionCopy, p.Actions[0].Kind)
	assert.Equal(t, name, p.Actions[0].Path)
	assert.Equal(t, "doc.md", p.Actions[0].SourcePath)
	assert.Equal(t, "A", p.Actions[0].Source)
	assert.Equal(t, ActionCopy, p.Actions[1].Kind)
	assert.Equal(t, name, p.Actions[1].Path)
	assert.ElementsMatch(t, []string{"A", "B"}, []string{p.Actions[0].Dest, p.Actions[1].Dest})

	// Phase 2: the winner overwrites the loser, archived first.
	assert.Equal(t, ActionArchiveThenOverwrite, p.Actions[2].Kind)
	assert.Equal(t, "doc.md", p.Actions[2].Path)
	assert.Equal(t, "B", p.Actions[2].Source)
	assert.Equal(t, "A", p.Actions[2].Dest)
}

func TestPlan_PrimaryReplica(t *testing.T) {
	f := newPlanFixture(TopologyPrimaryReplica, StrategyNewestWins, "P", "R1", "R2")
	f.cluster.Primary = "P"
	f.synced("doc.md", entry("v1", 1))
	f.synced("keep.md", entry("k1", 1))
	f.cur["P"].Entries["doc.md"] = entry("v2", 2)
	// A newer replica-only edit may not win over the primary.
	f.cur["R1"].Entries["keep.md"] = entry("k-replica", 50)

	p := f.plan(nil)
	var docDests []string
	for _, a := range p.Actions {
		if a.Path == "doc.md" {
			assert.Equal(t, "P", a.Source)
			docDests = append(docDests, a.Dest)
		}
	}
	assert.Equal(t, []string{"R1", "R2"}, docDests)
	assert.Len(t, p.Conflicts, 1, "left for manual resolution")
	assert.Equal(t, "keep.md", p.Conflicts[0].Path)
}

func TestPlan_PrimaryReplicaNeverWritesPrimary(t *testing.T) {
	f := newPlanFixture(TopologyPrimaryReplica, StrategyKeepBoth, "P", "R")
	f.cluster.Primary = "P"
	f.synced("doc.md", entry("v1", 1))
	f.cur["P"].Entries["doc.md"] = entry("vP", 10)
	f.cur["R"].Entries["doc.md"] = entry("vR", 20)

	p := f.plan(nil)
	for _, a := range p.Actions {
		if a.Path == "doc.md" {
			assert.NotEqual(t, "P", a.Dest, "the primary's path is never overwritten")
			assert.Equal(t, "P", a.Source)
		}
	}
}

func TestPlan_PrimaryOffline(t *testing.T) {
	f := newPlanFixture(TopologyPrimaryReplica, StrategyNewestWins, "P", "R1", "R2")
	f.cluster.Primary = "P"
	p := f.drives["P"]
	p.Online = false
	f.drives["P"] = p
	f.synced("doc.md", entry("v1", 1))
	f.cur["R1"].Entries["doc.md"] = entry("v2", 2)

	plan := f.plan(nil)
	assert.Empty(t, plan.Actions)
	require.Len(t, plan.Conflicts, 1)
	assert.Equal(t, "primary drive offline", plan.Conflicts[0].Conflict.Reason)
}

func TestPlan_OneActionPerPathAndDrive(t *testing.T) {
	f := newPlanFixture(TopologyMesh, StrategyKeepBoth, "A", "B", "C")
	for i, p := range []string{"a.txt", "b.txt", "c.txt"} {
		f.synced(p, entry("base", 1))
		f.cur["A"].Entries[p] = entry("A"+p, int64(10+i))
		f.cur["B"].Entries[p] = entry("B"+p, int64(20+i))
	}
	f.cur["C"].Entries["new.txt"] = entry("n", 1)

	p := f.plan(nil)
	seen := map[string]bool{}
	lastPhase := 0
	for _, a := range p.Actions {
		key := a.Path + "|" + a.Dest
		assert.False(t, seen[key], "duplicate action for %s", key)
		seen[key] = true
		assert.GreaterOrEqual(t, a.Phase, lastPhase, "phases are ordered")
		lastPhase = a.Phase
		if a.Phase == PhaseCopy {
			assert.False(t, a.Destructive())
		}
	}
}

func TestPlan_Deterministic(t *testing.T) {
	f := newPlanFixture(TopologyMesh, StrategyKeepBoth, "A", "B", "C")
	for _, p := range []string{"z.txt", "m.txt", "a.txt"} {
		f.cur["A"].Entries[p] = entry("A"+p, 1)
	}
	f.synced("doc.md", entry("v1", 1))
	f.cur["B"].Entries["doc.md"] = entry("vB", 5)
	f.cur["C"].Entries["doc.md"] = entry("vC", 6)

	first := f.plan(nil)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, f.plan(nil))
	}
}

func TestSyncAction_Describe(t *testing.T) {
	a := SyncAction{Kind: ActionCopy, Path: "notes.txt", Source: "A", Dest: "B"}
	assert.Equal(t, "would copy A -> B: notes.txt", a.Describe(true))
	assert.Equal(t, "copy A -> B: notes.txt", a.Describe(false))

	d := SyncAction{Kind: ActionArchiveThenDelete, Path: "x", Dest: "B"}
	assert.Equal(t, "archive and delete B: x", d.Describe(false))
}

func TestBuildPlan_DefaultsNow(t *testing.T) {
	restore := nowFunc
	nowFunc = func() time.Time { return resolveAt }
	defer func() { nowFunc = restore }()

	f := newPlanFixture(TopologyMesh, StrategyKeepBoth, "A", "B")
	f.synced("doc.md", entry("v1", 1))
	f.cur["A"].Entries["doc.md"] = entry("vA", 10)
	f.cur["B"].Entries["doc.md"] = entry("vB", 20)

	p := f.plan(func(in *PlanInput) { in.Now = time.Time{} })
	assert.Equal(t, ConflictName("doc.md", "A", resolveAt), p.Actions[0].Path)
}

func TestPlan_IgnoredPathIsNotCopiedThere(t *testing.T) {
	f := newPlanFixture(TopologyMesh, StrategyNewestWins, "A", "B", "C")
	f.cur["A"].Entries["x.log"] = entry("x", 1)
	f.cur["B"].Excludes = func(p string) bool { return p == "x.log" }

	p := f.plan(nil)
	require.Len(t, p.Actions, 1)
	assert.Equal(t, "C", p.Actions[0].Dest)
}

func TestPlan_PrimaryIgnoringPathLeavesReplicas(t *testing.T) {
	f := newPlanFixture(TopologyPrimaryReplica, StrategyNewestWins, "P", "R1", "R2")
	f.cluster.Primary = "P"
	f.cur["R1"].Entries["scratch.tmp"] = entry("s", 1)
	f.cur["P"].Excludes = func(p string) bool { return p == "scratch.tmp" }

	p := f.plan(nil)
	assert.Empty(t, p.Actions)
	assert.Empty(t, p.Conflicts)
}
