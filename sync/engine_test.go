package sync_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diffr-sync/diffr/archive"
	"github.com/diffr-sync/diffr/scan"
	dsync "github.com/diffr-sync/diffr/sync"
)

// deniedFs fails Open on chosen directories the way a permission error does.
type deniedFs struct {
	afero.Fs
	denied map[string]bool
}

func (f *deniedFs) Open(name string) (afero.File, error) {
	if f.denied[filepath.Clean(name)] {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
	}
	return f.Fs.Open(name)
}

// harness wires a real engine over an in-memory filesystem.
type harness struct {
	fs     afero.Fs
	denied map[string]bool
	store  *dsync.Store
	engine *dsync.Engine
	online map[string]bool
	clock  time.Time
}

// fakeDiscovery reports the drives marked online in the harness.
type fakeDiscovery struct{ h *harness }

func (d fakeDiscovery) ListOnline(context.Context) ([]dsync.OnlineDrive, error) {
	var out []dsync.OnlineDrive
	for id, ok := range d.h.online {
		if ok {
			out = append(out, dsync.OnlineDrive{ID: id})
		}
	}
	return out, nil
}

func newHarness(t *testing.T, topology dsync.Topology, strategy dsync.Strategy, ids ...string) *harness {
	t.Helper()
	db, err := dsync.OpenDB(filepath.Join(t.TempDir(), "diffr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	denied := make(map[string]bool)
	h := &harness{
		fs:     &deniedFs{Fs: afero.NewMemMapFs(), denied: denied},
		denied: denied,
		store:  dsync.NewStore(db),
		online: make(map[string]bool),
		clock:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, id := range ids {
		require.NoError(t, h.fs.MkdirAll(mount(id), 0755))
		require.NoError(t, h.store.UpsertDrive(dsync.Drive{ID: id, MountPath: mount(id)}))
		h.online[id] = true
	}
	c := dsync.Cluster{Name: "home", Topology: topology, Strategy: strategy, Members: ids}
	if topology == dsync.TopologyPrimaryReplica {
		c.Primary = ids[0]
	}
	require.NoError(t, h.store.CreateCluster(c))

	arch := archive.New(h.fs, h.store)
	h.engine = dsync.NewEngine(dsync.EngineDeps{
		Store:     h.store,
		Fs:        h.fs,
		Scanner:   scan.New(h.fs, nil),
		Discovery: fakeDiscovery{h},
		Archivist: arch,
		Retention: arch,
	})
	return h
}

func mount(id string) string { return "/mnt/" + id }

// write creates a file with a strictly increasing mtime.
func (h *harness) write(t *testing.T, drive, rel, content string) {
	t.Helper()
	p := filepath.Join(mount(drive), filepath.FromSlash(rel))
	require.NoError(t, h.fs.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, afero.WriteFile(h.fs, p, []byte(content), 0644))
	h.clock = h.clock.Add(time.Minute)
	require.NoError(t, h.fs.Chtimes(p, h.clock, h.clock))
}

// deny makes a directory on a drive unreadable until allowed again.
func (h *harness) deny(drive, rel string, denied bool) {
	h.denied[filepath.Join(mount(drive), filepath.FromSlash(rel))] = denied
}

func (h *harness) read(drive, rel string) (string, bool) {
	data, err := afero.ReadFile(h.fs, filepath.Join(mount(drive), filepath.FromSlash(rel)))
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (h *harness) run(t *testing.T, opts dsync.RunOptions) *dsync.Report {
	t.Helper()
	opts.Cluster = "home"
	r, err := h.engine.Run(context.Background(), opts)
	require.NoError(t, err)
	return r
}

func (h *harness) archives(t *testing.T) []dsync.ArchiveRecord {
	t.Helper()
	recs, err := h.store.QueryArchives(dsync.ArchiveFilter{})
	require.NoError(t, err)
	return recs
}

// listing returns every non-state file under a drive with its content.
func (h *harness) listing(t *testing.T, drive string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	root := mount(drive)
	err := afero.Walk(h.fs, root, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		rel = filepath.ToSlash(rel)
		if fi.IsDir() {
			if rel == ".diffr" {
				return filepath.SkipDir
			}
			return nil
		}
		data, err := afero.ReadFile(h.fs, p)
		if err != nil {
			return err
		}
		out[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestEngine_CopyToEmptyDrive(t *testing.T) {
	h := newHarness(t, dsync.TopologyMesh, dsync.StrategyNewestWins, "A", "B")
	h.write(t, "A", "notes.txt", "hello")

	r := h.run(t, dsync.RunOptions{})

	require.Len(t, r.Plan.Actions, 1)
	a := r.Plan.Actions[0]
	assert.Equal(t, dsync.ActionCopy, a.Kind)
	assert.Equal(t, "A", a.Source)
	assert.Equal(t, "B", a.Dest)
	assert.Equal(t, "notes.txt", a.Path)

	assert.Equal(t, dsync.RunClean, r.Run.Status)
	assert.Empty(t, r.Run.Conflicts)
	assert.Equal(t, 1, r.Run.FilesSynced)
	assert.Equal(t, int64(5), r.Run.BytesTransferred)
	got, ok := h.read("B", "notes.txt")
	assert.True(t, ok)
	assert.Equal(t, "hello", got)
}

func TestEngine_ModificationArchivesOldVersion(t *testing.T) {
	h := newHarness(t, dsync.TopologyMesh, dsync.StrategyNewestWins, "A", "B")
	h.write(t, "A", "doc.md", "v1")
	h.run(t, dsync.RunOptions{})

	h.write(t, "A", "doc.md", "v2")
	r := h.run(t, dsync.RunOptions{Verify: true})

	require.Len(t, r.Run.Outcomes, 1)
	o := r.Run.Outcomes[0]
	assert.Equal(t, dsync.ActionArchiveThenOverwrite, o.Action.Kind)
	assert.Equal(t, dsync.ResultCommitted, o.Result, o.Error)
	assert.Equal(t, []dsync.ActionState{
		dsync.StatePending, dsync.StateArchiving, dsync.StateInFlight, dsync.StateVerifying, dsync.StateCommitted,
	}, o.Trace)

	got, _ := h.read("B", "doc.md")
	assert.Equal(t, "v2", got)

	recs := h.archives(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "B", recs[0].Drive)
	assert.Equal(t, "doc.md", recs[0].OriginalPath)
	assert.Equal(t, dsync.ReasonBeforeOverwrite, recs[0].Reason)
	assert.True(t, strings.HasPrefix(recs[0].Location, archive.Dir+"/doc.md/"))

	// The archived bytes restore to the old version.
	restored := filepath.Join(mount("B"), "restored.md")
	_, err := archive.New(h.fs, h.store).Restore(context.Background(), recs[0].ID, restored)
	require.NoError(t, err)
	data, _ := afero.ReadFile(h.fs, restored)
	assert.Equal(t, "v1", string(data))
}

func TestEngine_SecondRunIsNoop(t *testing.T) {
	h := newHarness(t, dsync.TopologyMesh, dsync.StrategyNewestWins, "A", "B", "C")
	h.write(t, "A", "a.txt", "a")
	h.write(t, "B", "dir/b.txt", "b")
	h.write(t, "C", "c.txt", "c")

	first := h.run(t, dsync.RunOptions{})
	assert.Len(t, first.Plan.Actions, 6)
	assert.Equal(t, dsync.RunClean, first.Run.Status)

	second := h.run(t, dsync.RunOptions{})
	assert.True(t, second.Plan.Empty(), "got %v", second.Plan.Actions)
	assert.Equal(t, dsync.RunClean, second.Run.Status)

	for _, d := range []string{"A", "B", "C"} {
		assert.Equal(t, map[string]string{"a.txt": "a", "dir/b.txt": "b", "c.txt": "c"}, h.listing(t, d), d)
	}
}

func TestEngine_DeletionPropagates(t *testing.T) {
	h := newHarness(t, dsync.TopologyMesh, dsync.StrategyNewestWins, "A", "B")
	h.write(t, "A", "gone.txt", "bye")
	h.run(t, dsync.RunOptions{})

	require.NoError(t, h.fs.Remove(filepath.Join(mount("A"), "gone.txt")))
	r := h.run(t, dsync.RunOptions{})

	require.Len(t, r.Run.Outcomes, 1)
	assert.Equal(t, dsync.ActionArchiveThenDelete, r.Run.Outcomes[0].Action.Kind)
	_, ok := h.read("B", "gone.txt")
	assert.False(t, ok)
	recs := h.archives(t)
	require.Len(t, recs, 1)
	assert.Equal(t, dsync.ReasonBeforeDelete, recs[0].Reason)

	assert.True(t, h.run(t, dsync.RunOptions{}).Plan.Empty())
}

func TestEngine_DryRunChangesNothing(t *testing.T) {
	h := newHarness(t, dsync.TopologyMesh, dsync.StrategyNewestWins, "A", "B")
	h.write(t, "A", "doc.md", "v1")
	h.run(t, dsync.RunOptions{})
	h.write(t, "A", "doc.md", "v2")
	h.write(t, "B", "new.txt", "n")

	before := map[string]map[string]string{"A": h.listing(t, "A"), "B": h.listing(t, "B")}
	dry := h.run(t, dsync.RunOptions{DryRun: true})

	assert.True(t, dry.Run.DryRun)
	require.Len(t, dry.Run.Outcomes, 2)
	for _, o := range dry.Run.Outcomes {
		assert.Equal(t, dsync.ResultWould, o.Result)
		assert.True(t, strings.HasPrefix(o.Summary, "would "), o.Summary)
	}
	assert.Equal(t, before["A"], h.listing(t, "A"))
	assert.Equal(t, before["B"], h.listing(t, "B"))
	assert.Empty(t, h.archives(t))

	// The real run performs exactly what the dry run announced.
	real := h.run(t, dsync.RunOptions{})
	assert.Equal(t, dry.Plan.Actions, real.Plan.Actions)
	got, _ := h.read("B", "doc.md")
	assert.Equal(t, "v2", got)
}

func TestEngine_KeepBothPreservesEveryVersion(t *testing.T) {
	h := newHarness(t, dsync.TopologyMesh, dsync.StrategyKeepBoth, "A", "B")
	h.write(t, "A", "doc.md", "base")
	h.run(t, dsync.RunOptions{})

	h.write(t, "A", "doc.md", "from A")
	h.write(t, "B", "doc.md", "from B")
	r := h.run(t, dsync.RunOptions{})

	assert.Empty(t, r.Run.Conflicts)
	for _, o := range r.Run.Outcomes {
		assert.Equal(t, dsync.ResultCommitted, o.Result, o.Error)
	}
	for _, d := range []string{"A", "B"} {
		files := h.listing(t, d)
		assert.Equal(t, "from B", files["doc.md"], d)
		var preserved []string
		for p, content := range files {
			if strings.HasPrefix(p, "doc.conflict-A-") {
				preserved = append(preserved, content)
			}
		}
		assert.Equal(t, []string{"from A"}, preserved, d)
	}

	// The overwritten version on A is also archived.
	recs := h.archives(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "A", recs[0].Drive)

	assert.True(t, h.run(t, dsync.RunOptions{}).Plan.Empty())
}

func TestEngine_InteractiveConflictIsReported(t *testing.T) {
	h := newHarness(t, dsync.TopologyMesh, dsync.StrategyInteractive, "A", "B")
	h.write(t, "A", "doc.md", "base")
	h.run(t, dsync.RunOptions{})

	h.write(t, "A", "doc.md", "from A")
	h.write(t, "B", "doc.md", "from B")
	r := h.run(t, dsync.RunOptions{})

	assert.Equal(t, dsync.RunPartialConflicts, r.Run.Status)
	require.Len(t, r.Run.Conflicts, 1)
	assert.Equal(t, "doc.md", r.Run.Conflicts[0].Path)
	a, _ := h.read("A", "doc.md")
	b, _ := h.read("B", "doc.md")
	assert.Equal(t, "from A", a)
	assert.Equal(t, "from B", b)

	// Still in conflict on the next run.
	again := h.run(t, dsync.RunOptions{})
	require.Len(t, again.Run.Conflicts, 1)

	// A decision submitted out of band resolves it.
	resolved := h.run(t, dsync.RunOptions{Resolutions: map[string]string{"doc.md": "A"}})
	assert.Equal(t, dsync.RunClean, resolved.Run.Status)
	b, _ = h.read("B", "doc.md")
	assert.Equal(t, "from A", b)
}

func TestEngine_OfflineDriveCatchesUpLater(t *testing.T) {
	h := newHarness(t, dsync.TopologyMesh, dsync.StrategyNewestWins, "A", "B", "C")
	h.write(t, "A", "notes.txt", "v1")
	h.run(t, dsync.RunOptions{})

	h.online["C"] = false
	h.write(t, "A", "notes.txt", "v2")
	h.write(t, "A", "new.txt", "new")
	r := h.run(t, dsync.RunOptions{})

	assert.Equal(t, []string{"C"}, r.Run.OfflineDrives)
	for _, a := range r.Plan.Actions {
		assert.NotEqual(t, "C", a.Dest)
	}
	c, _ := h.read("C", "notes.txt")
	assert.Equal(t, "v1", c, "offline drive untouched")
	d, err := h.store.GetDrive("C")
	require.NoError(t, err)
	assert.False(t, d.Online)

	h.online["C"] = true
	r = h.run(t, dsync.RunOptions{})
	assert.Empty(t, r.Run.Conflicts)
	assert.Equal(t, map[string]string{"notes.txt": "v2", "new.txt": "new"}, h.listing(t, "C"))
}

func TestEngine_PrimaryReplica(t *testing.T) {
	h := newHarness(t, dsync.TopologyPrimaryReplica, dsync.StrategyNewestWins, "P", "R")
	h.write(t, "P", "doc.md", "v1")
	h.run(t, dsync.RunOptions{})

	h.write(t, "R", "extra.txt", "replica only")
	h.write(t, "P", "doc.md", "v2")
	r := h.run(t, dsync.RunOptions{})

	for _, a := range r.Plan.Actions {
		assert.Equal(t, "R", a.Dest, "nothing is written to the primary")
	}
	got, _ := h.read("R", "doc.md")
	assert.Equal(t, "v2", got)
	_, ok := h.read("P", "extra.txt")
	assert.False(t, ok)
}

func TestEngine_UnknownCluster(t *testing.T) {
	h := newHarness(t, dsync.TopologyMesh, dsync.StrategyNewestWins, "A")
	_, err := h.engine.Run(context.Background(), dsync.RunOptions{Cluster: "nope"})
	assert.ErrorIs(t, err, dsync.ErrInvalidCluster)
	assert.True(t, dsync.IsFatal(err))
}

func TestEngine_HistoryRecorded(t *testing.T) {
	h := newHarness(t, dsync.TopologyMesh, dsync.StrategyNewestWins, "A", "B")
	h.write(t, "A", "x.txt", "x")
	h.run(t, dsync.RunOptions{DryRun: true})
	h.run(t, dsync.RunOptions{})

	runs, err := h.store.ListSyncRuns("home", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.False(t, runs[0].DryRun)
	assert.True(t, runs[1].DryRun)
	assert.Equal(t, dsync.ResultCommitted, runs[0].Outcomes[0].Result)
}

func TestEngine_RetentionAfterRun(t *testing.T) {
	h := newHarness(t, dsync.TopologyMesh, dsync.StrategyNewestWins, "A", "B")
	h.write(t, "A", "doc.md", "v0")
	h.run(t, dsync.RunOptions{})

	policy := dsync.RetentionPolicy{MaxVersions: 2}
	var pruned int
	for i := 1; i <= 4; i++ {
		h.write(t, "A", "doc.md", strings.Repeat("v", i))
		r := h.run(t, dsync.RunOptions{Retention: policy})
		pruned += len(r.Pruned)
	}
	assert.Equal(t, 2, pruned)
	assert.Len(t, h.archives(t), 2)
}

func TestValidateCluster(t *testing.T) {
	drives := map[string]dsync.Drive{
		"A": {ID: "A"},
		"B": {ID: "B"},
		"M": {ID: "M", Role: dsync.RoleArchiveOnly},
	}
	ok := dsync.Cluster{Name: "c", Topology: dsync.TopologyMesh, Strategy: dsync.StrategyNewestWins, Members: []string{"A", "B"}}
	require.NoError(t, dsync.ValidateCluster(ok, drives))

	tests := map[string]func(c *dsync.Cluster){
		"empty name":         func(c *dsync.Cluster) { c.Name = "" },
		"bad topology":       func(c *dsync.Cluster) { c.Topology = "ring" },
		"no members":         func(c *dsync.Cluster) { c.Members = nil },
		"duplicate member":   func(c *dsync.Cluster) { c.Members = []string{"A", "A"} },
		"unknown member":     func(c *dsync.Cluster) { c.Members = []string{"A", "Z"} },
		"missing primary":    func(c *dsync.Cluster) { c.Topology = dsync.TopologyPrimaryReplica },
		"primary not member": func(c *dsync.Cluster) { c.Topology, c.Primary = dsync.TopologyPrimaryReplica, "M" },
		"archive-only primary": func(c *dsync.Cluster) {
			c.Topology, c.Primary, c.Members = dsync.TopologyPrimaryReplica, "M", []string{"A", "M"}
		},
	}
	for name, mut := range tests {
		t.Run(name, func(t *testing.T) {
			c := ok
			c.Members = append([]string(nil), ok.Members...)
			mut(&c)
			err := dsync.ValidateCluster(c, drives)
			var ce *dsync.ClusterConfigError
			assert.True(t, errors.As(err, &ce), "got %v", err)
		})
	}
}

func TestEngine_NewestWinsConflict(t *testing.T) {
	h := newHarness(t, dsync.TopologyMesh, dsync.StrategyNewestWins, "A", "B")
	h.write(t, "A", "doc.md", "base")
	h.run(t, dsync.RunOptions{})

	h.write(t, "A", "doc.md", "edit on A")
	h.write(t, "B", "doc.md", "edit on B")
	r := h.run(t, dsync.RunOptions{})

	require.Len(t, r.Plan.Actions, 1)
	a := r.Plan.Actions[0]
	assert.Equal(t, dsync.ActionArchiveThenOverwrite, a.Kind)
	assert.Equal(t, "B", a.Source)
	assert.Equal(t, "A", a.Dest)
	assert.Empty(t, r.Run.Conflicts)

	got, _ := h.read("A", "doc.md")
	assert.Equal(t, "edit on B", got)

	recs := h.archives(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "A", recs[0].Drive)
	assert.Equal(t, a.PreImage, recs[0].Digest, "the archived bytes are the overwritten version")
	assert.Equal(t, r.Run.Outcomes[0].ArchiveIDs, []string{recs[0].ID})
}

func TestEngine_UnreadableDirectoryIsNotDeleted(t *testing.T) {
	h := newHarness(t, dsync.TopologyMesh, dsync.StrategyNewestWins, "A", "B")
	h.write(t, "A", "sub/a.txt", "inside")
	h.write(t, "A", "top.txt", "outside")
	h.run(t, dsync.RunOptions{})
	require.Equal(t, map[string]string{"sub/a.txt": "inside", "top.txt": "outside"}, h.listing(t, "B"))

	h.deny("A", "sub", true)
	r := h.run(t, dsync.RunOptions{})
	assert.Empty(t, r.Plan.Actions)
	assert.Equal(t, dsync.RunClean, r.Run.Status)
	got, ok := h.read("B", "sub/a.txt")
	require.True(t, ok, "files under an unreadable directory are not deleted elsewhere")
	assert.Equal(t, "inside", got)

	// Once readable again nothing has changed.
	h.deny("A", "sub", false)
	r = h.run(t, dsync.RunOptions{})
	assert.Empty(t, r.Plan.Actions)
	assert.Empty(t, h.archives(t))
}

func TestEngine_NewlyIgnoredFileIsNotDeleted(t *testing.T) {
	h := newHarness(t, dsync.TopologyMesh, dsync.StrategyNewestWins, "A", "B")
	h.write(t, "A", "build.log", "log")
	h.run(t, dsync.RunOptions{})

	h.write(t, "A", scan.IgnoreFile, "*.log\n")
	r := h.run(t, dsync.RunOptions{})
	require.Len(t, r.Plan.Actions, 1)
	assert.Equal(t, scan.IgnoreFile, r.Plan.Actions[0].Path)
	assert.Equal(t, dsync.ActionCopy, r.Plan.Actions[0].Kind)

	for _, id := range []string{"A", "B"} {
		got, ok := h.read(id, "build.log")
		require.True(t, ok, "build.log kept on %s", id)
		assert.Equal(t, "log", got)
	}

	// Both drives now ignore it and the cluster is quiet.
	r = h.run(t, dsync.RunOptions{})
	assert.Empty(t, r.Plan.Actions)
	assert.Empty(t, h.archives(t))
}
