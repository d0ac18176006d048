package sync

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Persistence is what a run needs from durable storage. Every method fails
// with a *StorageError rather than dropping a write.
type Persistence interface {
	LoadBaseline(driveID string) (*Snapshot, error)
	SaveBaseline(driveID string, snap *Snapshot) error
	AppendSyncRun(run *SyncRun) error
	AppendArchiveRecord(rec ArchiveRecord) error
	QueryArchives(f ArchiveFilter) ([]ArchiveRecord, error)
	DeleteArchiveRecord(id string) error
}

// Store provides CRUD operations on the diffr database.
type Store struct {
	db *sql.DB
}

var _ Persistence = (*Store)(nil)

// NewStore creates a Store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertDrive inserts or updates a drive keyed by its identity.
func (s *Store) UpsertDrive(d Drive) error {
	sub("store").Debug("UpsertDrive", "id", d.ID, "role", d.Role, "mount", d.MountPath)
	if d.Role == "" {
		d.Role = RoleNormal
	}
	_, err := s.db.Exec(`
		INSERT INTO drives (id, label, role, mount_path, sync_root, online, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label      = excluded.label,
			role       = excluded.role,
			mount_path = excluded.mount_path,
			sync_root  = excluded.sync_root,
			online     = excluded.online,
			last_seen  = excluded.last_seen
	`, d.ID, d.Label, d.Role, d.MountPath, d.SyncRoot, d.Online, d.LastSeen)
	if err != nil {
		return storageErr("upsert drive", err)
	}
	return nil
}

// SetDriveStatus records a drive's current mount point and online state.
// The mount path is kept as is when mountPath is empty.
func (s *Store) SetDriveStatus(id, mountPath string, online bool) error {
	sub("store").Debug("SetDriveStatus", "id", id, "mount", mountPath, "online", online)
	q := `UPDATE drives SET online = ?, last_seen = CASE WHEN ? THEN ? ELSE last_seen END`
	args := []any{online, online, nowNano()}
	if mountPath != "" {
		q += `, mount_path = ?`
		args = append(args, mountPath)
	}
	q += ` WHERE id = ?`
	args = append(args, id)
	if _, err := s.db.Exec(q, args...); err != nil {
		return storageErr("set drive status", err)
	}
	return nil
}

const driveColumns = `id, label, role, mount_path, sync_root, online, last_seen`

func scanDrive(sc interface{ Scan(...any) error }) (Drive, error) {
	var d Drive
	err := sc.Scan(&d.ID, &d.Label, &d.Role, &d.MountPath, &d.SyncRoot, &d.Online, &d.LastSeen)
	return d, err
}

// GetDrive retrieves a drive by identity.
func (s *Store) GetDrive(id string) (*Drive, error) {
	d, err := scanDrive(s.db.QueryRow(`SELECT `+driveColumns+` FROM drives WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("drive %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get drive", err)
	}
	return &d, nil
}

// ListDrives returns every registered drive ordered by id.
func (s *Store) ListDrives() ([]Drive, error) {
	rows, err := s.db.Query(`SELECT ` + driveColumns + ` FROM drives ORDER BY id`)
	if err != nil {
		return nil, storageErr("list drives", err)
	}
	defer rows.Close()

	var drives []Drive
	for rows.Next() {
		d, err := scanDrive(rows)
		if err != nil {
			return nil, storageErr("scan drive", err)
		}
		drives = append(drives, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list drives", err)
	}
	return drives, nil
}

// CreateCluster inserts a cluster and its ordered members in one
// transaction. A drive already in another cluster is rejected.
func (s *Store) CreateCluster(c Cluster) error {
	l := sub("store")
	l.Debug("CreateCluster", "name", c.Name, "topology", c.Topology, "members", c.Members)

	tx, err := s.db.Begin()
	if err != nil {
		return storageErr("begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`INSERT INTO clusters (name, topology, strategy, primary_drive) VALUES (?, ?, ?, ?)`,
		c.Name, c.Topology, c.Strategy, c.Primary)
	if err != nil {
		if isConstraint(err) {
			return &ClusterConfigError{Cluster: c.Name, Reason: "cluster already exists"}
		}
		return storageErr("insert cluster", err)
	}
	for i, id := range c.Members {
		if err := insertMember(tx, c.Name, id, i); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit cluster", err)
	}
	return nil
}

// AddClusterMember appends a drive to an existing cluster.
func (s *Store) AddClusterMember(cluster, driveID string) error {
	sub("store").Debug("AddClusterMember", "cluster", cluster, "drive", driveID)
	tx, err := s.db.Begin()
	if err != nil {
		return storageErr("begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var next int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(position) + 1, 0) FROM cluster_members WHERE cluster = ?`, cluster).Scan(&next); err != nil {
		return storageErr("member position", err)
	}
	if err := insertMember(tx, cluster, driveID, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit member", err)
	}
	return nil
}

func insertMember(tx *sql.Tx, cluster, driveID string, pos int) error {
	_, err := tx.Exec(`INSERT INTO cluster_members (cluster, drive_id, position) VALUES (?, ?, ?)`, cluster, driveID, pos)
	if err != nil {
		if isConstraint(err) {
			return &ClusterConfigError{Cluster: cluster, Reason: fmt.Sprintf("drive %s is unknown or already in a cluster", driveID)}
		}
		return storageErr("insert member", err)
	}
	return nil
}

func isConstraint(err error) bool {
	return strings.Contains(err.Error(), "constraint failed")
}

// GetCluster loads a cluster with its members in position order.
func (s *Store) GetCluster(name string) (*Cluster, error) {
	c := &Cluster{Name: name}
	err := s.db.QueryRow(`SELECT topology, strategy, primary_drive FROM clusters WHERE name = ?`, name).
		Scan(&c.Topology, &c.Strategy, &c.Primary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cluster %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get cluster", err)
	}

	rows, err := s.db.Query(`SELECT drive_id FROM cluster_members WHERE cluster = ? ORDER BY position`, name)
	if err != nil {
		return nil, storageErr("list members", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan member", err)
		}
		c.Members = append(c.Members, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list members", err)
	}
	return c, nil
}

// ListClusters returns every cluster by name.
func (s *Store) ListClusters() ([]Cluster, error) {
	rows, err := s.db.Query(`SELECT name FROM clusters ORDER BY name`)
	if err != nil {
		return nil, storageErr("list clusters", err)
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, storageErr("scan cluster", err)
		}
		names = append(names, n)
	}
	rows.Close()

	out := make([]Cluster, 0, len(names))
	for _, n := range names {
		c, err := s.GetCluster(n)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

// LoadBaseline returns the drive's last synced snapshot, or nil if the
// drive has never completed a sync.
func (s *Store) LoadBaseline(driveID string) (*Snapshot, error) {
	snap := &Snapshot{DriveID: driveID, Entries: make(map[string]FileEntry)}
	err := s.db.QueryRow(`SELECT taken_at FROM baselines WHERE drive_id = ?`, driveID).Scan(&snap.TakenAt)
	if errors.Is(err, sql.ErrNoRows) {
		if logEnabled(slog.LevelDebug) {
			sub("store").Debug("LoadBaseline", "drive", driveID, "found", false)
		}
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("load baseline", err)
	}

	rows, err := s.db.Query(`
		SELECT path, size, mtime, fast_digest, strong_digest
		FROM baseline_entries WHERE drive_id = ?
	`, driveID)
	if err != nil {
		return nil, storageErr("load baseline entries", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		var e FileEntry
		if err := rows.Scan(&p, &e.Size, &e.Mtime, &e.FastDigest, &e.StrongDigest); err != nil {
			return nil, storageErr("scan baseline entry", err)
		}
		snap.Entries[p] = e
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("load baseline entries", err)
	}
	if logEnabled(slog.LevelDebug) {
		sub("store").Debug("LoadBaseline", "drive", driveID, "entries", len(snap.Entries))
	}
	return snap, nil
}

// SaveBaseline replaces the drive's baseline with snap in one transaction.
func (s *Store) SaveBaseline(driveID string, snap *Snapshot) error {
	l := sub("store")
	tx, err := s.db.Begin()
	if err != nil {
		return storageErr("begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`
		INSERT INTO baselines (drive_id, taken_at) VALUES (?, ?)
		ON CONFLICT(drive_id) DO UPDATE SET taken_at = excluded.taken_at
	`, driveID, snap.TakenAt); err != nil {
		return storageErr("save baseline", err)
	}
	if _, err := tx.Exec(`DELETE FROM baseline_entries WHERE drive_id = ?`, driveID); err != nil {
		return storageErr("clear baseline entries", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO baseline_entries (drive_id, path, size, mtime, fast_digest, strong_digest)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return storageErr("prepare baseline insert", err)
	}
	defer stmt.Close()
	for p, e := range snap.Entries {
		if _, err := stmt.Exec(driveID, p, e.Size, e.Mtime, e.FastDigest, e.StrongDigest); err != nil {
			return storageErr("insert baseline entry", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit baseline", err)
	}
	l.Debug("SaveBaseline committed", "drive", driveID, "entries", len(snap.Entries))
	return nil
}

// AppendArchiveRecord durably records an archived version.
func (s *Store) AppendArchiveRecord(rec ArchiveRecord) error {
	sub("store").Debug("AppendArchiveRecord", "id", rec.ID, "drive", rec.Drive, "path", rec.OriginalPath)
	_, err := s.db.Exec(`
		INSERT INTO archives (id, drive_id, source_drive, original_path, location, archived_at,
		                      original_size, compressed_size, digest, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Drive, rec.SourceDrive, rec.OriginalPath, rec.Location, rec.ArchivedAt,
		rec.OriginalSize, rec.CompressedSize, rec.Digest, rec.Reason)
	if err != nil {
		return storageErr("append archive record", err)
	}
	return nil
}

const archiveColumns = `id, drive_id, source_drive, original_path, location, archived_at,
	original_size, compressed_size, digest, reason`

func scanArchive(sc interface{ Scan(...any) error }) (ArchiveRecord, error) {
	var r ArchiveRecord
	err := sc.Scan(&r.ID, &r.Drive, &r.SourceDrive, &r.OriginalPath, &r.Location, &r.ArchivedAt,
		&r.OriginalSize, &r.CompressedSize, &r.Digest, &r.Reason)
	return r, err
}

// QueryArchives returns records matching f, newest first.
func (s *Store) QueryArchives(f ArchiveFilter) ([]ArchiveRecord, error) {
	q := `SELECT ` + archiveColumns + ` FROM archives WHERE 1 = 1`
	var args []any
	if f.Drive != "" {
		q += ` AND drive_id = ?`
		args = append(args, f.Drive)
	}
	if f.Path != "" {
		q += ` AND original_path = ?`
		args = append(args, f.Path)
	}
	q += ` ORDER BY archived_at DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, storageErr("query archives", err)
	}
	defer rows.Close()

	var out []ArchiveRecord
	for rows.Next() {
		r, err := scanArchive(rows)
		if err != nil {
			return nil, storageErr("scan archive", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query archives", err)
	}
	if logEnabled(slog.LevelDebug) {
		sub("store").Debug("QueryArchives", "drive", f.Drive, "path", f.Path, "count", len(out))
	}
	return out, nil
}

// GetArchive retrieves one archive record.
func (s *Store) GetArchive(id string) (*ArchiveRecord, error) {
	r, err := scanArchive(s.db.QueryRow(`SELECT `+archiveColumns+` FROM archives WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("archive %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get archive", err)
	}
	return &r, nil
}

// DeleteArchiveRecord removes an archive record.
func (s *Store) DeleteArchiveRecord(id string) error {
	sub("store").Debug("DeleteArchiveRecord", "id", id)
	if _, err := s.db.Exec(`DELETE FROM archives WHERE id = ?`, id); err != nil {
		return storageErr("delete archive record", err)
	}
	return nil
}

// ArchiveUsage returns the record count and total compressed bytes stored
// on a drive.
func (s *Store) ArchiveUsage(driveID string) (count int, bytes int64, err error) {
	err = s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(compressed_size), 0) FROM archives WHERE drive_id = ?
	`, driveID).Scan(&count, &bytes)
	if err != nil {
		return 0, 0, storageErr("archive usage", err)
	}
	return count, bytes, nil
}

// AppendSyncRun appends a run to the history.
func (s *Store) AppendSyncRun(run *SyncRun) error {
	l := sub("store")
	outcomes, err := json.Marshal(run.Outcomes)
	if err != nil {
		return fmt.Errorf("encode outcomes: %w", err)
	}
	conflicts, err := json.Marshal(run.Conflicts)
	if err != nil {
		return fmt.Errorf("encode conflicts: %w", err)
	}
	offline, err := json.Marshal(run.OfflineDrives)
	if err != nil {
		return fmt.Errorf("encode offline drives: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO sync_runs (id, cluster, started_at, finished_at, dry_run, verify, status,
		                       files_synced, bytes_transferred, outcomes, conflicts, offline_drives)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Cluster, run.StartedAt, run.FinishedAt, run.DryRun, run.Verify, run.Status,
		run.FilesSynced, run.BytesTransferred, string(outcomes), string(conflicts), string(offline))
	if err != nil {
		return storageErr("append sync run", err)
	}
	l.Debug("AppendSyncRun", "id", run.ID, "cluster", run.Cluster, "status", run.Status)
	return nil
}

// ListSyncRuns returns a cluster's runs, newest first. An empty cluster
// lists every run; limit <= 0 returns all.
func (s *Store) ListSyncRuns(cluster string, limit int) ([]SyncRun, error) {
	q := `
		SELECT id, cluster, started_at, finished_at, dry_run, verify, status,
		       files_synced, bytes_transferred, outcomes, conflicts, offline_drives
		FROM sync_runs`
	var args []any
	if cluster != "" {
		q += ` WHERE cluster = ?`
		args = append(args, cluster)
	}
	q += ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, storageErr("list sync runs", err)
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		var r SyncRun
		var outcomes, conflicts, offline string
		if err := rows.Scan(&r.ID, &r.Cluster, &r.StartedAt, &r.FinishedAt, &r.DryRun, &r.Verify, &r.Status,
			&r.FilesSynced, &r.BytesTransferred, &outcomes, &conflicts, &offline); err != nil {
			return nil, storageErr("scan sync run", err)
		}
		if err := json.Unmarshal([]byte(outcomes), &r.Outcomes); err != nil {
			return nil, fmt.Errorf("decode outcomes of run %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(conflicts), &r.Conflicts); err != nil {
			return nil, fmt.Errorf("decode conflicts of run %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(offline), &r.OfflineDrives); err != nil {
			return nil, fmt.Errorf("decode offline drives of run %s: %w", r.ID, err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list sync runs", err)
	}
	return runs, nil
}

// LastSyncRun returns the most recent run of a cluster, or nil.
func (s *Store) LastSyncRun(cluster string) (*SyncRun, error) {
	runs, err := s.ListSyncRuns(cluster, 1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}
