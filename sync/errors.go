package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceModified is returned when a copy source no longer matches
	// the digest recorded at scan time, or changed while being copied.
	ErrSourceModified = fmt.Errorf("source modified since scan")

	// ErrDestinationModified is returned when a destination about to be
	// overwritten or deleted no longer holds the content seen at scan time.
	ErrDestinationModified = fmt.Errorf("destination modified since scan")

	// ErrVerifyMismatch is wrapped by VerifyError.
	ErrVerifyMismatch = fmt.Errorf("copy verification mismatch")

	// ErrInvalidCluster is wrapped by ClusterConfigError.
	ErrInvalidCluster = fmt.Errorf("invalid cluster configuration")

	// ErrNotFound is returned by the store when a record does not exist.
	ErrNotFound = fmt.Errorf("not found")

	// ErrCancelled marks actions that never started because the run was
	// interrupted.
	ErrCancelled = fmt.Errorf("run cancelled")
)

// ScanError reports an unreadable path. The path is skipped, the run goes on.
type ScanError struct {
	Drive string
	Path  string
	Err   error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan %s:%s: %v", e.Drive, e.Path, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// ArchiveError aborts the destructive action that depended on the archive.
type ArchiveError struct {
	Drive string
	Path  string
	Err   error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("archive %s:%s: %v", e.Drive, e.Path, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// VerifyError reports a strong digest mismatch after a copy.
type VerifyError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

func (e *VerifyError) Unwrap() error { return ErrVerifyMismatch }

// DriveOfflineError excludes a drive from a run.
type DriveOfflineError struct {
	Drive string
}

func (e *DriveOfflineError) Error() string {
	return fmt.Sprintf("drive offline: %s", e.Drive)
}

// StorageError wraps a persistence failure. It is fatal to a run.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ClusterConfigError reports malformed cluster configuration. It is fatal
// to a run.
type ClusterConfigError struct {
	Cluster string
	Reason  string
}

func (e *ClusterConfigError) Error() string {
	return fmt.Sprintf("cluster %q: %s", e.Cluster, e.Reason)
}

func (e *ClusterConfigError) Unwrap() error { return ErrInvalidCluster }

// IsFatal reports whether err must abort a whole run.
func IsFatal(err error) bool {
	var se *StorageError
	var ce *ClusterConfigError
	return errors.As(err, &se) || errors.As(err, &ce)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
