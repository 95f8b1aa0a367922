package refcache

import (
	"errors"
	"fmt"
)

// Error types
var (
	// ErrRecordNotFound indicates a genome record was not found in the inventory.
	ErrRecordNotFound = errors.New("genome record not found")

	// ErrNotPublished indicates a record exists but has no published artifact set.
	ErrNotPublished = errors.New("genome not published")

	// ErrFetchFailed indicates a non-success, non-not-modified origin response
	// or a transport failure while downloading a remote file.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrUnsupportedFormat indicates a GTF-family annotation was registered,
	// or an unrecognized compression where a known one was expected.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrToolFailure indicates an external compress/sort/index invocation
	// exited abnormally.
	ErrToolFailure = errors.New("external tool failed")

	// ErrLockTimeout indicates the per-key lock could not be acquired within
	// the configured wait bound.
	ErrLockTimeout = errors.New("lock wait timed out")

	// ErrStoreInconsistency indicates a published record is missing a required
	// path. This should never occur and is treated as an assertion failure.
	ErrStoreInconsistency = errors.New("inventory inconsistency")
)

// Pipeline stage names, used in EntryError and per-entry run reports.
const (
	StageValidate  = "validate"
	StageLock      = "lock"
	StageFetch     = "fetch"
	StageTranscode = "transcode"
	StageIndex     = "index"
	StagePublish   = "publish"
	StageStore     = "store"
)

// EntryError reports which pipeline stage failed for which catalog entry.
// Failures are local to one entry: previously published artifacts stay
// untouched and a catalog pass continues with the next entry.
type EntryError struct {
	Key   Key
	Stage string
	Err   error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("genome %s: %s stage failed: %v", e.Key, e.Stage, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}
