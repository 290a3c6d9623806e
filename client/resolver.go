package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/golang/glog"
)

type ResolverState string

const (
	ResolverStateClean    ResolverState = "clean"
	ResolverStateDirty    ResolverState = "dirty"
	ResolverStateConflict ResolverState = "conflict"
)

var ErrNotDirty = errors.New("no local edits to save")
var ErrNoConflict = errors.New("no conflict to resolve")
var ErrConflictPending = errors.New("a conflict must be resolved first")
var ErrSaveInFlight = errors.New("a save is already in flight")

// SaveFunc issues the write carrying the given version stamp. The version is
// an explicit argument, never read from ambient state: a force-save runs in
// immediate response to learning the server's current version and must not
// race with a state update that has not taken effect yet.
//
// The server is the sole arbiter of a match. It answers with the new version
// on success, or a conflict record when the stamp is stale.
type SaveFunc func(ctx context.Context, version Version) (Version, error)

// ConcurrencyResolver drives the optimistic-concurrency state machine of one
// editable resource: clean -> (edit) -> dirty -> (save) -> clean or conflict.
// In conflict, the server's snapshot and version are held until the user
// discards local edits or forces an overwrite.
//
// The machine is pure state over (attempted version, save result); rendering
// whichever state it is in is the UI layer's job.
type ConcurrencyResolver struct {
	save SaveFunc

	mutex    sync.Mutex
	state    ResolverState
	version  Version
	conflict *ConflictRecord
	saving   bool
}

func NewConcurrencyResolver(version Version, save SaveFunc) *ConcurrencyResolver {
	return &ConcurrencyResolver{
		save:    save,
		state:   ResolverStateClean,
		version: version,
	}
}

// Edit marks a local modification. Editing while in conflict is not allowed;
// the conflict must be resolved first.
func (self *ConcurrencyResolver) Edit() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.state == ResolverStateConflict {
		return ErrConflictPending
	}
	self.state = ResolverStateDirty
	return nil
}

// Save attempts the write with the version this client last read.
func (self *ConcurrencyResolver) Save(ctx context.Context) error {
	self.mutex.Lock()
	if self.state != ResolverStateDirty {
		self.mutex.Unlock()
		return ErrNotDirty
	}
	if self.saving {
		self.mutex.Unlock()
		return ErrSaveInFlight
	}
	self.saving = true
	version := self.version
	self.mutex.Unlock()

	return self.runSave(ctx, version)
}

// Force re-issues the save carrying the server's current version from the
// conflict record, which the server accepts as an explicit override.
func (self *ConcurrencyResolver) Force(ctx context.Context) error {
	self.mutex.Lock()
	if self.state != ResolverStateConflict {
		self.mutex.Unlock()
		return ErrNoConflict
	}
	if self.saving {
		self.mutex.Unlock()
		return ErrSaveInFlight
	}
	self.saving = true
	// the version the server reported, not whatever local state holds
	version := self.conflict.ServerVersion
	self.mutex.Unlock()

	return self.runSave(ctx, version)
}

func (self *ConcurrencyResolver) runSave(ctx context.Context, version Version) error {
	newVersion, err := self.save(ctx, version)

	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.saving = false

	if err != nil {
		var conflictErr *ConflictError
		if errors.As(err, &conflictErr) {
			glog.V(2).Infof("[occ]conflict local=%s server=%s\n", version, conflictErr.Record.ServerVersion)
			record := *conflictErr.Record
			record.LocalVersion = version
			self.conflict = &record
			self.state = ResolverStateConflict
			return err
		}
		// transport and server failures leave the machine where it was
		return err
	}

	// always adopt the version the server returned, never the one sent
	self.version = newVersion
	self.state = ResolverStateClean
	self.conflict = nil
	return nil
}

// Discard resolves a conflict by adopting the server's version and snapshot,
// dropping local edits. It returns the snapshot for the caller to render.
func (self *ConcurrencyResolver) Discard() (json.RawMessage, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.state != ResolverStateConflict {
		return nil, ErrNoConflict
	}
	snapshot := self.conflict.ServerSnapshot
	self.version = self.conflict.ServerVersion
	self.state = ResolverStateClean
	self.conflict = nil
	return snapshot, nil
}

func (self *ConcurrencyResolver) State() ResolverState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *ConcurrencyResolver) Version() Version {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.version
}

// Conflict returns the pending conflict record, or nil.
func (self *ConcurrencyResolver) Conflict() *ConflictRecord {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.conflict
}

func (self *ConcurrencyResolver) IsSaving() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.saving
}
