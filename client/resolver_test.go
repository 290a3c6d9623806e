package client

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

// fakeCourseServer arbitrates version matches the way the platform does:
// a save carrying the current version advances it, anything else conflicts.
type fakeCourseServer struct {
	version  Version
	revision int
	snapshot string
	saves    []Version
}

func (self *fakeCourseServer) save(ctx context.Context, version Version) (Version, error) {
	self.saves = append(self.saves, version)
	if version != self.version {
		snapshotJson, _ := json.Marshal(map[string]string{"title": self.snapshot})
		return "", &ConflictError{
			Record: &ConflictRecord{
				ServerVersion:  self.version,
				ServerSnapshot: snapshotJson,
			},
		}
	}
	self.revision += 1
	self.version = Version(fmt.Sprintf("v%d", self.revision+1))
	return self.version, nil
}

func (self *fakeCourseServer) writeConcurrently() {
	self.revision += 1
	self.version = Version(fmt.Sprintf("v%d", self.revision+1))
}

func TestResolverSaveAdoptsServerVersion(t *testing.T) {
	server := &fakeCourseServer{version: "v1", revision: 0}
	resolver := NewConcurrencyResolver("v1", server.save)

	assert.Equal(t, resolver.State(), ResolverStateClean)

	assert.Equal(t, resolver.Edit(), nil)
	assert.Equal(t, resolver.State(), ResolverStateDirty)

	assert.Equal(t, resolver.Save(context.Background()), nil)
	assert.Equal(t, resolver.State(), ResolverStateClean)
	// the version the server returned, never the one the client guessed
	assert.Equal(t, resolver.Version(), Version("v2"))
	assert.Equal(t, server.saves, []Version{"v1"})
}

func TestResolverStaleSaveConflicts(t *testing.T) {
	// two tabs edit the same course. tab A advances v1 -> v2; tab B, still
	// holding v1, saves and gets a conflict carrying the server's v2.
	server := &fakeCourseServer{version: "v1", revision: 0, snapshot: "tab A's title"}
	tabB := NewConcurrencyResolver("v1", server.save)

	server.writeConcurrently() // tab A saved, server now at v2

	assert.Equal(t, tabB.Edit(), nil)
	err := tabB.Save(context.Background())
	assert.NotEqual(t, err, nil)
	assert.Equal(t, Classify(err), ErrorClassConflict)

	assert.Equal(t, tabB.State(), ResolverStateConflict)
	record := tabB.Conflict()
	assert.Equal(t, record.LocalVersion, Version("v1"))
	assert.Equal(t, record.ServerVersion, Version("v2"))
	assert.NotEqual(t, record.ServerSnapshot, nil)

	// editing is blocked until the conflict is resolved
	assert.Equal(t, tabB.Edit(), ErrConflictPending)

	// tab B forces: the re-issued save carries v2, the version the server
	// reported, and succeeds, advancing to v3
	assert.Equal(t, tabB.Force(context.Background()), nil)
	assert.Equal(t, tabB.State(), ResolverStateClean)
	assert.Equal(t, tabB.Version(), Version("v3"))
	assert.Equal(t, tabB.Conflict(), nil)
	assert.Equal(t, server.saves, []Version{"v1", "v2"})
}

func TestResolverDiscard(t *testing.T) {
	server := &fakeCourseServer{version: "v2", revision: 1, snapshot: "server title"}
	resolver := NewConcurrencyResolver("v1", server.save)

	assert.Equal(t, resolver.Edit(), nil)
	err := resolver.Save(context.Background())
	assert.Equal(t, Classify(err), ErrorClassConflict)

	snapshot, err := resolver.Discard()
	assert.Equal(t, err, nil)

	var parsed map[string]string
	assert.Equal(t, json.Unmarshal(snapshot, &parsed), nil)
	assert.Equal(t, parsed["title"], "server title")

	// local edits are gone; the server's version and snapshot are adopted
	assert.Equal(t, resolver.State(), ResolverStateClean)
	assert.Equal(t, resolver.Version(), Version("v2"))
	assert.Equal(t, resolver.Conflict(), nil)
}

func TestResolverGuards(t *testing.T) {
	server := &fakeCourseServer{version: "v1", revision: 0}
	resolver := NewConcurrencyResolver("v1", server.save)

	assert.Equal(t, resolver.Save(context.Background()), ErrNotDirty)
	assert.Equal(t, resolver.Force(context.Background()), ErrNoConflict)
	_, err := resolver.Discard()
	assert.Equal(t, err, ErrNoConflict)
}

func TestResolverTransportFailureKeepsState(t *testing.T) {
	failing := func(ctx context.Context, version Version) (Version, error) {
		return "", &NetworkError{Err: context.DeadlineExceeded}
	}
	resolver := NewConcurrencyResolver("v1", failing)

	assert.Equal(t, resolver.Edit(), nil)
	err := resolver.Save(context.Background())
	assert.Equal(t, Classify(err), ErrorClassNetwork)

	// the edits are still dirty and still held at the version we read
	assert.Equal(t, resolver.State(), ResolverStateDirty)
	assert.Equal(t, resolver.Version(), Version("v1"))
}
