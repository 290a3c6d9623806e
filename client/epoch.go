package client

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

// EpochTracker orders the display-data loads of one page instance.
// Each load takes an epoch; starting a newer load supersedes (and signals
// cancellation to) the previous one. Only the epoch whose sequence number is
// still current may commit results to page state, which callers enforce by
// checking `IsCurrent` after every suspension point: once when the response
// arrives and again after any further asynchronous parsing. A superseded
// response is dropped silently, never surfaced as an error.
//
// Independent page instances hold independent trackers; there is no ordering
// across them. No retry logic lives here.
type EpochTracker struct {
	ctx context.Context

	mutex    sync.Mutex
	sequence uint64
	current  *Epoch
}

func NewEpochTracker(ctx context.Context) *EpochTracker {
	return &EpochTracker{
		ctx: ctx,
	}
}

// Begin starts a new epoch and signals the cancellation token of the epoch it
// supersedes so the in-flight call may abort at the transport.
func (self *EpochTracker) Begin() *Epoch {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.current != nil {
		glog.V(2).Infof("[ep]supersede %d\n", self.current.sequenceNumber)
		self.current.cancel()
	}

	self.sequence += 1
	cancelCtx, cancel := context.WithCancel(self.ctx)
	epoch := &Epoch{
		sequenceNumber: self.sequence,
		ctx:            cancelCtx,
		cancel:         cancel,
		tracker:        self,
	}
	self.current = epoch
	return epoch
}

func (self *EpochTracker) IsCurrent(sequenceNumber uint64) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.sequence == sequenceNumber
}

// Close signals the live epoch on page teardown, preventing post-unmount
// state writes. The tracker may not be reused after close.
func (self *EpochTracker) Close() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.current != nil {
		self.current.cancel()
		self.current = nil
	}
	// any sequence number handed out so far is no longer current
	self.sequence += 1
}

// Epoch is one logical fetch-for-display operation.
type Epoch struct {
	sequenceNumber uint64
	ctx            context.Context
	cancel         context.CancelFunc
	tracker        *EpochTracker
}

func (self *Epoch) SequenceNumber() uint64 {
	return self.sequenceNumber
}

// Ctx is the epoch's cancellation token. Pass it to the transport so a
// superseded call aborts instead of running to completion.
func (self *Epoch) Ctx() context.Context {
	return self.ctx
}

func (self *Epoch) Done() <-chan struct{} {
	return self.ctx.Done()
}

// IsCurrent reports whether this epoch may still commit results.
// Cancellation signaling is best-effort at the transport; this check is the
// authoritative guard even when the signal did not land in time.
func (self *Epoch) IsCurrent() bool {
	return self.tracker.IsCurrent(self.sequenceNumber)
}
