package client

import (
	"context"

	"github.com/golang/glog"
)

// LoadForDisplay runs one fetch-for-display operation under a fresh epoch.
// The fetch gets the epoch's cancellation context, and commit runs only when
// the epoch is still current once the response is in hand. Completion order
// says nothing about ordering: a superseded call that outran its successor is
// dropped here even when its transport abort did not land in time.
//
// A superseded or aborted load commits nothing and returns no error.
func LoadForDisplay[R any](
	tracker *EpochTracker,
	fetch func(ctx context.Context) (R, error),
	commit func(result R),
) error {
	epoch := tracker.Begin()

	result, err := fetch(epoch.Ctx())

	if !epoch.IsCurrent() {
		// a newer load owns the page state now
		glog.V(2).Infof("[ep]drop %d\n", epoch.SequenceNumber())
		return nil
	}
	if err != nil {
		if Classify(err) == ErrorClassOrdering {
			return nil
		}
		return err
	}

	commit(result)
	return nil
}
