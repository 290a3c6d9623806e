package client

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"
)

var ErrSubmissionInFlight = errors.New("a submission is already in flight")
var ErrNothingToRetry = errors.New("no retryable submission")

type SubmitCallbacks[R any] struct {
	// the user-authored payload, retained verbatim while a retry is possible
	PreserveData any
	OnSuccess    func(result R)
	OnError      func(err error)
	// set when the failure was network-class and a retry control should show
	OnNetworkError func(err *NetworkError)
}

// SubmissionCoordinator wraps one user-initiated write with failure
// classification and input preservation.
//
// A network-class failure keeps the closed-over perform and the preserved
// payload so `Retry` can re-issue the identical call. Retry is always a
// user-triggered act: the payload is user-authored content, so re-submission
// is never automatic and there is no backoff schedule.
//
// A second Submit while one is outstanding is rejected, not queued.
type SubmissionCoordinator[R any] struct {
	mutex          sync.Mutex
	submitting     bool
	retryable      bool
	retryCount     int
	classification ErrorClass
	perform        func(ctx context.Context) (R, error)
	preserved      any
	callbacks      *SubmitCallbacks[R]
}

func NewSubmissionCoordinator[R any]() *SubmissionCoordinator[R] {
	return &SubmissionCoordinator[R]{
		classification: ErrorClassNone,
	}
}

func (self *SubmissionCoordinator[R]) Submit(
	ctx context.Context,
	perform func(ctx context.Context) (R, error),
	callbacks *SubmitCallbacks[R],
) (R, error) {
	var empty R

	self.mutex.Lock()
	if self.submitting {
		self.mutex.Unlock()
		return empty, ErrSubmissionInFlight
	}
	if callbacks == nil {
		callbacks = &SubmitCallbacks[R]{}
	}
	self.submitting = true
	self.perform = perform
	self.preserved = callbacks.PreserveData
	self.callbacks = callbacks
	self.retryCount = 0
	self.mutex.Unlock()

	return self.run(ctx)
}

// Retry re-invokes the same closed-over perform with the same payload.
// Only valid after a network-class failure.
func (self *SubmissionCoordinator[R]) Retry(ctx context.Context) (R, error) {
	var empty R

	self.mutex.Lock()
	if self.submitting {
		self.mutex.Unlock()
		return empty, ErrSubmissionInFlight
	}
	if !self.retryable {
		self.mutex.Unlock()
		return empty, ErrNothingToRetry
	}
	self.submitting = true
	self.retryCount += 1
	self.mutex.Unlock()

	return self.run(ctx)
}

func (self *SubmissionCoordinator[R]) run(ctx context.Context) (R, error) {
	defer func() {
		self.mutex.Lock()
		self.submitting = false
		self.mutex.Unlock()
	}()

	result, err := self.perform(ctx)
	classification := Classify(err)

	self.mutex.Lock()
	self.classification = classification
	switch classification {
	case ErrorClassNone:
		// success destroys the attempt: nothing is preserved
		self.retryable = false
		self.preserved = nil
	case ErrorClassOrdering:
		// aborted. leave any prior retryable state untouched so an abandoned
		// retry can still be retried.
		self.classification = ErrorClassNone
	case ErrorClassNetwork:
		self.retryable = true
	default:
		// validation, conflict, and server failures are not retryable here.
		// input preservation for those is the caller's form state; conflicts
		// move to the concurrency resolver.
		self.retryable = false
	}
	callbacks := self.callbacks
	self.mutex.Unlock()

	if err != nil {
		glog.V(2).Infof("[sub]%s = %s\n", classification, err)
		if classification == ErrorClassOrdering {
			// superseded, not a failure. no error state, no callbacks.
			return result, err
		}
		if classification == ErrorClassNetwork && callbacks.OnNetworkError != nil {
			var networkErr *NetworkError
			if !errors.As(err, &networkErr) {
				networkErr = &NetworkError{Err: err}
			}
			callbacks.OnNetworkError(networkErr)
		} else if callbacks.OnError != nil {
			callbacks.OnError(err)
		}
		return result, err
	}

	if callbacks.OnSuccess != nil {
		callbacks.OnSuccess(result)
	}
	return result, nil
}

func (self *SubmissionCoordinator[R]) IsSubmitting() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.submitting
}

// CanRetry reports whether the last attempt failed with a network
// classification, i.e. whether a retry control should be visible.
func (self *SubmissionCoordinator[R]) CanRetry() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.retryable
}

func (self *SubmissionCoordinator[R]) RetryCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.retryCount
}

func (self *SubmissionCoordinator[R]) Classification() ErrorClass {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.classification
}

// PreservedData returns the payload exactly as it was handed to Submit.
func (self *SubmissionCoordinator[R]) PreservedData() any {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.preserved
}

// Cancel explicitly abandons a retryable attempt, dropping the preserved
// payload.
func (self *SubmissionCoordinator[R]) Cancel() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.submitting {
		return
	}
	self.retryable = false
	self.preserved = nil
	self.classification = ErrorClassNone
}
