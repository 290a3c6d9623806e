package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

// Failure classes for user-initiated calls. See the coordination rules:
// - ordering failures are absorbed at the epoch tracker and never shown
// - network failures are retryable by an explicit user action, input preserved
// - validation failures carry per-field messages, input preserved, no retry control
// - conflict failures are resolved by a discard/force decision
// - server failures surface an opaque reference id and nothing else
type ErrorClass string

const (
	ErrorClassNone       ErrorClass = "none"
	ErrorClassOrdering   ErrorClass = "ordering"
	ErrorClassNetwork    ErrorClass = "network"
	ErrorClassValidation ErrorClass = "validation"
	ErrorClassConflict   ErrorClass = "conflict"
	ErrorClassServer     ErrorClass = "server"
)

// NetworkError means the call never produced a server response:
// no connectivity, a transport timeout, or a dial failure.
type NetworkError struct {
	Err error
}

func (self *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s", self.Err)
}

func (self *NetworkError) Unwrap() error {
	return self.Err
}

// ValidationError carries the server's per-field rejection messages.
// Local pre-flight checks produce the same type so that callers render
// both identically.
type ValidationError struct {
	Message string
	Fields  map[string][]string
}

func (self *ValidationError) Error() string {
	if self.Message != "" {
		return fmt.Sprintf("validation error: %s", self.Message)
	}
	return fmt.Sprintf("validation error in %d field(s)", len(self.Fields))
}

// ConflictRecord is the server's rejection payload when a submitted version
// stamp is stale. It holds everything the user needs to choose between
// discarding local edits and forcing an overwrite.
type ConflictRecord struct {
	LocalVersion   Version         `json:"local_version"`
	ServerVersion  Version         `json:"server_version"`
	ServerSnapshot json.RawMessage `json:"server_snapshot"`
}

type ConflictError struct {
	Record *ConflictRecord
}

func (self *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: server is at %s", self.Record.ServerVersion)
}

// ServerError is a 5xx. The reference id is the only detail exposed to the
// user; it correlates with server-side logs.
type ServerError struct {
	StatusCode int
	Ref        Id
}

func (self *ServerError) Error() string {
	return fmt.Sprintf("server error (ref %s)", self.Ref)
}

var ErrUnauthorized = errors.New("session is not authenticated")

// Classify maps an error from a call into the failure taxonomy.
// A canceled context is an ordering outcome, not a failure: the operation was
// superseded and its result is dropped silently.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassNone
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassOrdering
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return ErrorClassValidation
	}
	var conflictErr *ConflictError
	if errors.As(err, &conflictErr) {
		return ErrorClassConflict
	}
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return ErrorClassServer
	}
	var networkErr *NetworkError
	if errors.As(err, &networkErr) {
		return ErrorClassNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassNetwork
	}
	// an unclassifiable failure is treated as a server failure so that the
	// last line of defense (the page banner) owns it
	return ErrorClassServer
}
