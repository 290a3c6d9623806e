package client

import (
	"sync"
)

// NavigateFunc performs the navigation the user attempted.
type NavigateFunc func()

// UnsavedChangesGuard intercepts navigation away from a form with uncommitted
// input. In-app navigation is parked behind a confirmation; close/reload uses
// the platform-native prompt, which `BeforeUnload` decides.
//
// Independent of submission handling: a successful submission must flip the
// dirty predicate to false before its success handler navigates, or the guard
// blocks the very navigation the submission was performing.
type UnsavedChangesGuard struct {
	dirty   func() bool
	message string

	mutex   sync.Mutex
	pending NavigateFunc
}

func NewUnsavedChangesGuard(dirty func() bool, message string) *UnsavedChangesGuard {
	return &UnsavedChangesGuard{
		dirty:   dirty,
		message: message,
	}
}

// Attempt runs the navigation immediately when the form is clean. Otherwise
// it parks the navigation and reports false so the caller shows the
// confirmation with `Message`. A newer attempt replaces a parked one.
func (self *UnsavedChangesGuard) Attempt(navigate NavigateFunc) bool {
	if !self.dirty() {
		self.mutex.Lock()
		self.pending = nil
		self.mutex.Unlock()
		navigate()
		return true
	}

	self.mutex.Lock()
	self.pending = navigate
	self.mutex.Unlock()
	return false
}

// Confirm proceeds with the navigation that was attempted.
func (self *UnsavedChangesGuard) Confirm() {
	self.mutex.Lock()
	navigate := self.pending
	self.pending = nil
	self.mutex.Unlock()

	if navigate != nil {
		navigate()
	}
}

// Cancel aborts the parked navigation; the caller returns focus to the form.
func (self *UnsavedChangesGuard) Cancel() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.pending = nil
}

func (self *UnsavedChangesGuard) HasPending() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.pending != nil
}

// BeforeUnload reports whether a platform-native close/reload prompt should
// be shown, and the message for surfaces that support one.
func (self *UnsavedChangesGuard) BeforeUnload() (string, bool) {
	if self.dirty() {
		return self.message, true
	}
	return "", false
}

func (self *UnsavedChangesGuard) Message() string {
	return self.message
}
