package client

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"
)

// header name used when the handshake response omits one
const DefaultCsrfHeaderName = "X-CSRF-Token"

// Session-bootstrap paths never request a token. You cannot prove you hold a
// valid session to get a token to prove you hold a valid session.
var csrfExemptPaths = []string{
	"/auth/login",
	"/auth/logout",
	"/auth/callback",
	"/auth/password-reset",
	"/test/",
}

func IsCsrfExempt(path string) bool {
	for _, exemptPath := range csrfExemptPaths {
		if strings.HasSuffix(exemptPath, "/") {
			if strings.HasPrefix(path, exemptPath) {
				return true
			}
		} else if path == exemptPath {
			return true
		}
	}
	return false
}

type CsrfToken struct {
	Value      string
	HeaderName string
}

type CsrfFetchFunc func(ctx context.Context) (*CsrfToken, error)

// CsrfTokenCache lazily fetches and memoizes the anti-forgery token.
// Concurrent callers before the first response share one underlying fetch.
// Process-wide singleton by construction: build one, inject it everywhere.
type CsrfTokenCache struct {
	fetch CsrfFetchFunc

	mutex   sync.Mutex
	token   *CsrfToken
	subject string
	// bumped on invalidation so an in-flight fetch cannot repopulate the cache
	generation uint64

	flight singleflight.Group
}

func NewCsrfTokenCache(fetch CsrfFetchFunc) *CsrfTokenCache {
	return &CsrfTokenCache{
		fetch: fetch,
	}
}

// Token returns the cached token, fetching it at most once across concurrent
// callers.
func (self *CsrfTokenCache) Token(ctx context.Context) (*CsrfToken, error) {
	self.mutex.Lock()
	if token := self.token; token != nil {
		self.mutex.Unlock()
		return token, nil
	}
	generation := self.generation
	self.mutex.Unlock()

	// the coalesced fetch is shared by callers with independent lifetimes, so
	// it must not carry any single caller's cancellation. each caller waits on
	// its own ctx around the shared result.
	fetchCtx := context.WithoutCancel(ctx)
	resultChan := self.flight.DoChan("csrf", func() (any, error) {
		token, err := self.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		if token.HeaderName == "" {
			// the server may rotate the header name; it only defaults here
			token = &CsrfToken{
				Value:      token.Value,
				HeaderName: DefaultCsrfHeaderName,
			}
		}
		self.mutex.Lock()
		if self.generation == generation {
			self.token = token
		} else {
			// invalidated while in flight. the caller still gets the token it
			// asked for, but the dead session's token never re-enters the cache.
			glog.V(2).Infof("[csrf]fetch superseded by invalidation\n")
		}
		self.mutex.Unlock()
		return token, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultChan:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.(*CsrfToken), nil
	}
}

// Attach sets the csrf header on a mutating request, fetching the token first
// if needed. Requests to exempt paths are left untouched.
func (self *CsrfTokenCache) Attach(ctx context.Context, req *http.Request) error {
	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		return nil
	}
	if IsCsrfExempt(req.URL.Path) {
		return nil
	}
	token, err := self.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set(token.HeaderName, token.Value)
	return nil
}

// Clear drops the cache. Called on logout and on any 401 response.
// An in-flight fetch started under the old session will not repopulate it.
func (self *CsrfTokenCache) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.invalidate()
}

// callers must hold the mutex
func (self *CsrfTokenCache) invalidate() {
	self.token = nil
	self.generation += 1
	// the next Token call starts a fresh fetch instead of joining a stale one
	self.flight.Forget("csrf")
}

// SetSession records the session the cache was populated under. A subject
// change invalidates the token, since the server binds tokens to sessions.
func (self *CsrfTokenCache) SetSession(byJwt string) {
	subject := ""
	if byJwt != "" {
		if sessionJwt, err := ParseSessionJwtUnverified(byJwt); err == nil {
			subject = sessionJwt.Subject
		} else {
			glog.Infof("[csrf]cannot parse session jwt = %s\n", err)
		}
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.subject != subject {
		self.subject = subject
		self.invalidate()
	}
}
