package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-playground/assert/v2"
)

type testPlatform struct {
	csrfFetches int64
	csrfHeaders []string
	exemptSeen  []string
}

func (self *testPlatform) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/csrf-token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&self.csrfFetches, 1)
		json.NewEncoder(w).Encode(map[string]string{
			"csrfToken":  "csrf-abc",
			"headerName": "X-Platform-CSRF",
		})
	})

	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		self.exemptSeen = append(self.exemptSeen, r.Header.Get("X-Platform-CSRF"))
		json.NewEncoder(w).Encode(&AuthLoginResult{ByJwt: "jwt-1"})
	})

	mux.HandleFunc("/enrollments", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&GetEnrollmentsResult{
			Enrollments: []*Enrollment{{Title: "Go Basics", Progress: 40}},
		})
	})

	mux.HandleFunc("/threads", func(w http.ResponseWriter, r *http.Request) {
		self.csrfHeaders = append(self.csrfHeaders, r.Header.Get("X-Platform-CSRF"))
		var args CreateThreadArgs
		json.NewDecoder(r.Body).Decode(&args)
		json.NewEncoder(w).Encode(&Thread{
			ThreadId: NewId(),
			Title:    args.Title,
			Body:     args.Body,
		})
	})

	return mux
}

func TestCsrfAttachedToMutatingCallsOnly(t *testing.T) {
	platform := &testPlatform{}
	server := httptest.NewServer(platform.handler())
	defer server.Close()

	api := NewPlatformApi(server.URL)
	defer api.Close()

	// reads never trigger the handshake
	_, err := api.GetEnrollmentsSync(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, atomic.LoadInt64(&platform.csrfFetches), int64(0))

	// the bootstrap allow-list never triggers it either
	_, err = api.AuthLoginSync(context.Background(), &AuthLoginArgs{
		UserAuth: "user@test",
		Password: "hunter2",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, atomic.LoadInt64(&platform.csrfFetches), int64(0))
	assert.Equal(t, platform.exemptSeen, []string{""})

	// a mutating call fetches once and attaches the server-named header
	thread, err := api.CreateThreadSync(context.Background(), &CreateThreadArgs{
		CourseId: NewId(),
		Title:    "stuck on generics",
		Body:     "help",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, thread.Title, "stuck on generics")
	assert.Equal(t, atomic.LoadInt64(&platform.csrfFetches), int64(1))
	assert.Equal(t, platform.csrfHeaders, []string{"csrf-abc"})

	// further mutating calls reuse the cache
	_, err = api.CreateThreadSync(context.Background(), &CreateThreadArgs{
		CourseId: NewId(),
		Title:    "another",
		Body:     "question",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, atomic.LoadInt64(&platform.csrfFetches), int64(1))
}

func TestConflictResponseParsed(t *testing.T) {
	courseId := NewId()

	mux := http.NewServeMux()
	mux.HandleFunc("/csrf-token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"csrfToken": "c"})
	})
	mux.HandleFunc(fmt.Sprintf("/courses/%s", courseId), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"conflict": map[string]any{
				"currentVersion":  "2030-01-02T03:04:05Z",
				"currentSnapshot": map[string]string{"title": "someone else's title"},
			},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	api := NewPlatformApi(server.URL)
	defer api.Close()

	_, err := api.UpdateCourseSync(context.Background(), &UpdateCourseArgs{
		CourseId:  courseId,
		Title:     "my title",
		UpdatedAt: "2030-01-01T00:00:00Z",
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, Classify(err), ErrorClassConflict)

	var conflictErr *ConflictError
	assert.Equal(t, errors.As(err, &conflictErr), true)
	assert.Equal(t, conflictErr.Record.ServerVersion, Version("2030-01-02T03:04:05Z"))

	var snapshot map[string]string
	assert.Equal(t, json.Unmarshal(conflictErr.Record.ServerSnapshot, &snapshot), nil)
	assert.Equal(t, snapshot["title"], "someone else's title")
}

func TestUnreadableConflictResponseIsServerClass(t *testing.T) {
	// the write reached the server, so a 409 with a garbage body must never
	// classify as a retryable network failure
	courseId := NewId()

	mux := http.NewServeMux()
	mux.HandleFunc("/csrf-token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"csrfToken": "c"})
	})
	mux.HandleFunc(fmt.Sprintf("/courses/%s", courseId), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte("<html>proxy error</html>"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	api := NewPlatformApi(server.URL)
	defer api.Close()

	_, err := api.UpdateCourseSync(context.Background(), &UpdateCourseArgs{
		CourseId:  courseId,
		Title:     "my title",
		UpdatedAt: "2030-01-01T00:00:00Z",
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, Classify(err), ErrorClassServer)

	var networkErr *NetworkError
	assert.Equal(t, errors.As(err, &networkErr), false)
	var serverErr *ServerError
	assert.Equal(t, errors.As(err, &serverErr), true)
	assert.NotEqual(t, serverErr.Ref, Id{})
}

func TestValidationResponseParsed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/csrf-token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"csrfToken": "c"})
	})
	mux.HandleFunc("/threads", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"message": "invalid thread",
				"fields":  map[string][]string{"title": {"too long"}},
			},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	api := NewPlatformApi(server.URL)
	defer api.Close()

	_, err := api.CreateThreadSync(context.Background(), &CreateThreadArgs{
		CourseId: NewId(),
		Title:    strings.Repeat("x", 500),
		Body:     "body",
	})
	assert.Equal(t, Classify(err), ErrorClassValidation)

	var validationErr *ValidationError
	assert.Equal(t, errors.As(err, &validationErr), true)
	assert.Equal(t, validationErr.Fields["title"], []string{"too long"})
}

func TestPreflightValidationSkipsNetwork(t *testing.T) {
	requests := int64(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		if r.URL.Path == "/csrf-token" {
			json.NewEncoder(w).Encode(map[string]string{"csrfToken": "c"})
		}
	}))
	defer server.Close()

	api := NewPlatformApi(server.URL)
	defer api.Close()

	_, err := api.CreateReplySync(context.Background(), &CreateReplyArgs{
		ThreadId: NewId(),
		Body:     "",
	})
	assert.Equal(t, Classify(err), ErrorClassValidation)
	assert.Equal(t, atomic.LoadInt64(&requests), int64(0))

	var validationErr *ValidationError
	assert.Equal(t, errors.As(err, &validationErr), true)
	assert.Equal(t, len(validationErr.Fields["body"]), 1)
}

func TestServerErrorIsOpaque(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/csrf-token" {
			json.NewEncoder(w).Encode(map[string]string{"csrfToken": "c"})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `panic: nil pointer dereference in grade_processor.go:412`)
	}))
	defer server.Close()

	api := NewPlatformApi(server.URL)
	defer api.Close()

	_, err := api.SubmitProjectSync(context.Background(), &SubmitProjectArgs{
		CourseId: NewId(),
		RepoUrl:  "https://github.com/user/project",
	})
	assert.Equal(t, Classify(err), ErrorClassServer)

	var serverErr *ServerError
	assert.Equal(t, errors.As(err, &serverErr), true)
	assert.NotEqual(t, serverErr.Ref, Id{})
	// the user-facing message carries the reference id and nothing internal
	assert.Equal(t, strings.Contains(err.Error(), "grade_processor"), false)
	assert.Equal(t, strings.Contains(err.Error(), serverErr.Ref.String()), true)
}

func Test401ClearsCsrfCache(t *testing.T) {
	csrfFetches := int64(0)
	unauthorized := true

	mux := http.NewServeMux()
	mux.HandleFunc("/csrf-token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&csrfFetches, 1)
		json.NewEncoder(w).Encode(map[string]string{"csrfToken": "c"})
	})
	mux.HandleFunc("/threads", func(w http.ResponseWriter, r *http.Request) {
		if unauthorized {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(&Thread{ThreadId: NewId()})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	api := NewPlatformApi(server.URL)
	defer api.Close()

	args := &CreateThreadArgs{CourseId: NewId(), Title: "t", Body: "b"}

	_, err := api.CreateThreadSync(context.Background(), args)
	assert.Equal(t, errors.Is(err, ErrUnauthorized), true)
	assert.Equal(t, atomic.LoadInt64(&csrfFetches), int64(1))

	// the token bound to the dead session was dropped; the next mutating
	// call fetches a fresh one
	unauthorized = false
	_, err = api.CreateThreadSync(context.Background(), args)
	assert.Equal(t, err, nil)
	assert.Equal(t, atomic.LoadInt64(&csrfFetches), int64(2))
}

func TestSetByJwtConcurrentWithRequests(t *testing.T) {
	// session rotation can land while request goroutines are reading the jwt
	platform := &testPlatform{}
	server := httptest.NewServer(platform.handler())
	defer server.Close()

	api := NewPlatformApi(server.URL)
	defer api.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			_, err := api.GetEnrollmentsSync(context.Background())
			assert.Equal(t, err, nil)
		}
	}()

	jwtA := testJwt(t, "user-a")
	jwtB := testJwt(t, "user-b")
	for i := 0; i < 20; i++ {
		api.SetByJwt(jwtA)
		api.SetByJwt(jwtB)
	}
	<-done
}

func TestEnrollmentLoadSupersededByNavigation(t *testing.T) {
	// page loads enrollments (#1, slow); the user navigates away and back
	// (#2, instant). #1's response arrives after #2 committed and must be
	// discarded.
	slow := make(chan struct{})
	firstReached := make(chan struct{})
	var requestCount int64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		title := "fresh"
		if atomic.AddInt64(&requestCount, 1) == 1 {
			title = "stale"
			close(firstReached)
			<-slow
		}
		json.NewEncoder(w).Encode(&GetEnrollmentsResult{
			Enrollments: []*Enrollment{{Title: title}},
		})
	}))
	defer server.Close()

	api := NewPlatformApi(server.URL)
	defer api.Close()

	tracker := NewEpochTracker(context.Background())
	defer tracker.Close()

	var committed []*GetEnrollmentsResult
	commit := func(result *GetEnrollmentsResult) {
		committed = append(committed, result)
	}

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- LoadForDisplay(tracker, api.GetEnrollmentsSync, commit)
	}()

	// let #1 reach the server before starting #2
	<-firstReached

	err := LoadForDisplay(tracker, api.GetEnrollmentsSync, commit)
	assert.Equal(t, err, nil)

	close(slow)
	assert.Equal(t, <-firstDone, nil)

	assert.Equal(t, len(committed), 1)
	assert.Equal(t, committed[0].Enrollments[0].Title, "fresh")
}

func TestSubmitOfflineRetryScenario(t *testing.T) {
	offline := true

	mux := http.NewServeMux()
	mux.HandleFunc("/csrf-token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"csrfToken": "c"})
	})
	threadId := NewId()
	mux.HandleFunc(fmt.Sprintf("/threads/%s/replies", threadId), func(w http.ResponseWriter, r *http.Request) {
		if offline {
			// drop the connection before any response reaches the client
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("hijack unsupported")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatal(err)
			}
			conn.Close()
			return
		}
		var args CreateReplyArgs
		json.NewDecoder(r.Body).Decode(&args)
		json.NewEncoder(w).Encode(&Reply{ReplyId: NewId(), Body: args.Body})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	api := NewPlatformApi(server.URL)
	defer api.Close()

	body := "posted while offline"
	coordinator := NewSubmissionCoordinator[*Reply]()

	_, err := coordinator.Submit(
		context.Background(),
		func(ctx context.Context) (*Reply, error) {
			return api.CreateReplySync(ctx, &CreateReplyArgs{
				ThreadId: threadId,
				Body:     body,
			})
		},
		&SubmitCallbacks[*Reply]{PreserveData: body},
	)
	assert.Equal(t, Classify(err), ErrorClassNetwork)
	assert.Equal(t, coordinator.CanRetry(), true)
	assert.Equal(t, coordinator.PreservedData(), body)

	offline = false
	reply, err := coordinator.Retry(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, reply.Body, body)
}
