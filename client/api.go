package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang/glog"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

// Submission calls rely on this upper bound to surface a network-class
// failure rather than hang. Reads are additionally bounded by their epoch.
func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// PlatformApi issues the platform's REST calls under the coordination rules:
// csrf headers on mutating verbs (minus the bootstrap allow-list), 409 bodies
// parsed into conflict records, 5xx mapped to an opaque reference id, and
// transport failures classified as network errors.
type PlatformApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	// guards byJwt, which request goroutines read concurrently
	mutex sync.Mutex
	byJwt string

	csrf       *CsrfTokenCache
	validate   *validator.Validate
	httpClient *http.Client
}

func NewPlatformApi(apiUrl string) *PlatformApi {
	return NewPlatformApiWithContext(context.Background(), apiUrl)
}

func NewPlatformApiWithContext(ctx context.Context, apiUrl string) *PlatformApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	api := &PlatformApi{
		ctx:        cancelCtx,
		cancel:     cancel,
		apiUrl:     apiUrl,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		httpClient: defaultClient(),
	}
	api.csrf = NewCsrfTokenCache(api.fetchCsrfToken)
	return api
}

// this gets attached to api calls that need it
func (self *PlatformApi) SetByJwt(byJwt string) {
	self.mutex.Lock()
	self.byJwt = byJwt
	self.mutex.Unlock()
	self.csrf.SetSession(byJwt)
}

func (self *PlatformApi) getByJwt() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.byJwt
}

func (self *PlatformApi) Csrf() *CsrfTokenCache {
	return self.csrf
}

func (self *PlatformApi) Close() {
	self.cancel()
}

// GET /csrf-token -> { csrfToken, headerName? }
type csrfTokenResult struct {
	CsrfToken  string `json:"csrfToken"`
	HeaderName string `json:"headerName,omitempty"`
}

func (self *PlatformApi) fetchCsrfToken(ctx context.Context) (*CsrfToken, error) {
	result, err := get(
		self,
		ctx,
		"/csrf-token",
		&csrfTokenResult{},
		NewNoopApiCallback[*csrfTokenResult](),
	)
	if err != nil {
		return nil, err
	}
	return &CsrfToken{
		Value:      result.CsrfToken,
		HeaderName: result.HeaderName,
	}, nil
}

type AuthLoginCallback apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	UserAuth string `json:"user_auth" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type AuthLoginResult struct {
	ByJwt string                `json:"by_jwt,omitempty"`
	Error *AuthLoginResultError `json:"error,omitempty"`
}

type AuthLoginResultError struct {
	Message string `json:"message"`
}

func (self *PlatformApi) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go post(
		self,
		self.ctx,
		"/auth/login",
		authLogin,
		&AuthLoginResult{},
		callback,
	)
}

func (self *PlatformApi) AuthLoginSync(ctx context.Context, authLogin *AuthLoginArgs) (*AuthLoginResult, error) {
	return post(
		self,
		ctx,
		"/auth/login",
		authLogin,
		&AuthLoginResult{},
		NewNoopApiCallback[*AuthLoginResult](),
	)
}

type AuthLogoutResult struct{}

func (self *PlatformApi) AuthLogoutSync(ctx context.Context) (*AuthLogoutResult, error) {
	result, err := post(
		self,
		ctx,
		"/auth/logout",
		nil,
		&AuthLogoutResult{},
		NewNoopApiCallback[*AuthLogoutResult](),
	)
	// the session is gone either way
	self.mutex.Lock()
	self.byJwt = ""
	self.mutex.Unlock()
	self.csrf.Clear()
	return result, err
}

type Enrollment struct {
	CourseId Id     `json:"course_id"`
	Title    string `json:"title"`
	Progress int    `json:"progress"`
}

type GetEnrollmentsResult struct {
	Enrollments []*Enrollment `json:"enrollments"`
}

type GetEnrollmentsCallback apiCallback[*GetEnrollmentsResult]

func (self *PlatformApi) GetEnrollments(callback GetEnrollmentsCallback) {
	go get(
		self,
		self.ctx,
		"/enrollments",
		&GetEnrollmentsResult{},
		callback,
	)
}

func (self *PlatformApi) GetEnrollmentsSync(ctx context.Context) (*GetEnrollmentsResult, error) {
	return get(
		self,
		ctx,
		"/enrollments",
		&GetEnrollmentsResult{},
		NewNoopApiCallback[*GetEnrollmentsResult](),
	)
}

// Course carries its version stamp from read to write. `updated_at` is the
// stamp; the write must echo the one it read.
type Course struct {
	CourseId    Id      `json:"course_id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	UpdatedAt   Version `json:"updated_at"`
}

type GetCourseCallback apiCallback[*Course]

func (self *PlatformApi) GetCourse(courseId Id, callback GetCourseCallback) {
	go get(
		self,
		self.ctx,
		fmt.Sprintf("/courses/%s", courseId),
		&Course{},
		callback,
	)
}

func (self *PlatformApi) GetCourseSync(ctx context.Context, courseId Id) (*Course, error) {
	return get(
		self,
		ctx,
		fmt.Sprintf("/courses/%s", courseId),
		&Course{},
		NewNoopApiCallback[*Course](),
	)
}

type UpdateCourseArgs struct {
	CourseId    Id      `json:"-"`
	Title       string  `json:"title" validate:"required"`
	Description string  `json:"description"`
	UpdatedAt   Version `json:"updated_at" validate:"required"`
}

type UpdateCourseCallback apiCallback[*Course]

func (self *PlatformApi) UpdateCourse(updateCourse *UpdateCourseArgs, callback UpdateCourseCallback) {
	go put(
		self,
		self.ctx,
		fmt.Sprintf("/courses/%s", updateCourse.CourseId),
		updateCourse,
		&Course{},
		callback,
	)
}

func (self *PlatformApi) UpdateCourseSync(ctx context.Context, updateCourse *UpdateCourseArgs) (*Course, error) {
	return put(
		self,
		ctx,
		fmt.Sprintf("/courses/%s", updateCourse.CourseId),
		updateCourse,
		&Course{},
		NewNoopApiCallback[*Course](),
	)
}

// CourseSaveFunc adapts the versioned course write to the concurrency
// resolver. The version is threaded through as an explicit argument.
func (self *PlatformApi) CourseSaveFunc(courseId Id, fields func() (title string, description string)) SaveFunc {
	return func(ctx context.Context, version Version) (Version, error) {
		title, description := fields()
		course, err := self.UpdateCourseSync(ctx, &UpdateCourseArgs{
			CourseId:    courseId,
			Title:       title,
			Description: description,
			UpdatedAt:   version,
		})
		if err != nil {
			return "", err
		}
		return course.UpdatedAt, nil
	}
}

type Thread struct {
	ThreadId  Id      `json:"thread_id"`
	CourseId  Id      `json:"course_id"`
	Title     string  `json:"title"`
	Body      string  `json:"body"`
	UpdatedAt Version `json:"updated_at"`
}

type CreateThreadArgs struct {
	CourseId Id     `json:"course_id"`
	Title    string `json:"title" validate:"required"`
	Body     string `json:"body" validate:"required"`
}

type CreateThreadCallback apiCallback[*Thread]

func (self *PlatformApi) CreateThread(createThread *CreateThreadArgs, callback CreateThreadCallback) {
	go post(
		self,
		self.ctx,
		"/threads",
		createThread,
		&Thread{},
		callback,
	)
}

func (self *PlatformApi) CreateThreadSync(ctx context.Context, createThread *CreateThreadArgs) (*Thread, error) {
	return post(
		self,
		ctx,
		"/threads",
		createThread,
		&Thread{},
		NewNoopApiCallback[*Thread](),
	)
}

type Reply struct {
	ReplyId  Id     `json:"reply_id"`
	ThreadId Id     `json:"thread_id"`
	Body     string `json:"body"`
}

type CreateReplyArgs struct {
	ThreadId Id     `json:"-"`
	Body     string `json:"body" validate:"required"`
}

type CreateReplyCallback apiCallback[*Reply]

func (self *PlatformApi) CreateReply(createReply *CreateReplyArgs, callback CreateReplyCallback) {
	go post(
		self,
		self.ctx,
		fmt.Sprintf("/threads/%s/replies", createReply.ThreadId),
		createReply,
		&Reply{},
		callback,
	)
}

func (self *PlatformApi) CreateReplySync(ctx context.Context, createReply *CreateReplyArgs) (*Reply, error) {
	return post(
		self,
		ctx,
		fmt.Sprintf("/threads/%s/replies", createReply.ThreadId),
		createReply,
		&Reply{},
		NewNoopApiCallback[*Reply](),
	)
}

type SubmitProjectArgs struct {
	CourseId Id     `json:"course_id"`
	RepoUrl  string `json:"repo_url" validate:"required,url"`
}

type SubmitProjectResult struct {
	SubmissionId Id     `json:"submission_id"`
	Status       string `json:"status"`
}

type SubmitProjectCallback apiCallback[*SubmitProjectResult]

func (self *PlatformApi) SubmitProject(submitProject *SubmitProjectArgs, callback SubmitProjectCallback) {
	go post(
		self,
		self.ctx,
		"/projects",
		submitProject,
		&SubmitProjectResult{},
		callback,
	)
}

func (self *PlatformApi) SubmitProjectSync(ctx context.Context, submitProject *SubmitProjectArgs) (*SubmitProjectResult, error) {
	return post(
		self,
		ctx,
		"/projects",
		submitProject,
		&SubmitProjectResult{},
		NewNoopApiCallback[*SubmitProjectResult](),
	)
}

func post[R any](api *PlatformApi, ctx context.Context, path string, args any, result R, callback apiCallback[R]) (R, error) {
	return request(api, ctx, http.MethodPost, path, args, result, callback)
}

func put[R any](api *PlatformApi, ctx context.Context, path string, args any, result R, callback apiCallback[R]) (R, error) {
	return request(api, ctx, http.MethodPut, path, args, result, callback)
}

func get[R any](api *PlatformApi, ctx context.Context, path string, result R, callback apiCallback[R]) (R, error) {
	return request(api, ctx, http.MethodGet, path, nil, result, callback)
}

func request[R any](api *PlatformApi, ctx context.Context, method string, path string, args any, result R, callback apiCallback[R]) (R, error) {
	var empty R

	fail := func(err error) (R, error) {
		callback.Result(empty, err)
		return empty, err
	}

	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		// reject malformed payloads before they cost a network call.
		// same shape as a server-side rejection.
		if err := validateArgs(api.validate, args); err != nil {
			return fail(err)
		}
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			return fail(err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, api.apiUrl+path, bytes.NewReader(requestBodyBytes))
	if err != nil {
		return fail(err)
	}

	req.Header.Add("Content-Type", "application/json")

	if byJwt := api.getByJwt(); byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	if err := api.csrf.Attach(ctx, req); err != nil {
		return fail(err)
	}

	r, err := api.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// superseded or torn down. not a user-visible failure.
			return fail(ctx.Err())
		}
		return fail(&NetworkError{Err: err})
	}
	defer r.Body.Close()

	responseBodyBytes, readErr := io.ReadAll(r.Body)

	if apiErr := classifyStatus(api, r, responseBodyBytes); apiErr != nil {
		callback.Result(result, apiErr)
		return result, apiErr
	}

	if readErr != nil {
		return fail(&NetworkError{Err: readErr})
	}

	if len(responseBodyBytes) > 0 {
		err = json.Unmarshal(responseBodyBytes, &result)
		if err != nil {
			return fail(err)
		}
	}

	callback.Result(result, nil)
	return result, nil
}

// conflict protocol: 409 with { conflict: { currentVersion, currentSnapshot } }
type conflictResponseBody struct {
	Conflict struct {
		CurrentVersion  Version         `json:"currentVersion"`
		CurrentSnapshot json.RawMessage `json:"currentSnapshot"`
	} `json:"conflict"`
}

type validationResponseBody struct {
	Error struct {
		Message string              `json:"message"`
		Fields  map[string][]string `json:"fields"`
	} `json:"error"`
}

func classifyStatus(api *PlatformApi, r *http.Response, responseBodyBytes []byte) error {
	switch {
	case r.StatusCode == http.StatusOK, r.StatusCode == http.StatusCreated, r.StatusCode == http.StatusNoContent:
		return nil
	case r.StatusCode == http.StatusUnauthorized:
		// the session is no longer valid; the token bound to it is useless
		api.csrf.Clear()
		return ErrUnauthorized
	case r.StatusCode == http.StatusConflict:
		var body conflictResponseBody
		if err := json.Unmarshal(responseBodyBytes, &body); err != nil {
			// the write reached the server, so this can never look retryable.
			// a 409 without a readable conflict record is a server defect.
			serverErr := &ServerError{
				StatusCode: r.StatusCode,
				Ref:        NewId(),
			}
			glog.Infof("[api]%s status=%d unreadable conflict body = %s\n", serverErr.Ref, r.StatusCode, err)
			return serverErr
		}
		return &ConflictError{
			Record: &ConflictRecord{
				ServerVersion:  body.Conflict.CurrentVersion,
				ServerSnapshot: body.Conflict.CurrentSnapshot,
			},
		}
	case r.StatusCode == http.StatusBadRequest, r.StatusCode == http.StatusUnprocessableEntity:
		var body validationResponseBody
		if err := json.Unmarshal(responseBodyBytes, &body); err == nil && (body.Error.Message != "" || 0 < len(body.Error.Fields)) {
			return &ValidationError{
				Message: body.Error.Message,
				Fields:  body.Error.Fields,
			}
		}
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		return &ValidationError{Message: errorMessage}
	case 500 <= r.StatusCode:
		serverErr := &ServerError{
			StatusCode: r.StatusCode,
			Ref:        NewId(),
		}
		// internal detail goes to the log, never to the user
		glog.Infof("[api]%s status=%d body=%s\n", serverErr.Ref, r.StatusCode, strings.TrimSpace(string(responseBodyBytes)))
		return serverErr
	default:
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		return errors.New(errorMessage)
	}
}

func validateArgs(validate *validator.Validate, args any) error {
	err := validate.Struct(args)
	if err == nil {
		return nil
	}
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}
	fields := map[string][]string{}
	for _, fieldErr := range validationErrs {
		field := strings.ToLower(fieldErr.Field())
		fields[field] = append(fields[field], fmt.Sprintf("failed %s", fieldErr.Tag()))
	}
	return &ValidationError{Fields: fields}
}
