package router

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"reflect"
	"runtime"

	"github.com/go-chi/chi/v5"
)

var DefaultError = JsonError{
	Code: http.StatusInternalServerError,
	Err:  "internal server error",
}

// Router is a wrapper around chi.Router that provides error handling.
// Handlers can return an error that will then get mapped to an error response.
// Error mappers can be registers for specific errors to provide custom error responses.
type Router struct {
	chi.Router
	config *config
}

// config is shared by a router and every router derived from it.
type config struct {
	errorMappers []errorMapping
	matchers     []ErrorMatcher
	defaultError JsonError
	logger       *slog.Logger
}

type errorMapping struct {
	target error
	fn     ErrorMapper
}

func New(opts ...RouterOption) *Router {
	r := &Router{
		Router: chi.NewRouter(),
		config: &config{
			defaultError: DefaultError,
			logger:       slog.New(slog.NewTextHandler(os.Stderr, nil)),
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type RouterOption func(*Router)

func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.config.logger = logger
	}
}

func WithDefaultError(err JsonError) RouterOption {
	return func(r *Router) {
		r.config.defaultError = err
	}
}

func (a *Router) derive(r chi.Router) *Router {
	return &Router{Router: r, config: a.config}
}

// HandlerFunc is a function that handles an HTTP request and returns an error.
// When the handler fails to handler to request it should not write anything to the response writer
// instead it should return an error that will be mapped to an error response.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

type Middleware func(http.Handler) HandlerFunc

// ErrorMapper is a function that maps go errors to API errors.
type ErrorMapper func(error) Error

// ErrorMatcher maps the errors it recognizes to API errors.
type ErrorMatcher func(error) (Error, bool)

// RegisterErrorMapper maps every error that matches err according to errors.Is.
func (a *Router) RegisterErrorMapper(err error, fn ErrorMapper) {
	a.config.errorMappers = append(a.config.errorMappers, errorMapping{target: err, fn: fn})
}

// RegisterErrorMatcher adds a matcher consulted after the error mappers.
func (a *Router) RegisterErrorMatcher(fn ErrorMatcher) {
	a.config.matchers = append(a.config.matchers, fn)
}

// mapError maps a go error to an API error.
// The mapping works as following:
//   - if the error is already an API error it will be returned as is.
//   - if the error matches a registered error it will be mapped using its mapper.
//   - if an error matcher recognizes the error its result is returned.
//   - otherwise the default error will be returned.
func (a *Router) mapError(err error) Error {
	var apiErr JsonError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	for _, m := range a.config.errorMappers {
		if errors.Is(err, m.target) {
			return m.fn(err)
		}
	}
	for _, match := range a.config.matchers {
		if mapped, ok := match(err); ok {
			return mapped
		}
	}
	return a.config.defaultError
}

func (a *Router) handleWithErr(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err != nil {
			handlerFn := runtime.FuncForPC(reflect.ValueOf(h).Pointer())
			resError := a.mapError(err)
			level := slog.LevelWarn
			if resError.StatusCode() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			a.config.logger.Log(r.Context(), level, err.Error(),
				slog.String("handler", handlerFn.Name()), slog.Int("status", resError.StatusCode()))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(resError.StatusCode())
			if err := resError.Encode(w); err != nil {
				a.config.logger.Error("encode error response", slog.String("err", err.Error()))
			}
		}
	}
}

func (a *Router) Get(path string, h HandlerFunc) {
	a.Router.Get(path, a.handleWithErr(h))
}

func (a *Router) Post(path string, h HandlerFunc) {
	a.Router.Post(path, a.handleWithErr(h))
}

func (a *Router) Put(path string, h HandlerFunc) {
	a.Router.Put(path, a.handleWithErr(h))
}

func (a *Router) Delete(path string, h HandlerFunc) {
	a.Router.Delete(path, a.handleWithErr(h))
}

func (a *Router) Route(path string, f func(r *Router)) {
	a.Router.Route(path, func(r chi.Router) {
		f(a.derive(r))
	})
}

func (a *Router) Group(f func(r *Router)) *Router {
	ch := a.Router.Group(func(r chi.Router) {
		f(a.derive(r))
	})
	return a.derive(ch)
}

func (a *Router) Use(middleware Middleware) {
	a.Router.Use(func(h http.Handler) http.Handler {
		return a.handleWithErr(middleware(h))
	})
}

func (a *Router) With(middleware Middleware) *Router {
	ch := a.Router.With(func(h http.Handler) http.Handler {
		return a.handleWithErr(middleware(h))
	})
	return a.derive(ch)
}

// WriteJSON writes v as the JSON body of a response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(v)
}

// DecodeJSON decodes the JSON body of r into v.
// A malformed body is reported as a bad request.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return NewJsonError(http.StatusBadRequest, "malformed request body")
	}
	return nil
}
