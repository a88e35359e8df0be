package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errCustom = errors.New("custom error")

type kindError struct{ kind string }

func (e kindError) Error() string { return e.kind }

func newRouter() *Router {
	return New(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func Test_ErrorMapper(t *testing.T) {
	router := newRouter()
	router.RegisterErrorMapper(errCustom, func(err error) Error {
		return JsonError{Code: 400, Err: err.Error()}
	})
	router.RegisterErrorMatcher(func(err error) (Error, bool) {
		var k kindError
		if errors.As(err, &k) {
			return NewJsonError(http.StatusConflict, k.kind).WithKind("conflict"), true
		}
		return nil, false
	})

	tcs := []struct {
		name string
		err  error
		exp  Error
	}{
		{
			name: "registered error",
			err:  errCustom,
			exp:  JsonError{Code: 400, Err: "custom error"},
		},
		{
			name: "wrapped registered error",
			err:  fmt.Errorf("Op: %w", errCustom),
			exp:  JsonError{Code: 400, Err: "Op: custom error"},
		},
		{
			name: "matched error",
			err:  fmt.Errorf("Op: %w", kindError{kind: "conflict"}),
			exp:  JsonError{Code: http.StatusConflict, Err: "conflict", Kind: "conflict"},
		},
		{
			name: "unknown error",
			err:  errors.New("random error"),
			exp:  router.config.defaultError,
		},
		{
			name: "api error",
			err:  JsonError{Code: 400, Err: "API Error"},
			exp:  JsonError{Code: 400, Err: "API Error"},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.exp, router.mapError(tc.err))
		})
	}
}

func TestRouter_Handlers(t *testing.T) {
	router := newRouter()
	router.RegisterErrorMapper(errCustom, func(err error) Error {
		return NewJsonError(http.StatusTeapot, "teapot")
	})
	router.Route("/api", func(r *Router) {
		r.Get("/ok", func(w http.ResponseWriter, r *http.Request) error {
			return WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		r.Post("/echo", func(w http.ResponseWriter, r *http.Request) error {
			var body struct {
				Name string `json:"name"`
			}
			if err := DecodeJSON(r, &body); err != nil {
				return err
			}
			return WriteJSON(w, http.StatusCreated, body)
		})
		r.Get("/fail", func(w http.ResponseWriter, r *http.Request) error {
			return fmt.Errorf("handler: %w", errCustom)
		})
	})

	do := func(method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
		return rec, decoded
	}

	rec, body := do(http.MethodGet, "/api/ok", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, body = do(http.MethodPost, "/api/echo", `{"name":"alice"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "alice", body["name"])

	rec, body = do(http.MethodPost, "/api/echo", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed request body", body["error"])

	rec, body = do(http.MethodGet, "/api/fail", "")
	assert.Equal(t, http.StatusTeapot, rec.Code, "mappers registered on the parent apply to derived routers")
	assert.Equal(t, "teapot", body["error"])
	assert.NotContains(t, body, "kind")
}

func TestJsonError_Encode(t *testing.T) {
	var b strings.Builder
	require.NoError(t, NewJsonError(http.StatusServiceUnavailable, "could not load rooms").WithKind("transient").Encode(&b))
	assert.JSONEq(t, `{"code":503,"error":"could not load rooms","kind":"transient"}`, b.String())

	b.Reset()
	require.NoError(t, NewJsonError(http.StatusBadRequest, "malformed request body").Encode(&b))
	assert.JSONEq(t, `{"code":400,"error":"malformed request body"}`, b.String())
}
