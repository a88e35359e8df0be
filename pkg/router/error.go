package router

import (
	"encoding/json"
	"io"
)

// Error is an error that knows how to answer an HTTP request.
type Error interface {
	error
	StatusCode() int
	Encode(w io.Writer) error
}

// JsonError is written as {"code":..,"error":..,"kind":..}. Kind is omitted for unclassified errors.
type JsonError struct {
	Code int    `json:"code"`
	Err  string `json:"error"`
	Kind string `json:"kind,omitempty"`
}

func NewJsonError(code int, err string) JsonError {
	return JsonError{
		Code: code,
		Err:  err,
	}
}

// WithKind returns a copy of e classified as kind.
func (e JsonError) WithKind(kind string) JsonError {
	e.Kind = kind
	return e
}

func (e JsonError) StatusCode() int {
	return e.Code
}

func (e JsonError) Error() string {
	return e.Err
}

func (e JsonError) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(e)
}
