package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Message    string
	Err        error // one of the sentinels above, or nil
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend: %s %s: %d: %s", e.Method, e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend: %s %s: %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

func newStatusError(method, url string, code int, body []byte) *StatusError {
	e := &StatusError{
		Method:     method,
		URL:        url,
		StatusCode: code,
		Message:    errorMessage(body),
	}
	switch code {
	case http.StatusUnauthorized:
		e.Err = ErrUnauthorized
	case http.StatusForbidden:
		e.Err = ErrForbidden
	case http.StatusNotFound:
		e.Err = ErrNotFound
	case http.StatusConflict:
		e.Err = ErrConflict
	}
	return e
}

// errorMessage pulls a human readable message out of an error body:
// {"message": ...}, ASP.NET problem details ({"title": ...}) or an identity
// error list ([{"description": ...}]).
func errorMessage(body []byte) string {
	var list []struct {
		Description string `json:"description"`
	}
	if json.Unmarshal(body, &list) == nil && len(list) > 0 {
		msgs := make([]string, 0, len(list))
		for _, e := range list {
			if e.Description != "" {
				msgs = append(msgs, e.Description)
			}
		}
		return strings.Join(msgs, "; ")
	}

	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Title   string `json:"title"`
	}
	if json.Unmarshal(body, &payload) == nil {
		for _, s := range []string{payload.Message, payload.Error, payload.Title} {
			if s != "" {
				return s
			}
		}
	}
	return strings.TrimSpace(string(body))
}
