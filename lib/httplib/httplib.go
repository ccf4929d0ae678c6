/*
Copyright 2025 Kiwi Platform Contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package httplib implements common utility functions for the kiwi
// HTTP handlers.
package httplib

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// maxRequestBody bounds every JSON request body.
const maxRequestBody = 1 << 20

// HandlerFunc is an HTTP handler that returns a JSON-serializable
// result or an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler adapts a HandlerFunc to httprouter. The result is
// serialized as JSON; errors go through ReplyError.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(r.Context(), w, err)
			return
		}
		ReplyJSON(w, http.StatusOK, out)
	}
}

// ReadJSON reads the request body and unmarshals it into val.
func ReadJSON(r *http.Request, val interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("malformed request body: %v", err)
	}
	return nil
}

// ReplyJSON writes a JSON response with the given status code.
func ReplyJSON(w http.ResponseWriter, code int, val interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if val == nil {
		w.Write([]byte("{}"))
		return
	}
	if err := json.NewEncoder(w).Encode(val); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// UnauthorizedError is a 401: bad credentials, an unknown invitation,
// or an untrusted return URI. Distinct from trace.AccessDenied, which
// is a 403 role failure.
type UnauthorizedError struct {
	Message string
}

func (e *UnauthorizedError) Error() string { return e.Message }

// Unauthorized returns a 401 error.
func Unauthorized(format string, args ...interface{}) error {
	return &UnauthorizedError{Message: fmt.Sprintf(format, args...)}
}

// IsUnauthorized reports whether err is an UnauthorizedError.
func IsUnauthorized(err error) bool {
	var target *UnauthorizedError
	return errors.As(err, &target)
}

// ErrorToCode maps an error category to its HTTP status.
func ErrorToCode(err error) int {
	switch {
	case IsUnauthorized(err):
		return http.StatusUnauthorized
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsAccessDenied(err):
		return http.StatusForbidden
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsAlreadyExists(err):
		return http.StatusConflict
	case trace.IsCompareFailed(err):
		return http.StatusExpectationFailed
	default:
		return http.StatusInternalServerError
	}
}

// ReplyError maps an error to its HTTP status and writes the reply.
// Client errors carry the error message as plain text; server errors
// carry a fixed body so internals never leak, and the cause goes to
// the log instead.
func ReplyError(ctx context.Context, w http.ResponseWriter, err error) {
	code := ErrorToCode(err)
	if code >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "request failed", "error", err)
		http.Error(w, "internal server error", code)
		return
	}
	http.Error(w, trace.UserMessage(err), code)
}
