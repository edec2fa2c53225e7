// Copyright 2024 The PowerSync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package pserrors defines the error taxonomy shared across this
// module. Every error that can reach a caller (synchronously) or a
// status snapshot (asynchronously) is classified into one of these
// kinds so that callers can type-switch or errors.As on them instead
// of parsing messages.
package pserrors

import "fmt"

// Kind classifies a PowerSyncError.
type Kind int

const (
	// KindArgument covers invalid schema definitions and API misuse.
	KindArgument Kind = iota
	// KindSqlite wraps an error returned by the local database.
	KindSqlite
	// KindFromSQL covers failures decoding a SQL column value.
	KindFromSQL
	// KindInvalidCoreExtensionVersion means the probed
	// powersync_rs_version() was missing or out of the supported range.
	KindInvalidCoreExtensionVersion
	// KindJSONConversion covers JSON marshal/unmarshal failures at the
	// control-adapter boundary.
	KindJSONConversion
	// KindInvalidEndpoint means the configured sync endpoint failed to
	// parse as an absolute URL.
	KindInvalidEndpoint
	// KindHTTP covers transport-level failures making a request.
	KindHTTP
	// KindIO covers local I/O failures (e.g. reading a response body).
	KindIO
	// KindInvalidCredentials means the sync service returned 401.
	KindInvalidCredentials
	// KindUnexpectedStatusCode means the sync service returned a
	// non-200, non-401 status.
	KindUnexpectedStatusCode
)

func (k Kind) String() string {
	switch k {
	case KindArgument:
		return "ArgumentError"
	case KindSqlite:
		return "Sqlite"
	case KindFromSQL:
		return "FromSql"
	case KindInvalidCoreExtensionVersion:
		return "InvalidCoreExtensionVersion"
	case KindJSONConversion:
		return "JsonConversion"
	case KindInvalidEndpoint:
		return "InvalidPowerSyncEndpoint"
	case KindHTTP:
		return "Http"
	case KindIO:
		return "IO"
	case KindInvalidCredentials:
		return "InvalidCredentials"
	case KindUnexpectedStatusCode:
		return "UnexpectedStatusCode"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type for every classified failure in
// this module. It supports errors.Is/As via Unwrap and via equality
// comparison on Kind through the Is method.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New constructs an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind that carries cause as its
// underlying error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is/As against the wrapped cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a *Error with the same Kind, so that
// errors.Is(err, pserrors.New(KindHTTP, "")) style checks work without
// requiring an exact message match.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// UnexpectedStatusCodeError is the distinguished error returned when
// the sync service responds with a non-200/401 status; it carries the
// status so that callers can report it without parsing the message.
type UnexpectedStatusCodeError struct {
	StatusCode int
	Body       string
}

func (e *UnexpectedStatusCodeError) Error() string {
	return fmt.Sprintf("unexpected status code %d from sync service: %s", e.StatusCode, e.Body)
}
