/*
Copyright 2015 Google LLC

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

package cbt

import (
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// retryableCodes is the authoritative set of transport-level codes that may
// succeed on a later attempt. Permanent failures (InvalidArgument, NotFound,
// PermissionDenied, FailedPrecondition, OutOfRange) are never in this set;
// a RetryPolicy may further restrict it but never expand it.
var retryableCodes = map[codes.Code]bool{
	codes.DeadlineExceeded: true,
	codes.Unavailable:      true,
	codes.Aborted:          true,
}

// isRetryableCode reports whether err carries one of the transport-level
// codes that a retry loop is permitted to act on at all. Parser protocol
// errors are Internal but retryable: the stream carried bad data, a fresh
// stream may not.
func isRetryableCode(err error) bool {
	if err == nil {
		return false
	}
	s := status.Convert(err)
	if retryableCodes[s.Code()] {
		return true
	}
	return s.Code() == codes.Internal && strings.Contains(s.Message(), "protocol error")
}

// errProtocol marks a streaming row parser invariant violation. It is always
// surfaced as codes.Internal: the server stream misbehaved, but a fresh
// stream may not.
type errProtocol struct {
	msg string
}

func (e *errProtocol) Error() string { return "cbt: protocol error: " + e.msg }

func protocolErrorf(msg string) error {
	return status.Error(codes.Internal, (&errProtocol{msg: msg}).Error())
}

// ErrIndeterminate marks a bulk-mutation entry whose outcome the server
// never confirmed before the stream closed. Entries in this state that are
// not retried (non-idempotent ones, and idempotent ones once the retry
// policy refuses another attempt) are reported to the caller wrapping
// ErrIndeterminate rather than with a misleading OK status: the caller
// must assume it may or may not have applied and verify at the
// application level if that matters.
var ErrIndeterminate = errors.New("cbt: mutation outcome is indeterminate; verify at the application level")

// indeterminateError is the terminal error value reported for an entry
// whose status was never delivered and that is not retried further. It
// unwraps to ErrIndeterminate for errors.Is and carries codes.Unknown for
// callers that route on status codes.
type indeterminateError struct{}

func (indeterminateError) Error() string { return ErrIndeterminate.Error() }

func (indeterminateError) Unwrap() error { return ErrIndeterminate }

func (e indeterminateError) GRPCStatus() *status.Status {
	return status.New(codes.Unknown, e.Error())
}

func newIndeterminateError() error { return indeterminateError{} }
