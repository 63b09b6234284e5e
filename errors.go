// Copyright 2026 Grist Labs, Inc.
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

package gac

import (
	stderrors "errors"
	"fmt"
	"strings"

	"gopkg.in/src-d/go-errors.v1"
)

var (
	// ErrBundleActive is returned when a bundle is begun while another is
	// still in progress.
	ErrBundleActive = errors.NewKind("cannot start a bundle while one is already in progress")

	// ErrNoBundle is returned when a bundle phase is invoked with no
	// active bundle.
	ErrNoBundle = errors.NewKind("no active bundle")

	// ErrBundleNotApplied is returned when a broadcast is requested for a
	// bundle the data engine has not committed.
	ErrBundleNotApplied = errors.NewKind("bundle has not been applied")

	// ErrNoStep is returned when a filter asks for the state of an action
	// index the active bundle does not have.
	ErrNoStep = errors.NewKind("no step available for action %d")

	// ErrNoMetaStep is returned when a structural action lacks the
	// metadata snapshot its filtering needs.
	ErrNoMetaStep = errors.NewKind("no metadata available for action %d")

	// ErrInvalidRules is returned when a user is resolved while the
	// document's access rules cannot be compiled (outside recovery mode).
	ErrInvalidRules = errors.NewKind("access rules are invalid: %s")

	// ErrUnexpectedPrune is returned when a filter is asked to rewrite an
	// action shape it has no business seeing.
	ErrUnexpectedPrune = errors.NewKind("cannot prune columns of %T action")

	// ErrMissingOption is returned by New when a required dependency was
	// not provided.
	ErrMissingOption = errors.NewKind("missing required option: %s")
)

// Code classifies an access failure for the wire. Hosts translate these into
// protocol-level responses; the engine only decides which one applies.
type Code string

const (
	// CodeACLDeny means access rules forbid the attempted operation.
	CodeACLDeny Code = "ACL_DENY"
	// CodeNeedReload means the client's view of the document can no
	// longer be kept consistent and it must reopen the document.
	CodeNeedReload Code = "NEED_RELOAD"
	// CodeNoOwner means an operation needing owner credentials could not
	// confirm them. Upstream treats this as "not available", not failure.
	CodeNoOwner Code = "AUTH_NO_OWNER"
)

// ErrorWithCode is an access failure carrying its wire classification, an
// optional HTTP status, and any memos attached by the denying rules.
type ErrorWithCode struct {
	Code    Code
	Status  int
	Memos   []string
	Message string
}

func (e *ErrorWithCode) Error() string {
	if len(e.Memos) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s [%s]", e.Message, strings.Join(e.Memos, "; "))
}

// ErrorCode returns the wire code as a plain string.
func (e *ErrorWithCode) ErrorCode() string { return string(e.Code) }

func deniedError(message string, memos []string) *ErrorWithCode {
	return &ErrorWithCode{Code: CodeACLDeny, Status: 403, Memos: memos, Message: message}
}

func needReloadError(message string) *ErrorWithCode {
	return &ErrorWithCode{Code: CodeNeedReload, Message: message}
}

func noOwnerError(message string) *ErrorWithCode {
	return &ErrorWithCode{Code: CodeNoOwner, Message: message}
}

func apiError(status int, message string) *ErrorWithCode {
	return &ErrorWithCode{Status: status, Message: message}
}

// AsErrorWithCode unwraps err down to an ErrorWithCode, if it carries one.
func AsErrorWithCode(err error) (*ErrorWithCode, bool) {
	var e *ErrorWithCode
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HasCode reports whether err carries the given wire code.
func HasCode(err error, code Code) bool {
	e, ok := AsErrorWithCode(err)
	return ok && e.Code == code
}
