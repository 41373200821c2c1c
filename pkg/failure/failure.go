/*
Copyright 2024 The KCP Authors.

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

// Package failure defines the typed failures raised by the placement engine.
// Every failure carries a Reason so callers can tell a capacity problem from
// a topology shape problem without parsing messages.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Reason classifies a placement failure.
type Reason string

const (
	// ReasonTopologyPathNotFound means no route exists between pinned anchors.
	ReasonTopologyPathNotFound Reason = "TopologyPathNotFound"
	// ReasonCapacityExhausted means the upward walk found no free slots.
	ReasonCapacityExhausted Reason = "CapacityExhausted"
	// ReasonSolverInfeasibleOrTimeout means the optimizer produced no usable model.
	ReasonSolverInfeasibleOrTimeout Reason = "SolverInfeasibleOrTimeout"
	// ReasonUnsupportedTopologyShape covers multi-parent ancestor queries and
	// multi-root sink fan-out.
	ReasonUnsupportedTopologyShape Reason = "UnsupportedTopologyShape"
	// ReasonOrphanedRemoval means a removed node had no neighbour to re-route through.
	ReasonOrphanedRemoval Reason = "OrphanedRemoval"
	// ReasonNoSourceOperators means a request had no pinned upstream operators.
	ReasonNoSourceOperators Reason = "NoSourceOperators"
	// ReasonNoSinkOperators means a request had no pinned downstream operators.
	ReasonNoSinkOperators Reason = "NoSinkOperators"
	// ReasonNoCommonAncestor means the children of an n-ary operator share no ancestor.
	ReasonNoCommonAncestor Reason = "NoCommonAncestor"
	// ReasonInvalidRequest means the request referenced unknown or inconsistent state.
	ReasonInvalidRequest Reason = "InvalidRequest"
	// ReasonNotFound means a node, operator or query does not exist.
	ReasonNotFound Reason = "NotFound"
)

// Error is the error type returned by every placement operation.
type Error struct {
	Reason  Reason
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Reason))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same reason, so that
// errors.Is(err, failure.New(ReasonCapacityExhausted, "")) works as a probe.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

// New creates a failure with a formatted message.
func New(reason Reason, format string, args ...interface{}) error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a failure wrapping err. A nil err yields nil.
func Wrap(reason Reason, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...), Err: err}
}

// ReasonOf returns the reason of the outermost *Error in err's chain, or ""
// if err is not a placement failure.
func ReasonOf(err error) Reason {
	var f *Error
	if errors.As(err, &f) {
		return f.Reason
	}
	return ""
}

// HasReason returns true if err carries the given reason.
func HasReason(err error, reason Reason) bool {
	return err != nil && ReasonOf(err) == reason
}

// IsTopologyPathNotFound returns true if err is a TopologyPathNotFound failure
func IsTopologyPathNotFound(err error) bool {
	return HasReason(err, ReasonTopologyPathNotFound)
}

// IsCapacityExhausted returns true if err is a CapacityExhausted failure
func IsCapacityExhausted(err error) bool {
	return HasReason(err, ReasonCapacityExhausted)
}

// IsSolverInfeasibleOrTimeout returns true if err is a SolverInfeasibleOrTimeout failure
func IsSolverInfeasibleOrTimeout(err error) bool {
	return HasReason(err, ReasonSolverInfeasibleOrTimeout)
}

// IsUnsupportedTopologyShape returns true if err is an UnsupportedTopologyShape failure
func IsUnsupportedTopologyShape(err error) bool {
	return HasReason(err, ReasonUnsupportedTopologyShape)
}

// IsOrphanedRemoval returns true if err is an OrphanedRemoval failure
func IsOrphanedRemoval(err error) bool {
	return HasReason(err, ReasonOrphanedRemoval)
}

// IsNotFound returns true if err is a NotFound failure
func IsNotFound(err error) bool {
	return HasReason(err, ReasonNotFound)
}
