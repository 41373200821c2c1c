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

package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorReasons(t *testing.T) {
	tests := map[string]struct {
		err   error
		check func(error) bool
	}{
		"path not found":     {err: New(ReasonTopologyPathNotFound, "from %d to %d", 1, 2), check: IsTopologyPathNotFound},
		"capacity":           {err: New(ReasonCapacityExhausted, "node %d", 3), check: IsCapacityExhausted},
		"solver":             {err: Wrap(ReasonSolverInfeasibleOrTimeout, errors.New("deadline"), "solve"), check: IsSolverInfeasibleOrTimeout},
		"shape":              {err: New(ReasonUnsupportedTopologyShape, "two parents"), check: IsUnsupportedTopologyShape},
		"orphaned":           {err: New(ReasonOrphanedRemoval, "node 4"), check: IsOrphanedRemoval},
		"not found":          {err: New(ReasonNotFound, "node 5"), check: IsNotFound},
		"wrapped with fmt %w": {err: fmt.Errorf("placing query 7: %w", New(ReasonCapacityExhausted, "")), check: IsCapacityExhausted},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.True(t, tc.check(tc.err))
		})
	}
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(ReasonSolverInfeasibleOrTimeout, cause, "query %d", 9)
	require.Error(t, err)
	assert.Equal(t, "SolverInfeasibleOrTimeout: query 9: boom", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, &Error{Reason: ReasonSolverInfeasibleOrTimeout})
	assert.NotErrorIs(t, err, &Error{Reason: ReasonCapacityExhausted})

	assert.Nil(t, Wrap(ReasonNotFound, nil, "ignored"))
	assert.Equal(t, Reason(""), ReasonOf(errors.New("plain")))
	assert.False(t, IsNotFound(nil))
}
