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

package solver

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgrid/placement/pkg/failure"
)

func TestBranchAndBoundKnapsack(t *testing.T) {
	m := NewModel()
	a, b, c := m.NewBinary("a"), m.NewBinary("b"), m.NewBinary("c")
	m.AddConstraint("r1", []Term{{a, 2}, {b, 3}, {c, 1}}, LessEqual, 5)
	m.AddConstraint("r2", []Term{{a, 4}, {b, 1}, {c, 2}}, LessEqual, 11)
	m.AddConstraint("r3", []Term{{a, 3}, {b, 4}, {c, 2}}, LessEqual, 8)
	m.Minimize([]Term{{a, -5}, {b, -4}, {c, -3}})

	sol, err := NewBranchAndBound().Solve(context.Background(), m)
	require.NoError(t, err)

	assert.True(t, sol.IsSet(a))
	assert.True(t, sol.IsSet(b))
	assert.False(t, sol.IsSet(c))
	assert.InDelta(t, -9, sol.Objective, 1e-6)
	assert.Positive(t, sol.Nodes)
}

func TestBranchAndBoundSlackIsPriced(t *testing.T) {
	tests := map[string]struct {
		slackWeight float64
		wantFirst   bool
		wantObj     float64
	}{
		"over-utilization too expensive": {slackWeight: 3, wantFirst: false, wantObj: 0},
		"over-utilization pays off":      {slackWeight: 0.1, wantFirst: true, wantObj: -0.9},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			m := NewModel()
			first, second := m.NewBinary("first"), m.NewBinary("second")
			slack := m.NewContinuous("slack", 0, math.Inf(1))
			m.AddConstraint("one", []Term{{first, 1}, {second, 1}}, Equal, 1)
			// slack >= 2*first - 1
			m.AddConstraint("capacity", []Term{{first, 2}, {slack, -1}}, LessEqual, 1)
			m.Minimize([]Term{{first, -1}, {slack, tc.slackWeight}})

			sol, err := NewBranchAndBound().Solve(context.Background(), m)
			require.NoError(t, err)
			assert.Equal(t, tc.wantFirst, sol.IsSet(first))
			assert.Equal(t, !tc.wantFirst, sol.IsSet(second))
			assert.InDelta(t, tc.wantObj, sol.Objective, 1e-6)
			assert.Empty(t, m.Violations(sol.Values, 1e-6))
		})
	}
}

func TestBranchAndBoundFixedVariables(t *testing.T) {
	m := NewModel()
	a, b := m.NewBinary("a"), m.NewBinary("b")
	m.Fix(a, 1)
	m.AddConstraint("b follows a", []Term{{b, 1}, {a, -1}}, GreaterEqual, 0)
	m.Minimize([]Term{{a, 1}, {b, 1}})

	sol, err := NewBranchAndBound().Solve(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, sol.IsSet(a))
	assert.True(t, sol.IsSet(b))
	assert.InDelta(t, 2, sol.Objective, 1e-6)
}

func TestBranchAndBoundAllFixed(t *testing.T) {
	m := NewModel()
	a := m.NewBinary("a")
	m.Fix(a, 1)
	m.AddConstraint("impossible", []Term{{a, 1}}, Equal, 0)

	_, err := NewBranchAndBound().Solve(context.Background(), m)
	assert.True(t, failure.IsSolverInfeasibleOrTimeout(err))
}

func TestBranchAndBoundInfeasible(t *testing.T) {
	m := NewModel()
	a, b := m.NewBinary("a"), m.NewBinary("b")
	m.AddConstraint("too much", []Term{{a, 1}, {b, 1}}, GreaterEqual, 3)
	m.Minimize([]Term{{a, 1}})

	_, err := NewBranchAndBound().Solve(context.Background(), m)
	require.Error(t, err)
	assert.True(t, failure.IsSolverInfeasibleOrTimeout(err))
}

func TestBranchAndBoundHonoursContext(t *testing.T) {
	m := NewModel()
	a := m.NewBinary("a")
	m.Minimize([]Term{{a, 1}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewBranchAndBound().Solve(ctx, m)
	require.Error(t, err)
	assert.True(t, failure.IsSolverInfeasibleOrTimeout(err))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestViolations(t *testing.T) {
	m := NewModel()
	a := m.NewBinary("a")
	s := m.NewContinuous("s", 0, 2)
	m.AddConstraint("sum", []Term{{a, 1}, {s, 1}}, LessEqual, 2)

	assert.Empty(t, m.Violations([]float64{1, 1}, 1e-9))
	assert.ElementsMatch(t, []string{"integrality of a", "sum"}, m.Violations([]float64{0.5, 2}, 1e-9))
	assert.ElementsMatch(t, []string{"bounds of s", "sum"}, m.Violations([]float64{0, 3}, 1e-9))
}
