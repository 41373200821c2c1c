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

package costoptimal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/streamgrid/placement/pkg/execution"
	"github.com/streamgrid/placement/pkg/failure"
	"github.com/streamgrid/placement/pkg/placement"
	"github.com/streamgrid/placement/pkg/placement/bottomup"
	"github.com/streamgrid/placement/pkg/plan"
	"github.com/streamgrid/placement/pkg/solver"
	"github.com/streamgrid/placement/pkg/topology"
)

const sharedQueryID plan.SharedQueryID = 3

type solverFunc func(ctx context.Context, m *solver.Model) (*solver.Solution, error)

func (f solverFunc) Solve(ctx context.Context, m *solver.Model) (*solver.Solution, error) {
	return f(ctx, m)
}

func newEnvironment(t *testing.T, desc topology.Description, operators []*plan.Operator, pins map[plan.OperatorID]topology.NodeID) (placement.Environment, *plan.SharedQueryPlan) {
	t.Helper()

	topo, err := topology.FromDescription(desc)
	require.NoError(t, err)
	sqp, err := plan.NewSharedQueryPlan(sharedQueryID, operators)
	require.NoError(t, err)
	for id, node := range pins {
		op, ok := sqp.Operator(id)
		require.True(t, ok)
		node := node
		op.PinnedNode = &node
	}
	return placement.Environment{
		Topology:      topo,
		ExecutionPlan: execution.NewPlan(),
		Plans:         placement.Plans{sharedQueryID: sqp},
	}, sqp
}

func request(sqp *plan.SharedQueryPlan) placement.Request {
	return placement.Request{
		SharedQueryID:    sharedQueryID,
		PinnedUpstream:   sets.New(sqp.Sources()...),
		PinnedDownstream: sets.New(sqp.Sinks()...),
	}
}

func linearPlan(middle plan.Kind) []*plan.Operator {
	return []*plan.Operator{
		plan.NewOperator(1, plan.KindSource),
		plan.NewOperator(2, middle, 1),
		plan.NewOperator(3, plan.KindSink, 2),
	}
}

// chain is cloud(1) <-100- fog(2) <-10- sensor(3).
func chain(slots map[topology.NodeID]int) topology.Description {
	return topology.Description{
		Nodes: []topology.NodeDescription{{ID: 1, Slots: slots[1]}, {ID: 2, Slots: slots[2]}, {ID: 3, Slots: slots[3]}},
		Links: []topology.LinkDescription{
			{Child: 2, Parent: 1, Bandwidth: 100},
			{Child: 3, Parent: 2, Bandwidth: 10},
		},
	}
}

func slotsOf(topo *topology.Topology) map[topology.NodeID]int {
	slots := map[topology.NodeID]int{}
	for _, n := range topo.Nodes() {
		slots[n.ID] = n.AvailableSlots
	}
	return slots
}

func TestMileage(t *testing.T) {
	topo, err := topology.FromDescription(topology.Description{
		Nodes: []topology.NodeDescription{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}},
		Links: []topology.LinkDescription{
			{Child: 2, Parent: 1, Bandwidth: 100},
			{Child: 3, Parent: 2, Bandwidth: 10},
			{Child: 4, Parent: 3, Bandwidth: 0.5},
		},
	})
	require.NoError(t, err)

	expected := map[topology.NodeID]float64{1: 0, 2: 0.01, 3: 0.11, 4: 2.11}
	for id, want := range expected {
		got, err := Mileage(topo, id)
		require.NoError(t, err)
		assert.InDelta(t, want, got, 1e-9, "node %d", id)
	}

	previous := 0.0
	for _, id := range []topology.NodeID{1, 2, 3, 4} {
		m, err := Mileage(topo, id)
		require.NoError(t, err)
		if id != 1 {
			assert.Greater(t, m, previous, "node %d must be further from the root than its parent", id)
		}
		previous = m
	}

	_, err = Mileage(topo, 42)
	assert.True(t, failure.IsNotFound(err))
}

func TestMatchesBottomUpOnTrivialPaths(t *testing.T) {
	tests := map[string]struct {
		desc            topology.Description
		pins            map[plan.OperatorID]topology.NodeID
		wantNetworkCost float64
	}{
		"single node": {
			desc: topology.Description{Nodes: []topology.NodeDescription{{ID: 1, Slots: 4}}},
			pins: map[plan.OperatorID]topology.NodeID{1: 1, 3: 1},
		},
		"adjacent nodes": {
			desc: topology.Description{
				Nodes: []topology.NodeDescription{{ID: 1, Slots: 2}, {ID: 2, Slots: 2}},
				Links: []topology.LinkDescription{{Child: 2, Parent: 1, Bandwidth: 10}},
			},
			pins:            map[plan.OperatorID]topology.NodeID{1: 2, 3: 1},
			wantNetworkCost: 0.5,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			greedyEnv, greedyPlan := newEnvironment(t, tc.desc, linearPlan(plan.KindFilter), tc.pins)
			greedy, err := bottomup.New(greedyEnv).UpdateGlobalExecutionPlan(ctx, request(greedyPlan))
			require.NoError(t, err)

			env, sqp := newEnvironment(t, tc.desc, linearPlan(plan.KindFilter), tc.pins)
			optimal, err := New(env, placement.NewOptions(), nil).UpdateGlobalExecutionPlan(ctx, request(sqp))
			require.NoError(t, err)

			assert.Equal(t, greedy.Placements, optimal.Placements)
			assert.Equal(t, greedy.NetworkOperators, optimal.NetworkOperators)
			assert.InDelta(t, tc.wantNetworkCost, optimal.NetworkCost, 1e-6)
			assert.InDelta(t, 0, optimal.OverUtilization, 1e-6)
			assert.Equal(t, slotsOf(greedyEnv.Topology), slotsOf(env.Topology))
		})
	}
}

func TestOverUtilizationIsPriced(t *testing.T) {
	tests := map[string]struct {
		overUtilizationWeight float64
		wantNode              topology.NodeID
		wantNetworkCost       float64
		wantOverUtilization   float64
		wantSlots             map[topology.NodeID]int
	}{
		"cheap over-utilization stays near the source": {
			overUtilizationWeight: 0.1,
			wantNode:              3,
			wantNetworkCost:       2.2,
			wantOverUtilization:   1,
			wantSlots:             map[topology.NodeID]int{1: 4, 2: 4, 3: -1},
		},
		"expensive over-utilization moves up": {
			overUtilizationWeight: 100,
			wantNode:              2,
			wantNetworkCost:       10.2,
			wantSlots:             map[topology.NodeID]int{1: 4, 2: 2, 3: 1},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			env, sqp := newEnvironment(t, chain(map[topology.NodeID]int{1: 4, 2: 4, 3: 1}), linearPlan(plan.KindMap),
				map[plan.OperatorID]topology.NodeID{1: 3, 3: 1})
			opts := placement.NewOptions()
			opts.OverUtilizationCostWeight = tc.overUtilizationWeight

			result, err := New(env, opts, nil).UpdateGlobalExecutionPlan(context.Background(), request(sqp))
			require.NoError(t, err)

			assert.Equal(t, tc.wantNode, result.Placements[2])
			assert.InDelta(t, tc.wantNetworkCost, result.NetworkCost, 1e-6)
			assert.InDelta(t, tc.wantOverUtilization, result.OverUtilization, 1e-6)
			assert.Equal(t, tc.wantSlots, slotsOf(env.Topology))
			for id, nodes := range env.ExecutionPlan.Placements(sharedQueryID) {
				assert.Len(t, nodes, 1, "operator %d", id)
			}
		})
	}
}

func TestJoinSitsOnSharedPath(t *testing.T) {
	desc := topology.Description{
		Nodes: []topology.NodeDescription{{ID: 1, Slots: 1}, {ID: 2, Slots: 2}, {ID: 3, Slots: 1}, {ID: 4, Slots: 4}},
		Links: []topology.LinkDescription{
			{Child: 1, Parent: 2, Bandwidth: 10},
			{Child: 3, Parent: 2, Bandwidth: 10},
			{Child: 2, Parent: 4, Bandwidth: 10},
		},
	}
	env, sqp := newEnvironment(t, desc, []*plan.Operator{
		plan.NewOperator(1, plan.KindSource),
		plan.NewOperator(2, plan.KindSource),
		plan.NewOperator(3, plan.KindJoin, 1, 2),
		plan.NewOperator(4, plan.KindSink, 3),
	}, map[plan.OperatorID]topology.NodeID{1: 1, 2: 3, 4: 4})

	result, err := New(env, placement.NewOptions(), nil).UpdateGlobalExecutionPlan(context.Background(), request(sqp))
	require.NoError(t, err)
	assert.Equal(t, map[plan.OperatorID]topology.NodeID{1: 1, 2: 3, 3: 2, 4: 4}, result.Placements)
	assert.InDelta(t, 22, result.NetworkCost, 1e-6)
	assert.Equal(t, 6, result.NetworkOperators)
}

func TestSolverFailureFailsRequest(t *testing.T) {
	tests := map[string]struct {
		solve   solverFunc
		wantErr error
	}{
		"infeasible": {
			solve: func(context.Context, *solver.Model) (*solver.Solution, error) {
				return nil, failure.New(failure.ReasonSolverInfeasibleOrTimeout, "model is infeasible")
			},
		},
		"solver error": {
			solve: func(context.Context, *solver.Model) (*solver.Solution, error) {
				return nil, errors.New("backend unavailable")
			},
		},
		"timeout": {
			solve: func(ctx context.Context, _ *solver.Model) (*solver.Solution, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			wantErr: context.DeadlineExceeded,
		},
		"empty assignment": {
			solve: func(_ context.Context, m *solver.Model) (*solver.Solution, error) {
				return &solver.Solution{Values: make([]float64, m.NumVars())}, nil
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			env, sqp := newEnvironment(t, chain(map[topology.NodeID]int{1: 4, 2: 4, 3: 1}), linearPlan(plan.KindMap),
				map[plan.OperatorID]topology.NodeID{1: 3, 3: 1})
			opts := placement.NewOptions()
			opts.SolverTimeout = 10 * time.Millisecond
			slotsBefore := slotsOf(env.Topology)

			_, err := New(env, opts, tc.solve).UpdateGlobalExecutionPlan(context.Background(), request(sqp))
			require.Error(t, err)
			assert.True(t, failure.IsSolverInfeasibleOrTimeout(err), err.Error())
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}

			assert.Equal(t, slotsBefore, slotsOf(env.Topology))
			assert.Empty(t, env.ExecutionPlan.ExecutionNodeIDs())
			for _, id := range sqp.OperatorIDs() {
				op, _ := sqp.Operator(id)
				assert.Equal(t, plan.StateToBePlaced, op.State)
			}
		})
	}
}

func TestRejectsFanOut(t *testing.T) {
	env, sqp := newEnvironment(t, chain(map[topology.NodeID]int{1: 4, 2: 4, 3: 4}), []*plan.Operator{
		plan.NewOperator(1, plan.KindSource),
		plan.NewOperator(2, plan.KindFilter, 1),
		plan.NewOperator(3, plan.KindMap, 1),
		plan.NewOperator(4, plan.KindSink, 2),
		plan.NewOperator(5, plan.KindSink, 3),
	}, map[plan.OperatorID]topology.NodeID{1: 3, 4: 1, 5: 1})

	_, err := New(env, placement.NewOptions(), nil).UpdateGlobalExecutionPlan(context.Background(), request(sqp))
	assert.True(t, failure.IsUnsupportedTopologyShape(err))
	assert.Empty(t, env.ExecutionPlan.ExecutionNodeIDs())
}
