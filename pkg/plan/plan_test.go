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

package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/ptr"

	"github.com/streamgrid/placement/pkg/failure"
	"github.com/streamgrid/placement/pkg/topology"
)

// joinPlan: sources 1 and 2 are filtered by 3 and 4, joined by 5, mapped by
// 6 and written by sink 7.
func joinPlan(t *testing.T) *SharedQueryPlan {
	t.Helper()
	p, err := NewSharedQueryPlan(1, []*Operator{
		NewOperator(7, KindSink, 6),
		NewOperator(6, KindMap, 5),
		NewOperator(5, KindJoin, 3, 4),
		NewOperator(3, KindFilter, 1),
		NewOperator(4, KindFilter, 2),
		NewOperator(1, KindSource),
		NewOperator(2, KindSource),
	})
	require.NoError(t, err)
	return p
}

func TestNewSharedQueryPlanDerivesParents(t *testing.T) {
	p := joinPlan(t)

	source, ok := p.Operator(1)
	require.True(t, ok)
	assert.Equal(t, []OperatorID{3}, source.Parents)

	join, ok := p.Operator(5)
	require.True(t, ok)
	assert.Equal(t, []OperatorID{6}, join.Parents)

	assert.Equal(t, []OperatorID{1, 2}, p.Sources())
	assert.Equal(t, []OperatorID{7}, p.Sinks())
	assert.Equal(t, []OperatorID{1, 2, 3, 4, 5, 6, 7}, p.TopologicalOrder())
	assert.Equal(t, StatusCreated, p.Status)
}

func TestNewSharedQueryPlanValidation(t *testing.T) {
	tests := map[string]struct {
		operators []*Operator
		wantMsg   string
	}{
		"duplicate id": {
			operators: []*Operator{NewOperator(1, KindSource), NewOperator(1, KindSink, 1)},
			wantMsg:   "duplicate operator 1",
		},
		"system operator": {
			operators: []*Operator{NewOperator(1, KindSource), NewOperator(2, KindNetworkSink, 1)},
			wantMsg:   "generated by the placement engine",
		},
		"unknown input": {
			operators: []*Operator{NewOperator(1, KindSource), NewOperator(2, KindSink, 9)},
			wantMsg:   "unknown input 9",
		},
		"source with input": {
			operators: []*Operator{NewOperator(1, KindSource), NewOperator(2, KindSource, 1)},
			wantMsg:   "source 2 cannot have inputs",
		},
		"operator without input": {
			operators: []*Operator{NewOperator(1, KindMap)},
			wantMsg:   "Map(1) has no inputs",
		},
		"unary join": {
			operators: []*Operator{NewOperator(1, KindSource), NewOperator(2, KindJoin, 1)},
			wantMsg:   "needs at least two inputs",
		},
		"sink feeding an operator": {
			operators: []*Operator{NewOperator(1, KindSource), NewOperator(2, KindSink, 1), NewOperator(3, KindMap, 2)},
			wantMsg:   "sink 2 cannot have downstream operators",
		},
		"cycle": {
			operators: []*Operator{NewOperator(1, KindSource), NewOperator(2, KindUnion, 1, 3), NewOperator(3, KindMap, 2)},
			wantMsg:   "cycle",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewSharedQueryPlan(1, tc.operators)
			require.Error(t, err)
			assert.True(t, failure.HasReason(err, failure.ReasonInvalidRequest))
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestBetween(t *testing.T) {
	p := joinPlan(t)

	tests := map[string]struct {
		upstream, downstream []OperatorID
		want                 []OperatorID
	}{
		"whole plan":         {upstream: []OperatorID{1, 2}, downstream: []OperatorID{7}, want: []OperatorID{3, 4, 5, 6}},
		"one branch":         {upstream: []OperatorID{1}, downstream: []OperatorID{5}, want: []OperatorID{3}},
		"adjacent":           {upstream: []OperatorID{6}, downstream: []OperatorID{7}, want: []OperatorID{}},
		"unrelated branches": {upstream: []OperatorID{3}, downstream: []OperatorID{4}, want: []OperatorID{}},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := p.Between(sets.New(tc.upstream...), sets.New(tc.downstream...))
			assert.ElementsMatch(t, tc.want, sets.List(got))
		})
	}
}

func TestPerformReOperatorPlacement(t *testing.T) {
	p := joinPlan(t)
	for i, id := range p.TopologicalOrder() {
		require.NoError(t, p.Pin(id, topology.NodeID(i)))
	}

	require.NoError(t, p.PerformReOperatorPlacement(sets.New[OperatorID](3), sets.New[OperatorID](6)))

	assert.Equal(t, StatusMigrating, p.Status)
	for _, id := range p.OperatorIDs() {
		op, _ := p.Operator(id)
		if id == 5 {
			assert.Equal(t, StateToBeReplaced, op.State, "operator %d", id)
		} else {
			assert.Equal(t, StatePlaced, op.State, "operator %d", id)
		}
		assert.NotNil(t, op.PinnedNode, "operator %d keeps its pin", id)
	}

	p.Unpin(6)
	err := p.PerformReOperatorPlacement(sets.New[OperatorID](3), sets.New[OperatorID](6))
	assert.Equal(t, failure.ReasonInvalidRequest, failure.ReasonOf(err))

	err = p.PerformReOperatorPlacement(sets.New[OperatorID](42), sets.New[OperatorID](7))
	assert.True(t, failure.IsNotFound(err))

	err = p.PerformReOperatorPlacement(sets.New[OperatorID](), sets.New[OperatorID](7))
	assert.Equal(t, failure.ReasonInvalidRequest, failure.ReasonOf(err))
}

func TestEffectiveDefaults(t *testing.T) {
	tests := map[Kind]struct {
		cost   int
		output float64
	}{
		KindSource:        {cost: 0, output: 100},
		KindFilter:        {cost: 1, output: 5},
		KindMap:           {cost: 2, output: 20},
		KindJoin:          {cost: 2, output: 20},
		KindUnion:         {cost: 2, output: 20},
		KindProjection:    {cost: 1, output: 10},
		KindWindow:        {cost: 2, output: 10},
		KindSink:          {cost: 0, output: 0},
		KindNetworkSource: {cost: 0, output: 10},
		KindNetworkSink:   {cost: 0, output: 10},
	}

	for kind, want := range tests {
		t.Run(kind.String(), func(t *testing.T) {
			op := NewOperator(1, kind)
			assert.Equal(t, want.cost, op.EffectiveCost())
			assert.Equal(t, want.output, op.EffectiveOutputRate())
		})
	}

	op := &Operator{ID: 1, Kind: KindMap, Cost: ptr.To(5), OutputRate: ptr.To(1.5)}
	assert.Equal(t, 5, op.EffectiveCost())
	assert.Equal(t, 1.5, op.EffectiveOutputRate())
}

func TestCloneIsDeep(t *testing.T) {
	p := joinPlan(t)
	require.NoError(t, p.Pin(1, 10))

	c := p.Clone()
	require.NoError(t, c.Pin(1, 20))
	c.Status = StatusFailed

	op, _ := p.Operator(1)
	assert.Equal(t, topology.NodeID(10), *op.PinnedNode)
	assert.Equal(t, StatusCreated, p.Status)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("networksource")
	require.NoError(t, err)
	assert.Equal(t, KindNetworkSource, k)

	_, err = ParseKind("aggregate")
	assert.Error(t, err)
}
