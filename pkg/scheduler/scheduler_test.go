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

package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"

	"github.com/streamgrid/placement/pkg/execution"
	"github.com/streamgrid/placement/pkg/failure"
	"github.com/streamgrid/placement/pkg/placement"
	"github.com/streamgrid/placement/pkg/plan"
	"github.com/streamgrid/placement/pkg/topology"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("k8s.io/klog/v2.(*flushDaemon).run.func1"))
}

const queryID plan.SharedQueryID = 7

type recordingCatalog struct {
	mu       sync.Mutex
	statuses []plan.Status
}

func (c *recordingCatalog) RecordSharedQueryPlan(_ context.Context, sqp *plan.SharedQueryPlan) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, sqp.Status)
	return errors.New("catalog unavailable")
}

func (c *recordingCatalog) recorded() []plan.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]plan.Status(nil), c.statuses...)
}

type fakeInferencer struct {
	clock       *clocktesting.FakeClock
	queryErr    error
	subPlanErr  error
	subPlanSeen []int
}

func (f *fakeInferencer) InferSharedQueryPlan(context.Context, *plan.SharedQueryPlan) error {
	return f.queryErr
}

func (f *fakeInferencer) InferSubPlans(_ context.Context, subPlans []*execution.SubPlan) error {
	f.subPlanSeen = append(f.subPlanSeen, len(subPlans))
	if f.clock != nil {
		f.clock.Step(250 * time.Millisecond)
	}
	return f.subPlanErr
}

type fixture struct {
	scheduler *Scheduler
	registry  *prometheus.Registry
}

// chainTopology is cloud(1) <- fog(2) <- edge(3) with room for a map on the
// fog node only.
func chainTopology(t *testing.T, extra ...topology.NodeDescription) *topology.Topology {
	t.Helper()
	topo, err := topology.FromDescription(topology.Description{
		Nodes: append([]topology.NodeDescription{{ID: 1, Slots: 1}, {ID: 2, Slots: 2}, {ID: 3, Slots: 1}}, extra...),
		Links: []topology.LinkDescription{
			{Child: 2, Parent: 1, Bandwidth: 100},
			{Child: 3, Parent: 2, Bandwidth: 10},
		},
	})
	require.NoError(t, err)
	return topo
}

// mapQuery reads on the edge node and writes on the cloud node.
func mapQuery(t *testing.T) *plan.SharedQueryPlan {
	t.Helper()
	source := plan.NewOperator(1, plan.KindSource)
	source.PinnedNode = ptr.To[topology.NodeID](3)
	sink := plan.NewOperator(3, plan.KindSink, 2)
	sink.PinnedNode = ptr.To[topology.NodeID](1)

	sqp, err := plan.NewSharedQueryPlan(queryID, []*plan.Operator{source, plan.NewOperator(2, plan.KindMap, 1), sink})
	require.NoError(t, err)
	return sqp
}

// start runs a scheduler until the test ends.
func start(t *testing.T, topo *topology.Topology, opts *Options, cfg Config) *fixture {
	t.Helper()

	completed, err := opts.Complete()
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	cfg.Topology = topo
	cfg.Options = completed
	cfg.Registerer = registry
	s, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	return &fixture{scheduler: s, registry: registry}
}

func (f *fixture) requireMetric(t *testing.T, name, expected string) {
	t.Helper()
	require.NoError(t, testutil.GatherAndCompare(f.registry, strings.NewReader(expected), name))
}

func (f *fixture) slots(t *testing.T) map[topology.NodeID]int {
	t.Helper()
	slots := map[topology.NodeID]int{}
	for _, n := range f.scheduler.Topology().Nodes() {
		slots[n.ID] = n.AvailableSlots
	}
	return slots
}

func (f *fixture) status(t *testing.T) plan.Status {
	t.Helper()
	status, err := f.scheduler.Status(context.Background(), queryID)
	require.NoError(t, err)
	return status
}

func TestAddQueryPlacesOperators(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	catalog := &recordingCatalog{}
	inferencer := &fakeInferencer{clock: clk}
	f := start(t, chainTopology(t), NewOptions(), Config{Catalog: catalog, Inferencer: inferencer, Clock: clk})

	result, err := f.scheduler.AddQuery(context.Background(), mapQuery(t))
	require.NoError(t, err)
	assert.Equal(t, map[plan.OperatorID]topology.NodeID{1: 3, 2: 2, 3: 1}, result.Placements)
	assert.Equal(t, 4, result.NetworkOperators)
	assert.Equal(t, map[topology.NodeID]int{1: 1, 2: 0, 3: 1}, f.slots(t))
	assert.Equal(t, plan.StatusDeployed, f.status(t))
	assert.Equal(t, []plan.Status{plan.StatusCreated, plan.StatusDeployed}, catalog.recorded(), "catalog errors never fail a request")
	assert.Equal(t, []int{3}, inferencer.subPlanSeen)

	f.requireMetric(t, "placement_requests_total", `
# HELP placement_requests_total Total number of placement requests by strategy and result
# TYPE placement_requests_total counter
placement_requests_total{result="success",strategy="bottomup"} 1
`)
	f.requireMetric(t, "placement_operators_placed_total", `
# HELP placement_operators_placed_total Total number of operators assigned to a node
# TYPE placement_operators_placed_total counter
placement_operators_placed_total{strategy="bottomup"} 3
`)
	f.requireMetric(t, "placement_node_available_slots", `
# HELP placement_node_available_slots Operator slots still free on a topology node
# TYPE placement_node_available_slots gauge
placement_node_available_slots{node="1"} 1
placement_node_available_slots{node="2"} 0
placement_node_available_slots{node="3"} 1
`)
	assert.InDelta(t, 0.25, histogramSum(t, f.registry, "placement_duration_seconds"), 1e-9)
}

func TestAddQueryRejections(t *testing.T) {
	tests := map[string]struct {
		inferencer *fakeInferencer
		prepare    func(t *testing.T, f *fixture)
		wantReason failure.Reason
		wantStatus *plan.Status
	}{
		"query already deployed": {
			prepare: func(t *testing.T, f *fixture) {
				_, err := f.scheduler.AddQuery(context.Background(), mapQuery(t))
				require.NoError(t, err)
			},
			wantReason: failure.ReasonInvalidRequest,
			wantStatus: ptr.To(plan.StatusDeployed),
		},
		"type inference fails": {
			inferencer: &fakeInferencer{queryErr: errors.New("unknown field")},
		},
		"capacity exhausted": {
			prepare: func(t *testing.T, f *fixture) {
				require.NoError(t, f.scheduler.Topology().ReduceResources(2, 2))
			},
			wantReason: failure.ReasonCapacityExhausted,
			wantStatus: ptr.To(plan.StatusFailed),
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Config{}
			if tc.inferencer != nil {
				cfg.Inferencer = tc.inferencer
			}
			f := start(t, chainTopology(t), NewOptions(), cfg)
			if tc.prepare != nil {
				tc.prepare(t, f)
			}
			before, err := f.scheduler.ExecutionPlan().Dump()
			require.NoError(t, err)

			_, err = f.scheduler.AddQuery(context.Background(), mapQuery(t))
			require.Error(t, err)
			if tc.wantReason != "" {
				assert.Equal(t, tc.wantReason, failure.ReasonOf(err))
			}

			after, err := f.scheduler.ExecutionPlan().Dump()
			require.NoError(t, err)
			assert.Equal(t, string(before), string(after))

			status, err := f.scheduler.Status(context.Background(), queryID)
			if tc.wantStatus == nil {
				assert.True(t, failure.IsNotFound(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, *tc.wantStatus, status)
		})
	}
}

func TestStopQueryReleasesSlots(t *testing.T) {
	f := start(t, chainTopology(t), NewOptions(), Config{})
	ctx := context.Background()

	sqp := mapQuery(t)
	_, err := f.scheduler.AddQuery(ctx, sqp)
	require.NoError(t, err)

	require.NoError(t, f.scheduler.StopQuery(ctx, queryID))
	assert.Empty(t, f.scheduler.ExecutionPlan().ExecutionNodeIDs())
	assert.Equal(t, map[topology.NodeID]int{1: 1, 2: 2, 3: 1}, f.slots(t))
	assert.Equal(t, plan.StatusStopped, f.status(t))

	mapOp, _ := sqp.Operator(2)
	assert.Nil(t, mapOp.PinnedNode)
	source, _ := sqp.Operator(1)
	assert.Equal(t, ptr.To[topology.NodeID](3), source.PinnedNode)

	require.NoError(t, f.scheduler.StopQuery(ctx, queryID), "stopping twice is a no-op")
	assert.True(t, failure.IsNotFound(f.scheduler.StopQuery(ctx, 99)))

	_, err = f.scheduler.AddQuery(ctx, mapQuery(t))
	require.NoError(t, err, "a stopped query id can be reused")
	assert.Equal(t, plan.StatusDeployed, f.status(t))
}

func TestExecutionPlanReadsDuringPlacement(t *testing.T) {
	f := start(t, chainTopology(t), NewOptions(), Config{})
	ctx := context.Background()

	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		ep := f.scheduler.ExecutionPlan()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, err := ep.Dump()
			assert.NoError(t, err)
			ep.Placements(queryID)
			for _, id := range ep.ExecutionNodeIDs() {
				n, ok := ep.ExecutionNodeByNodeID(id)
				if !ok {
					continue
				}
				for _, sp := range n.QuerySubPlans(queryID) {
					for _, op := range sp.Operators() {
						_ = op.Network
					}
				}
			}
		}
	}()

	for i := 0; i < 25; i++ {
		_, err := f.scheduler.AddQuery(ctx, mapQuery(t))
		require.NoError(t, err)
		require.NoError(t, f.scheduler.StopQuery(ctx, queryID))
	}
	close(stop)
	<-readerDone

	assert.Empty(t, f.scheduler.ExecutionPlan().ExecutionNodeIDs())
	assert.Equal(t, map[topology.NodeID]int{1: 1, 2: 2, 3: 1}, f.slots(t))
}

func TestRemoveNodeReplacesOperators(t *testing.T) {
	f := start(t, chainTopology(t, topology.NodeDescription{ID: 4, Slots: 2}), NewOptions(), Config{})
	ctx := context.Background()

	require.NoError(t, f.scheduler.AddLink(ctx, 4, 1, 100))
	_, err := f.scheduler.AddQuery(ctx, mapQuery(t))
	require.NoError(t, err)
	require.NoError(t, f.scheduler.AddLink(ctx, 3, 4, 10))

	_, err = f.scheduler.RemoveNode(ctx, 3)
	assert.True(t, failure.IsOrphanedRemoval(err))
	assert.Equal(t, plan.StatusDeployed, f.status(t))

	outcomes, err := f.scheduler.RemoveNode(ctx, 2)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, map[plan.OperatorID]topology.NodeID{2: 4}, outcomes[0].Result.Placements)
	assert.Equal(t, plan.StatusDeployed, f.status(t))
	assert.Equal(t, []topology.NodeID{1, 3, 4}, f.scheduler.ExecutionPlan().ExecutionNodeIDs())

	_, err = f.scheduler.RemoveLink(ctx, 4, 1)
	require.Error(t, err)
	assert.True(t, failure.IsTopologyPathNotFound(err))
	assert.Equal(t, plan.StatusFailed, f.status(t))

	require.NoError(t, f.scheduler.AddNode(ctx, 5, 1, nil))

	f.requireMetric(t, "placement_topology_events_total", `
# HELP placement_topology_events_total Total number of topology change events by outcome
# TYPE placement_topology_events_total counter
placement_topology_events_total{event="link_added",outcome="noop"} 2
placement_topology_events_total{event="link_removed",outcome="failed"} 1
placement_topology_events_total{event="node_added",outcome="noop"} 1
placement_topology_events_total{event="node_removed",outcome="refused"} 1
placement_topology_events_total{event="node_removed",outcome="replaced"} 1
`)
}

func TestCostOptimalScheduler(t *testing.T) {
	opts := NewOptions()
	opts.Strategy = placement.StrategyCostOptimal
	f := start(t, chainTopology(t), opts, Config{})
	assert.Equal(t, placement.StrategyCostOptimal, f.scheduler.StrategyName())

	result, err := f.scheduler.AddQuery(context.Background(), mapQuery(t))
	require.NoError(t, err)
	assert.Len(t, result.Placements, 3)
	f.requireMetric(t, "placement_requests_total", `
# HELP placement_requests_total Total number of placement requests by strategy and result
# TYPE placement_requests_total counter
placement_requests_total{result="success",strategy="costoptimal"} 1
`)
}

func TestTopDownScheduler(t *testing.T) {
	opts := NewOptions()
	opts.Strategy = placement.StrategyTopDown
	f := start(t, chainTopology(t), opts, Config{})
	assert.Equal(t, placement.StrategyTopDown, f.scheduler.StrategyName())

	result, err := f.scheduler.AddQuery(context.Background(), mapQuery(t))
	require.NoError(t, err)
	assert.Equal(t, map[plan.OperatorID]topology.NodeID{1: 3, 2: 2, 3: 1}, result.Placements)
	f.requireMetric(t, "placement_requests_total", `
# HELP placement_requests_total Total number of placement requests by strategy and result
# TYPE placement_requests_total counter
placement_requests_total{result="success",strategy="topdown"} 1
`)
}

func TestRunLifecycle(t *testing.T) {
	completed, err := NewOptions().Complete()
	require.NoError(t, err)
	s, err := New(Config{Topology: chainTopology(t), Options: completed, Clock: clock.RealClock{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.NoError(t, s.AddNode(context.Background(), 9, 1, nil))
	assert.Error(t, s.Run(ctx), "a scheduler runs once")

	cancelled, cancelSubmit := context.WithCancel(context.Background())
	cancelSubmit()
	assert.ErrorIs(t, s.AddNode(cancelled, 10, 1, nil), context.Canceled)
	require.NoError(t, s.AddLink(context.Background(), 9, 1, 1))
	assert.False(t, s.Topology().Contains(10), "cancelled requests are not applied")

	cancel()
	require.NoError(t, <-done)
	assert.ErrorIs(t, s.AddNode(context.Background(), 11, 1, nil), ErrStopped)
}

func TestOptions(t *testing.T) {
	tests := map[string]struct {
		modify       func(o *Options)
		wantErr      bool
		wantSelector bool
	}{
		"defaults": {},
		"unknown strategy": {
			modify:  func(o *Options) { o.Strategy = "random" },
			wantErr: true,
		},
		"negative weight": {
			modify:  func(o *Options) { o.NetworkCostWeight = -1 },
			wantErr: true,
		},
		"node selector": {
			modify:       func(o *Options) { o.NodeSelector = `node.availableSlots > 0` },
			wantSelector: true,
		},
		"node selector that is not boolean": {
			modify:  func(o *Options) { o.NodeSelector = `node.id` },
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			o := NewOptions()
			if tc.modify != nil {
				tc.modify(o)
			}
			completed, err := o.Complete()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantSelector, completed.Selector != nil)
		})
	}

	o := &Options{Options: placement.NewOptions()}
	assert.Error(t, o.Validate())
	_, err := o.Complete()
	require.NoError(t, err)
	assert.Equal(t, "placement", o.QueueName)
}

func histogramSum(t *testing.T, g prometheus.Gatherer, name string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		sum := 0.0
		for _, m := range mf.GetMetric() {
			sum += m.GetHistogram().GetSampleSum()
		}
		return sum
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
