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

// Package scheduler serializes placement work. A Scheduler owns the
// topology, the execution plan and the shared query plans, and applies
// query submissions and topology events one at a time in the order they
// were submitted. Cancelling the context of a call only withdraws work that
// has not started yet; a call whose work already started waits for it and
// reports its outcome.
package scheduler

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/streamgrid/placement/pkg/execution"
	"github.com/streamgrid/placement/pkg/failure"
	"github.com/streamgrid/placement/pkg/metrics"
	"github.com/streamgrid/placement/pkg/metrics/collectors"
	"github.com/streamgrid/placement/pkg/placement"
	"github.com/streamgrid/placement/pkg/placement/bottomup"
	"github.com/streamgrid/placement/pkg/placement/costoptimal"
	"github.com/streamgrid/placement/pkg/placement/topdown"
	"github.com/streamgrid/placement/pkg/plan"
	"github.com/streamgrid/placement/pkg/solver"
	"github.com/streamgrid/placement/pkg/topology"
	"github.com/streamgrid/placement/pkg/topologychange"
)

// Config holds the state and collaborators of a Scheduler. Only Topology
// and Options are required.
type Config struct {
	Topology *topology.Topology
	Options  *CompletedOptions

	Inferencer TypeInferencer
	Catalog    QueryCatalog
	// Solver backs the cost-optimal strategy.
	Solver solver.Solver
	// Registerer receives the placement metrics.
	Registerer prometheus.Registerer
	Clock      clock.PassiveClock
}

// Scheduler is the single writer of the placement state.
type Scheduler struct {
	topology      *topology.Topology
	executionPlan *execution.Plan
	plans         placement.Plans

	strategy   placement.Strategy
	engine     *topologychange.Engine
	inferencer TypeInferencer
	catalog    QueryCatalog
	metrics    *metrics.PlacementMetrics

	queue *requestQueue
}

// New creates a scheduler. Run must be called for submitted work to be
// applied.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Topology == nil {
		return nil, fmt.Errorf("topology is required")
	}
	if cfg.Options == nil {
		return nil, fmt.Errorf("completed options are required")
	}
	if cfg.Inferencer == nil {
		cfg.Inferencer = noopInferencer{}
	}
	if cfg.Catalog == nil {
		cfg.Catalog = noopCatalog{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	s := &Scheduler{
		topology:      cfg.Topology,
		executionPlan: execution.NewPlan(),
		plans:         placement.Plans{},
		inferencer:    cfg.Inferencer,
		catalog:       cfg.Catalog,
		metrics:       metrics.NewPlacementMetrics(cfg.Registerer),
	}
	if cfg.Registerer != nil {
		if err := cfg.Registerer.Register(collectors.NewNodeSlotsCollector(cfg.Topology)); err != nil {
			return nil, fmt.Errorf("registering node slots collector: %w", err)
		}
	}

	env := placement.Environment{
		Topology:      s.topology,
		ExecutionPlan: s.executionPlan,
		Plans:         s.plans,
		Selector:      cfg.Options.Selector,
	}

	var strategy placement.Strategy
	switch cfg.Options.Strategy {
	case placement.StrategyBottomUp:
		strategy = bottomup.New(env)
	case placement.StrategyTopDown:
		strategy = topdown.New(env)
	case placement.StrategyCostOptimal:
		strategy = costoptimal.New(env, cfg.Options.Options.Options, cfg.Solver)
	default:
		return nil, failure.New(failure.ReasonInvalidRequest, "unknown placement strategy %q", cfg.Options.Strategy)
	}
	s.strategy = &instrumentedStrategy{
		Strategy:   strategy,
		plan:       s.executionPlan,
		inferencer: s.inferencer,
		metrics:    s.metrics,
		clock:      cfg.Clock,
	}
	s.engine = topologychange.New(env, s.strategy)
	s.queue = newRequestQueue(cfg.Options.QueueName)

	return s, nil
}

// Run applies submitted work until ctx is cancelled. Requests still queued
// at that point fail with ErrStopped.
func (s *Scheduler) Run(ctx context.Context) error {
	return s.queue.run(ctx)
}

// Topology returns the topology. Its read methods are safe to call
// concurrently with the scheduler.
func (s *Scheduler) Topology() *topology.Topology {
	return s.topology
}

// ExecutionPlan returns the execution plan. Its read methods are safe to
// call concurrently with the scheduler.
func (s *Scheduler) ExecutionPlan() *execution.Plan {
	return s.executionPlan
}

// StrategyName names the configured placement strategy.
func (s *Scheduler) StrategyName() string {
	return s.strategy.Name()
}

// AddQuery registers a shared query plan and places all of its operators.
// Sources and sinks must be pinned. A query id may be reused once the
// previous query with that id has been stopped or has failed.
func (s *Scheduler) AddQuery(ctx context.Context, sqp *plan.SharedQueryPlan) (*placement.Result, error) {
	var result *placement.Result
	err := s.queue.submit(ctx, "AddQuery", func(ctx context.Context) error {
		var err error
		result, err = s.addQuery(ctx, sqp)
		return err
	})
	return result, err
}

func (s *Scheduler) addQuery(ctx context.Context, sqp *plan.SharedQueryPlan) (*placement.Result, error) {
	logger := klog.FromContext(ctx).WithValues("sharedQueryID", sqp.ID)
	ctx = klog.NewContext(ctx, logger)

	if existing, ok := s.plans[sqp.ID]; ok && existing.Status != plan.StatusStopped && existing.Status != plan.StatusFailed {
		return nil, failure.New(failure.ReasonInvalidRequest, "shared query plan %d is already %s", sqp.ID, existing.Status)
	}
	if len(s.executionPlan.NodesHosting(sqp.ID)) > 0 {
		return nil, failure.New(failure.ReasonInvalidRequest, "shared query plan %d still has placed operators, stop it first", sqp.ID)
	}
	if err := s.inferencer.InferSharedQueryPlan(ctx, sqp); err != nil {
		return nil, fmt.Errorf("inferring types of shared query plan %d: %w", sqp.ID, err)
	}

	sqp.Status = plan.StatusCreated
	s.plans[sqp.ID] = sqp
	s.record(ctx, sqp)

	req := placement.Request{
		SharedQueryID:    sqp.ID,
		PinnedUpstream:   sets.New(sqp.Sources()...),
		PinnedDownstream: sets.New(sqp.Sinks()...),
	}
	result, err := s.strategy.UpdateGlobalExecutionPlan(ctx, req)
	if err != nil {
		sqp.Status = plan.StatusFailed
		s.record(ctx, sqp)
		return nil, err
	}

	sqp.Status = plan.StatusDeployed
	s.record(ctx, sqp)
	logger.Info("Deployed shared query plan", "operators", len(result.Placements), "networkOperators", result.NetworkOperators)
	return result, nil
}

// StopQuery removes every sub-plan of a shared query, returns the slots its
// operators used and marks it stopped. Sources and sinks keep their pinned
// nodes.
func (s *Scheduler) StopQuery(ctx context.Context, id plan.SharedQueryID) error {
	return s.queue.submit(ctx, "StopQuery", func(ctx context.Context) error {
		return s.stopQuery(ctx, id)
	})
}

func (s *Scheduler) stopQuery(ctx context.Context, id plan.SharedQueryID) error {
	sqp, ok := s.plans[id]
	if !ok {
		return failure.New(failure.ReasonNotFound, "shared query plan %d not found", id)
	}
	if sqp.Status == plan.StatusStopped {
		return nil
	}

	var errs error
	for node, operators := range s.executionPlan.RemoveSharedQuery(id) {
		slots := 0
		for _, op := range operators {
			slots += op.EffectiveCost()
		}
		if slots > 0 {
			errs = multierr.Append(errs, s.topology.IncreaseResources(node, slots))
		}
	}

	boundaries := sets.New(sqp.Sources()...).Insert(sqp.Sinks()...)
	for _, opID := range sqp.OperatorIDs() {
		if !boundaries.Has(opID) {
			sqp.Unpin(opID)
		}
	}
	sqp.Status = plan.StatusStopped
	s.record(ctx, sqp)

	klog.FromContext(ctx).Info("Stopped shared query plan", "sharedQueryID", id)
	return errs
}

// Status returns the lifecycle state of a shared query plan.
func (s *Scheduler) Status(ctx context.Context, id plan.SharedQueryID) (plan.Status, error) {
	var status plan.Status
	err := s.queue.submit(ctx, "Status", func(context.Context) error {
		sqp, ok := s.plans[id]
		if !ok {
			return failure.New(failure.ReasonNotFound, "shared query plan %d not found", id)
		}
		status = sqp.Status
		return nil
	})
	return status, err
}

// AddNode adds a node to the topology.
func (s *Scheduler) AddNode(ctx context.Context, id topology.NodeID, slots int, labels map[string]string) error {
	return s.queue.submit(ctx, "AddNode", func(ctx context.Context) error {
		err := s.topology.AddNode(id, slots, labels)
		s.metrics.ObserveTopologyEvent(metrics.EventNodeAdded, eventOutcome(nil, err))
		return err
	})
}

// AddLink adds a link from child to parent. Placed operators do not move.
func (s *Scheduler) AddLink(ctx context.Context, child, parent topology.NodeID, bandwidth float64) error {
	return s.queue.submit(ctx, "AddLink", func(ctx context.Context) error {
		err := s.engine.OnTopologyLinkAdded(ctx, child, parent, bandwidth)
		s.metrics.ObserveTopologyEvent(metrics.EventLinkAdded, eventOutcome(nil, err))
		return err
	})
}

// RemoveLink removes the link from upstream to downstream and re-places the
// operators whose data crossed it. Queries whose re-placement fails are
// marked failed; their errors are combined in the returned error.
func (s *Scheduler) RemoveLink(ctx context.Context, upstream, downstream topology.NodeID) ([]topologychange.Outcome, error) {
	var outcomes []topologychange.Outcome
	err := s.queue.submit(ctx, "RemoveLink", func(ctx context.Context) error {
		var err error
		outcomes, err = s.engine.OnTopologyLinkRemoved(ctx, upstream, downstream)
		s.settle(ctx, outcomes)
		s.metrics.ObserveTopologyEvent(metrics.EventLinkRemoved, eventOutcome(outcomes, err))
		return err
	})
	return outcomes, err
}

// RemoveNode removes a node and re-places the operators it hosted. A node
// whose removal would leave hosted operators without upstream or
// downstream neighbours is refused and nothing changes.
func (s *Scheduler) RemoveNode(ctx context.Context, id topology.NodeID) ([]topologychange.Outcome, error) {
	var outcomes []topologychange.Outcome
	err := s.queue.submit(ctx, "RemoveNode", func(ctx context.Context) error {
		var err error
		outcomes, err = s.engine.OnTopologyNodeRemoved(ctx, id)
		s.settle(ctx, outcomes)
		s.metrics.ObserveTopologyEvent(metrics.EventNodeRemoved, eventOutcome(outcomes, err))
		return err
	})
	return outcomes, err
}

// settle marks the queries of failed re-placements as failed.
func (s *Scheduler) settle(ctx context.Context, outcomes []topologychange.Outcome) {
	for _, outcome := range outcomes {
		sqp, ok := s.plans[outcome.Request.SharedQueryID]
		if !ok {
			continue
		}
		if outcome.Err != nil {
			sqp.Status = plan.StatusFailed
		}
		s.record(ctx, sqp)
	}
}

func (s *Scheduler) record(ctx context.Context, sqp *plan.SharedQueryPlan) {
	if err := s.catalog.RecordSharedQueryPlan(ctx, sqp); err != nil {
		klog.FromContext(ctx).Error(err, "Failed to record shared query plan", "sharedQueryID", sqp.ID, "status", sqp.Status)
	}
}

func eventOutcome(outcomes []topologychange.Outcome, err error) string {
	switch {
	case failure.IsOrphanedRemoval(err):
		return metrics.OutcomeRefused
	case err != nil:
		return metrics.OutcomeFailed
	case len(outcomes) == 0:
		return metrics.OutcomeNoOp
	default:
		return metrics.OutcomeReplaced
	}
}
