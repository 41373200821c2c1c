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

package main

import (
	"fmt"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"sigs.k8s.io/yaml"

	"github.com/streamgrid/placement/pkg/plan"
	"github.com/streamgrid/placement/pkg/topology"
)

// Scenario is a topology, the queries deployed on it and the events
// replayed afterwards, in order.
type Scenario struct {
	Topology topology.Description `json:"topology"`
	Queries  []QueryDescription   `json:"queries,omitempty"`
	Events   []Event              `json:"events,omitempty"`
}

// QueryDescription describes a shared query plan.
type QueryDescription struct {
	ID        plan.SharedQueryID    `json:"id"`
	Operators []OperatorDescription `json:"operators"`
}

// OperatorDescription describes a logical operator. Sources and sinks must
// carry a pinned node.
type OperatorDescription struct {
	ID         plan.OperatorID   `json:"id"`
	Kind       string            `json:"kind"`
	Children   []plan.OperatorID `json:"children,omitempty"`
	Cost       *int              `json:"cost,omitempty"`
	OutputRate *float64          `json:"outputRate,omitempty"`
	PinnedNode *topology.NodeID  `json:"pinnedNode,omitempty"`
}

// LinkReference names an existing link by its upstream and downstream node.
type LinkReference struct {
	Upstream   topology.NodeID `json:"upstream"`
	Downstream topology.NodeID `json:"downstream"`
}

// Event is exactly one topology change or query lifecycle action.
type Event struct {
	AddNode    *topology.NodeDescription `json:"addNode,omitempty"`
	AddLink    *topology.LinkDescription `json:"addLink,omitempty"`
	RemoveLink *LinkReference            `json:"removeLink,omitempty"`
	RemoveNode *topology.NodeID          `json:"removeNode,omitempty"`
	AddQuery   *QueryDescription         `json:"addQuery,omitempty"`
	StopQuery  *plan.SharedQueryID       `json:"stopQuery,omitempty"`
}

func (e Event) actions() int {
	n := 0
	for _, set := range []bool{e.AddNode != nil, e.AddLink != nil, e.RemoveLink != nil, e.RemoveNode != nil, e.AddQuery != nil, e.StopQuery != nil} {
		if set {
			n++
		}
	}
	return n
}

// String describes the event for output.
func (e Event) String() string {
	switch {
	case e.AddNode != nil:
		return fmt.Sprintf("add node %d (%d slots)", e.AddNode.ID, e.AddNode.Slots)
	case e.AddLink != nil:
		return fmt.Sprintf("add link %d -> %d", e.AddLink.Child, e.AddLink.Parent)
	case e.RemoveLink != nil:
		return fmt.Sprintf("remove link %d -> %d", e.RemoveLink.Upstream, e.RemoveLink.Downstream)
	case e.RemoveNode != nil:
		return fmt.Sprintf("remove node %d", *e.RemoveNode)
	case e.AddQuery != nil:
		return fmt.Sprintf("add query %d", e.AddQuery.ID)
	case e.StopQuery != nil:
		return fmt.Sprintf("stop query %d", *e.StopQuery)
	default:
		return "empty event"
	}
}

// LoadScenario parses and validates a YAML scenario.
func LoadScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.UnmarshalStrict(data, &s); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}

	var errs []error
	for _, q := range s.Queries {
		if _, err := q.SharedQueryPlan(); err != nil {
			errs = append(errs, err)
		}
	}
	for i, e := range s.Events {
		if n := e.actions(); n != 1 {
			errs = append(errs, fmt.Errorf("event %d must have exactly one action, has %d", i, n))
			continue
		}
		if e.AddQuery != nil {
			if _, err := e.AddQuery.SharedQueryPlan(); err != nil {
				errs = append(errs, fmt.Errorf("event %d: %w", i, err))
			}
		}
	}
	if len(errs) > 0 {
		return nil, utilerrors.NewAggregate(errs)
	}
	return &s, nil
}

// SharedQueryPlan builds a fresh shared query plan from the description.
func (q QueryDescription) SharedQueryPlan() (*plan.SharedQueryPlan, error) {
	operators := make([]*plan.Operator, 0, len(q.Operators))
	for _, od := range q.Operators {
		kind, err := plan.ParseKind(od.Kind)
		if err != nil {
			return nil, fmt.Errorf("query %d operator %d: %w", q.ID, od.ID, err)
		}
		if kind.IsSystem() {
			return nil, fmt.Errorf("query %d operator %d: %s operators are inserted by placement", q.ID, od.ID, kind)
		}
		op := plan.NewOperator(od.ID, kind, od.Children...)
		op.Cost = od.Cost
		op.OutputRate = od.OutputRate
		op.PinnedNode = od.PinnedNode
		operators = append(operators, op)
	}

	sqp, err := plan.NewSharedQueryPlan(q.ID, operators)
	if err != nil {
		return nil, fmt.Errorf("query %d: %w", q.ID, err)
	}
	return sqp, nil
}
