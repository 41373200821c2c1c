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

// Package plan contains the logical operator model and the shared query plan
// the placement strategies operate on.
package plan

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/streamgrid/placement/pkg/topology"
)

// OperatorID identifies an operator within the system. Ids of user operators
// and system generated network operators never overlap.
type OperatorID uint64

// SharedQueryID identifies a shared query plan.
type SharedQueryID uint64

// Kind is the tagged operator kind.
type Kind int

const (
	KindSource Kind = iota + 1
	KindFilter
	KindMap
	KindProjection
	KindWindow
	KindJoin
	KindUnion
	KindSink
	KindNetworkSource
	KindNetworkSink
)

var kindNames = map[Kind]string{
	KindSource:        "Source",
	KindFilter:        "Filter",
	KindMap:           "Map",
	KindProjection:    "Projection",
	KindWindow:        "Window",
	KindJoin:          "Join",
	KindUnion:         "Union",
	KindSink:          "Sink",
	KindNetworkSource: "NetworkSource",
	KindNetworkSink:   "NetworkSink",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind resolves a kind by its case-insensitive name.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if strings.EqualFold(n, name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown operator kind %q", name)
}

// IsSystem returns true for network boundary operators that are generated
// by the placement engine and never appear in user plans.
func (k Kind) IsSystem() bool {
	return k == KindNetworkSource || k == KindNetworkSink
}

// IsNAry returns true for operators with more than one input.
func (k Kind) IsNAry() bool {
	return k == KindJoin || k == KindUnion
}

// OperatorState tracks an operator through placement.
type OperatorState int

const (
	StateToBePlaced OperatorState = iota
	StatePlaced
	StateToBeReplaced
)

func (s OperatorState) String() string {
	switch s {
	case StateToBePlaced:
		return "ToBePlaced"
	case StatePlaced:
		return "Placed"
	case StateToBeReplaced:
		return "ToBeReplaced"
	default:
		return fmt.Sprintf("OperatorState(%d)", int(s))
	}
}

// Edge is a logical data flow edge from Upstream to Downstream.
type Edge struct {
	Upstream   OperatorID `json:"upstream"`
	Downstream OperatorID `json:"downstream"`
}

func (e Edge) String() string {
	return fmt.Sprintf("%d->%d", e.Upstream, e.Downstream)
}

// CompareEdges orders edges by upstream, then downstream operator.
func CompareEdges(a, b Edge) int {
	if c := cmp.Compare(a.Upstream, b.Upstream); c != 0 {
		return c
	}
	return cmp.Compare(a.Downstream, b.Downstream)
}

// NetworkDescriptor is the payload of network boundary operators. A network
// sink and the network source it sends to share a Partition.
type NetworkDescriptor struct {
	Partition uint64 `json:"partition"`
	// PeerNode is the node hosting the other half of the pair.
	PeerNode     topology.NodeID `json:"peerNode"`
	PeerOperator OperatorID      `json:"peerOperator"`
	// Edge is the logical edge this boundary pair bridges.
	Edge Edge `json:"edge"`
}

// Operator is a node of the logical plan. Children are upstream operators,
// parents are downstream operators.
type Operator struct {
	ID         OperatorID
	Kind       Kind
	Cost       *int
	OutputRate *float64
	Children   []OperatorID
	Parents    []OperatorID
	PinnedNode *topology.NodeID
	State      OperatorState
	Network    *NetworkDescriptor
}

// EffectiveCost returns the explicit cost or the default for the kind.
func (o *Operator) EffectiveCost() int {
	if o.Cost != nil {
		return *o.Cost
	}
	return DefaultCost(o.Kind)
}

// EffectiveOutputRate returns the explicit output rate or the default for
// the kind.
func (o *Operator) EffectiveOutputRate() float64 {
	if o.OutputRate != nil {
		return *o.OutputRate
	}
	return DefaultOutputRate(o.Kind)
}

// Pinned returns the pinned node, if any.
func (o *Operator) Pinned() (topology.NodeID, bool) {
	if o.PinnedNode == nil {
		return 0, false
	}
	return *o.PinnedNode, true
}

// Clone returns a deep copy of the operator.
func (o *Operator) Clone() *Operator {
	c := *o
	c.Children = slices.Clone(o.Children)
	c.Parents = slices.Clone(o.Parents)
	if o.Cost != nil {
		cost := *o.Cost
		c.Cost = &cost
	}
	if o.OutputRate != nil {
		rate := *o.OutputRate
		c.OutputRate = &rate
	}
	if o.PinnedNode != nil {
		node := *o.PinnedNode
		c.PinnedNode = &node
	}
	if o.Network != nil {
		network := *o.Network
		c.Network = &network
	}
	return &c
}

func (o *Operator) String() string {
	return fmt.Sprintf("%s(%d)", o.Kind, o.ID)
}

// NewOperator returns an unplaced operator reading from children.
func NewOperator(id OperatorID, kind Kind, children ...OperatorID) *Operator {
	return &Operator{ID: id, Kind: kind, Children: children}
}
