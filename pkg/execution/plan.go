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

// Package execution holds the global execution plan: the per topology node
// view of which sub-plans of which shared query plans run where.
package execution

import (
	"cmp"
	"slices"
	"sync"

	"sigs.k8s.io/yaml"

	"github.com/streamgrid/placement/pkg/plan"
	"github.com/streamgrid/placement/pkg/topology"
)

// SystemOperatorIDBase is the first id handed out to generated network
// operators. User operator ids must stay below it.
const SystemOperatorIDBase plan.OperatorID = 1 << 40

// ExecutionNode is the set of sub-plans hosted by one topology node.
type ExecutionNode struct {
	ID topology.NodeID

	mu       sync.RWMutex
	subPlans map[plan.SharedQueryID][]*SubPlan
}

func newExecutionNode(id topology.NodeID) *ExecutionNode {
	return &ExecutionNode{ID: id, subPlans: make(map[plan.SharedQueryID][]*SubPlan)}
}

// PlacedSharedQueryPlanIDs returns the shared queries with at least one
// sub-plan on this node, in ascending order.
func (n *ExecutionNode) PlacedSharedQueryPlanIDs() []plan.SharedQueryID {
	n.mu.RLock()
	defer n.mu.RUnlock()

	ids := make([]plan.SharedQueryID, 0, len(n.subPlans))
	for id := range n.subPlans {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// QuerySubPlans returns the sub-plans of a shared query on this node ordered
// by sub-plan id.
func (n *ExecutionNode) QuerySubPlans(id plan.SharedQueryID) []*SubPlan {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.subPlans[id])
}

// HasSubPlans returns true if the node hosts anything.
func (n *ExecutionNode) HasSubPlans() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subPlans) > 0
}

func (n *ExecutionNode) addSubPlan(sp *SubPlan) {
	n.mu.Lock()
	defer n.mu.Unlock()

	plans := append(n.subPlans[sp.SharedQueryID], sp)
	slices.SortFunc(plans, func(a, b *SubPlan) int { return cmp.Compare(a.ID, b.ID) })
	n.subPlans[sp.SharedQueryID] = plans
}

func (n *ExecutionNode) removeSubPlan(sp *SubPlan) {
	n.mu.Lock()
	defer n.mu.Unlock()

	plans := slices.DeleteFunc(n.subPlans[sp.SharedQueryID], func(other *SubPlan) bool { return other.ID == sp.ID })
	if len(plans) == 0 {
		delete(n.subPlans, sp.SharedQueryID)
		return
	}
	n.subPlans[sp.SharedQueryID] = plans
}

func (n *ExecutionNode) dropSharedQuery(id plan.SharedQueryID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subPlans, id)
}

// Plan is the global execution plan.
//
// Lock order is Plan, then ExecutionNode, then SubPlan. Every change to the
// node map or to a node's sub-plan list holds the plan lock exclusively, so
// the plan's own readers may walk node maps under the read lock.
type Plan struct {
	mu    sync.RWMutex
	nodes map[topology.NodeID]*ExecutionNode

	nextSubPlanID        uint64
	nextSystemOperatorID plan.OperatorID
	nextPartition        uint64
}

// NewPlan creates an empty execution plan.
func NewPlan() *Plan {
	return &Plan{
		nodes:                make(map[topology.NodeID]*ExecutionNode),
		nextSubPlanID:        1,
		nextSystemOperatorID: SystemOperatorIDBase,
		nextPartition:        1,
	}
}

// ExecutionNodeByNodeID returns the execution node of a topology node.
func (p *Plan) ExecutionNodeByNodeID(id topology.NodeID) (*ExecutionNode, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, ok := p.nodes[id]
	return n, ok
}

// ExecutionNodeIDs returns the ids of all execution nodes in ascending order.
func (p *Plan) ExecutionNodeIDs() []topology.NodeID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sortedIDs()
}

// NodesHosting returns the topology nodes hosting sub-plans of a shared
// query.
func (p *Plan) NodesHosting(id plan.SharedQueryID) []topology.NodeID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var result []topology.NodeID
	for _, nodeID := range p.sortedIDs() {
		if _, ok := p.nodes[nodeID].subPlans[id]; ok {
			result = append(result, nodeID)
		}
	}
	return result
}

// NewSubPlan allocates an empty, detached sub-plan.
func (p *Plan) NewSubPlan(id plan.SharedQueryID) *SubPlan {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp := newSubPlan(p.nextSubPlanID, id)
	p.nextSubPlanID++
	return sp
}

// AddSubPlan attaches a sub-plan to a topology node, creating the execution
// node on first use.
func (p *Plan) AddSubPlan(nodeID topology.NodeID, sp *SubPlan) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.nodes[nodeID]
	if !ok {
		n = newExecutionNode(nodeID)
		p.nodes[nodeID] = n
	}
	n.addSubPlan(sp)
}

// RemoveSubPlan detaches a sub-plan. The execution node is dropped once its
// last sub-plan is gone.
func (p *Plan) RemoveSubPlan(nodeID topology.NodeID, sp *SubPlan) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.nodes[nodeID]
	if !ok {
		return
	}
	n.removeSubPlan(sp)
	if !n.HasSubPlans() {
		delete(p.nodes, nodeID)
	}
}

// RemoveExecutionNode drops an execution node with everything it hosts.
func (p *Plan) RemoveExecutionNode(nodeID topology.NodeID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.nodes, nodeID)
}

// RemoveSharedQuery drops every sub-plan of a shared query and returns the
// operators that were hosted, keyed by node.
func (p *Plan) RemoveSharedQuery(id plan.SharedQueryID) map[topology.NodeID][]*plan.Operator {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := map[topology.NodeID][]*plan.Operator{}
	for nodeID, n := range p.nodes {
		for _, sp := range n.subPlans[id] {
			removed[nodeID] = append(removed[nodeID], sp.Operators()...)
		}
		n.dropSharedQuery(id)
		if !n.HasSubPlans() {
			delete(p.nodes, nodeID)
		}
	}
	return removed
}

// LocateOperator finds the node and sub-plan hosting an operator of a shared
// query.
func (p *Plan) LocateOperator(id plan.SharedQueryID, operatorID plan.OperatorID) (topology.NodeID, *SubPlan, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, nodeID := range p.sortedIDs() {
		for _, sp := range p.nodes[nodeID].subPlans[id] {
			if sp.Has(operatorID) {
				return nodeID, sp, true
			}
		}
	}
	return 0, nil, false
}

// Placements returns, for every operator of a shared query, all nodes that
// host it. A consistent plan hosts each operator exactly once.
func (p *Plan) Placements(id plan.SharedQueryID) map[plan.OperatorID][]topology.NodeID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := map[plan.OperatorID][]topology.NodeID{}
	for _, nodeID := range p.sortedIDs() {
		for _, sp := range p.nodes[nodeID].subPlans[id] {
			for _, opID := range sp.OperatorIDs() {
				result[opID] = append(result[opID], nodeID)
			}
		}
	}
	return result
}

// NextSystemOperatorID hands out an id for a generated network operator.
func (p *Plan) NextSystemOperatorID() plan.OperatorID {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSystemOperatorID
	p.nextSystemOperatorID++
	return id
}

// NextPartition hands out the partition shared by a network sink and source.
func (p *Plan) NextPartition() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextPartition
	p.nextPartition++
	return id
}

// Snapshot returns a deep copy used to undo a failed placement.
func (p *Plan) Snapshot() *Plan {
	p.mu.RLock()
	defer p.mu.RUnlock()

	c := &Plan{
		nodes:                make(map[topology.NodeID]*ExecutionNode, len(p.nodes)),
		nextSubPlanID:        p.nextSubPlanID,
		nextSystemOperatorID: p.nextSystemOperatorID,
		nextPartition:        p.nextPartition,
	}
	for id, n := range p.nodes {
		cn := newExecutionNode(id)
		for sq, plans := range n.subPlans {
			for _, sp := range plans {
				cn.subPlans[sq] = append(cn.subPlans[sq], sp.clone())
			}
		}
		c.nodes[id] = cn
	}
	return c
}

// Restore replaces the content of p with the content of a snapshot. The
// snapshot must not be used afterwards. Id counters are not rewound so ids
// are never reused.
func (p *Plan) Restore(snapshot *Plan) {
	snapshot.mu.RLock()
	defer snapshot.mu.RUnlock()
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nodes = snapshot.nodes
	snapshot.nodes = make(map[topology.NodeID]*ExecutionNode)
}

// Dump renders the execution plan deterministically.
func (p *Plan) Dump() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	dump := make([]nodeDump, 0, len(p.nodes))
	for _, nodeID := range p.sortedIDs() {
		n := p.nodes[nodeID]
		nd := nodeDump{Node: nodeID}
		for _, sq := range n.PlacedSharedQueryPlanIDs() {
			qd := queryDump{SharedQueryID: sq}
			for _, sp := range n.subPlans[sq] {
				sd := subPlanDump{ID: sp.ID, Roots: sp.Roots()}
				for _, op := range sp.Operators() {
					sd.Operators = append(sd.Operators, operatorDump{
						ID:       op.ID,
						Kind:     op.Kind.String(),
						Children: op.Children,
						Network:  op.Network,
					})
				}
				qd.SubPlans = append(qd.SubPlans, sd)
			}
			nd.Queries = append(nd.Queries, qd)
		}
		dump = append(dump, nd)
	}
	return yaml.Marshal(dump)
}

type nodeDump struct {
	Node    topology.NodeID `json:"node"`
	Queries []queryDump     `json:"queries"`
}

type queryDump struct {
	SharedQueryID plan.SharedQueryID `json:"sharedQueryID"`
	SubPlans      []subPlanDump      `json:"subPlans"`
}

type subPlanDump struct {
	ID        uint64            `json:"id"`
	Roots     []plan.OperatorID `json:"roots"`
	Operators []operatorDump    `json:"operators"`
}

type operatorDump struct {
	ID       plan.OperatorID         `json:"id"`
	Kind     string                  `json:"kind"`
	Children []plan.OperatorID       `json:"children,omitempty"`
	Network  *plan.NetworkDescriptor `json:"network,omitempty"`
}

func (p *Plan) sortedIDs() []topology.NodeID {
	ids := make([]topology.NodeID, 0, len(p.nodes))
	for id := range p.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
