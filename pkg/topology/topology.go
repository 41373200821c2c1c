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

// Package topology models the physical cluster as a graph of nodes linked
// child→parent. Data flows from children (sensors, edge devices) towards
// parents and eventually the root (cloud). Nodes carry a number of resource
// slots that the placement strategies consume.
package topology

import (
	"math"
	"slices"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/streamgrid/placement/pkg/failure"
)

// NodeID identifies a physical node.
type NodeID uint64

// Node is a read-only snapshot of a topology node.
type Node struct {
	ID NodeID
	// Capacity is the number of slots the node was registered with.
	Capacity int
	// AvailableSlots is decremented on placement and restored on removal.
	// It may become negative only through Overcommit.
	AvailableSlots int
	// Maintenance nodes never receive new operators.
	Maintenance bool
	Labels      map[string]string
}

type node struct {
	Node
	parents  []NodeID
	children []NodeID
}

type linkKey struct {
	child, parent NodeID
}

// Topology is the mutable graph of physical nodes. It is safe for concurrent
// readers; the placement engine is its only writer.
type Topology struct {
	mu        sync.RWMutex
	nodes     map[NodeID]*node
	bandwidth map[linkKey]float64
}

// New creates an empty topology.
func New() *Topology {
	return &Topology{
		nodes:     make(map[NodeID]*node),
		bandwidth: make(map[linkKey]float64),
	}
}

// AddNode registers a node with the given number of slots.
func (t *Topology) AddNode(id NodeID, slots int, labels map[string]string) error {
	if slots < 0 {
		return failure.New(failure.ReasonInvalidRequest, "node %d registered with negative slots %d", id, slots)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.nodes[id]; exists {
		return failure.New(failure.ReasonInvalidRequest, "node %d already exists", id)
	}
	t.nodes[id] = &node{Node: Node{
		ID:             id,
		Capacity:       slots,
		AvailableSlots: slots,
		Labels:         copyLabels(labels),
	}}
	return nil
}

// RemoveNode removes a node together with all of its links.
func (t *Topology) RemoveNode(id NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.get(id)
	if err != nil {
		return err
	}
	for _, parent := range slices.Clone(n.parents) {
		t.unlink(id, parent)
	}
	for _, child := range slices.Clone(n.children) {
		t.unlink(child, id)
	}
	delete(t.nodes, id)
	return nil
}

// AddLink connects child to parent. Links are directed towards the root and
// must not introduce a cycle.
func (t *Topology) AddLink(child, parent NodeID, bandwidth float64) error {
	if !(bandwidth > 0) || math.IsInf(bandwidth, 1) {
		return failure.New(failure.ReasonInvalidRequest, "link %d->%d must have finite positive bandwidth, got %v", child, parent, bandwidth)
	}
	if child == parent {
		return failure.New(failure.ReasonInvalidRequest, "node %d cannot be linked to itself", child)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := t.get(child)
	if err != nil {
		return err
	}
	p, err := t.get(parent)
	if err != nil {
		return err
	}
	if _, exists := t.bandwidth[linkKey{child, parent}]; exists {
		return failure.New(failure.ReasonInvalidRequest, "link %d->%d already exists", child, parent)
	}
	if t.ancestorsOf(parent).Has(child) {
		return failure.New(failure.ReasonUnsupportedTopologyShape, "link %d->%d would introduce a cycle", child, parent)
	}

	c.parents = insertSorted(c.parents, parent)
	p.children = insertSorted(p.children, child)
	t.bandwidth[linkKey{child, parent}] = bandwidth
	return nil
}

// RemoveLink removes the link between child and parent.
func (t *Topology) RemoveLink(child, parent NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.bandwidth[linkKey{child, parent}]; !exists {
		return failure.New(failure.ReasonNotFound, "link %d->%d does not exist", child, parent)
	}
	t.unlink(child, parent)
	return nil
}

// HasLink returns true if child is directly linked to parent.
func (t *Topology) HasLink(child, parent NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.bandwidth[linkKey{child, parent}]
	return exists
}

// Bandwidth returns the bandwidth of the child→parent link.
func (t *Topology) Bandwidth(child, parent NodeID) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bw, ok := t.bandwidth[linkKey{child, parent}]
	return bw, ok
}

// Contains returns true if the node exists.
func (t *Topology) Contains(id NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.nodes[id]
	return ok
}

// FindNodeWithID returns a snapshot of the node.
func (t *Topology) FindNodeWithID(id NodeID) (Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, err := t.get(id)
	if err != nil {
		return Node{}, err
	}
	return n.snapshot(), nil
}

// Nodes returns snapshots of all nodes ordered by id.
func (t *Topology) Nodes() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := t.sortedIDs()
	result := make([]Node, 0, len(ids))
	for _, id := range ids {
		result = append(result, t.nodes[id].snapshot())
	}
	return result
}

// Parents returns the downstream neighbours of a node.
func (t *Topology) Parents(id NodeID) []NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n, ok := t.nodes[id]; ok {
		return slices.Clone(n.parents)
	}
	return nil
}

// Children returns the upstream neighbours of a node.
func (t *Topology) Children(id NodeID) []NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n, ok := t.nodes[id]; ok {
		return slices.Clone(n.children)
	}
	return nil
}

// Roots returns all nodes without parents, ordered by id.
func (t *Topology) Roots() []NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.roots()
}

// Root returns the single root of the topology. Top-down placement of a
// query whose sinks are spread over several nodes needs one.
func (t *Topology) Root() (NodeID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	roots := t.roots()
	switch len(roots) {
	case 0:
		return 0, failure.New(failure.ReasonNotFound, "topology has no root node")
	case 1:
		return roots[0], nil
	default:
		return 0, failure.New(failure.ReasonUnsupportedTopologyShape, "topology has %d root nodes %v", len(roots), roots)
	}
}

// IsRoot returns true if the node exists and has no parents.
func (t *Topology) IsRoot(id NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	return ok && len(n.parents) == 0
}

// IsAncestor returns true if ancestor can be reached from id by following
// parent links. A node is not its own ancestor.
func (t *Topology) IsAncestor(ancestor, id NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ancestorsOf(id).Has(ancestor)
}

// ReachableDownstream returns every node reachable from id by following
// parent links, including id itself.
func (t *Topology) ReachableDownstream(id NodeID) sets.Set[NodeID] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.nodes[id]; !ok {
		return sets.New[NodeID]()
	}
	return t.ancestorsOf(id).Insert(id)
}

// ValidateTree rejects topologies in which any node on the way from the
// given nodes to the root has more than one parent.
func (t *Topology) ValidateTree(from ...NodeID) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.validateTree(from)
}

// SetMaintenance toggles the maintenance flag of a node.
func (t *Topology) SetMaintenance(id NodeID, maintenance bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.get(id)
	if err != nil {
		return err
	}
	n.Maintenance = maintenance
	return nil
}

// ReduceResources takes slots from a node. It fails if the node does not
// have enough available slots.
func (t *Topology) ReduceResources(id NodeID, slots int) error {
	if slots < 0 {
		return failure.New(failure.ReasonInvalidRequest, "cannot reduce node %d by negative slots %d", id, slots)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.get(id)
	if err != nil {
		return err
	}
	if n.AvailableSlots < slots {
		return failure.New(failure.ReasonCapacityExhausted, "node %d has %d available slots, %d requested", id, n.AvailableSlots, slots)
	}
	n.AvailableSlots -= slots
	return nil
}

// Overcommit takes slots from a node even if this drives its available
// slots below zero. The cost-optimal commit path uses it, where
// over-utilization has been priced into the objective, and so does undoing a
// slot release.
func (t *Topology) Overcommit(id NodeID, slots int) error {
	if slots < 0 {
		return failure.New(failure.ReasonInvalidRequest, "cannot reduce node %d by negative slots %d", id, slots)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.get(id)
	if err != nil {
		return err
	}
	n.AvailableSlots -= slots
	return nil
}

// IncreaseResources returns slots to a node.
func (t *Topology) IncreaseResources(id NodeID, slots int) error {
	if slots < 0 {
		return failure.New(failure.ReasonInvalidRequest, "cannot increase node %d by negative slots %d", id, slots)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.get(id)
	if err != nil {
		return err
	}
	n.AvailableSlots += slots
	return nil
}

// Clone returns a deep copy of the topology.
func (t *Topology) Clone() *Topology {
	t.mu.RLock()
	defer t.mu.RUnlock()

	clone := New()
	for id, n := range t.nodes {
		c := &node{
			Node:     n.snapshot(),
			parents:  slices.Clone(n.parents),
			children: slices.Clone(n.children),
		}
		clone.nodes[id] = c
	}
	for k, v := range t.bandwidth {
		clone.bandwidth[k] = v
	}
	return clone
}

func (t *Topology) get(id NodeID) (*node, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, failure.New(failure.ReasonNotFound, "topology node %d not found", id)
	}
	return n, nil
}

func (t *Topology) unlink(child, parent NodeID) {
	if c, ok := t.nodes[child]; ok {
		c.parents = remove(c.parents, parent)
	}
	if p, ok := t.nodes[parent]; ok {
		p.children = remove(p.children, child)
	}
	delete(t.bandwidth, linkKey{child, parent})
}

func (t *Topology) sortedIDs() []NodeID {
	ids := make([]NodeID, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (t *Topology) roots() []NodeID {
	var roots []NodeID
	for id, n := range t.nodes {
		if len(n.parents) == 0 {
			roots = append(roots, id)
		}
	}
	slices.Sort(roots)
	return roots
}

// ancestorsOf returns all strict ancestors of id.
func (t *Topology) ancestorsOf(id NodeID) sets.Set[NodeID] {
	result := sets.New[NodeID]()
	queue := []NodeID{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		n, ok := t.nodes[current]
		if !ok {
			continue
		}
		for _, parent := range n.parents {
			if !result.Has(parent) {
				result.Insert(parent)
				queue = append(queue, parent)
			}
		}
	}
	return result
}

// descendantsOf returns all strict descendants of id.
func (t *Topology) descendantsOf(id NodeID) sets.Set[NodeID] {
	result := sets.New[NodeID]()
	queue := []NodeID{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		n, ok := t.nodes[current]
		if !ok {
			continue
		}
		for _, child := range n.children {
			if !result.Has(child) {
				result.Insert(child)
				queue = append(queue, child)
			}
		}
	}
	return result
}

func (t *Topology) validateTree(from []NodeID) error {
	visited := sets.New[NodeID]()
	queue := slices.Clone(from)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited.Has(current) {
			continue
		}
		visited.Insert(current)
		n, err := t.get(current)
		if err != nil {
			return err
		}
		if len(n.parents) > 1 {
			return failure.New(failure.ReasonUnsupportedTopologyShape, "node %d has %d parents %v", current, len(n.parents), n.parents)
		}
		queue = append(queue, n.parents...)
	}
	return nil
}

func (n *node) snapshot() Node {
	s := n.Node
	s.Labels = copyLabels(n.Labels)
	return s
}

func copyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

func insertSorted(ids []NodeID, id NodeID) []NodeID {
	i, found := slices.BinarySearch(ids, id)
	if found {
		return ids
	}
	return slices.Insert(ids, i, id)
}

func remove(ids []NodeID, id NodeID) []NodeID {
	return slices.DeleteFunc(ids, func(other NodeID) bool { return other == id })
}
