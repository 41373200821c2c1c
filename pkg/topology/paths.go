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

package topology

import (
	"slices"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/streamgrid/placement/pkg/failure"
)

// FindNodesBetween returns the shortest path from an upstream node to a
// downstream node following parent links. Both endpoints are included and
// the path is ordered upstream first.
func (t *Topology) FindNodesBetween(from, to NodeID) ([]NodeID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	path, err := t.shortestPath(from, sets.New(to))
	if err != nil {
		return nil, err
	}
	return path, nil
}

// FindPathBetween returns the sub-graph connecting every source node to its
// closest destination node. The result is ordered so that every node comes
// before its parents, with ties broken by id.
func (t *Topology) FindPathBetween(sources, destinations []NodeID) ([]NodeID, error) {
	if len(sources) == 0 || len(destinations) == 0 {
		return nil, failure.New(failure.ReasonInvalidRequest, "path lookup needs at least one source and one destination")
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	targets := sets.New(destinations...)
	members := sets.New[NodeID]()
	edges := map[NodeID]sets.Set[NodeID]{}
	for _, source := range sources {
		path, err := t.shortestPath(source, targets)
		if err != nil {
			return nil, err
		}
		members.Insert(path...)
		for i := 0; i+1 < len(path); i++ {
			if edges[path[i]] == nil {
				edges[path[i]] = sets.New[NodeID]()
			}
			edges[path[i]].Insert(path[i+1])
		}
	}
	return topologicalOrder(members, edges), nil
}

// FindCommonAncestor returns the closest node that has every given node as
// a descendant or is one of them. Nodes under maintenance are skipped. Only
// tree-shaped topologies are supported.
func (t *Topology) FindCommonAncestor(ids []NodeID) (NodeID, error) {
	if len(ids) == 0 {
		return 0, failure.New(failure.ReasonInvalidRequest, "common ancestor lookup needs at least one node")
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if err := t.validateTree(ids); err != nil {
		return 0, err
	}
	for _, id := range ids {
		if n := t.nodes[id]; len(n.parents) == 0 && t.coversAsAncestor(id, ids) {
			return id, nil
		}
	}

	current := ids[0]
	for {
		n := t.nodes[current]
		if !n.Maintenance && t.coversAsAncestor(current, ids) {
			return current, nil
		}
		if len(n.parents) == 0 {
			return 0, failure.New(failure.ReasonNoCommonAncestor, "nodes %v have no common ancestor", ids)
		}
		current = n.parents[0]
	}
}

// FindCommonChild returns the closest node that has every given node as an
// ancestor or is one of them. Nodes under maintenance are skipped.
func (t *Topology) FindCommonChild(ids []NodeID) (NodeID, error) {
	if len(ids) == 0 {
		return 0, failure.New(failure.ReasonInvalidRequest, "common child lookup needs at least one node")
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, id := range ids {
		if _, err := t.get(id); err != nil {
			return 0, err
		}
	}

	visited := sets.New(ids[0])
	queue := []NodeID{ids[0]}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		n := t.nodes[current]
		if !n.Maintenance {
			ancestors := t.ancestorsOf(current).Insert(current)
			if ancestors.HasAll(ids...) {
				return current, nil
			}
		}
		for _, child := range n.children {
			if !visited.Has(child) {
				visited.Insert(child)
				queue = append(queue, child)
			}
		}
	}
	return 0, failure.New(failure.ReasonNoCommonAncestor, "nodes %v have no common child", ids)
}

// coversAsAncestor reports whether every id is candidate or a descendant of
// candidate.
func (t *Topology) coversAsAncestor(candidate NodeID, ids []NodeID) bool {
	for _, id := range ids {
		if id != candidate && !t.ancestorsOf(id).Has(candidate) {
			return false
		}
	}
	return true
}

// shortestPath runs a breadth first search from source along parent links
// until any target is reached.
func (t *Topology) shortestPath(source NodeID, targets sets.Set[NodeID]) ([]NodeID, error) {
	if _, err := t.get(source); err != nil {
		return nil, err
	}

	previous := map[NodeID]NodeID{}
	visited := sets.New(source)
	queue := []NodeID{source}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if targets.Has(current) {
			path := []NodeID{current}
			for current != source {
				current = previous[current]
				path = append(path, current)
			}
			slices.Reverse(path)
			return path, nil
		}
		for _, parent := range t.nodes[current].parents {
			if !visited.Has(parent) {
				visited.Insert(parent)
				previous[parent] = current
				queue = append(queue, parent)
			}
		}
	}
	return nil, failure.New(failure.ReasonTopologyPathNotFound, "no path from node %d to any of %v", source, sets.List(targets))
}

func topologicalOrder(members sets.Set[NodeID], edges map[NodeID]sets.Set[NodeID]) []NodeID {
	inDegree := make(map[NodeID]int, members.Len())
	for id := range members {
		inDegree[id] += 0
		for parent := range edges[id] {
			inDegree[parent]++
		}
	}

	var ready []NodeID
	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	slices.Sort(ready)

	result := make([]NodeID, 0, members.Len())
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		result = append(result, current)
		for _, parent := range sets.List(edges[current]) {
			inDegree[parent]--
			if inDegree[parent] == 0 {
				ready = append(ready, parent)
				slices.Sort(ready)
			}
		}
	}
	return result
}
