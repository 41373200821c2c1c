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
	"github.com/streamgrid/placement/pkg/failure"
	"github.com/streamgrid/placement/pkg/topology"
)

// Mileage returns the distance of a node to the topology root, where every
// link counts with the inverse of its bandwidth. The root has mileage 0.
func Mileage(t *topology.Topology, id topology.NodeID) (float64, error) {
	return mileage(t, id, map[topology.NodeID]float64{})
}

func mileage(t *topology.Topology, id topology.NodeID, memo map[topology.NodeID]float64) (float64, error) {
	if m, ok := memo[id]; ok {
		return m, nil
	}
	if !t.Contains(id) {
		return 0, failure.New(failure.ReasonNotFound, "node %d not found", id)
	}

	parents := t.Parents(id)
	if len(parents) == 0 {
		memo[id] = 0
		return 0, nil
	}
	bandwidth, ok := t.Bandwidth(id, parents[0])
	if !ok {
		return 0, failure.New(failure.ReasonNotFound, "link %d->%d not found", id, parents[0])
	}
	up, err := mileage(t, parents[0], memo)
	if err != nil {
		return 0, err
	}

	memo[id] = 1/bandwidth + up
	return memo[id], nil
}
