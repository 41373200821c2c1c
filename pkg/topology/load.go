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
	"fmt"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"sigs.k8s.io/yaml"

	"github.com/streamgrid/placement/pkg/failure"
)

// Description is the serialized form of a topology.
type Description struct {
	Nodes []NodeDescription `json:"nodes"`
	Links []LinkDescription `json:"links,omitempty"`
}

// NodeDescription describes a single node.
type NodeDescription struct {
	ID          NodeID            `json:"id"`
	Slots       int               `json:"slots"`
	Maintenance bool              `json:"maintenance,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// LinkDescription describes a child→parent link.
type LinkDescription struct {
	Child     NodeID  `json:"child"`
	Parent    NodeID  `json:"parent"`
	Bandwidth float64 `json:"bandwidth"`
}

// Load parses a YAML topology description.
func Load(data []byte) (*Topology, error) {
	var desc Description
	if err := yaml.UnmarshalStrict(data, &desc); err != nil {
		return nil, failure.Wrap(failure.ReasonInvalidRequest, err, "parsing topology")
	}
	return FromDescription(desc)
}

// FromDescription builds a topology, reporting every invalid node and link.
func FromDescription(desc Description) (*Topology, error) {
	t := New()

	var errs []error
	for _, n := range desc.Nodes {
		if err := t.AddNode(n.ID, n.Slots, n.Labels); err != nil {
			errs = append(errs, err)
			continue
		}
		if n.Maintenance {
			if err := t.SetMaintenance(n.ID, true); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, l := range desc.Links {
		if err := t.AddLink(l.Child, l.Parent, l.Bandwidth); err != nil {
			errs = append(errs, fmt.Errorf("link %d->%d: %w", l.Child, l.Parent, err))
		}
	}
	if len(errs) > 0 {
		return nil, utilerrors.NewAggregate(errs)
	}
	return t, nil
}

// Describe returns the serializable form of the topology. Available slots
// are not part of the description.
func (t *Topology) Describe() Description {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var desc Description
	for _, id := range t.sortedIDs() {
		n := t.nodes[id]
		desc.Nodes = append(desc.Nodes, NodeDescription{
			ID:          id,
			Slots:       n.Capacity,
			Maintenance: n.Maintenance,
			Labels:      copyLabels(n.Labels),
		})
		for _, parent := range n.parents {
			desc.Links = append(desc.Links, LinkDescription{
				Child:     id,
				Parent:    parent,
				Bandwidth: t.bandwidth[linkKey{id, parent}],
			})
		}
	}
	return desc
}
