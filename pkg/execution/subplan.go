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

package execution

import (
	"slices"
	"sync"

	"github.com/streamgrid/placement/pkg/plan"
)

// SubPlan is the part of a shared query plan that runs on one execution
// node. It holds copies of the operators; edges to operators outside the
// sub-plan are kept as references. Readers only ever see copies, so a
// sub-plan may be inspected while the placement writer changes it.
type SubPlan struct {
	ID            uint64
	SharedQueryID plan.SharedQueryID

	mu        sync.RWMutex
	operators map[plan.OperatorID]*plan.Operator
}

func newSubPlan(id uint64, sharedQueryID plan.SharedQueryID) *SubPlan {
	return &SubPlan{
		ID:            id,
		SharedQueryID: sharedQueryID,
		operators:     make(map[plan.OperatorID]*plan.Operator),
	}
}

// Add inserts a copy of op. Parent links are rebuilt from the children of
// the operators inside the sub-plan.
func (s *SubPlan) Add(op *plan.Operator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(op)
}

func (s *SubPlan) add(op *plan.Operator) {
	c := op.Clone()
	c.Parents = nil
	for _, other := range s.operators {
		if slices.Contains(other.Children, c.ID) {
			c.Parents = append(c.Parents, other.ID)
		}
	}
	slices.Sort(c.Parents)
	s.operators[c.ID] = c
	for _, child := range c.Children {
		if existing, ok := s.operators[child]; ok && !slices.Contains(existing.Parents, c.ID) {
			existing.Parents = append(existing.Parents, c.ID)
			slices.Sort(existing.Parents)
		}
	}
}

// Remove deletes an operator and the parent links pointing at it.
func (s *SubPlan) Remove(id plan.OperatorID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.operators[id]; !ok {
		return false
	}
	delete(s.operators, id)
	for _, other := range s.operators {
		other.Parents = slices.DeleteFunc(other.Parents, func(p plan.OperatorID) bool { return p == id })
	}
	return true
}

// ReplaceChild rewires the input old of operator id to replacement.
func (s *SubPlan) ReplaceChild(id, old, replacement plan.OperatorID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.operators[id]
	if !ok {
		return false
	}
	idx := slices.Index(op.Children, old)
	if idx < 0 {
		return false
	}
	op.Children[idx] = replacement
	if child, ok := s.operators[old]; ok {
		child.Parents = slices.DeleteFunc(child.Parents, func(p plan.OperatorID) bool { return p == id })
	}
	if child, ok := s.operators[replacement]; ok && !slices.Contains(child.Parents, id) {
		child.Parents = append(child.Parents, id)
		slices.Sort(child.Parents)
	}
	return true
}

// Has returns true if the sub-plan contains the operator.
func (s *SubPlan) Has(id plan.OperatorID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.operators[id]
	return ok
}

// Operator returns a copy of an operator held by the sub-plan.
func (s *SubPlan) Operator(id plan.OperatorID) (*plan.Operator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.operators[id]
	if !ok {
		return nil, false
	}
	return op.Clone(), true
}

// Operators returns copies of the operators ordered by id.
func (s *SubPlan) Operators() []*plan.Operator {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.operatorIDs()
	ops := make([]*plan.Operator, 0, len(ids))
	for _, id := range ids {
		ops = append(ops, s.operators[id].Clone())
	}
	return ops
}

// OperatorIDs returns the operator ids in ascending order.
func (s *SubPlan) OperatorIDs() []plan.OperatorID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.operatorIDs()
}

func (s *SubPlan) operatorIDs() []plan.OperatorID {
	ids := make([]plan.OperatorID, 0, len(s.operators))
	for id := range s.operators {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Roots returns the operators that have no downstream operator inside the
// sub-plan.
func (s *SubPlan) Roots() []plan.OperatorID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var roots []plan.OperatorID
	for _, id := range s.operatorIDs() {
		if len(s.operators[id].Parents) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Len returns the number of operators.
func (s *SubPlan) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.operators)
}

// Merge moves all operators of other into s.
func (s *SubPlan) Merge(other *SubPlan) {
	ops := other.Operators()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		s.add(op)
	}
}

func (s *SubPlan) clone() *SubPlan {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := newSubPlan(s.ID, s.SharedQueryID)
	for id, op := range s.operators {
		c.operators[id] = op.Clone()
	}
	return c
}
