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
	"fmt"

	"k8s.io/utils/clock"

	"github.com/streamgrid/placement/pkg/execution"
	"github.com/streamgrid/placement/pkg/metrics"
	"github.com/streamgrid/placement/pkg/placement"
)

// instrumentedStrategy times placements, runs type inference on the sub-plans
// of successful ones and records the outcome.
type instrumentedStrategy struct {
	placement.Strategy

	plan       *execution.Plan
	inferencer TypeInferencer
	metrics    *metrics.PlacementMetrics
	clock      clock.PassiveClock
}

func (s *instrumentedStrategy) UpdateGlobalExecutionPlan(ctx context.Context, req placement.Request) (*placement.Result, error) {
	start := s.clock.Now()
	result, err := s.Strategy.UpdateGlobalExecutionPlan(ctx, req)
	if err == nil {
		err = s.inferSubPlans(ctx, req)
	}

	placed := 0
	if err == nil {
		placed = len(result.Placements)
	}
	s.metrics.ObservePlacement(s.Name(), err, s.clock.Since(start), placed)

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *instrumentedStrategy) inferSubPlans(ctx context.Context, req placement.Request) error {
	var subPlans []*execution.SubPlan
	for _, nodeID := range s.plan.NodesHosting(req.SharedQueryID) {
		if n, ok := s.plan.ExecutionNodeByNodeID(nodeID); ok {
			subPlans = append(subPlans, n.QuerySubPlans(req.SharedQueryID)...)
		}
	}
	if err := s.inferencer.InferSubPlans(ctx, subPlans); err != nil {
		return fmt.Errorf("inferring types of sub-plans of shared query plan %d: %w", req.SharedQueryID, err)
	}
	return nil
}
