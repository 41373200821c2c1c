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

	"github.com/streamgrid/placement/pkg/execution"
	"github.com/streamgrid/placement/pkg/plan"
)

// TypeInferencer infers the schemas flowing between operators. It runs on
// a shared query plan before its first placement and on the sub-plans of
// the query after every successful placement.
type TypeInferencer interface {
	InferSharedQueryPlan(ctx context.Context, sqp *plan.SharedQueryPlan) error
	InferSubPlans(ctx context.Context, subPlans []*execution.SubPlan) error
}

// QueryCatalog records shared query plan milestones. It is informational;
// its errors are logged and never fail a request.
type QueryCatalog interface {
	RecordSharedQueryPlan(ctx context.Context, sqp *plan.SharedQueryPlan) error
}

type noopInferencer struct{}

func (noopInferencer) InferSharedQueryPlan(context.Context, *plan.SharedQueryPlan) error { return nil }

func (noopInferencer) InferSubPlans(context.Context, []*execution.SubPlan) error { return nil }

type noopCatalog struct{}

func (noopCatalog) RecordSharedQueryPlan(context.Context, *plan.SharedQueryPlan) error { return nil }
