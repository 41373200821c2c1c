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

package placement

import (
	"fmt"
	"slices"
	"time"

	"github.com/spf13/pflag"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

const (
	// StrategyBottomUp places operators greedily as close to the sources as
	// capacity allows.
	StrategyBottomUp = "bottomup"
	// StrategyTopDown places operators greedily as close to the sinks as
	// capacity allows.
	StrategyTopDown = "topdown"
	// StrategyCostOptimal solves a mixed-integer model minimizing network
	// cost and over-utilization.
	StrategyCostOptimal = "costoptimal"
)

// Strategies lists the valid strategy names.
var Strategies = []string{StrategyBottomUp, StrategyTopDown, StrategyCostOptimal}

// Options configures placement.
type Options struct {
	// Strategy is the strategy used for new queries and re-placements.
	Strategy string

	// NetworkCostWeight weights the network cost in the cost-optimal objective.
	NetworkCostWeight float64

	// OverUtilizationCostWeight weights slot over-subscription in the
	// cost-optimal objective.
	OverUtilizationCostWeight float64

	// SolverTimeout bounds a single optimizer call.
	SolverTimeout time.Duration

	// NodeSelector is an optional CEL expression over "node" that must hold
	// for a node to receive operators.
	NodeSelector string
}

// NewOptions returns options with defaults favouring network cost.
func NewOptions() *Options {
	return &Options{
		Strategy:                  StrategyBottomUp,
		NetworkCostWeight:         1.0,
		OverUtilizationCostWeight: 0.1,
		SolverTimeout:             1000 * time.Millisecond,
	}
}

// AddFlags adds command line flags for the placement options.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Strategy, "placement-strategy", o.Strategy,
		fmt.Sprintf("Placement strategy, one of %q", Strategies))

	fs.Float64Var(&o.NetworkCostWeight, "network-cost-weight", o.NetworkCostWeight,
		"Weight of the network cost in the cost-optimal objective")

	fs.Float64Var(&o.OverUtilizationCostWeight, "over-utilization-cost-weight", o.OverUtilizationCostWeight,
		"Weight of slot over-utilization in the cost-optimal objective")

	fs.DurationVar(&o.SolverTimeout, "solver-timeout", o.SolverTimeout,
		"Maximum time a single optimizer call may take")

	fs.StringVar(&o.NodeSelector, "node-selector", o.NodeSelector,
		"CEL expression over 'node' restricting which nodes may host operators")
}

// Validate validates all option values.
func (o *Options) Validate() error {
	var errs []error

	if !slices.Contains(Strategies, o.Strategy) {
		errs = append(errs, fmt.Errorf("placement-strategy must be one of %q, got %q", Strategies, o.Strategy))
	}
	if o.NetworkCostWeight < 0 {
		errs = append(errs, fmt.Errorf("network-cost-weight must not be negative, got %v", o.NetworkCostWeight))
	}
	if o.OverUtilizationCostWeight < 0 {
		errs = append(errs, fmt.Errorf("over-utilization-cost-weight must not be negative, got %v", o.OverUtilizationCostWeight))
	}
	if o.SolverTimeout <= 0 {
		errs = append(errs, fmt.Errorf("solver-timeout must be positive, got %v", o.SolverTimeout))
	}

	return utilerrors.NewAggregate(errs)
}
