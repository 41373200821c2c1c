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

package plan

// DefaultInputRate is the input rate assumed for operators without an
// explicit output rate annotation.
const DefaultInputRate = 10.0

// DefaultSourceRate is the output rate assumed for sources without an
// explicit annotation.
const DefaultSourceRate = 100.0

// The defaults below are placeholders rather than measured values.

// DefaultCost returns the slots an operator of the given kind consumes when
// it carries no explicit cost.
func DefaultCost(k Kind) int {
	switch k {
	case KindSink, KindSource, KindNetworkSource, KindNetworkSink:
		return 0
	case KindFilter, KindProjection:
		return 1
	default:
		return 2
	}
}

// DefaultOutputRate returns the output rate of an operator of the given
// kind when it carries no explicit annotation.
func DefaultOutputRate(k Kind) float64 {
	switch k {
	case KindSource:
		return DefaultSourceRate
	case KindSink:
		return 0
	case KindFilter:
		return 0.5 * DefaultInputRate
	case KindMap, KindJoin, KindUnion:
		return 2 * DefaultInputRate
	default:
		return DefaultInputRate
	}
}
