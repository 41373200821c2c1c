/*
Copyright 2023 The KCP Authors.

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

package cel

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"k8s.io/apimachinery/pkg/labels"
)

// CustomFunction is a function made available to node selector expressions.
type CustomFunction interface {
	// Name returns the function name as it will appear in CEL expressions
	Name() string
	// EnvOption declares and binds the function.
	EnvOption() cel.EnvOption
}

var (
	nodeType      = cel.MapType(cel.StringType, cel.DynType)
	stringMapType = reflect.TypeOf(map[string]string{})
)

// hasLabelFunction implements hasLabel(node, key).
type hasLabelFunction struct{}

// NewHasLabelFunction creates a new hasLabel function.
func NewHasLabelFunction() CustomFunction {
	return &hasLabelFunction{}
}

func (f *hasLabelFunction) Name() string {
	return "hasLabel"
}

func (f *hasLabelFunction) EnvOption() cel.EnvOption {
	return cel.Function(f.Name(),
		cel.Overload("hasLabel_node_string",
			[]*cel.Type{nodeType, cel.StringType},
			cel.BoolType,
			cel.BinaryBinding(func(node, key ref.Val) ref.Val {
				nodeLabels, err := labelsOf(node)
				if err != nil {
					return types.NewErr("hasLabel: %v", err)
				}
				k, ok := key.(types.String)
				if !ok {
					return types.MaybeNoSuchOverloadErr(key)
				}
				_, found := nodeLabels[string(k)]
				return types.Bool(found)
			})))
}

// hasCapacityFunction implements hasCapacity(node, slots).
type hasCapacityFunction struct{}

// NewHasCapacityFunction creates a new hasCapacity function.
func NewHasCapacityFunction() CustomFunction {
	return &hasCapacityFunction{}
}

func (f *hasCapacityFunction) Name() string {
	return "hasCapacity"
}

func (f *hasCapacityFunction) EnvOption() cel.EnvOption {
	return cel.Function(f.Name(),
		cel.Overload("hasCapacity_node_int",
			[]*cel.Type{nodeType, cel.IntType},
			cel.BoolType,
			cel.BinaryBinding(func(node, slots ref.Val) ref.Val {
				m, ok := node.(traits.Mapper)
				if !ok {
					return types.MaybeNoSuchOverloadErr(node)
				}
				available, ok := m.Get(types.String("availableSlots")).(types.Int)
				if !ok {
					return types.NewErr("hasCapacity: node has no integer availableSlots")
				}
				wanted, ok := slots.(types.Int)
				if !ok {
					return types.MaybeNoSuchOverloadErr(slots)
				}
				return types.Bool(available >= wanted)
			})))
}

// matchesSelectorFunction implements matchesSelector(node, selector) where
// selector uses the label selector syntax, e.g. "tier=edge,zone in (a,b)".
type matchesSelectorFunction struct{}

// NewMatchesSelectorFunction creates a new matchesSelector function.
func NewMatchesSelectorFunction() CustomFunction {
	return &matchesSelectorFunction{}
}

func (f *matchesSelectorFunction) Name() string {
	return "matchesSelector"
}

func (f *matchesSelectorFunction) EnvOption() cel.EnvOption {
	return cel.Function(f.Name(),
		cel.Overload("matchesSelector_node_string",
			[]*cel.Type{nodeType, cel.StringType},
			cel.BoolType,
			cel.BinaryBinding(func(node, selector ref.Val) ref.Val {
				nodeLabels, err := labelsOf(node)
				if err != nil {
					return types.NewErr("matchesSelector: %v", err)
				}
				s, ok := selector.(types.String)
				if !ok {
					return types.MaybeNoSuchOverloadErr(selector)
				}
				parsed, err := labels.Parse(string(s))
				if err != nil {
					return types.NewErr("matchesSelector: invalid selector %q: %v", string(s), err)
				}
				return types.Bool(parsed.Matches(labels.Set(nodeLabels)))
			})))
}

// labelsOf extracts the labels of a node value.
func labelsOf(node ref.Val) (map[string]string, error) {
	m, ok := node.(traits.Mapper)
	if !ok {
		return nil, fmt.Errorf("expected a node map, got %s", node.Type())
	}
	raw, found := m.Find(types.String("labels"))
	if !found {
		return map[string]string{}, nil
	}
	native, err := raw.ConvertToNative(stringMapType)
	if err != nil {
		return nil, fmt.Errorf("labels: %w", err)
	}
	return native.(map[string]string), nil
}
