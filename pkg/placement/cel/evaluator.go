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

// Package cel evaluates node selector expressions that restrict which
// topology nodes may receive operators. Expressions see a single variable
// "node" with the keys id, capacity, availableSlots, maintenance and labels,
// for example:
//
//	node.availableSlots > 1 && matchesSelector(node, "tier in (edge,fog)")
package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"k8s.io/utils/clock"

	"github.com/streamgrid/placement/pkg/topology"
)

// Environment compiles node selector expressions and caches the programs.
type Environment struct {
	env   *cel.Env
	cache *programCache
}

// NewEnvironment creates a CEL environment with the node variable and the
// custom functions registered.
func NewEnvironment() (*Environment, error) {
	return newEnvironment(clock.RealClock{})
}

func newEnvironment(clk clock.PassiveClock) (*Environment, error) {
	opts := []cel.EnvOption{
		cel.Variable("node", nodeType),
	}
	for _, fn := range builtinFunctions() {
		opts = append(opts, fn.EnvOption())
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Environment{env: env, cache: newProgramCache(defaultCacheSize, clk)}, nil
}

func builtinFunctions() []CustomFunction {
	return []CustomFunction{
		NewHasLabelFunction(),
		NewHasCapacityFunction(),
		NewMatchesSelectorFunction(),
	}
}

// Compile compiles a boolean node selector expression.
func (e *Environment) Compile(expr string) (*NodeSelector, error) {
	hash := hashExpression(expr)
	if cached, ok := e.cache.get(hash); ok {
		return cached, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("expression compilation failed: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("node selector must return bool, got %s", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}

	selector := &NodeSelector{expression: expr, program: program}
	e.cache.set(hash, selector)
	return selector, nil
}

// NodeSelector decides whether a topology node may host operators.
type NodeSelector struct {
	expression string
	program    cel.Program
}

func (s *NodeSelector) String() string {
	return s.expression
}

// Eligible evaluates the selector against a node.
func (s *NodeSelector) Eligible(ctx context.Context, node topology.Node) (bool, error) {
	val, _, err := s.program.ContextEval(ctx, map[string]interface{}{
		"node": nodeVariables(node),
	})
	if err != nil {
		return false, fmt.Errorf("evaluating node selector %q on node %d: %w", s.expression, node.ID, err)
	}
	result, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("node selector %q returned %T", s.expression, val.Value())
	}
	return result, nil
}

func nodeVariables(node topology.Node) map[string]interface{} {
	nodeLabels := node.Labels
	if nodeLabels == nil {
		nodeLabels = map[string]string{}
	}
	return map[string]interface{}{
		"id":             int64(node.ID),
		"capacity":       int64(node.Capacity),
		"availableSlots": int64(node.AvailableSlots),
		"maintenance":    node.Maintenance,
		"labels":         nodeLabels,
	}
}
