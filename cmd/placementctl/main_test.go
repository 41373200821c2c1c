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

package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/streamgrid/placement/cmd/placementctl/options"
	"github.com/streamgrid/placement/pkg/plan"
	"github.com/streamgrid/placement/pkg/topology"
)

func TestLoadScenario(t *testing.T) {
	tests := map[string]struct {
		data    string
		wantErr string
	}{
		"valid": {
			data: `
topology:
  nodes: [{id: 1, slots: 2}]
queries:
- id: 1
  operators:
  - {id: 1, kind: Source, pinnedNode: 1}
  - {id: 2, kind: sink, children: [1], pinnedNode: 1}
events:
- stopQuery: 1
`,
		},
		"unknown field": {
			data:    `topology: {nodes: [{id: 1, slots: 2, cpu: 4}]}`,
			wantErr: "parsing scenario",
		},
		"unknown kind": {
			data: `
topology: {nodes: [{id: 1, slots: 2}]}
queries:
- id: 1
  operators: [{id: 1, kind: shuffle}]
`,
			wantErr: `unknown operator kind "shuffle"`,
		},
		"network operator in a query": {
			data: `
topology: {nodes: [{id: 1, slots: 2}]}
queries:
- id: 1
  operators: [{id: 1, kind: networksource}]
`,
			wantErr: "inserted by placement",
		},
		"event with two actions": {
			data: `
topology: {nodes: [{id: 1, slots: 2}]}
events:
- {removeNode: 1, stopQuery: 1}
`,
			wantErr: "event 0 must have exactly one action, has 2",
		},
		"empty event": {
			data: `
topology: {nodes: [{id: 1, slots: 2}]}
events:
- {}
`,
			wantErr: "has 0",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s, err := LoadScenario([]byte(tc.data))
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, s.Queries, 1)
			sqp, err := s.Queries[0].SharedQueryPlan()
			require.NoError(t, err)
			assert.Equal(t, []plan.OperatorID{1}, sqp.Sources())
			sink, _ := sqp.Operator(2)
			assert.Equal(t, ptr.To[topology.NodeID](1), sink.PinnedNode)
		})
	}
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "remove link 2 -> 1", Event{RemoveLink: &LinkReference{Upstream: 2, Downstream: 1}}.String())
	assert.Equal(t, "remove node 3", Event{RemoveNode: ptr.To[topology.NodeID](3)}.String())
	assert.Equal(t, "stop query 7", Event{StopQuery: ptr.To[plan.SharedQueryID](7)}.String())
}

func TestRunScenario(t *testing.T) {
	color.NoColor = true

	tests := map[string]struct {
		strict  bool
		wantErr bool
	}{
		"lenient": {},
		"strict":  {strict: true, wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			opts := options.NewOptions()
			opts.ScenarioFile = "testdata/sensors.yaml"
			opts.Strict = tc.strict
			opts.NoColor = true
			completed, err := opts.Complete()
			require.NoError(t, err)

			var out bytes.Buffer
			err = run(context.Background(), completed, &out)
			if tc.wantErr {
				require.Error(t, err, "removing the sensor node is refused")
			} else {
				require.NoError(t, err)
			}

			output := out.String()
			assert.Contains(t, output, "[ok] add query 7")
			assert.Contains(t, output, "query 7 operator 2 -> node 2")
			assert.Contains(t, output, "[refused] remove node 3")
			assert.Contains(t, output, "[ok] remove node 2")
			assert.Contains(t, output, "query 7 operator 2 -> node 4")
			assert.Contains(t, output, "[ok] stop query 7")
			assert.Contains(t, output, "node 4 slots 2/2")
			assert.Contains(t, output, "Execution plan:\n[]\n")
		})
	}
}

func TestCommand(t *testing.T) {
	cmd := newCommand()
	assert.NotNil(t, cmd.Flags().Lookup("v"), "klog flags are registered")
	assert.NotNil(t, cmd.Flags().Lookup("scenario"))

	cmd.SetArgs([]string{"--no-color"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--scenario is required")
}
