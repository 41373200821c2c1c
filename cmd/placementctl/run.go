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
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/streamgrid/placement/cmd/placementctl/options"
	"github.com/streamgrid/placement/pkg/failure"
	"github.com/streamgrid/placement/pkg/placement"
	"github.com/streamgrid/placement/pkg/plan"
	"github.com/streamgrid/placement/pkg/scheduler"
	"github.com/streamgrid/placement/pkg/topology"
	"github.com/streamgrid/placement/pkg/topologychange"
)

// run replays the scenario file against a fresh scheduler and prints every
// step followed by the final execution plan.
func run(ctx context.Context, opts *options.CompletedOptions, out io.Writer) error {
	data, err := os.ReadFile(opts.ScenarioFile)
	if err != nil {
		return err
	}
	s, err := LoadScenario(data)
	if err != nil {
		return err
	}
	topo, err := topology.FromDescription(s.Topology)
	if err != nil {
		return fmt.Errorf("building topology: %w", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		Topology:   topo,
		Options:    opts.Scheduler,
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			klog.ErrorS(err, "Scheduler stopped with error")
		}
	}()

	klog.FromContext(ctx).V(2).Info("Replaying scenario", "file", opts.ScenarioFile,
		"strategy", sched.StrategyName(), "queries", len(s.Queries), "events", len(s.Events))

	p := &printer{out: out}
	var errs []error
	for _, q := range s.Queries {
		errs = append(errs, p.step(fmt.Sprintf("add query %d", q.ID), addQuery(ctx, sched, p, q)))
	}
	for _, e := range s.Events {
		errs = append(errs, p.step(e.String(), apply(ctx, sched, p, e)))
	}

	if err := p.summary(sched); err != nil {
		return err
	}
	if opts.Strict {
		return utilerrors.NewAggregate(errs)
	}
	return nil
}

func addQuery(ctx context.Context, sched *scheduler.Scheduler, p *printer, q QueryDescription) error {
	sqp, err := q.SharedQueryPlan()
	if err != nil {
		return err
	}
	result, err := sched.AddQuery(ctx, sqp)
	if err != nil {
		return err
	}
	p.result(q.ID, result)
	return nil
}

func apply(ctx context.Context, sched *scheduler.Scheduler, p *printer, e Event) error {
	var (
		outcomes []topologychange.Outcome
		err      error
	)
	switch {
	case e.AddNode != nil:
		err = sched.AddNode(ctx, e.AddNode.ID, e.AddNode.Slots, e.AddNode.Labels)
	case e.AddLink != nil:
		err = sched.AddLink(ctx, e.AddLink.Child, e.AddLink.Parent, e.AddLink.Bandwidth)
	case e.RemoveLink != nil:
		outcomes, err = sched.RemoveLink(ctx, e.RemoveLink.Upstream, e.RemoveLink.Downstream)
	case e.RemoveNode != nil:
		outcomes, err = sched.RemoveNode(ctx, *e.RemoveNode)
	case e.AddQuery != nil:
		err = addQuery(ctx, sched, p, *e.AddQuery)
	case e.StopQuery != nil:
		err = sched.StopQuery(ctx, *e.StopQuery)
	}
	for _, o := range outcomes {
		if o.Err == nil {
			p.result(o.Request.SharedQueryID, o.Result)
		}
	}
	return err
}

type printer struct {
	out io.Writer
}

func (p *printer) step(name string, err error) error {
	switch {
	case err == nil:
		fmt.Fprintf(p.out, "%s %s\n", color.GreenString("[ok]"), name)
	case failure.IsOrphanedRemoval(err):
		fmt.Fprintf(p.out, "%s %s: %v\n", color.YellowString("[refused]"), name, err)
	default:
		fmt.Fprintf(p.out, "%s %s: %v\n", color.RedString("[failed]"), name, err)
	}
	return err
}

func (p *printer) result(id plan.SharedQueryID, result *placement.Result) {
	for _, opID := range sets.List(sets.KeySet(result.Placements)) {
		fmt.Fprintf(p.out, "    query %d operator %d -> node %s\n", id, opID,
			color.CyanString("%d", result.Placements[opID]))
	}
	if result.NetworkOperators > 0 {
		fmt.Fprintf(p.out, "    %d network operators\n", result.NetworkOperators)
	}
}

func (p *printer) summary(sched *scheduler.Scheduler) error {
	fmt.Fprintln(p.out, color.BlueString("Nodes:"))
	for _, n := range sched.Topology().Nodes() {
		slots := fmt.Sprintf("%d/%d", n.AvailableSlots, n.Capacity)
		if n.AvailableSlots < 0 {
			slots = color.RedString(slots)
		}
		fmt.Fprintf(p.out, "  node %d slots %s\n", n.ID, slots)
	}

	dump, err := sched.ExecutionPlan().Dump()
	if err != nil {
		return err
	}
	fmt.Fprintln(p.out, color.BlueString("Execution plan:"))
	_, err = p.out.Write(dump)
	return err
}
