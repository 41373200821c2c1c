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

// placementctl replays a placement scenario: it builds a topology, deploys
// queries onto it and applies topology events, printing where every
// operator ends up.
package main

import (
	"context"
	goflag "flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/streamgrid/placement/cmd/placementctl/options"
)

func main() {
	cmd := newCommand()

	ctx := setupSignalHandler()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := options.NewOptions()

	cmd := &cobra.Command{
		Use:   "placementctl",
		Short: "Replay operator placement scenarios",
		Long: `placementctl places the operators of stream queries onto a node
topology and replays topology changes against them.

A scenario file lists the topology, the queries to deploy and the events
to apply afterwards, for example removing a link or a node.`,
		Example: `  placementctl -f scenario.yaml
  placementctl -f scenario.yaml --placement-strategy topdown
  placementctl -f scenario.yaml --placement-strategy costoptimal --solver-timeout 2s`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			completed, err := opts.Complete()
			if err != nil {
				return err
			}
			return run(cmd.Context(), completed, cmd.OutOrStdout())
		},
	}

	opts.AddFlags(cmd.Flags())

	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	cmd.Flags().AddGoFlagSet(klogFlags)

	return cmd
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
		<-c
		os.Exit(1) // second signal. Exit directly.
	}()
	return ctx
}
