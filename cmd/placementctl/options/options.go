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

package options

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/streamgrid/placement/pkg/scheduler"
)

// Options contains configuration for placementctl.
type Options struct {
	Scheduler *scheduler.Options

	// ScenarioFile is the YAML file with the topology, queries and events
	// to replay.
	ScenarioFile string

	// Strict makes the run fail when any query or event fails.
	Strict bool

	// NoColor disables colored output.
	NoColor bool
}

// NewOptions creates options with default values.
func NewOptions() *Options {
	return &Options{
		Scheduler: scheduler.NewOptions(),
	}
}

// AddFlags adds command line flags for all option fields.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	o.Scheduler.AddFlags(fs)

	fs.StringVarP(&o.ScenarioFile, "scenario", "f", o.ScenarioFile,
		"Path to the YAML scenario describing topology, queries and events")

	fs.BoolVar(&o.Strict, "strict", o.Strict,
		"Exit with an error if any query or event fails")

	fs.BoolVar(&o.NoColor, "no-color", o.NoColor,
		"Disable colored output")
}

// Validate validates all option values.
func (o *Options) Validate() error {
	var errs []error

	if o.ScenarioFile == "" {
		errs = append(errs, fmt.Errorf("--scenario is required"))
	}
	if err := o.Scheduler.Validate(); err != nil {
		errs = append(errs, err)
	}

	return utilerrors.NewAggregate(errs)
}

// Complete validates the options and prepares them for a run.
func (o *Options) Complete() (*CompletedOptions, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	completed, err := o.Scheduler.Complete()
	if err != nil {
		return nil, err
	}
	if o.NoColor {
		color.NoColor = true
	}
	return &CompletedOptions{Options: o, Scheduler: completed}, nil
}

// CompletedOptions are validated options.
type CompletedOptions struct {
	*Options

	Scheduler *scheduler.CompletedOptions
}
