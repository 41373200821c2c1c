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
	"fmt"

	"github.com/spf13/pflag"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/streamgrid/placement/pkg/placement"
	"github.com/streamgrid/placement/pkg/placement/cel"
)

// Options configures a Scheduler.
type Options struct {
	*placement.Options

	// QueueName names the request queue in logs and workqueue metrics.
	QueueName string
}

// NewOptions creates options with default values.
func NewOptions() *Options {
	return &Options{
		Options:   placement.NewOptions(),
		QueueName: "placement",
	}
}

// AddFlags adds command line flags for the scheduler and placement options.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	o.Options.AddFlags(fs)

	fs.StringVar(&o.QueueName, "queue-name", o.QueueName,
		"Name of the placement request queue")
}

// Validate validates all option values.
func (o *Options) Validate() error {
	var errs []error

	if o.Options == nil {
		errs = append(errs, fmt.Errorf("placement options are required"))
	} else if err := o.Options.Validate(); err != nil {
		errs = append(errs, err)
	}
	if o.QueueName == "" {
		errs = append(errs, fmt.Errorf("queue-name must not be empty"))
	}

	return utilerrors.NewAggregate(errs)
}

// Complete fills in missing values and compiles the node selector.
func (o *Options) Complete() (*CompletedOptions, error) {
	if o.Options == nil {
		o.Options = placement.NewOptions()
	}
	if o.QueueName == "" {
		o.QueueName = "placement"
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}

	completed := &CompletedOptions{Options: o}
	if o.NodeSelector != "" {
		env, err := cel.NewEnvironment()
		if err != nil {
			return nil, err
		}
		selector, err := env.Compile(o.NodeSelector)
		if err != nil {
			return nil, fmt.Errorf("invalid node-selector: %w", err)
		}
		completed.Selector = selector
	}
	return completed, nil
}

// CompletedOptions are validated options ready to build a Scheduler.
type CompletedOptions struct {
	*Options

	// Selector is nil when no node selector was configured.
	Selector placement.NodeSelector
}
