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
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"
)

// ErrStopped is returned for requests submitted to or pending in a
// scheduler that has shut down.
var ErrStopped = errors.New("scheduler stopped")

// request is one unit of work for the single writer.
type request struct {
	id    string
	kind  string
	ctx   context.Context
	apply func(ctx context.Context) error
	done  chan error

	mu        sync.Mutex
	claimed   bool
	abandoned bool
}

// claim marks the request as picked up by the worker. It fails if the
// submitter has already given up on it.
func (r *request) claim() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abandoned {
		return false
	}
	r.claimed = true
	return true
}

// abandon withdraws a request the worker has not picked up yet. Once
// claimed, the request runs to completion and the submitter has to wait.
func (r *request) abandon() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimed {
		return false
	}
	r.abandoned = true
	return true
}

// requestQueue applies requests one at a time in submission order.
type requestQueue struct {
	name  string
	queue workqueue.TypedInterface[*request]

	// mu orders submissions against shutdown so nothing is added to a
	// queue that will no longer be drained.
	mu      sync.Mutex
	started bool
}

func newRequestQueue(name string) *requestQueue {
	return &requestQueue{
		name: name,
		queue: workqueue.NewTypedWithConfig(workqueue.TypedQueueConfig[*request]{
			Name: name,
		}),
	}
}

// run drains the queue with a single worker until ctx is cancelled.
func (q *requestQueue) run(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errors.New("scheduler already started")
	}
	q.started = true
	q.mu.Unlock()

	defer utilruntime.HandleCrash()

	klog.InfoS("Starting placement scheduler", "queue", q.name)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		wait.UntilWithContext(ctx, q.runWorker, time.Second)
	}()

	<-ctx.Done()
	klog.InfoS("Shutting down placement scheduler", "queue", q.name)

	q.mu.Lock()
	q.queue.ShutDown()
	q.mu.Unlock()
	wg.Wait()
	q.drain()

	klog.InfoS("Placement scheduler stopped", "queue", q.name)
	return nil
}

func (q *requestQueue) runWorker(ctx context.Context) {
	for q.processNextWorkItem(ctx) {
	}
}

func (q *requestQueue) processNextWorkItem(ctx context.Context) bool {
	req, quit := q.queue.Get()
	if quit {
		return false
	}
	defer q.queue.Done(req)

	if ctx.Err() != nil {
		req.done <- ErrStopped
		return false
	}
	if !req.claim() {
		return true
	}
	if err := req.ctx.Err(); err != nil {
		req.done <- err
		return true
	}

	logger := klog.FromContext(ctx).WithValues("requestID", req.id, "kind", req.kind)
	reqCtx := klog.NewContext(ctx, logger)

	logger.V(4).Info("Processing request")
	err := req.apply(reqCtx)
	if err != nil {
		logger.V(2).Info("Request failed", "err", err)
	}
	req.done <- err
	return true
}

// drain fails every request left behind after shutdown.
func (q *requestQueue) drain() {
	for {
		req, quit := q.queue.Get()
		if quit {
			return
		}
		req.done <- ErrStopped
		q.queue.Done(req)
	}
}

// submit enqueues apply and waits for its result. A cancelled ctx only
// withdraws a request that has not started; once the worker runs it, submit
// returns the outcome of apply.
func (q *requestQueue) submit(ctx context.Context, kind string, apply func(ctx context.Context) error) error {
	req := &request{
		id:    uuid.NewString(),
		kind:  kind,
		ctx:   ctx,
		apply: apply,
		done:  make(chan error, 1),
	}

	q.mu.Lock()
	if q.queue.ShuttingDown() {
		q.mu.Unlock()
		return ErrStopped
	}
	q.queue.Add(req)
	q.mu.Unlock()

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		if req.abandon() {
			return ctx.Err()
		}
		return <-req.done
	}
}

func (q *requestQueue) len() int {
	return q.queue.Len()
}
