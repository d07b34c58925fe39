// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// Package concurrent runs tasks on a bounded number of goroutines.
package concurrent

import (
	"context"
	"errors"
	"sync"
)

// WorkerPool runs tasks with at most size of them in flight.
type WorkerPool struct {
	size int
}

// NewWorkerPool creates a pool of size workers. Sizes below one are raised
// to one.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{size: size}
}

// Run executes every task and waits for all of them. Tasks not yet started
// when ctx is cancelled are skipped. The returned error joins the task
// errors and the context error, if any.
func (p *WorkerPool) Run(ctx context.Context, tasks ...func() error) error {
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	sem := make(chan struct{}, p.size)

	for _, task := range tasks {
		if err := acquire(ctx, sem); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func(task func() error) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := task(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(task)
	}

	wg.Wait()
	return errors.Join(errs...)
}

func acquire(ctx context.Context, sem chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case sem <- struct{}{}:
		return nil
	}
}
