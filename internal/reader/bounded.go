//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package reader

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Bounded runs op against r, giving up when ctx is done.
//
// Operations can't be cancelled once started, so an abandoned op keeps running.
// Whatever it does is suspect, so the Reader is marked contaminated:
// the next caller to acquire it after the op releases it
// finds the session in Error, to be initialized again.
func Bounded(ctx context.Context, r *Reader, op func(*Reader) error) error {
	var (
		mu       sync.Mutex
		finished bool
	)
	done := make(chan error, 1)

	go func() {
		err := op(r)
		mu.Lock()
		finished = true
		mu.Unlock()
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	mu.Lock()
	if finished {
		mu.Unlock()
		return <-done
	}
	// Whoever next acquires the reader, possibly op itself, fails the session.
	r.tainted.Store(true)
	mu.Unlock()

	return errors.Wrapf(ErrContaminated, "%s: %v", r.Name(), ctx.Err())
}
