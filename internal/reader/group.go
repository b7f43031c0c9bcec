//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package reader

import (
	"context"
	"sort"
	"strings"
	"sync"

	"edgexfoundry-holding/sampleguard-rfid/internal/protocol"
	"github.com/pkg/errors"
)

// A Group unites a collection of named Readers,
// typically sharing one simulated population,
// so they can be configured and driven together.
type Group struct {
	mu      sync.RWMutex
	readers map[string]*Reader
}

func NewGroup() *Group {
	return &Group{readers: map[string]*Reader{}}
}

// Add puts r in the Group under its name,
// replacing any Reader already there with the same name.
func (g *Group) Add(r *Reader) {
	g.mu.Lock()
	g.readers[r.Name()] = r
	g.mu.Unlock()
}

// Remove removes the named Reader from the Group, if present.
func (g *Group) Remove(name string) {
	g.mu.Lock()
	delete(g.readers, name)
	g.mu.Unlock()
}

func (g *Group) Get(name string) (*Reader, bool) {
	g.mu.RLock()
	r, ok := g.readers[name]
	g.mu.RUnlock()
	return r, ok
}

// Names returns the names of the Group's Readers, sorted.
func (g *Group) Names() []string {
	g.mu.RLock()
	names := make([]string, 0, len(g.readers))
	for name := range g.readers {
		names = append(names, name)
	}
	g.mu.RUnlock()

	sort.Strings(names)
	return names
}

func (g *Group) snapshot() map[string]*Reader {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m := make(map[string]*Reader, len(g.readers))
	for name, r := range g.readers {
		m[name] = r
	}
	return m
}

// apply runs f concurrently on every reader in m, each Bounded by ctx,
// and collects the failures into a MultiErr.
func apply(ctx context.Context, m map[string]*Reader, f func(*Reader) error) error {
	errs := make(chan error, len(m))
	wg := sync.WaitGroup{}
	wg.Add(len(m))
	for _, r := range m {
		go func(r *Reader) {
			defer wg.Done()
			if err := Bounded(ctx, r, f); err != nil {
				errs <- errors.WithMessagef(err, "reader %q", r.Name())
			}
		}(r)
	}

	wg.Wait()
	close(errs)
	var multiErr MultiErr
	for err := range errs {
		multiErr = append(multiErr, err)
	}
	if len(multiErr) == 0 {
		return nil
	}
	sort.Slice(multiErr, func(i, j int) bool { return multiErr[i].Error() < multiErr[j].Error() })
	return multiErr
}

// ConfigureAll changes the parameters of every Reader in the Group.
//
// The parameters must be valid for every Reader.
// If any Reader can't support them, nothing is configured
// and the error names the first Reader that refused.
//
// Otherwise, the Readers are configured concurrently.
// A failure to configure one Reader has no impact on others;
// the failures are collected into a MultiErr.
// A Reader still configuring when ctx is done is contaminated.
func (g *Group) ConfigureAll(ctx context.Context, p protocol.Params) error {
	m := g.snapshot()
	for _, name := range sortedNames(m) {
		if _, err := m[name].Validate(p); err != nil {
			return errors.WithMessagef(err, "parameters are invalid for %q", name)
		}
	}

	if err := apply(ctx, m, func(r *Reader) error { return r.Configure(p) }); err != nil {
		return errors.WithMessagef(err, "failed to configure %d readers", len(err.(MultiErr)))
	}
	return nil
}

// InitializeAll initializes every Reader in the Group concurrently.
func (g *Group) InitializeAll(ctx context.Context) error {
	return apply(ctx, g.snapshot(), (*Reader).Initialize)
}

// ScanAll runs an inventory on every Reader concurrently.
// Readers whose inventory failed are absent from the result.
func (g *Group) ScanAll(ctx context.Context, f protocol.Filter) (map[string]protocol.Inventory, error) {
	var mu sync.Mutex
	out := map[string]protocol.Inventory{}
	err := apply(ctx, g.snapshot(), func(r *Reader) error {
		inv, err := r.ScanInventory(f)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		// Results arriving after ctx is done are dropped; the caller may own out by then.
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "inventory finished too late")
		}
		out[r.Name()] = inv
		return nil
	})
	return out, err
}

func sortedNames(m map[string]*Reader) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MultiErr tracks a list of errors collected
// when an operation is applied to multiple things.
type MultiErr []error

// Error returns a single string listing all the collected errors,
// separated by a semicolon and a space ("; ").
func (me MultiErr) Error() string {
	strs := make([]string, len(me))
	for i, s := range me {
		strs[i] = s.Error()
	}

	return strings.Join(strs, "; ")
}

// Unwrap lets errors.Is and errors.As look through every collected error.
func (me MultiErr) Unwrap() []error {
	return me
}
