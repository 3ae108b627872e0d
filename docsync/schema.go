// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"fmt"
	"log/slog"
	"sort"
)

// collectionSpec is a validated Collection with its place in the dependency graph
type collectionSpec struct {
	Collection
	remote   string
	children []childRef // foreign keys of other collections pointing at this one
}

type childRef struct {
	coll *collectionSpec
	fk   ForeignKey
}

// registry holds the collections in upload order (parents first)
type registry struct {
	ordered []*collectionSpec
	byName  map[string]*collectionSpec
}

func (r *registry) reversed() []*collectionSpec {
	out := make([]*collectionSpec, len(r.ordered))
	for i, c := range r.ordered {
		out[len(r.ordered)-1-i] = c
	}
	return out
}

// subset returns the named collections, keeping dependency order
func (r *registry) subset(names []string) ([]*collectionSpec, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := r.byName[n]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownScope, n)
		}
		want[n] = true
	}
	var out []*collectionSpec
	for _, c := range r.ordered {
		if want[c.Name] {
			out = append(out, c)
		}
	}
	return out, nil
}

var bookkeepingColumns = map[string]bool{
	ColLocalID:   true,
	ColGlobalID:  true,
	ColUpdatedAt: true,
	ColIsSynced:  true,
	ColIsDeleted: true,
}

// buildRegistry validates collection definitions and orders them parents first
func buildRegistry(collections []Collection, logger *slog.Logger) (*registry, error) {
	if len(collections) == 0 {
		return nil, fmt.Errorf("no collections configured")
	}
	r := &registry{byName: make(map[string]*collectionSpec, len(collections))}
	declared := make([]*collectionSpec, 0, len(collections))
	remotes := make(map[string]string)

	for _, c := range collections {
		spec := &collectionSpec{Collection: c, remote: c.remoteName()}
		if err := validateCollection(&spec.Collection); err != nil {
			return nil, err
		}
		if _, dup := r.byName[c.Name]; dup {
			return nil, fmt.Errorf("collection %q declared twice", c.Name)
		}
		if other, dup := remotes[spec.remote]; dup {
			return nil, fmt.Errorf("collections %q and %q share remote collection %q", other, c.Name, spec.remote)
		}
		remotes[spec.remote] = c.Name
		r.byName[c.Name] = spec
		declared = append(declared, spec)
	}

	for _, spec := range declared {
		for _, fk := range spec.ForeignKeys {
			parent, ok := r.byName[fk.References]
			if !ok {
				return nil, fmt.Errorf("collection %q: foreign key %q references unknown collection %q", spec.Name, fk.Column, fk.References)
			}
			parent.children = append(parent.children, childRef{coll: spec, fk: fk})
		}
	}

	r.ordered = topologicalSort(declared, logger)
	return r, nil
}

func validateCollection(c *Collection) error {
	if !isValidIdentifier(c.Name) {
		return fmt.Errorf("invalid collection name %q (must match ^[a-z0-9_]+$)", c.Name)
	}
	if !isValidIdentifier(c.remoteName()) {
		return fmt.Errorf("collection %q: invalid remote name %q", c.Name, c.remoteName())
	}
	columns := make(map[string]bool)
	remoteFields := map[string]bool{UpdatedAtField: true}
	add := func(column, remote string) error {
		if !isValidIdentifier(column) {
			return fmt.Errorf("collection %q: invalid column name %q", c.Name, column)
		}
		if bookkeepingColumns[column] {
			return fmt.Errorf("collection %q: column %q is managed by the sync engine", c.Name, column)
		}
		if columns[column] {
			return fmt.Errorf("collection %q: column %q declared twice", c.Name, column)
		}
		if remote == "" || remoteFields[remote] {
			return fmt.Errorf("collection %q: remote field %q is empty, reserved or declared twice", c.Name, remote)
		}
		columns[column] = true
		remoteFields[remote] = true
		return nil
	}
	for i := range c.Fields {
		f := &c.Fields[i]
		if f.Kind < KindText || f.Kind > KindJSON {
			return fmt.Errorf("collection %q: field %q has unknown kind %d", c.Name, f.Column, int(f.Kind))
		}
		if err := add(f.Column, f.remoteName()); err != nil {
			return err
		}
	}
	for i := range c.ForeignKeys {
		fk := &c.ForeignKeys[i]
		if err := add(fk.Column, fk.remoteName()); err != nil {
			return err
		}
	}
	return nil
}

// topologicalSort orders collections so that every parent precedes its children (Kahn's
// algorithm, ties broken by declaration order). On a cycle the declared order is kept and
// cyclic references converge over several sessions.
func topologicalSort(declared []*collectionSpec, logger *slog.Logger) []*collectionSpec {
	index := make(map[string]int, len(declared))
	for i, c := range declared {
		index[c.Name] = i
	}

	inDegree := make(map[string]int, len(declared))
	dependents := make(map[string][]string, len(declared))
	for _, c := range declared {
		seen := make(map[string]bool)
		for _, fk := range c.ForeignKeys {
			if fk.References == c.Name || seen[fk.References] {
				continue // self-references do not constrain the order
			}
			seen[fk.References] = true
			inDegree[c.Name]++
			dependents[fk.References] = append(dependents[fk.References], c.Name)
		}
	}

	var queue []string
	for _, c := range declared {
		if inDegree[c.Name] == 0 {
			queue = append(queue, c.Name)
		}
	}

	result := make([]*collectionSpec, 0, len(declared))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, declared[index[current]])

		for _, child := range dependents[current] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
				sort.Slice(queue, func(i, j int) bool { return index[queue[i]] < index[queue[j]] })
			}
		}
	}

	if len(result) != len(declared) {
		logger.Warn("Circular dependency between collections, keeping declared order",
			"processed", len(result), "declared", len(declared))
		return declared
	}
	return result
}

// isValidIdentifier checks if name matches ^[a-z0-9_]+$
func isValidIdentifier(name string) bool {
	if len(name) == 0 {
		return false
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_') {
			return false
		}
	}
	return true
}
