/*
   davit: devcontainer Features tooling in native Go
   Copyright (C) 2025  Neil Santos

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.
*/

// Package hoist houses the devcontainer Features pipeline.
package hoist

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/heimdalr/dag"
)

// orderNode pairs a FeatureSet with the Feature it contributes to the
// installation graph.
type orderNode struct {
	set     *FeatureSet
	feature *Feature
}

// bareFeatureID reduces a feature reference (an installsAfter entry,
// an override-order entry, or a user feature id) to the bare id it
// names: tags are stripped, and for registry-qualified entries the
// last path segment wins.
func bareFeatureID(entry string) string {
	if !strings.HasPrefix(entry, "https://") {
		if colon := strings.LastIndex(entry, ":"); colon > strings.LastIndex(entry, "/") {
			entry = entry[:colon]
		}
	}
	if slash := strings.LastIndex(entry, "/"); slash >= 0 {
		entry = entry[slash+1:]
	}
	return strings.ToLower(entry)
}

// OrderFeatureSets computes the installation order over the given
// FeatureSets.
//
// Nodes are Features keyed by id; each installsAfter entry that
// resolves to a known node contributes a must-precede edge. Entries
// naming unknown Features are soft and silently ignored. An optional
// overrideOrder (the configuration's overrideFeatureInstallOrder)
// chains extra edges between the Features it names.
//
// The traversal is Kahn-style: each round emits the zero-indegree
// front in ascending lexicographic order of id, so the result is a
// topological order that is reproducible across runs regardless of
// fetch completion order.
func OrderFeatureSets(sets []*FeatureSet, overrideOrder []string) ([]*FeatureSet, error) {
	installDAG := dag.NewDAG()

	// Vertex keys are consecutive ids so the same Feature referenced
	// twice stays two nodes; edges are still wired by feature id.
	verticesByID := make(map[string][]string)
	for _, set := range sets {
		for _, feature := range set.Features {
			node := &orderNode{set: set, feature: feature}
			if err := installDAG.AddVertexByID(feature.ConsecutiveID, node); err != nil {
				return nil, err
			}
			id := strings.ToLower(feature.ID)
			verticesByID[id] = append(verticesByID[id], feature.ConsecutiveID)
		}
	}

	addEdges := func(depID string, targetID string) error {
		for _, fromVertex := range verticesByID[depID] {
			for _, toVertex := range verticesByID[targetID] {
				if fromVertex == toVertex {
					continue
				}
				err := installDAG.AddEdge(fromVertex, toVertex)
				if err == nil {
					continue
				}
				var loopErr dag.EdgeLoopError
				if errors.As(err, &loopErr) {
					return fmt.Errorf("cyclic feature dependency between %s and %s", depID, targetID)
				}
				var dupErr dag.EdgeDuplicateError
				if errors.As(err, &dupErr) {
					continue
				}
				return err
			}
		}
		return nil
	}

	for _, set := range sets {
		for _, feature := range set.Features {
			for _, dependency := range feature.InstallsAfter {
				depID := bareFeatureID(dependency)
				if _, known := verticesByID[depID]; !known {
					// installsAfter is a soft relationship; ids that
					// aren't part of this install set don't constrain
					// it.
					slog.Debug("ignoring installsAfter entry with no matching feature", "feature", feature.ID, "dependency", dependency)
					continue
				}
				if err := addEdges(depID, strings.ToLower(feature.ID)); err != nil {
					return nil, err
				}
			}
		}
	}

	for i := 0; i+1 < len(overrideOrder); i++ {
		fromID := bareFeatureID(overrideOrder[i])
		toID := bareFeatureID(overrideOrder[i+1])
		if _, ok := verticesByID[fromID]; !ok {
			continue
		}
		if err := addEdges(fromID, toID); err != nil {
			return nil, err
		}
	}

	var ordered []*FeatureSet
	emitted := make(map[*FeatureSet]bool)
	for installDAG.GetOrder() > 0 {
		roots := installDAG.GetRoots()
		if len(roots) == 0 {
			var residual []string
			for _, raw := range installDAG.GetVertices() {
				if node, ok := raw.(*orderNode); ok {
					residual = append(residual, node.feature.ID)
				}
			}
			slices.Sort(residual)
			return nil, fmt.Errorf("cyclic feature dependencies among: %s", strings.Join(residual, ", "))
		}

		front := slices.Collect(maps.Keys(roots))
		slices.SortFunc(front, func(a, b string) int {
			nodeA := roots[a].(*orderNode)
			nodeB := roots[b].(*orderNode)
			if c := strings.Compare(strings.ToLower(nodeA.feature.ID), strings.ToLower(nodeB.feature.ID)); c != 0 {
				return c
			}
			return strings.Compare(a, b)
		})

		for _, vertex := range front {
			node := roots[vertex].(*orderNode)
			node.feature.Included = true
			if !emitted[node.set] {
				emitted[node.set] = true
				ordered = append(ordered, node.set)
			}
			if err := installDAG.DeleteVertex(vertex); err != nil {
				return nil, err
			}
		}
	}

	return ordered, nil
}
