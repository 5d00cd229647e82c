// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package config defines the format-agnostic configuration model for the
// pipeline engine, along with the Loader interface used to read it from a
// concrete source.
//
// # Core Concepts
//
//   - Project: a named container of build types. Projects form a tree and
//     child projects inherit their ancestors' parameters.
//
//   - VcsRoot: a source repository reference with a default branch. The
//     default branch is what the "<default>" token in branch filters means.
//
//   - BuildType: a unit of work with ordered steps, triggers, dependencies
//     on other build types, agent requirements, publish rules and params.
//     A composite build type has no steps and only aggregates its
//     dependencies.
//
//   - Dependency: a directed edge from a downstream build type to an
//     upstream one. Snapshot edges order execution on the same branch,
//     artifact edges additionally copy files produced upstream.
//
// The Model is plain data. All reference checking, cycle detection and
// parameter inheritance happens when a depgraph.Graph is built from it, so
// the Model itself can be produced by any loader or assembled in tests.
package config
