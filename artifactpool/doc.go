// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package artifactpool stores validated artifacts by ID.
//
// Two implementations satisfy [Pool]: [Memory] for tests and
// short-lived nodes, and [Badger], which persists artifacts and the
// purge height in a BadgerDB directory.
//
// Put re-derives the ID from the payload and refuses anything that
// does not identify as the ID it is stored under, so a pool never
// holds a payload under someone else's name, and holds at most one
// payload per ID. PurgeBelow drops everything under a height and keeps
// it out afterwards.
//
// Subscribers receive an [Event] for each artifact added and each
// purge, through a bounded buffer that drops its oldest events when
// the consumer falls behind.
package artifactpool
