// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package peerset mirrors the subnet membership into transport
// connections. [Manager.UpdatePeers] diffs a membership against the
// current one and adds, removes or replaces transport peers;
// subscribers (the gossip engine) learn of each change through
// [Manager.Subscribe]. [Manager.Run] keeps applying what a [Source]
// reports: a fixed list ([StaticSource]) or snapshots published on
// NATS ([NATSSource]).
package peerset
