// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for an
// artifactp2p node.
//
// Configuration is loaded from a single file named by either the
// ARTIFACTP2P_CONFIG environment variable (via [Load]) or the --config
// flag (via [LoadFile]). There are no fallbacks and no file search.
//
// The file may contain environment-specific sections (development,
// staging, production) whose non-zero fields override the base values
// when [Config].Environment matches. ${HOME}, ${NODE_ID} and
// ${VAR:-default} are expanded in key_file and data_dir; nothing else
// reads the process environment.
//
// Node keys are OpenSSH ed25519 private keys ([LoadNodeKey]); peer keys
// in static membership are authorized_keys lines ([ParsePeerKey]).
//
// This package depends on no other artifactp2p packages.
package config
