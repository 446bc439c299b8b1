// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireSend], [RequireClosed] and
// [RequireEventually] encapsulate the timeout safety valve pattern
// (select with time.After fallback) so that individual tests do not
// need direct time.After calls. They are the only place in the test
// suite where real wall-clock time is used; timeouts under test run on
// lib/clock's fake clock.
//
// [RequireNoReceive] is the negative form, for asserting that an
// advert or frame was not sent.
//
// [UniqueID] and [Ed25519Key] produce stable, collision-free test
// identities.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
