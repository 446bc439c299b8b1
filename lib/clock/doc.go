// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by the
// transport (rpc timeouts, reconnect backoff), the gossip engine (pull
// deadlines) and the peer set manager (membership polling).
//
// Production code holds a Clock field set to Real(). Tests use Fake()
// and drive time by hand:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go func() { _, err := transport.RPC(ctx, peer, endpoint, nil, 2*time.Second) }()
//	fake.WaitForTimers(1)         // rpc has armed its timeout
//	fake.Advance(2 * time.Second) // timeout fires exactly now
package clock
