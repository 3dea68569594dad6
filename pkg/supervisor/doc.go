// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package supervisor keeps a single authenticated WhatsApp Web connection
// alive. It decides when to reconnect, how long to wait, and when the
// persisted cryptographic session state is too broken to keep.
//
// # Core Types
//
// [Supervisor] owns the connection handle, the [State] and the attempt
// counters. Everything that happens on a connection reaches it as a [Signal]
// and is reduced to a [Category] by [Classify].
//
// [Backoff] maps a category and attempt number to a [Decision]: wait and
// retry, wipe everything and pair again, or stop for good.
//
// [Coordinator] handles SIGINT and SIGTERM: it announces the bot as offline
// while there is still a connection to announce it on, then stops the
// supervisor and the admin API.
//
// # Recovery Rules
//
// Conflicts back off exponentially and end in a full reset once the attempt
// cap is reached. A single bad MAC purges sessions and sender key memory
// right away. Other decrypt and stale session errors are counted and purge
// sessions once the threshold is reached. Being logged out is terminal.
//
// # Sub-packages
//
//   - sessionstore purges and persists session artifacts.
//   - notify sends online/offline presence and operator alerts.
//   - wsgateway dials the protocol gateway over WebSocket.
package supervisor
