// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package contextstore keeps per-conversation message history with bounded
// retention and write-behind persistence.
//
// Each conversation is keyed by a browser tab id, or by the "default"
// sentinel when no tab context exists. Lists are capped at
// MaxContextMessages; the oldest turns are dropped from the front after
// every append. The in-memory map is authoritative for the process
// lifetime; persistence is asynchronous and failures there are reported,
// never propagated.
package contextstore
