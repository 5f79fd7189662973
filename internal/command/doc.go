// Package command defines the shared data model of the bridge: channels,
// commands, request/response envelopes, and the error taxonomy.
//
// This package contains type definitions only. Every other internal package
// imports command; command imports nothing internal.
//
// Key design constraints:
//   - A Command is immutable once built; WithRequestID returns a copy
//   - Args keep insertion order on the wire (ordered map)
//   - All JSON tags use snake_case
//   - The host side owns response envelopes; the bridge only reads them
package command
